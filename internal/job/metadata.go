package job

import (
	"iter"
	"strings"
	"sync"
)

// Well-known metadata keys.
const (
	MetaJobType         = "JobType"
	MetaExternalID      = "ExternalId"
	MetaInitiator       = "Initiator"
	MetaCustomArguments = "CustomArguments"
	MetaStartTime       = "JobStartTime"
	MetaMaxEndTime      = "JobMaxEndTime"
	MetaPrRepo          = "PrRepo"
	MetaPrBranch        = "PrBranch"
	MetaBaseRepo        = "BaseRepo"
	MetaBaseBranch      = "BaseBranch"
	MetaPullRequest     = "PullRequest"
	MetaDependsOn       = "DependsOn"
	MetaCombineWith     = "CombineWith"
	MetaProvisioner     = "Provisioner"
	MetaArtifactsPrefix = "ArtifactsPrefix"
)

// Metadata is an ordered string map with case-insensitive keys.  Keys
// keep the spelling and position of their first insertion.
type Metadata struct {
	mu     sync.RWMutex
	keys   []string
	values map[string]string // lower-cased key -> value
}

// NewMetadata returns an empty Metadata.
func NewMetadata() *Metadata {
	return &Metadata{values: make(map[string]string)}
}

// Set adds or replaces the value for key.
func (m *Metadata) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lk := strings.ToLower(key)
	if _, ok := m.values[lk]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[lk] = value
}

// Get returns the value for key.
func (m *Metadata) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[strings.ToLower(key)]
	return v, ok
}

// Value returns the value for key or "".
func (m *Metadata) Value(key string) string {
	v, _ := m.Get(key)
	return v
}

// Len returns the number of keys.
func (m *Metadata) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// All iterates over a snapshot of the entries in insertion order.
func (m *Metadata) All() iter.Seq2[string, string] {
	m.mu.RLock()
	keys := append([]string(nil), m.keys...)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = m.values[strings.ToLower(k)]
	}
	m.mu.RUnlock()

	return func(yield func(string, string) bool) {
		for i, k := range keys {
			if !yield(k, values[i]) {
				return
			}
		}
	}
}

// Snapshot returns a copy of the entries as a plain map.
func (m *Metadata) Snapshot() map[string]string {
	out := make(map[string]string, m.Len())
	for k, v := range m.All() {
		out[k] = v
	}
	return out
}
