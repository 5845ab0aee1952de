// Package store persists the controller's small amount of state in a
// single bbolt file: completed-job records, the mention seen-set,
// operator flags and short links.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/terrpan/runbot/internal/job"
)

const (
	completedBucket = "completed_jobs"
	seenBucket      = "seen_comments"
	flagsBucket     = "flags"
	linksBucket     = "short_links"
)

// Store is the bbolt-backed state store.
type Store struct {
	db *bolt.DB

	// linkBase prefixes short codes, e.g. "https://runbot.example/s/".
	linkBase string
}

// Compile-time checks against the interfaces the store serves.
var (
	_ job.RecordStore = (*Store)(nil)
	_ job.Shortener   = (*Store)(nil)
)

// Open opens or creates the store at path.  publicBaseURL is where the
// short-link route is served.
func Open(path, publicBaseURL string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{completedBucket, seenBucket, flagsBucket, linksBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, linkBase: strings.TrimSuffix(publicBaseURL, "/") + "/s/"}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Completed jobs
// ---------------------------------------------------------------------------

// SaveCompletedJob persists a completed-job record keyed by external id.
func (s *Store) SaveCompletedJob(_ context.Context, rec *job.CompletedRecord) error {
	if rec.ExternalID == "" {
		return fmt.Errorf("external id is required")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(completedBucket)).Put([]byte(rec.ExternalID), data)
	})
}

// TryGetCompletedJob looks up a record by external id.
func (s *Store) TryGetCompletedJob(_ context.Context, id string) (*job.CompletedRecord, bool, error) {
	var rec *job.CompletedRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(completedBucket)).Get([]byte(id))
		if data == nil {
			return nil
		}
		rec = &job.CompletedRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("unmarshal record %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return rec, rec != nil, nil
}

// ---------------------------------------------------------------------------
// Seen comments
// ---------------------------------------------------------------------------

// MarkSeen records a comment id and reports whether it was new.
func (s *Store) MarkSeen(_ context.Context, id int64) (bool, error) {
	var fresh bool
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(seenBucket))
		if b.Get(key) != nil {
			return nil
		}
		fresh = true

		ts := make([]byte, 8)
		binary.BigEndian.PutUint64(ts, uint64(time.Now().Unix()))
		return b.Put(key, ts)
	})
	return fresh, err
}

// PruneSeen drops seen-set entries recorded before cutoff.
func (s *Store) PruneSeen(_ context.Context, cutoff time.Time) (int, error) {
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(seenBucket))
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if len(v) == 8 && int64(binary.BigEndian.Uint64(v)) < cutoff.Unix() {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		pruned = len(stale)
		return nil
	})
	return pruned, err
}

// ---------------------------------------------------------------------------
// Flags
// ---------------------------------------------------------------------------

// GetFlag returns the value of an operator flag.
func (s *Store) GetFlag(_ context.Context, name string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(flagsBucket)).Get([]byte(strings.ToLower(name))); v != nil {
			value, ok = string(v), true
		}
		return nil
	})
	return value, ok, err
}

// SetFlag sets an operator flag; an empty value deletes it.
func (s *Store) SetFlag(_ context.Context, name, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(flagsBucket))
		if value == "" {
			return b.Delete([]byte(strings.ToLower(name)))
		}
		return b.Put([]byte(strings.ToLower(name)), []byte(value))
	})
}

// ---------------------------------------------------------------------------
// Short links
// ---------------------------------------------------------------------------

// Shorten stores longURL under a fresh code and returns the short URL.
func (s *Store) Shorten(_ context.Context, longURL string) (string, error) {
	var code string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(linksBucket))
		for range 5 {
			code = strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
			if b.Get([]byte(code)) == nil {
				return b.Put([]byte(code), []byte(longURL))
			}
		}
		return fmt.Errorf("no free short code")
	})
	if err != nil {
		return "", err
	}
	return s.linkBase + code, nil
}

// Resolve returns the URL stored under code.
func (s *Store) Resolve(_ context.Context, code string) (string, bool, error) {
	var target string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(linksBucket)).Get([]byte(code)); v != nil {
			target = string(v)
		}
		return nil
	})
	return target, target != "", err
}
