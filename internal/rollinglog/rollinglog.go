// Package rollinglog provides a fixed-capacity, multi-reader line buffer.
//
// A Log has a single logical writer and any number of readers.  Each
// reader owns its cursor: an absolute position in the sequence of all
// lines ever written.  Once the buffer is full the oldest lines are
// evicted; a reader that falls more than Capacity lines behind silently
// skips forward to the oldest retained line.
package rollinglog

import "sync"

// Log is a ring buffer of text lines.
type Log struct {
	mu    sync.RWMutex
	lines []string
	head  int // number of lines ever written
}

// New creates a Log that retains at most capacity lines.  A capacity
// below 1 is treated as 1.
func New(capacity int) *Log {
	if capacity < 1 {
		capacity = 1
	}
	return &Log{lines: make([]string, capacity)}
}

// Capacity returns the maximum number of retained lines.
func (l *Log) Capacity() int {
	return len(l.lines)
}

// AddLines appends a batch of lines.  The batch is applied atomically
// with respect to other appends and reads.
func (l *Log) AddLines(lines ...string) {
	if len(lines) == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Only the tail of an oversized batch can survive.
	if skip := len(lines) - len(l.lines); skip > 0 {
		l.head += skip
		lines = lines[skip:]
	}
	for _, line := range lines {
		l.lines[l.head%len(l.lines)] = line
		l.head++
	}
}

// Get copies as many lines as fit into out, starting at *cursor, and
// advances *cursor past them.  It returns the number of lines copied and
// never blocks: a cursor that has caught up with the writer yields 0.
func (l *Log) Get(out []string, cursor *int) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if oldest := l.oldest(); *cursor < oldest {
		*cursor = oldest
	}

	n := min(len(out), l.head-*cursor)
	if n <= 0 {
		return 0
	}
	for i := range n {
		out[i] = l.lines[(*cursor+i)%len(l.lines)]
	}
	*cursor += n
	return n
}

// Total returns the number of lines ever written.  It is the cursor
// value of a reader that has consumed everything.
func (l *Log) Total() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Len returns the number of retained lines.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head - l.oldest()
}

// Snapshot returns a copy of all retained lines, oldest first.
func (l *Log) Snapshot() []string {
	l.mu.RLock()
	n := l.head - l.oldest()
	l.mu.RUnlock()

	out := make([]string, n)
	cursor := 0
	got := l.Get(out, &cursor)
	return out[:got]
}

func (l *Log) oldest() int {
	return max(0, l.head-len(l.lines))
}
