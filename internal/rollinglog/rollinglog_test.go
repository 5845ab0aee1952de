package rollinglog

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(from, to int) []string {
	out := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, fmt.Sprintf("line-%d", i))
	}
	return out
}

func readAll(l *Log, cursor *int) []string {
	var out []string
	buf := make([]string, 7)
	for {
		n := l.Get(buf, cursor)
		if n == 0 {
			return out
		}
		out = append(out, buf[:n]...)
	}
}

func TestGet_EmptyLogReturnsZero(t *testing.T) {
	l := New(4)
	cursor := 0
	assert.Equal(t, 0, l.Get(make([]string, 10), &cursor))
	assert.Equal(t, 0, cursor)
}

func TestGet_CopiesInOrderAndAdvancesCursor(t *testing.T) {
	l := New(10)
	l.AddLines("a", "b", "c")

	cursor := 0
	buf := make([]string, 2)
	require.Equal(t, 2, l.Get(buf, &cursor))
	assert.Equal(t, []string{"a", "b"}, buf)
	assert.Equal(t, 2, cursor)

	require.Equal(t, 1, l.Get(buf, &cursor))
	assert.Equal(t, "c", buf[0])
	assert.Equal(t, 3, cursor)

	assert.Equal(t, 0, l.Get(buf, &cursor), "caught-up cursor yields nothing")
}

func TestOverflow_ReaderFromZeroSeesLastCapacityLines(t *testing.T) {
	for _, batch := range []int{1, 3, 5, 11} {
		t.Run(fmt.Sprintf("batch=%d", batch), func(t *testing.T) {
			l := New(5)
			total := 23
			for i := 0; i < total; i += batch {
				l.AddLines(lines(i, min(i+batch, total))...)
			}

			cursor := 0
			got := readAll(l, &cursor)
			assert.Equal(t, lines(total-5, total), got)
			assert.Equal(t, total, cursor)
			assert.Equal(t, 5, l.Len())
			assert.Equal(t, total, l.Total())
		})
	}
}

func TestOversizedBatchKeepsTail(t *testing.T) {
	l := New(3)
	l.AddLines(lines(0, 10)...)
	assert.Equal(t, lines(7, 10), l.Snapshot())
}

func TestIndependentCursors(t *testing.T) {
	l := New(8)
	l.AddLines(lines(0, 4)...)

	early := 0
	first := readAll(l, &early)

	l.AddLines(lines(4, 10)...)

	late := 0
	second := readAll(l, &late)
	rest := readAll(l, &early)

	assert.Equal(t, lines(0, 4), first)
	// The early reader continues where it stopped and loses the evicted lines.
	assert.Equal(t, lines(4, 10), rest)
	// The late reader sees only what is still retained.
	assert.Equal(t, lines(2, 10), second)
}

func TestConcurrentReadersSeeContiguousSuffix(t *testing.T) {
	l := New(64)
	const total = 5000

	var wg sync.WaitGroup
	results := make([][]string, 4)
	done := make(chan struct{})

	for r := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cursor := 0
			buf := make([]string, 16)
			for {
				n := l.Get(buf, &cursor)
				results[r] = append(results[r], buf[:n]...)
				if n == 0 {
					select {
					case <-done:
						results[r] = append(results[r], readAll(l, &cursor)...)
						return
					default:
					}
				}
			}
		}()
	}

	for i := 0; i < total; i += 10 {
		l.AddLines(lines(i, i+10)...)
	}
	close(done)
	wg.Wait()

	for _, got := range results {
		require.NotEmpty(t, got)
		var prev int
		for i, line := range got {
			var n int
			_, err := fmt.Sscanf(line, "line-%d", &n)
			require.NoError(t, err)
			if i > 0 {
				assert.Greater(t, n, prev, "lines must be strictly increasing")
			}
			prev = n
		}
		assert.Equal(t, fmt.Sprintf("line-%d", total-1), got[len(got)-1])
	}
}

func TestNewClampsCapacity(t *testing.T) {
	assert.Equal(t, 1, New(0).Capacity())
	assert.Equal(t, 1, New(-3).Capacity())
}
