package job

import (
	"context"
	"iter"
	"time"
)

const (
	minStreamDelay = 100 * time.Millisecond
	maxStreamDelay = time.Second
	streamBatch    = 256
)

// StreamLogs returns the job's log as a lazy sequence.  Each iteration
// starts from the oldest retained line with its own cursor.  A nil
// element is a flush marker emitted on every idle poll; consumers should
// flush their output, not stop.  The sequence ends once the job has
// completed and every line was yielded, or when ctx is done.
func (j *Job) StreamLogs(ctx context.Context) iter.Seq[*string] {
	return func(yield func(*string) bool) {
		buf := make([]string, streamBatch)
		cursor := 0
		delay := minStreamDelay

		for {
			completed := j.Completed()

			n := j.log.Get(buf, &cursor)
			if n > 0 {
				for i := range n {
					line := buf[i]
					if !yield(&line) {
						return
					}
				}
				delay = minStreamDelay
				continue
			}

			if completed {
				return
			}
			if !yield(nil) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-j.done:
			case <-time.After(delay):
				delay = min(delay*2, maxStreamDelay)
			}
		}
	}
}
