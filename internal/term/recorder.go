package term

import (
	"io"
	"sync"
)

// RingRecorder is a fixed-capacity circular buffer of recorded data events.
// It lets a late-attaching viewer replay recent terminal output. If an
// underlying writer is set, every event is also streamed to it.
type RingRecorder struct {
	mu       sync.RWMutex
	buf      []string
	capacity int
	pos      int // next write position
	full     bool
	out      io.Writer
}

// NewRingRecorder creates a recorder keeping the last capacity events.
// out may be nil.
func NewRingRecorder(capacity int, out io.Writer) *RingRecorder {
	return &RingRecorder{
		buf:      make([]string, capacity),
		capacity: capacity,
		out:      out,
	}
}

// Record appends an event to the ring and streams it to the writer if set.
func (r *RingRecorder) Record(text string) {
	r.mu.Lock()
	r.buf[r.pos] = text
	r.pos = (r.pos + 1) % r.capacity
	if r.pos == 0 {
		r.full = true
	}
	out := r.out
	r.mu.Unlock()

	if out != nil {
		io.WriteString(out, text)
	}
}

// Replay returns all recorded events in chronological order.
func (r *RingRecorder) Replay() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		result := make([]string, r.pos)
		copy(result, r.buf[:r.pos])
		return result
	}

	result := make([]string, r.capacity)
	copy(result, r.buf[r.pos:])
	copy(result[r.capacity-r.pos:], r.buf[:r.pos])
	return result
}
