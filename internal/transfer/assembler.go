package transfer

import (
	"fmt"
	"sort"
	"sync"
)

// Assembler accumulates download chunks keyed by index, tolerating
// out-of-order and duplicate arrival. The artifact is only constructible
// once the final chunk has arrived and every index below it is present.
type Assembler struct {
	mu            sync.Mutex
	chunks        map[int][]byte
	bytesReceived int64
	nextExpected  int
	count         int // chunkCount, 0 until a chunk with IsLast arrives
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{chunks: make(map[int][]byte)}
}

// Add records a chunk. A chunk whose index is already present is dropped,
// making re-delivery idempotent. Returns whether the chunk was new.
func (a *Assembler) Add(ch Chunk) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.chunks[ch.Index]; dup {
		return false
	}

	a.chunks[ch.Index] = ch.Payload
	a.bytesReceived += int64(len(ch.Payload))
	if ch.IsLast {
		a.count = ch.Index + 1
	}

	// Advance across any contiguous run. Gap reporting only; acceptance is
	// never gated on order.
	for {
		if _, ok := a.chunks[a.nextExpected]; !ok {
			break
		}
		a.nextExpected++
	}
	return true
}

// BytesReceived returns the total payload bytes of first-time chunks.
func (a *Assembler) BytesReceived() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytesReceived
}

// NextExpectedIndex returns the lowest index not yet received.
func (a *Assembler) NextExpectedIndex() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextExpected
}

// Count returns the total chunk count, or 0 while the final chunk is
// outstanding.
func (a *Assembler) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Complete reports whether the final chunk arrived and no index below it
// is missing.
func (a *Assembler) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count > 0 && len(a.chunks) == a.count
}

// Gaps lists the missing indices below the highest received index, or below
// the known count once the final chunk has arrived.
func (a *Assembler) Gaps() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	limit := a.count
	if limit == 0 {
		for i := range a.chunks {
			if i >= limit {
				limit = i + 1
			}
		}
	}

	var gaps []int
	for i := 0; i < limit; i++ {
		if _, ok := a.chunks[i]; !ok {
			gaps = append(gaps, i)
		}
	}
	sort.Ints(gaps)
	return gaps
}

// Assemble walks indices 0..count-1 in order and concatenates the payloads.
// It fails fast on the first missing index, even if the final chunk was
// seen, and errors while the final chunk is still outstanding.
func (a *Assembler) Assemble() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == 0 {
		return nil, fmt.Errorf("final chunk not received")
	}

	out := make([]byte, 0, a.bytesReceived)
	for i := 0; i < a.count; i++ {
		payload, ok := a.chunks[i]
		if !ok {
			return nil, fmt.Errorf("missing chunk %d of %d", i, a.count)
		}
		out = append(out, payload...)
	}
	return out, nil
}
