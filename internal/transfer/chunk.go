package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// DefaultChunkSize bounds how much file data sits in memory at once.
const DefaultChunkSize = 32 * 1024

var (
	// ErrPaused is returned by Chunker.Next while production is paused.
	// State is kept; Resume allows Next to continue from the same index.
	ErrPaused = errors.New("chunker paused")

	// ErrCancelled is returned by Chunker.Next once the chunker is
	// cancelled. All progress is discarded.
	ErrCancelled = errors.New("chunker cancelled")
)

// Chunk is one indexed, bounded-size slice of file data. Chunks are
// immutable once created; ordering is defined solely by Index.
type Chunk struct {
	Index   int
	Payload []byte
	IsLast  bool
}

// Source is a file-like object: a name, a size, and byte-range slicing.
type Source interface {
	Name() string
	Size() int64
	Slice(offset, length int64) ([]byte, error)
}

// fileSource adapts a file on disk to Source.
type fileSource struct {
	path string
	size int64
}

// NewFileSource stats path and returns a Source reading from it. Each Slice
// call opens and closes the file, so no descriptor is held between chunks.
func NewFileSource(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source is a directory: %s", path)
	}
	return &fileSource{path: path, size: info.Size()}, nil
}

func (f *fileSource) Name() string { return filepath.Base(f.path) }
func (f *fileSource) Size() int64  { return f.size }

func (f *fileSource) Slice(offset, length int64) ([]byte, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer file.Close()

	buf := make([]byte, length)
	n, err := file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read source file: %w", err)
	}
	return buf[:n], nil
}

// Chunker is a cursor producing the chunks of a Source in index order,
// one at a time. Pause and cancel flags are polled before each read, so
// peak memory stays at one chunk regardless of file size.
type Chunker struct {
	src       Source
	chunkSize int64
	count     int

	mu        sync.Mutex
	index     int
	paused    bool
	cancelled bool
}

// NewChunker creates a cursor over src with the given chunk size.
// A non-positive chunkSize falls back to DefaultChunkSize.
func NewChunker(src Source, chunkSize int64) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	count := int((src.Size() + chunkSize - 1) / chunkSize)
	return &Chunker{
		src:       src,
		chunkSize: chunkSize,
		count:     count,
	}
}

// Count returns the total number of chunks, ceil(size/chunkSize).
func (c *Chunker) Count() int { return c.count }

// CurrentIndex returns the index the next call to Next will produce.
func (c *Chunker) CurrentIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// Pause stops chunk production without discarding state.
func (c *Chunker) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume lifts a pause. Production continues from the current index.
func (c *Chunker) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Cancel discards all progress. Subsequent Next calls return ErrCancelled.
func (c *Chunker) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
}

// Next produces the next chunk. It returns io.EOF when the source is
// exhausted, ErrPaused while paused, and ErrCancelled after cancellation.
// Flags are checked before reading, so an in-flight chunk is never split.
func (c *Chunker) Next() (Chunk, error) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return Chunk{}, ErrCancelled
	}
	if c.paused {
		c.mu.Unlock()
		return Chunk{}, ErrPaused
	}
	if c.index >= c.count {
		c.mu.Unlock()
		return Chunk{}, io.EOF
	}
	i := c.index
	c.mu.Unlock()

	offset := int64(i) * c.chunkSize
	length := c.chunkSize
	if remaining := c.src.Size() - offset; remaining < length {
		length = remaining
	}

	payload, err := c.src.Slice(offset, length)
	if err != nil {
		return Chunk{}, err
	}

	c.mu.Lock()
	c.index = i + 1
	c.mu.Unlock()

	return Chunk{
		Index:   i,
		Payload: payload,
		IsLast:  i == c.count-1,
	}, nil
}
