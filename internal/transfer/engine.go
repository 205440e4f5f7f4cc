package transfer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"termgate/internal/protocol"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Emitter sends a message to the gateway. The session manager implements it.
type Emitter interface {
	Emit(msgType string, payload interface{}) error
}

// Engine slices outbound files into ordered chunks and reassembles inbound
// chunks into downloadable artifacts. It tracks per-transfer progress and
// supports pause and cancel. Transfer records are mutated only through the
// engine and its registry, never directly by callers.
type Engine struct {
	emitter   Emitter
	reg       *Registry
	chunkSize int64
	log       zerolog.Logger

	mu        sync.Mutex
	uploads   map[string]*uploadState  // arena key → state
	downloads map[string]*Assembler    // arena key → assembler
	listings  map[string]func(p protocol.ListingPayload)
	results   map[string]func(p protocol.ResultPayload)

	onUpdate   func(t Transfer)
	onArtifact func(t Transfer, data []byte)
}

type uploadState struct {
	chunker *Chunker
	sent    int64
	running bool
}

// New creates an engine emitting through the given Emitter.
// A non-positive chunkSize falls back to DefaultChunkSize.
func New(emitter Emitter, chunkSize int64, logger zerolog.Logger) *Engine {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Engine{
		emitter:   emitter,
		reg:       NewRegistry(),
		chunkSize: chunkSize,
		log:       logger,
		uploads:   make(map[string]*uploadState),
		downloads: make(map[string]*Assembler),
		listings:  make(map[string]func(p protocol.ListingPayload)),
		results:   make(map[string]func(p protocol.ResultPayload)),
	}
}

// Registry exposes the transfer records for listing and clearing.
func (e *Engine) Registry() *Registry { return e.reg }

// OnUpdate registers a listener for every progress or status change.
// Byte rates and ETAs are derived by the caller from these samples.
func (e *Engine) OnUpdate(fn func(t Transfer)) {
	e.mu.Lock()
	e.onUpdate = fn
	e.mu.Unlock()
}

// OnArtifact registers the callback receiving completed download artifacts.
func (e *Engine) OnArtifact(fn func(t Transfer, data []byte)) {
	e.mu.Lock()
	e.onArtifact = fn
	e.mu.Unlock()
}

// Upload starts streaming src to remotePath. It returns the placeholder
// record immediately; the server assigns the canonical identifier with its
// first progress acknowledgment.
func (e *Engine) Upload(src Source, remotePath string) Transfer {
	t := e.reg.Create(DirectionUpload, src.Name(), remotePath, src.Size())
	st := &uploadState{chunker: NewChunker(src, e.chunkSize), running: true}

	e.mu.Lock()
	e.uploads[t.Key] = st
	e.mu.Unlock()

	go e.runUpload(t.Key, st)
	return t
}

// runUpload is the production loop: one chunk in memory at a time, flags
// polled at every chunk boundary.
func (e *Engine) runUpload(key string, st *uploadState) {
	e.reg.SetStatus(key, StatusActive, "")
	e.notify(key)

	for {
		ch, err := st.chunker.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrPaused) {
			e.mu.Lock()
			st.running = false
			e.mu.Unlock()
			e.reg.SetStatus(key, StatusPaused, "")
			e.notify(key)
			return
		}
		if errors.Is(err, ErrCancelled) {
			e.dropUpload(key)
			e.reg.SetStatus(key, StatusCancelled, "")
			e.notify(key)
			return
		}
		if err != nil {
			e.fail(key, fmt.Sprintf("read chunk: %v", err))
			return
		}

		t, ok := e.reg.Get(key)
		if !ok {
			return // Record cleared mid-flight.
		}
		err = e.emitter.Emit(protocol.TypeSFTPUploadChunk, protocol.TransferChunkPayload{
			TransferID: t.ID,
			ChunkIndex: ch.Index,
			Data:       base64.StdEncoding.EncodeToString(ch.Payload),
			IsLast:     ch.IsLast,
		})
		if err != nil {
			e.fail(key, fmt.Sprintf("send chunk %d: %v", ch.Index, err))
			return
		}

		st.sent += int64(len(ch.Payload))
		e.reg.Progress(key, st.sent)
		e.notify(key)
	}

	e.dropUpload(key)
	e.reg.SetStatus(key, StatusCompleted, "")
	e.notify(key)
}

// Download asks the gateway to stream a remote file and returns the
// placeholder record.
func (e *Engine) Download(remotePath string) (Transfer, error) {
	t := e.reg.Create(DirectionDownload, path.Base(remotePath), remotePath, 0)

	e.mu.Lock()
	e.downloads[t.Key] = NewAssembler()
	e.mu.Unlock()

	err := e.emitter.Emit(protocol.TypeSFTPDownloadReq, protocol.DownloadRequestPayload{
		TransferID: t.ID,
		RemotePath: remotePath,
	})
	if err != nil {
		e.fail(t.Key, fmt.Sprintf("request download: %v", err))
		return t, err
	}

	e.reg.SetStatus(t.Key, StatusActive, "")
	e.notify(t.Key)
	return t, nil
}

// RequestChunk re-fetches a single chunk of an active download. Retry is a
// caller decision; the engine never retries on its own.
func (e *Engine) RequestChunk(publicID string, index int) error {
	t, ok := e.reg.Resolve(publicID)
	if !ok {
		return fmt.Errorf("unknown transfer: %s", publicID)
	}
	return e.emitter.Emit(protocol.TypeSFTPDownloadReq, protocol.DownloadRequestPayload{
		TransferID: t.ID,
		ChunkIndex: &index,
	})
}

// Gaps reports the missing chunk indices of a download.
func (e *Engine) Gaps(publicID string) []int {
	t, ok := e.reg.Resolve(publicID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	asm := e.downloads[t.Key]
	e.mu.Unlock()
	if asm == nil {
		return nil
	}
	return asm.Gaps()
}

// Pause stops an upload's chunk production at the next chunk boundary.
func (e *Engine) Pause(publicID string) error {
	t, ok := e.reg.Resolve(publicID)
	if !ok {
		return fmt.Errorf("unknown transfer: %s", publicID)
	}
	e.mu.Lock()
	st := e.uploads[t.Key]
	e.mu.Unlock()
	if st == nil {
		return fmt.Errorf("transfer not pausable: %s", publicID)
	}
	st.chunker.Pause()
	return nil
}

// Resume restarts a paused upload from its current chunk index.
func (e *Engine) Resume(publicID string) error {
	t, ok := e.reg.Resolve(publicID)
	if !ok {
		return fmt.Errorf("unknown transfer: %s", publicID)
	}
	if t.Status != StatusPaused {
		return fmt.Errorf("transfer not paused: %s", publicID)
	}

	e.mu.Lock()
	st := e.uploads[t.Key]
	if st == nil || st.running {
		e.mu.Unlock()
		return fmt.Errorf("transfer not resumable: %s", publicID)
	}
	st.running = true
	e.mu.Unlock()

	st.chunker.Resume()
	go e.runUpload(t.Key, st)
	return nil
}

// Cancel discards a transfer's progress and marks it cancelled.
func (e *Engine) Cancel(publicID string) error {
	t, ok := e.reg.Resolve(publicID)
	if !ok {
		return fmt.Errorf("unknown transfer: %s", publicID)
	}

	switch t.Direction {
	case DirectionUpload:
		e.mu.Lock()
		st := e.uploads[t.Key]
		e.mu.Unlock()
		if st != nil {
			st.chunker.Cancel()
			e.mu.Lock()
			running := st.running
			e.mu.Unlock()
			if !running {
				// Paused production loop will not poll the flag; finish here.
				e.dropUpload(t.Key)
				e.reg.SetStatus(t.Key, StatusCancelled, "")
				e.notify(t.Key)
			}
		}
	case DirectionDownload:
		e.mu.Lock()
		delete(e.downloads, t.Key)
		e.mu.Unlock()
		e.reg.SetStatus(t.Key, StatusCancelled, "")
		e.notify(t.Key)
	}
	return nil
}

// Clear removes a record from the active list. Only explicit clears remove
// records.
func (e *Engine) Clear(publicID string) bool {
	t, ok := e.reg.Resolve(publicID)
	if ok {
		e.mu.Lock()
		delete(e.uploads, t.Key)
		delete(e.downloads, t.Key)
		e.mu.Unlock()
	}
	return e.reg.Clear(publicID)
}

// Directory operations of the SFTP sub-protocol.

// ListDir requests a remote directory listing; cb receives the reply.
func (e *Engine) ListDir(dirPath string, cb func(p protocol.ListingPayload)) error {
	id := uuid.New().String()
	e.mu.Lock()
	e.listings[id] = cb
	e.mu.Unlock()

	err := e.emitter.Emit(protocol.TypeSFTPList, protocol.PathPayload{RequestID: id, Path: dirPath})
	if err != nil {
		e.mu.Lock()
		delete(e.listings, id)
		e.mu.Unlock()
	}
	return err
}

// Mkdir creates a remote directory; cb receives the outcome.
func (e *Engine) Mkdir(dirPath string, cb func(p protocol.ResultPayload)) error {
	return e.pathOp(protocol.TypeSFTPMkdir, dirPath, cb)
}

// Delete removes a remote file or directory; cb receives the outcome.
func (e *Engine) Delete(target string, cb func(p protocol.ResultPayload)) error {
	return e.pathOp(protocol.TypeSFTPDelete, target, cb)
}

func (e *Engine) pathOp(msgType, target string, cb func(p protocol.ResultPayload)) error {
	id := uuid.New().String()
	e.mu.Lock()
	e.results[id] = cb
	e.mu.Unlock()

	err := e.emitter.Emit(msgType, protocol.PathPayload{RequestID: id, Path: target})
	if err != nil {
		e.mu.Lock()
		delete(e.results, id)
		e.mu.Unlock()
	}
	return err
}

// Inbound handlers, invoked by the session manager.

// HandleDownloadChunk records one inbound chunk and assembles the artifact
// once every index has arrived.
func (e *Engine) HandleDownloadChunk(p protocol.TransferChunkPayload) {
	t, ok := e.reg.Resolve(p.TransferID)
	if !ok {
		e.log.Warn().Str("transferId", p.TransferID).Msg("chunk for unknown transfer")
		return
	}

	e.mu.Lock()
	asm := e.downloads[t.Key]
	e.mu.Unlock()
	if asm == nil {
		return // Cancelled or already assembled; discard.
	}

	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		e.fail(t.Key, fmt.Sprintf("decode chunk %d: %v", p.ChunkIndex, err))
		return
	}

	if asm.Add(Chunk{Index: p.ChunkIndex, Payload: data, IsLast: p.IsLast}) {
		e.reg.Progress(t.Key, asm.BytesReceived())
		e.notify(t.Key)
	}

	if !asm.Complete() {
		return
	}

	artifact, err := asm.Assemble()
	if err != nil {
		e.fail(t.Key, err.Error())
		return
	}

	e.mu.Lock()
	delete(e.downloads, t.Key)
	cb := e.onArtifact
	e.mu.Unlock()

	e.reg.SetTotalBytes(t.Key, int64(len(artifact)))
	e.reg.SetStatus(t.Key, StatusCompleted, "")
	e.notify(t.Key)

	if cb != nil {
		done, _ := e.reg.Get(t.Key)
		cb(done, artifact)
	}
}

// HandleProgress applies a server acknowledgment. The first ack carries the
// canonical identifier, which replaces the placeholder in place.
func (e *Engine) HandleProgress(p protocol.TransferProgressPayload) {
	if p.ClientID != "" && p.ClientID != p.TransferID {
		if err := e.reg.AdoptServerID(p.ClientID, p.TransferID); err != nil {
			e.log.Warn().Err(err).Msg("adopt server transfer id")
		}
	}

	t, ok := e.reg.Resolve(p.TransferID)
	if !ok {
		return
	}
	if p.TotalBytes > 0 {
		e.reg.SetTotalBytes(t.Key, p.TotalBytes)
	}
	e.reg.Progress(t.Key, p.BytesAcked)
	e.notify(t.Key)
}

// HandleTransferError fails the one transfer the error names; others are
// unaffected.
func (e *Engine) HandleTransferError(p protocol.TransferErrorPayload) {
	t, ok := e.reg.Resolve(p.TransferID)
	if !ok {
		e.log.Warn().Str("transferId", p.TransferID).Msg("error for unknown transfer")
		return
	}
	e.fail(t.Key, p.Message)
}

// HandleListing routes a directory listing to its requester.
func (e *Engine) HandleListing(p protocol.ListingPayload) {
	e.mu.Lock()
	cb := e.listings[p.RequestID]
	delete(e.listings, p.RequestID)
	e.mu.Unlock()
	if cb != nil {
		cb(p)
	}
}

// HandleResult routes a mkdir/delete outcome to its requester.
func (e *Engine) HandleResult(p protocol.ResultPayload) {
	e.mu.Lock()
	cb := e.results[p.RequestID]
	delete(e.results, p.RequestID)
	e.mu.Unlock()
	if cb != nil {
		cb(p)
	}
}

func (e *Engine) fail(key, message string) {
	e.mu.Lock()
	if st := e.uploads[key]; st != nil {
		st.chunker.Cancel()
		delete(e.uploads, key)
	}
	delete(e.downloads, key)
	e.mu.Unlock()

	e.reg.SetStatus(key, StatusFailed, message)
	e.notify(key)
}

func (e *Engine) dropUpload(key string) {
	e.mu.Lock()
	delete(e.uploads, key)
	e.mu.Unlock()
}

func (e *Engine) notify(key string) {
	e.mu.Lock()
	fn := e.onUpdate
	e.mu.Unlock()
	if fn == nil {
		return
	}
	if t, ok := e.reg.Get(key); ok {
		fn(t)
	}
}
