package outbox

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"termgate/internal/transfer"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const settleInterval = 500 * time.Millisecond

// EnqueueFunc receives a settled file as an upload source.
type EnqueueFunc func(src transfer.Source)

// Watcher monitors a local drop directory. A file placed there is handed to
// the enqueue callback once writes to it settle, making the directory a
// drag-and-drop analogue for a headless client.
type Watcher struct {
	dir     string
	enqueue EnqueueFunc
	log     zerolog.Logger

	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu      sync.Mutex
	pending map[string]*time.Timer // path → settle timer
}

// New creates a watcher over dir. The directory must exist.
func New(dir string, enqueue EnqueueFunc, logger zerolog.Logger) (*Watcher, error) {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsW.Add(dir); err != nil {
		fsW.Close()
		return nil, err
	}

	return &Watcher{
		dir:       dir,
		enqueue:   enqueue,
		log:       logger,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		pending:   make(map[string]*time.Timer),
	}, nil
}

// Start runs the event loop.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Shutdown stops the watcher and abandons pending settle timers.
func (w *Watcher) Shutdown() {
	close(w.cancel)
	w.fsWatcher.Close()

	w.mu.Lock()
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = make(map[string]*time.Timer)
	w.mu.Unlock()
}

// watchLoop processes fsnotify events with per-file debouncing.
func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.cancel:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if isHidden(filepath.Base(event.Name)) {
				continue
			}

			// Debounce per path: reset the settle timer on each event.
			path := event.Name
			w.mu.Lock()
			if timer, exists := w.pending[path]; exists {
				timer.Stop()
			}
			w.pending[path] = time.AfterFunc(settleInterval, func() {
				w.settle(path)
			})
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Str("dir", w.dir).Msg("outbox watcher error")
		}
	}
}

// settle hands a quiesced file to the enqueue callback.
func (w *Watcher) settle(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	src, err := transfer.NewFileSource(path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("skipping outbox file")
		return
	}

	w.log.Info().Str("file", info.Name()).Int64("size", info.Size()).Msg("outbox file settled")
	if w.enqueue != nil {
		w.enqueue(src)
	}
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
