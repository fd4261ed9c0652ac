package policy

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounce coalesces editor write bursts into one reload.
const debounce = 200 * time.Millisecond

// Watcher hot-reloads the allowlist when allowed_tools.json changes on
// disk. It watches the parent directory because editors replace files by
// rename, which drops an inode-level watch.
type Watcher struct {
	store  *Store
	logger *zap.Logger
	fsw    *fsnotify.Watcher
	stopCh chan struct{}
}

// NewWatcher creates a watcher over the store's backing file.
func NewWatcher(store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(store.path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		store:  store,
		logger: store.logger.With(zap.String("component", "policy-watcher")),
		fsw:    fsw,
		stopCh: make(chan struct{}),
	}, nil
}

// Start blocks processing filesystem events until Stop is called.
func (w *Watcher) Start() {
	w.logger.Info("Allowlist watcher started", zap.String("path", w.store.path))

	var timer *time.Timer
	var timerCh <-chan time.Time

	target := filepath.Clean(w.store.path)
	for {
		select {
		case <-w.stopCh:
			w.logger.Info("Allowlist watcher stopped")
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerCh = timer.C
			} else {
				timer.Reset(debounce)
			}

		case <-timerCh:
			timer = nil
			timerCh = nil
			if err := w.store.loadFile(); err != nil {
				w.logger.Warn("Allowlist reload failed, keeping previous policy", zap.Error(err))
				continue
			}
			w.logger.Info("Allowlist reloaded from disk",
				zap.Strings("tools", w.store.Snapshot().Allowed()),
			)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Allowlist watcher error", zap.Error(err))
		}
	}
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.fsw.Close()
}
