package plugin

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce lets editors finish writing before a script is reloaded.
const DefaultDebounce = 200 * time.Millisecond

type watcher struct {
	fsw      *fsnotify.Watcher
	m        *Manager
	logger   *zap.Logger
	debounce time.Duration

	mu      sync.Mutex
	dirs    map[string]bool
	files   map[string]bool
	pending map[string]time.Time

	closeOnce sync.Once
	closeErr  error
}

// Watch reloads file-backed instances when their script changes. It blocks until
// ctx is done or the manager is closed.
func (m *Manager) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	w := &watcher{
		fsw:      fsw,
		m:        m,
		logger:   m.logger.Named("watcher"),
		debounce: debounce,
		dirs:     make(map[string]bool),
		files:    make(map[string]bool),
		pending:  make(map[string]time.Time),
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		_ = fsw.Close()
		return ErrClosed
	case m.watcher != nil:
		m.mu.Unlock()
		_ = fsw.Close()
		return errors.New("plugin watcher already running")
	}
	m.watcher = w
	var files []string
	for _, inst := range m.instances {
		if inst.Spec.File != "" {
			files = append(files, inst.Spec.File)
		}
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.watcher == w {
			m.watcher = nil
		}
		m.mu.Unlock()
		_ = w.close()
	}()

	for _, file := range files {
		w.add(file)
	}
	w.logger.Info("Watching plugin scripts", zap.Int("files", len(files)))
	return w.run(ctx)
}

// Watching reports whether file is tracked for reloads.
func (m *Manager) Watching(file string) bool {
	m.mu.RLock()
	w := m.watcher
	m.mu.RUnlock()
	if w == nil {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[file]
}

func (w *watcher) add(file string) {
	dir := filepath.Dir(file)

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.dirs[dir] {
		if err := w.fsw.Add(dir); err != nil {
			w.logger.Warn("Cannot watch plugin directory", zap.String("dir", dir), zap.Error(err))
			return
		}
		w.dirs[dir] = true
	}
	w.files[file] = true
}

func (w *watcher) run(ctx context.Context) error {
	tick := time.NewTicker(max(w.debounce/2, 10*time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", zap.Error(err))

		case now := <-tick.C:
			for _, file := range w.settled(now) {
				n := w.m.ReloadFile(file)
				w.logger.Info("Plugin script changed", zap.String("file", file), zap.Int("reloaded", n))
			}
		}
	}
}

func (w *watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	name := filepath.Clean(event.Name)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.files[name] {
		w.pending[name] = time.Now()
	}
}

// settled returns the changed files that have been quiet for the debounce window.
func (w *watcher) settled(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var files []string
	for file, changed := range w.pending {
		if now.Sub(changed) >= w.debounce {
			files = append(files, file)
			delete(w.pending, file)
		}
	}
	return files
}

func (w *watcher) close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.fsw.Close()
	})
	return w.closeErr
}
