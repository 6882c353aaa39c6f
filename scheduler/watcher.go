package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mfairley/certflow/store"
)

// DebounceWindow coalesces bursts of filesystem events per file.
const DebounceWindow = 500 * time.Millisecond

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Store  *store.Store
	Driver Driver
	Logger *slog.Logger
	// Notify receives watcher lifecycle events for the engine's stream.
	Notify func(kind string, payload map[string]string)
	// Debounce overrides the default window; tests shorten it.
	Debounce time.Duration
}

// Watcher observes every managed certificate's cert and key files. An
// external change reconciles the index and redeploys when the content
// changed; a missing file triggers a renewal attempt when the certificate
// auto-renews. The store root stays watched so directories created by later
// lifecycle operations join the watch set without a manual restart.
type Watcher struct {
	store    *store.Store
	root     string
	driver   Driver
	logger   *slog.Logger
	notify   func(kind string, payload map[string]string)
	debounce time.Duration

	mu     sync.Mutex
	fs     *fsnotify.Watcher
	timers map[string]*time.Timer
	closed bool

	wg sync.WaitGroup
}

// NewWatcher builds and starts a Watcher over the store's current
// certificate directories.
func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DebounceWindow
	}
	if opts.Notify == nil {
		opts.Notify = func(string, map[string]string) {}
	}

	w := &Watcher{
		store:    opts.Store,
		root:     filepath.Clean(opts.Store.Root()),
		driver:   opts.Driver,
		logger:   opts.Logger,
		notify:   opts.Notify,
		debounce: opts.Debounce,
		timers:   make(map[string]*time.Timer),
	}
	if err := w.Rebuild(); err != nil {
		return nil, err
	}
	return w, nil
}

// Rebuild replaces the watch set with the store root and its current
// certificate directories. New directories appearing under the root are
// picked up by the event loop, so renewals and creations stay covered
// without another Rebuild.
func (w *Watcher) Rebuild() error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fs.Add(w.root); err != nil {
		fs.Close()
		return fmt.Errorf("watching store root %s: %w", w.root, err)
	}
	watched := 0
	for _, cert := range w.store.List(store.Filter{}) {
		dir := filepath.Dir(cert.Paths.Crt)
		if err := fs.Add(dir); err != nil {
			w.logger.Warn("watching certificate directory", "dir", dir, "error", err)
			continue
		}
		watched++
	}

	w.mu.Lock()
	old := w.fs
	w.fs = fs
	w.mu.Unlock()
	if old != nil {
		old.Close()
	}

	w.wg.Add(1)
	go w.run(fs)
	w.logger.Info("file watcher active", "directories", watched)
	return nil
}

// Close stops the watcher and waits for its goroutines.
func (w *Watcher) Close() {
	w.mu.Lock()
	w.closed = true
	fs := w.fs
	w.fs = nil
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()
	if fs != nil {
		fs.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) run(fs *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-fs.Events:
			if !ok {
				return
			}
			if w.newCertDir(ev) {
				if err := fs.Add(ev.Name); err != nil {
					w.logger.Warn("watching certificate directory", "dir", ev.Name, "error", err)
				}
				continue
			}
			if !relevantEvent(ev) {
				continue
			}
			w.schedule(ev.Name)
		case err, ok := <-fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher", "error", err)
		}
	}
}

// relevantEvent keeps writes, creates, renames and removals of the managed
// file names.
func relevantEvent(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(ev.Name)
	return base == "cert.crt" || base == "key.key"
}

// newCertDir reports whether ev is the creation of a certificate directory
// directly under the store root. Renewal relocates material into a fresh
// directory, so these must join the watch set as they appear. Watches on
// archived directories go stale but match no managed path, so they are inert.
func (w *Watcher) newCertDir(ev fsnotify.Event) bool {
	if ev.Op&fsnotify.Create == 0 {
		return false
	}
	if filepath.Dir(ev.Name) != w.root {
		return false
	}
	base := filepath.Base(ev.Name)
	if base == "" || base[0] == '.' {
		return false
	}
	info, err := os.Stat(ev.Name)
	return err == nil && info.IsDir()
}

// schedule debounces one file's events; the trailing edge acts.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		w.handle(path)
	})
}

// handle reconciles one changed or removed file.
func (w *Watcher) handle(path string) {
	cert := w.ownerOf(path)
	if cert == nil {
		return
	}
	prev := cert.Fingerprint

	if _, err := os.Stat(path); err != nil {
		if !cert.Config.AutoRenew {
			w.logger.Warn("managed file disappeared", "path", path, "name", cert.Name)
			if _, rerr := w.store.RefreshFromDisk(); rerr != nil {
				w.logger.Error("reconciling store", "error", rerr)
			}
			return
		}
		w.logger.Warn("managed file disappeared, renewing", "path", path, "name", cert.Name)
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		renewed, err := w.driver.Renew(ctx, prev)
		if err != nil {
			w.logger.Error("renewal after missing file", "name", cert.Name, "error", err)
			return
		}
		if _, err := w.driver.Deploy(ctx, renewed, "watcher-reload"); err != nil {
			w.logger.Error("deployment after missing file", "name", cert.Name, "error", err)
		}
		return
	}

	if _, err := w.store.RefreshFromDisk(); err != nil {
		w.logger.Error("reconciling store", "error", err)
		return
	}
	current, err := w.store.GetByName(cert.Name)
	if err != nil {
		w.logger.Warn("certificate vanished during reconcile", "name", cert.Name)
		return
	}
	if current.Fingerprint == prev {
		return
	}

	w.logger.Info("external certificate change detected",
		"name", cert.Name,
		"old", prev,
		"new", current.Fingerprint)
	w.notify("watcher-reload", map[string]string{
		"name": current.Name,
		"old":  prev,
		"new":  current.Fingerprint,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := w.driver.Deploy(ctx, current, "watcher-reload"); err != nil {
		w.logger.Error("deployment after external change", "name", current.Name, "error", err)
	}
}

// ownerOf resolves the certificate whose material lives at path.
func (w *Watcher) ownerOf(path string) *store.Certificate {
	for _, cert := range w.store.List(store.Filter{}) {
		if cert.Paths.Crt == path || cert.Paths.Key == path {
			return cert
		}
	}
	return nil
}

// AttachWatcher wires a watcher into the scheduler so RestartWatcher and
// Stop manage it.
func (s *Scheduler) AttachWatcher(w *Watcher) {
	s.watcher = w
}

// RestartWatcher rebuilds the watch set over the store's current layout.
func (s *Scheduler) RestartWatcher() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Rebuild()
}
