// Package watcher restarts a worker pool whenever a file below a directory
// changes. It is meant for development; production starts the pool once.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/muesli/termenv"

	"github.com/drblury/zmqflow/internal/runtime/logging"
	"github.com/drblury/zmqflow/internal/runtime/supervisor"
)

// DefaultDebounce coalesces the burst of events a single save produces.
const DefaultDebounce = 50 * time.Millisecond

// Pool is one generation of workers. supervisor.Supervisor implements it.
type Pool interface {
	Start(ctx context.Context) error
	Stop(force bool) error
	Workers() []supervisor.Info
	Running() int
}

// PoolFactory builds a fresh pool from the same descriptors on every reload.
type PoolFactory func() (Pool, error)

// Options configure a Watcher.
type Options struct {
	Dir      string
	Factory  PoolFactory
	Debounce time.Duration
	// Banner is printed after the screen is cleared.
	Banner func()
	// Output receives the clear-screen sequence. Defaults to stdout.
	Output io.Writer
	// OnReload is called after every pool restart.
	OnReload func()
	Logger   logging.ServiceLogger
}

// Watcher owns the current pool generation.
type Watcher struct {
	opts    Options
	log     logging.ServiceLogger
	restart chan struct{}
	term    *termenv.Output

	mu      sync.Mutex
	pool    Pool
	reloads int
}

func New(opts Options) (*Watcher, error) {
	if opts.Factory == nil {
		return nil, errors.New("watcher: pool factory is required")
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	info, err := os.Stat(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watcher: %s is not a directory", opts.Dir)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Watcher{
		opts:    opts,
		log:     opts.Logger.With(logging.LogFields{"component": "watcher", "dir": opts.Dir}),
		restart: make(chan struct{}, 1),
		term:    termenv.NewOutput(opts.Output),
	}, nil
}

// Trigger requests a reload. Requests made before the pending one is
// handled collapse into it.
func (w *Watcher) Trigger() {
	select {
	case w.restart <- struct{}{}:
	default:
	}
}

// Workers lists the workers of the current generation.
func (w *Watcher) Workers() []supervisor.Info {
	w.mu.Lock()
	pool := w.pool
	w.mu.Unlock()
	if pool == nil {
		return nil
	}
	return pool.Workers()
}

// Running counts the live workers of the current generation.
func (w *Watcher) Running() int {
	w.mu.Lock()
	pool := w.pool
	w.mu.Unlock()
	if pool == nil {
		return 0
	}
	return pool.Running()
}

// Reloads counts completed pool restarts, the first boot included.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Run boots the first pool and restarts it on every change until ctx is
// cancelled. The last pool is force-stopped on return.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer fsw.Close()
	if err := w.addTree(fsw, w.opts.Dir); err != nil {
		return err
	}

	go w.watch(ctx, fsw)
	w.Trigger()

	for {
		select {
		case <-ctx.Done():
			w.stopPool()
			return nil
		case <-w.restart:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	w.stopPool()
	w.term.ClearScreen()
	if w.opts.Banner != nil {
		w.opts.Banner()
	}

	pool, err := w.opts.Factory()
	if err != nil {
		w.log.Error("Building worker pool failed", err, nil)
		return
	}
	if err := pool.Start(ctx); err != nil {
		w.log.Error("Starting worker pool failed", err, nil)
		_ = pool.Stop(true)
		return
	}

	w.mu.Lock()
	w.pool = pool
	w.reloads++
	w.mu.Unlock()
	if w.opts.OnReload != nil {
		w.opts.OnReload()
	}
}

// stopPool force-stops the current generation; there is no graceful drain.
func (w *Watcher) stopPool() {
	w.mu.Lock()
	pool := w.pool
	w.pool = nil
	w.mu.Unlock()
	if pool == nil {
		return
	}
	if err := pool.Stop(true); err != nil {
		w.log.Debug("Worker pool stopped with errors", logging.LogFields{"error": err.Error()})
	}
}

func (w *Watcher) watch(ctx context.Context, fsw *fsnotify.Watcher) {
	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("File watch error", err, nil)
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(fsw, ev) {
				continue
			}
			w.log.Debug("Change detected", logging.LogFields{"path": ev.Name, "op": ev.Op.String()})
			if debounce == nil {
				debounce = time.NewTimer(w.opts.Debounce)
			} else {
				debounce.Reset(w.opts.Debounce)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			w.Trigger()
		}
	}
}

func (w *Watcher) relevant(fsw *fsnotify.Watcher, ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod || hidden(filepath.Base(ev.Name)) || strings.HasSuffix(ev.Name, "~") {
		return false
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(fsw, ev.Name); err != nil {
				w.log.Error("Watching new directory failed", err, logging.LogFields{"path": ev.Name})
			}
		}
	}
	return true
}

// addTree watches root and every non-hidden directory below it.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("watcher: watch %s: %w", path, err)
		}
		return nil
	})
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
