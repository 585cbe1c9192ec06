package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Loader owns the live keylabd configuration. After Watch it re-reads the
// file on change and hands each accepted revision to the OnChange
// callbacks; a revision that fails validation is reported on Errors and
// the running configuration stays in place.
type Loader struct {
	path   string
	logger *slog.Logger

	mu        sync.RWMutex
	current   *Config
	callbacks []func(*Config)

	watcher *fsnotify.Watcher
	errs    chan error
	stop    chan struct{}
	done    chan struct{}
}

// NewLoader returns a loader for the config file at path.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		path:   path,
		logger: logger.With("component", "config"),
		errs:   make(chan error, 1),
		stop:   make(chan struct{}),
	}
}

// Load reads the file, applies KEYLAB_* overrides and validates.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", l.path, err)
	}
	return cfg, nil
}

// Config returns the configuration currently in force.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers fn to run after every accepted reload.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	l.callbacks = append(l.callbacks, fn)
	l.mu.Unlock()
}

// Watch starts reloading on file changes. The parent directory is
// watched so that editors replacing the file are noticed.
func (l *Loader) Watch() error {
	if l.done != nil {
		return errors.New("config: already watching")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}
	l.watcher = w
	l.done = make(chan struct{})
	go l.run()
	return nil
}

// relevant reports whether ev may have changed the config file.
func (l *Loader) relevant(ev fsnotify.Event) bool {
	if filepath.Base(ev.Name) != filepath.Base(l.path) {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

func (l *Loader) run() {
	defer close(l.done)

	// A burst of events collapses into one reload once the file settles.
	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-l.stop:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if l.relevant(ev) {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.fail(err)
		case <-timer.C:
			l.reload()
		}
	}
}

func (l *Loader) reload() {
	next, err := l.decode()
	if err != nil {
		l.fail(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	if reflect.DeepEqual(l.current, next) {
		l.mu.Unlock()
		l.logger.Debug("configuration unchanged", "path", l.path)
		return
	}
	l.current = next
	fns := make([]func(*Config), len(l.callbacks))
	copy(fns, l.callbacks)
	l.mu.Unlock()

	l.logger.Info("configuration reloaded", "path", l.path)
	for _, fn := range fns {
		fn(next)
	}
}

// fail logs err and offers it on Errors without blocking.
func (l *Loader) fail(err error) {
	l.logger.Warn("configuration reload failed", "path", l.path, "error", err)
	select {
	case l.errs <- err:
	default:
	}
}

// Errors delivers reload failures. Only the oldest undelivered error is
// kept. The channel is never closed.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Close stops watching and waits for the watch goroutine to exit.
func (l *Loader) Close() error {
	if l.done == nil {
		return nil
	}
	select {
	case <-l.stop:
		return nil
	default:
	}
	close(l.stop)
	err := l.watcher.Close()
	<-l.done
	return err
}
