// Package watch signals when a single file changes on disk.
//
// The parent directory is watched rather than the file itself so that
// editors and atomic writers that replace the file by rename are noticed.
// When fsnotify is unavailable or fails, the watcher falls back to polling
// the file's modification time and size.
package watch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"tools.zach/dev/tourneykit/internal/logger"
)

// DefaultPollInterval is the stat interval used in polling mode.
const DefaultPollInterval = 2 * time.Second

// Options configure a [Watcher].
type Options struct {
	// PollInterval overrides [DefaultPollInterval].
	PollInterval time.Duration
	// ForcePolling skips fsnotify entirely.
	ForcePolling bool
	Logger       *slog.Logger
}

// Watcher monitors one file for changes.
type Watcher struct {
	// path is the cleaned path of the watched file.
	path string
	// name is the base name events are filtered on.
	name string
	// events is buffered to 1 so back-to-back writes coalesce.
	events chan struct{}
	done   chan struct{}
	fsw    *fsnotify.Watcher
	once   sync.Once

	polling      atomic.Bool
	pollInterval time.Duration
	log          *slog.Logger
}

// New starts watching path. The file does not need to exist yet, but its
// directory does when fsnotify is used; otherwise the watcher polls.
func New(path string, opts Options) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("watch: empty path")
	}
	w := &Watcher{
		path:         filepath.Clean(path),
		name:         filepath.Base(path),
		events:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		pollInterval: opts.PollInterval,
		log:          logger.OrDefault(opts.Logger),
	}
	if w.pollInterval <= 0 {
		w.pollInterval = DefaultPollInterval
	}

	if opts.ForcePolling {
		w.startPolling()
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Info("fsnotify unavailable, falling back to polling", "error", err)
		w.startPolling()
		return w, nil
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		w.log.Info("cannot watch directory, falling back to polling", "path", filepath.Dir(w.path), "error", err)
		fsw.Close()
		w.startPolling()
		return w, nil
	}

	w.fsw = fsw
	go w.watch()
	return w, nil
}

// Path returns the watched file path.
func (w *Watcher) Path() string { return w.path }

// Polling reports whether the watcher is using polling instead of fsnotify.
func (w *Watcher) Polling() bool { return w.polling.Load() }

// Events returns a channel that receives a signal when the file changes.
func (w *Watcher) Events() <-chan struct{} { return w.events }

// Close stops the watcher. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		if w.fsw != nil {
			if closeErr := w.fsw.Close(); closeErr != nil {
				err = fmt.Errorf("closing fsnotify watcher: %w", closeErr)
			}
		}
	})
	return err
}

// relevant reports whether an fsnotify event touches the watched file.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != w.name {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *Watcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				logger.Trace(w.log, "watched file changed", "path", w.path, "op", event.Op.String())
				w.notify()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Info("fsnotify error, switching to polling", "error", err)
			w.fsw.Close()
			w.startPolling()
			return
		}
	}
}

func (w *Watcher) startPolling() {
	w.polling.Store(true)
	go w.poll()
}

// fileStamp identifies one version of the file.
type fileStamp struct {
	mod  time.Time
	size int64
	ok   bool
}

func (w *Watcher) stamp() fileStamp {
	info, err := os.Stat(w.path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{mod: info.ModTime(), size: info.Size(), ok: true}
}

// poll stats the file on every tick and notifies when it appears or its
// modification time or size changes.
func (w *Watcher) poll() {
	last := w.stamp()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			cur := w.stamp()
			if !cur.ok {
				last = cur
				continue
			}
			if !last.ok || !cur.mod.Equal(last.mod) || cur.size != last.size {
				last = cur
				w.notify()
			}
		}
	}
}

// notify sends one signal, or does nothing if one is already pending.
func (w *Watcher) notify() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}
