package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent names an operator file that changed and should be re-read.
type ReloadEvent struct {
	Path string
}

// suppressWindow collapses the write bursts editors produce on save
// (truncate, write, chmod, rename) into a single reload per file.
const suppressWindow = 500 * time.Millisecond

// Watcher turns filesystem activity on the operator files into reload
// events. It watches the home directory rather than the files
// themselves: editors that save by rename swap the inode out from under
// a per-file watch, while the directory watch sees the replacement land.
type Watcher struct {
	homeDir string
	log     *slog.Logger
	events  chan ReloadEvent

	watched  map[string]bool
	lastSent map[string]time.Time
}

func NewWatcher(homeDir string, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		log:     log,
		events:  make(chan ReloadEvent, 16),
		watched: map[string]bool{
			"config.yaml":     true,
			"INSTRUCTIONS.md": true,
		},
		lastSent: make(map[string]time.Time),
	}
}

// Events delivers at most one reload per file per suppress window. The
// channel closes when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start puts the directory watch in place and returns; delivery runs
// until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				w.handle(ev)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.log.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) handle(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if !w.accept(name, ev.Op, time.Now()) {
		return
	}
	select {
	case w.events <- ReloadEvent{Path: ev.Name}:
		w.log.Info("operator file changed", "file", name)
	default:
		// A queued reload already covers this change.
	}
}

// accept reports whether an event should produce a reload: a
// content-changing op, on a watched file, outside the suppress window.
// Only the delivery goroutine calls it, so lastSent needs no lock.
func (w *Watcher) accept(name string, op fsnotify.Op, now time.Time) bool {
	if op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	if !w.watched[name] {
		return false
	}
	if last, ok := w.lastSent[name]; ok && now.Sub(last) < suppressWindow {
		return false
	}
	w.lastSent[name] = now
	return true
}
