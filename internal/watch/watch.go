// Package watch notices entries appearing directly under staging domain
// roots. Asynchronous callers rename data into their reserved subdirectory
// and hang up without ever sending a sync request; the watcher is how that
// data still gets ingested promptly.
package watch

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Event reports a new top-level entry under a staging domain root.
type Event struct {
	// Root is the watched staging domain root.
	Root string
	// Path is the new direct child.
	Path string
}

// Watcher wraps fsnotify for a set of staging domain roots.
type Watcher struct {
	fsw    *fsnotify.Watcher
	roots  map[string]struct{}
	events chan Event
	log    zerolog.Logger
}

// New creates a watcher over the given domain roots.
func New(roots []string, log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:    fsw,
		roots:  make(map[string]struct{}, len(roots)),
		events: make(chan Event, 64),
		log:    log,
	}
	for _, root := range roots {
		if err := fsw.Add(root); err != nil {
			fsw.Close()
			return nil, err
		}
		w.roots[root] = struct{}{}
	}
	return w, nil
}

// Events yields new direct children of the watched roots.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run forwards filesystem notifications until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.events)
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// Renames into the root arrive as Create; so do fresh
			// mkdirs of reservation directories.
			if !ev.Has(fsnotify.Create) {
				continue
			}
			root := filepath.Dir(ev.Name)
			if _, watched := w.roots[root]; !watched {
				continue
			}
			select {
			case w.events <- Event{Root: root, Path: ev.Name}:
			case <-ctx.Done():
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}
