// Package watch publishes spec.approved events when spec documents land
// in the watched specs directory.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"autoforge/internal/logging"
	"autoforge/internal/types"

	"github.com/fsnotify/fsnotify"
)

// Publisher publishes spec lifecycle events.
type Publisher interface {
	Publish(e types.Event) error
}

// Watcher observes one directory for spec files.
type Watcher struct {
	dir string
	bus Publisher
}

// New creates a watcher for a specs directory, creating it if absent.
func New(dir string, bus Publisher) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Watcher{dir: dir, bus: bus}, nil
}

// Run publishes spec.approved for every markdown file created or
// renamed into the directory, until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	logging.Watch("Watching %s for spec documents", w.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".md") {
				continue
			}
			logging.Watch("Spec document arrived: %s", ev.Name)
			if err := w.bus.Publish(types.Event{
				Type:   types.EventSpecApproved,
				Source: "watch",
				Payload: map[string]interface{}{
					"spec_path": ev.Name,
					"name":      filepath.Base(ev.Name),
				},
			}); err != nil {
				logging.Watch("Failed to publish spec.approved for %s: %v", ev.Name, err)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Watch("Watcher error: %v", err)
		}
	}
}
