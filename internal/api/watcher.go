package api

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/am3team/am3/internal/events"
)

// Watcher publishes catalog and liveness changes to the event bus. It
// watches the data root for status.json rewrites and the pids
// directory for pid files appearing or disappearing, which together
// cover everything the app list is computed from.
type Watcher struct {
	root   string
	pids   string
	bus    *events.Bus
	logger *slog.Logger
}

// NewWatcher watches root/status.json and pidsDir/*.pid.
func NewWatcher(root, pidsDir string, bus *events.Bus, logger *slog.Logger) *Watcher {
	return &Watcher{root: root, pids: pidsDir, bus: bus, logger: logger}
}

// Run blocks publishing change events until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	for _, dir := range []string{w.root, w.pids} {
		if err := fw.Add(dir); err != nil {
			return err
		}
	}
	w.logger.Info("watching for catalog changes", "root", w.root)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.classify(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) classify(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	data := map[string]string{"path": ev.Name, "op": ev.Op.String()}
	switch {
	case filepath.Base(ev.Name) == "status.json":
		w.bus.Publish(events.Event{Type: events.CatalogChanged, Data: data})
	case strings.HasSuffix(ev.Name, ".pid"):
		w.bus.Publish(events.Event{Type: events.LivenessChanged, Data: data})
	}
}
