// Package watch triggers a module refresh when the bundled module on disk changes.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/lockagent/internal/lockagent/core"
	"github.com/autopeer-io/lockagent/pkg/log"
)

const defaultDebounce = 2 * time.Second

// FileWatcher watches a single file. The parent directory is watched so
// that atomic replacements (rename over the path) are observed.
type FileWatcher struct {
	Path      string
	Refresher core.Refresher
	Debounce  time.Duration
	Clock     clock.Clock
}

// Start blocks until ctx is done.
func (w *FileWatcher) Start(ctx context.Context) error {
	path, err := filepath.Abs(w.Path)
	if err != nil {
		return err
	}
	clk := w.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	log.Info("Watching bundled module", "path", path)

	var (
		timer   clock.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !relevant(ev.Op) {
				continue
			}
			log.Debug("Bundled module changed", "op", ev.Op.String())
			if timer == nil {
				timer = clk.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			pending = timer.C()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("File watcher error", "err", err)
		case <-pending:
			pending = nil
			w.Refresher.Trigger("bundled module changed")
		}
	}
}

func relevant(op fsnotify.Op) bool {
	return op.Has(fsnotify.Write) || op.Has(fsnotify.Create) || op.Has(fsnotify.Rename) || op.Has(fsnotify.Remove)
}
