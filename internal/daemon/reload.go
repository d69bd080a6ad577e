// internal/daemon/reload.go
package daemon

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/colebrumley/reactor/internal/config"
	"github.com/colebrumley/reactor/internal/security"
)

const reloadDebounce = time.Second

// loadContent validates permissions, loads every pack, registers it and
// resyncs sensors. Content that fails to load leaves the stored
// definitions untouched; register errors are logged and the definitions
// that did register stay active.
func (d *Daemon) loadContent(ctx context.Context) error {
	dir := d.cfg.Content.Dir
	if err := security.ValidateContentTree(dir); err != nil {
		d.logger.Error("CRITICAL: content directory has unsafe permissions", "error", err, "path", dir)
	}

	content, err := config.LoadContent(dir)
	if err != nil {
		return err
	}

	res, err := d.svc.Register(ctx, content)
	if err != nil {
		d.logger.Error("some content failed to register", "error", err)
	}
	d.logger.Info("content registered",
		"packs", len(content.Packs),
		"actions", res.Actions,
		"rules", res.Rules,
		"policies", res.Policies,
		"trigger_types", res.TriggerTypes,
		"removed", res.Removed,
	)

	triggers, err := d.svc.enabledTriggers(ctx)
	if err != nil {
		return err
	}
	d.sensors.Sync(ctx, triggers)
	return nil
}

// watchTree adds root and every directory below it to the watcher.
func watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !e.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(e.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

// startHotReload reloads content one second after the last change under
// the content directory.
func (d *Daemon) startHotReload(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Error("could not create content watcher", "error", err)
		return
	}
	defer watcher.Close()

	dir := d.cfg.Content.Dir
	if err := watchTree(watcher, dir); err != nil {
		d.logger.Error("could not watch content directory", "error", err, "dir", dir)
		return
	}

	d.logger.Info("hot-reload watcher started", "dir", dir)

	var debounceTimer *time.Timer
	debounceCh := make(chan struct{}, 1)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			// New pack and kind directories need their own watch.
			if event.Has(fsnotify.Create) {
				if err := watchTree(watcher, event.Name); err != nil {
					d.logger.Debug("not watching new path", "path", event.Name, "error", err)
				}
			}
			if !config.IsContentFile(filepath.Base(event.Name)) && !event.Has(fsnotify.Remove) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(reloadDebounce, func() {
				select {
				case debounceCh <- struct{}{}:
				default:
				}
			})

		case <-debounceCh:
			d.logger.Info("reloading content (hot-reload)")
			if err := d.loadContent(ctx); err != nil {
				d.logger.Error("content reload failed", "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("content watcher error", "error", err)

		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}
