package webhook

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// registryOps are the events that can mean the registry has new content.
// Editors often replace files instead of writing them in place.
const registryOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename

// watchRegistry triggers a debounced sync whenever the registry file
// changes. The parent directory is watched so replaced files are seen.
func (s *Server) watchRegistry(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to initialize watcher: %w", err)
	}

	registry := filepath.Clean(s.cfg.Paths.AppsFile)
	dir := filepath.Dir(registry)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	s.logger.Info("watching registry for changes", "path", registry)

	go func() {
		defer func() {
			_ = watcher.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != registry || event.Op&registryOps == 0 {
					continue
				}
				s.logger.Info("registry changed", "path", event.Name, "op", event.Op.String())
				s.trigger()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("registry watch error", "error", err)
			}
		}
	}()

	return nil
}
