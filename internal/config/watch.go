package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchSettle absorbs the burst of events editors produce for one save.
const watchSettle = 150 * time.Millisecond

// Watch calls fn with the freshly loaded config each time the file at path
// changes and still validates. Invalid edits are logged and skipped. The
// parent directory is watched so that atomic rename-on-save is seen. Watch
// blocks until ctx is done.
func Watch(ctx context.Context, path string, fn func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchSettle)
			} else {
				timer.Reset(watchSettle)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			cfg, err := Load(abs)
			if err != nil {
				log.Printf("CONFIG: reload of %s skipped: %v", filepath.Base(abs), err)
				continue
			}
			if err := cfg.ApplyEnv(); err != nil {
				log.Printf("CONFIG: env overrides: %v", err)
			}
			log.Printf("CONFIG: reloaded %s", filepath.Base(abs))
			fn(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}
