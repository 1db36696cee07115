package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher watches suite manifests and source trees and triggers a rebuild
// callback on change. Events are debounced so one save burst yields one
// rebuild.
type Watcher struct {
	log      zerolog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
}

// NewWatcher creates a manifest watcher.
func NewWatcher(log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Watcher{
		log:      log.With().Str("component", "watch").Logger(),
		watcher:  fsw,
		debounce: 500 * time.Millisecond,
	}, nil
}

// Watch registers the suites' manifest files and source directories and
// invokes rebuild on changes until the context is cancelled.
func (w *Watcher) Watch(ctx context.Context, suites []*Suite, rebuild func() error) error {
	for _, suite := range suites {
		if err := w.watcher.Add(filepath.Join(suite.Dir, ManifestFile)); err != nil {
			w.log.Warn().Err(err).Str("suite", suite.Name).Msg("failed to watch manifest")
		}
		for _, proj := range suite.Projects {
			dir := filepath.Join(suite.Dir, proj.SubDir)
			if err := w.watchDirectory(dir); err != nil {
				w.log.Warn().Err(err).Str("dir", dir).Msg("failed to watch source directory")
			}
		}
	}

	w.log.Info().Int("suites", len(suites)).Msg("watching for changes")
	w.processEvents(ctx, rebuild)
	return nil
}

// watchDirectory adds a directory tree to the watcher.
func (w *Watcher) watchDirectory(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// processEvents debounces change events into rebuild invocations.
func (w *Watcher) processEvents(ctx context.Context, rebuild func() error) {
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("change detected")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if err := rebuild(); err != nil {
					w.log.Error().Err(err).Msg("rebuild failed")
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}
