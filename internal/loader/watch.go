package loader

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	fleeterrors "github.com/opsforge/fleetcap/internal/errors"
	"github.com/rs/zerolog/log"
)

// settleDelay waits for the writer to finish before a file is ingested.
// Capture writers rename complete files into place, but editors and copies
// may write in place.
const settleDelay = 500 * time.Millisecond

// WatchCaptureDir ingests files as they appear under root until ctx is
// canceled. The root and every capture-type subdirectory are watched;
// subdirectories created later are picked up too.
func (l *Loader) WatchCaptureDir(ctx context.Context, root string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	addDirs := func() error {
		return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(path)
			}
			return nil
		})
	}
	if err := addDirs(); err != nil {
		return fmt.Errorf("watch capture root %s: %w", root, err)
	}
	log.Info().Str("root", root).Msg("Watching capture root")

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(settleDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fleeterrors.ErrCanceled
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				// New directories need their own watch.
				if err := addDirs(); err != nil {
					log.Warn().Err(err).Msg("Failed to refresh watch set")
				}
			}
			pending[event.Name] = time.Now()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")
		case <-ticker.C:
			now := time.Now()
			for path, seen := range pending {
				if now.Sub(seen) < settleDelay {
					continue
				}
				delete(pending, path)
				if isDir(path) {
					continue
				}
				outcome, err := l.IngestCaptureFile(ctx, path)
				if err != nil {
					if fleeterrors.IsCanceled(err) {
						return err
					}
					log.Error().Str("path", path).Err(err).Msg("Watched ingest failed")
					continue
				}
				log.Info().Str("path", path).Str("outcome", string(outcome)).Msg("Ingested watched capture")
			}
		}
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
