package server

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// WatchConf watches the config file and calls apply with the re-read
// config whenever it is written. The directory is watched rather than the
// file so editors that replace the file on save are still seen. Invalid
// files are logged and skipped. The watcher stops when ctx is done.
func WatchConf(ctx context.Context, path string, apply func(*Conf)) error {
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || filepath.Clean(event.Name) != target {
					continue
				}
				c, err := LoadConf(path)
				if err != nil {
					log.Warn().Err(err).Str("module", "config").Msg("ignoring invalid config change")
					continue
				}
				log.Info().Str("module", "config").Str("path", path).Msg("config reloaded")
				apply(c)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Str("module", "config").Msg("config watcher error")
			}
		}
	}()
	return nil
}
