package config

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch re-loads the config file on change and hands the result to onChange.
// Editors replace files with rename+create, so the parent directory is
// watched and events are filtered by name. Returns immediately when path is
// empty.
func Watch(
	ctx context.Context,
	path string,
	onChange func(Config),
	onError func(error),
) error {
	path = strings.TrimSpace(path)
	if path == "" || onChange == nil {
		return nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var pending *time.Timer
		reload := func() {
			cfg, err := Load(absPath)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(cfg)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != absPath {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(reloadDebounce, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()
	return nil
}
