package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const reloadDebounce = 500 * time.Millisecond

// Watch monitors the config file and invokes onChange with the freshly
// loaded config after each modification. Events are debounced because
// editors and atomic renames emit bursts. The returned stop function
// closes the watcher.
func Watch(path string, onChange func(*Config)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: atomic saves replace the inode
	// and a file watch would go dead after the first rename.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	target := filepath.Clean(path)
	go func() {
		var timer *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					cfg, err := Load(path)
					if err != nil {
						log.WithError(err).WithField("path", path).Warn("Config reload failed, keeping previous config")
						return
					}
					log.WithField("path", path).Info("Config reloaded")
					onChange(cfg)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Config watcher error")
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
