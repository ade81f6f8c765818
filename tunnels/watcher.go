package tunnels

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// watchDebounce coalesces the event bursts editors produce on save.
const watchDebounce = 500 * time.Millisecond

// WatchMappings restarts the engine whenever the mappings file changes on disk.
// The parent directory is watched because most editors replace the file on save.
// The returned func stops watching.
func WatchMappings(engine *Engine) (func() error, error) {
	path := engine.MappingsFile()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	err = watcher.Add(filepath.Dir(path))
	if err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, func() {
					log.Infof("mappings file changed, reloading")
					// a failed reload keeps the previous mapping, same as SIGUSR1
					_ = engine.Restart()
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("mappings watcher error: %v", err)
			}
		}
	}()
	return watcher.Close, nil
}
