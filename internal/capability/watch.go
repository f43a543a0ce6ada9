package capability

import (
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/switchyard/internal/exec"
)

// CatalogWatcher reloads a catalog into a registry whenever the file changes.
type CatalogWatcher struct {
	path     string
	registry *Registry
	runner   exec.CommandRunner
	watcher  *fsnotify.Watcher
	onReload func(err error)

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatchCatalog starts watching path. The directory is watched rather than the
// file so that editors which replace the file on save are handled. onReload,
// if non-nil, is called after every reload attempt.
func WatchCatalog(path string, reg *Registry, runner exec.CommandRunner, onReload func(error)) (*CatalogWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}

	cw := &CatalogWatcher{
		path:     abs,
		registry: reg,
		runner:   runner,
		watcher:  w,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	cw.wg.Add(1)
	go cw.loop()
	return cw, nil
}

func (cw *CatalogWatcher) loop() {
	defer cw.wg.Done()
	for {
		select {
		case <-cw.done:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			cw.reload()
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[capability] catalog watcher error: %v", err)
		}
	}
}

func (cw *CatalogWatcher) reload() {
	cat, err := LoadCatalog(cw.path)
	if err != nil {
		// Keep the previous registry contents on a bad edit.
		log.Printf("[capability] reload %s failed: %v", cw.path, err)
	} else {
		removed := cat.Apply(cw.registry, cw.runner)
		log.Printf("[capability] reloaded %s: %d capabilities, %d removed", cw.path, len(cat.Capabilities), len(removed))
	}
	if cw.onReload != nil {
		cw.onReload(err)
	}
}

// Close stops the watcher.
func (cw *CatalogWatcher) Close() error {
	var err error
	cw.stopOnce.Do(func() {
		close(cw.done)
		err = cw.watcher.Close()
		cw.wg.Wait()
	})
	return err
}
