package config

import (
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads the config file whenever it changes on disk and invokes
// the registered callbacks with the fresh value. Invalid intermediate saves
// (editors often write in two steps) are logged and skipped; the last good
// config stands until a valid one appears.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	closed  chan struct{}

	mu  sync.Mutex
	fns []func(Config)
}

// Watch starts watching path's directory. Watching the directory rather than
// the file survives rename-replace saves, which drop a watch on the inode.
func Watch(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		watcher: fsw,
		closed:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// OnChange registers a callback for config reloads. Callbacks run on the
// watcher goroutine; keep them short or hand off.
func (w *Watcher) OnChange(fn func(Config)) {
	w.mu.Lock()
	w.fns = append(w.fns, fn)
	w.mu.Unlock()
}

func (w *Watcher) Close() error {
	select {
	case <-w.closed:
		return nil
	default:
		close(w.closed)
	}
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("CFG: reload skipped: %v", err)
				continue
			}
			log.Printf("CFG: reloaded %s", w.path)
			w.mu.Lock()
			fns := make([]func(Config), len(w.fns))
			copy(fns, w.fns)
			w.mu.Unlock()
			for _, fn := range fns {
				fn(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CFG: watcher error: %v", err)
		}
	}
}
