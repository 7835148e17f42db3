package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watcher reloads the config file when it changes on disk and hands the
// validated result to a callback. Only settings that are safe to change at
// runtime should be applied by the callback.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(Config)
	closed   chan struct{}
	done     chan struct{}
}

// Watch starts watching path. The parent directory is watched so editors
// that replace the file by rename are picked up too.
func Watch(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		watcher:  fw,
		onChange: onChange,
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := LoadPartial(w.path)
			if err != nil {
				log.Warnw("reload failed", "path", w.path, "err", err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				log.Warnw("reloaded config is invalid, keeping current settings", "err", err)
				continue
			}
			log.Infow("config reloaded", "path", w.path)
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnw("watcher error", "err", err)
		}
	}
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	close(w.closed)
	err := w.watcher.Close()
	<-w.done
	return err
}
