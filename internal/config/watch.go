package config

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// Watch watches path for writes and calls onChange with the freshly loaded
// Config each time the file is rewritten. It runs until the returned
// io.Closer is closed or the watcher hits a fatal error. A failed reload
// (invalid JSON, failed Validate) is logged and skipped rather than applied.
func Watch(path string, onChange func(Config)) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Printf("CONFIG: reload %s failed, keeping prior config: %v", path, err)
					continue
				}
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watcher error: %v", err)
			}
		}
	}()

	return w, nil
}
