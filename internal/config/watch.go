package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes and hands the parsed
// result to apply. Parse or validation failures go to onError and the
// previous config stays in effect. The returned function stops the watcher.
func Watch(path string, apply func(*Config), onError func(error)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		var last time.Time
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				// editors fire bursts of writes; collapse them
				if time.Since(last) < 200*time.Millisecond {
					continue
				}
				last = time.Now()
				cfg, err := FromFile(path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				apply(cfg)
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
	return func() {
		close(done)
		watcher.Close()
	}, nil
}
