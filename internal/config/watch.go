// internal/config/watch.go

package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloadable is the subset of settings applied to a running peer.
type Reloadable struct {
	STUNServers        []string
	NegotiationTimeout time.Duration
	MaxParticipants    int
}

func (c Config) Reloadable() Reloadable {
	return Reloadable{
		STUNServers:        append([]string(nil), c.ICE.STUNServers...),
		NegotiationTimeout: time.Duration(c.Call.NegotiationTimeoutSec) * time.Second,
		MaxParticipants:    c.Call.MaxParticipants,
	}
}

// Watcher re-reads the config file when it changes and hands the reloadable
// subset to a callback. Invalid edits are logged and ignored.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	apply    func(Reloadable)
	debounce time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// Watch starts watching the directory holding path. Editors replace files
// by rename, so the directory is watched rather than the file itself.
func Watch(path string, apply func(Reloadable)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		watcher:  fw,
		apply:    apply,
		debounce: 200 * time.Millisecond,
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.closed:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Printf("CONFIG: reload of %s ignored: %v", w.path, err)
		return
	}
	log.Printf("CONFIG: reloaded %s", w.path)
	w.apply(cfg.Reloadable())
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}
