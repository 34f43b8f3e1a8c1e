package notify

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SourceWatcher watches source roots recursively and invokes a callback
// once the trees have been quiet for the debounce interval. Bursts of
// writes (a large copy, a build) collapse into a single trigger.
type SourceWatcher struct {
	roots    []string
	debounce time.Duration
	callback func()
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewSourceWatcher creates a watcher over the given roots.
func NewSourceWatcher(roots []string, debounce time.Duration, callback func()) *SourceWatcher {
	return &SourceWatcher{
		roots:    roots,
		debounce: debounce,
		callback: callback,
		done:     make(chan struct{}),
	}
}

// Start registers all directories under every root and begins watching.
// Call Stop to clean up.
func (sw *SourceWatcher) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	sw.watcher = w

	for _, root := range sw.roots {
		if err := sw.addTree(root); err != nil {
			_ = w.Close()
			return err
		}
	}

	go sw.loop()
	log.Printf("notify: watching %d source root(s), debounce %v", len(sw.roots), sw.debounce)
	return nil
}

// Stop shuts down the watcher.
func (sw *SourceWatcher) Stop() {
	if sw.watcher != nil {
		_ = sw.watcher.Close()
	}
	<-sw.done
}

// addTree registers root and every subdirectory. Unreadable directories are
// skipped; they are also skipped during enumeration.
func (sw *SourceWatcher) addTree(root string) error {
	if err := sw.watcher.Add(root); err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() && path != root {
			if err := sw.watcher.Add(path); err != nil {
				log.Printf("notify: watch %s: %v", path, err)
				return fs.SkipDir
			}
		}
		return nil
	})
}

func (sw *SourceWatcher) loop() {
	defer close(sw.done)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case evt, ok := <-sw.watcher.Events:
			if !ok {
				if timer != nil {
					timer.Stop()
				}
				return
			}
			// New directories must be registered or changes inside them
			// go unseen.
			if evt.Op&fsnotify.Create != 0 {
				if info, err := os.Lstat(evt.Name); err == nil && info.IsDir() {
					if err := sw.watcher.Add(evt.Name); err != nil {
						log.Printf("notify: watch %s: %v", evt.Name, err)
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(sw.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(sw.debounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			sw.callback()
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				if timer != nil {
					timer.Stop()
				}
				return
			}
			log.Printf("notify: watcher error: %v", err)
		}
	}
}
