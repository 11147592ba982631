package store

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// selfWriteWindow is how recently a store must have flushed for a
// filesystem event on its file to count as our own write.
const selfWriteWindow = 2 * time.Second

// watchDebounce coalesces the burst of events an editor save produces.
const watchDebounce = 200 * time.Millisecond

// Watcher observes the state directory and invokes a handler when a store
// file changes on disk from outside the daemon, so edits made by hand or
// by another tool are re-broadcast to connected clients.
type Watcher struct {
	fsw *fsnotify.Watcher

	mu       sync.Mutex
	handlers map[string]watchEntry
	timers   map[string]*time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
}

type watchEntry struct {
	lastWriteAt func() time.Time
	onChange    func()
}

// NewWatcher starts watching dir. Register files of interest with Watch.
func NewWatcher(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		fsw:      fsw,
		handlers: make(map[string]watchEntry),
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Watch registers a handler for one file name within the watched
// directory. lastWriteAt is consulted to suppress the daemon's own writes;
// onChange fires after the file settles.
func (w *Watcher) Watch(fileName string, lastWriteAt func() time.Time, onChange func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[fileName] = watchEntry{lastWriteAt: lastWriteAt, onChange: onChange}
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.dispatch(filepath.Base(ev.Name))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logrus.Warnf("State directory watch error: %v", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) dispatch(fileName string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.handlers[fileName]
	if !ok {
		return
	}
	if time.Since(entry.lastWriteAt()) < selfWriteWindow {
		return
	}

	// Debounce: editors produce several events per save.
	if timer, ok := w.timers[fileName]; ok {
		timer.Stop()
	}
	w.timers[fileName] = time.AfterFunc(watchDebounce, func() {
		logrus.Infof("External change to %s, reloading", fileName)
		entry.onChange()
	})
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	return w.fsw.Close()
}
