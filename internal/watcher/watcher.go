// Package watcher coalesces filesystem activity under a session directory
// into debounced change callbacks.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceWindow is the quiet period after the last filesystem event before
// the callback fires. The engine writes in bursts (db page flushes plus one
// or two screenshots per action), so reacting per-event would be wasted work.
const DebounceWindow = 200 * time.Millisecond

// Watcher watches one directory tree and invokes onChange after each burst of
// events settles.
type Watcher struct {
	fsw      *fsnotify.Watcher
	onChange func()
	debounce time.Duration

	mu      sync.Mutex
	pending *time.Timer
	closed  bool

	done chan struct{}
}

// New starts watching dir recursively. onChange runs on the watcher's own
// goroutine after each debounced burst.
func New(dir string, onChange func()) (*Watcher, error) {
	return newWithDebounce(dir, onChange, DebounceWindow)
}

func newWithDebounce(dir string, onChange func(), debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:      fsw,
		onChange: onChange,
		debounce: debounce,
		done:     make(chan struct{}),
	}

	if err := w.addTree(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

// addTree registers dir and every subdirectory under it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries can vanish mid-walk while the engine is writing.
			return nil
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// New subdirectories must be picked up to keep the watch
			// recursive.
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addTree(event.Name)
				}
			}
			w.scheduleRecheck()
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Watch errors are transient here; the next event or poll
			// recovers.
		}
	}
}

// scheduleRecheck resets the single pending debounce timer. A new event
// cancels and reschedules; timers are never stacked.
func (w *Watcher) scheduleRecheck() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}
	w.onChange()
}

// Close stops the watch. Idempotent; no callback fires after Close returns.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	err := w.fsw.Close()
	<-w.done
	return err
}
