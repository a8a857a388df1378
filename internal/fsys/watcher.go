package fsys

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/openmined/syftmirror/internal/replication"
)

const eventQueueSize = 4096

var errWatcherClosed = errors.New("watcher closed")

// watcher maps per-directory registrations onto a single fsnotify watcher.
// Events are queued by a reader goroutine and delivered in order by a
// dispatcher goroutine, so a slow callback never stalls fsnotify itself.
type watcher struct {
	mu       sync.Mutex
	notify   *fsnotify.Watcher
	watches  map[string]replication.WatchFunc
	queue    chan replication.Event
	done     chan struct{}
	wg       sync.WaitGroup
	isClosed bool
}

func newWatcher() *watcher {
	return &watcher{
		watches: make(map[string]replication.WatchFunc),
	}
}

// start lazily creates the fsnotify watcher. Callers hold w.mu.
func (w *watcher) start() error {
	if w.notify != nil {
		return nil
	}
	n, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.notify = n
	w.queue = make(chan replication.Event, eventQueueSize)
	w.done = make(chan struct{})

	w.wg.Add(2)
	go w.read()
	go w.dispatch()
	return nil
}

func (w *watcher) Watch(p string, fn replication.WatchFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isClosed {
		return errWatcherClosed
	}

	h := host(p)
	info, err := os.Stat(h)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &fs.PathError{Op: "watch", Path: h, Err: ErrNotDir}
	}
	if err := w.start(); err != nil {
		return err
	}

	key := path.Clean(p)
	if _, ok := w.watches[key]; !ok {
		if err := w.notify.Add(h); err != nil {
			return err
		}
		slog.Debug("watcher add", "dir", key)
	}
	w.watches[key] = fn
	return nil
}

func (w *watcher) Unwatch(p string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := path.Clean(p)
	if _, ok := w.watches[key]; !ok {
		return &fs.PathError{Op: "unwatch", Path: key, Err: fs.ErrNotExist}
	}
	delete(w.watches, key)
	slog.Debug("watcher remove", "dir", key)

	if w.notify == nil || w.isClosed {
		return nil
	}
	// the kernel drops watches of deleted directories on its own
	if err := w.notify.Remove(host(key)); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		slog.Debug("watcher remove", "dir", key, "error", err)
	}
	return nil
}

// Close stops event delivery. Registrations are discarded.
func (w *watcher) Close() error {
	w.mu.Lock()
	if w.isClosed {
		w.mu.Unlock()
		return nil
	}
	w.isClosed = true
	n := w.notify
	w.watches = make(map[string]replication.WatchFunc)
	if n != nil {
		close(w.done)
	}
	w.mu.Unlock()

	if n == nil {
		return nil
	}
	err := n.Close()
	w.wg.Wait()
	return err
}

func (w *watcher) read() {
	defer w.wg.Done()
	defer close(w.queue)

	for {
		select {
		case event, ok := <-w.notify.Events:
			if !ok {
				return
			}
			ev, ok := translate(event)
			if !ok {
				continue
			}
			select {
			case w.queue <- ev:
			case <-w.done:
				return
			}

		case err, ok := <-w.notify.Errors:
			if !ok {
				return
			}
			slog.Error("watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *watcher) dispatch() {
	defer w.wg.Done()

	for ev := range w.queue {
		w.mu.Lock()
		fn, ok := w.watches[path.Dir(ev.Path)]
		w.mu.Unlock()

		if ok {
			fn(ev)
		}
	}
}

// translate maps an fsnotify event onto a replication event.
func translate(event fsnotify.Event) (replication.Event, bool) {
	p := filepath.ToSlash(event.Name)
	if IsTempFile(p) {
		return replication.Event{}, false
	}

	switch {
	case event.Has(fsnotify.Create):
		return replication.Event{Type: replication.EventAdded, Path: p}, true
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return replication.Event{Type: replication.EventRemoved, Path: p}, true
	case event.Has(fsnotify.Write):
		return replication.Event{Type: replication.EventModified, Path: p}, true
	default:
		// chmod only
		return replication.Event{}, false
	}
}
