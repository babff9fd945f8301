package dsu

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Watcher establishes an inotify watch per Identity path (spec §4.7:
// "content modify, atomic rename-into-place, delete-then-create... the
// controller normalizes these into a single 'new bytes available' event
// with debouncing"), grounded on the teacher's own debounced
// FileWatcher (filewatcher_other.go: modTimes map + a per-path
// time.Timer to coalesce bursts) but driven by real inotify events via
// golang.org/x/sys/unix instead of the teacher's polling ticker, since a
// DSU loader watching shared objects that may be gigabytes cannot
// afford to re-stat every watched path on a fixed tick.
type Watcher struct {
	fd int

	mu       sync.Mutex
	wdToPath map[int32]string
	pathToWd map[string]int32
	debounce map[string]*time.Timer

	debounceWindow time.Duration
	events         chan string
	stop           chan struct{}
}

// NewWatcher opens an inotify instance and starts its read loop. Events
// of interest are IN_MODIFY, IN_CLOSE_WRITE, IN_MOVED_TO
// (rename-into-place), and IN_CREATE (delete-then-create), per spec §4.7.
func NewWatcher(debounceWindow time.Duration) (*Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	if debounceWindow <= 0 {
		debounceWindow = 50 * time.Millisecond
	}
	w := &Watcher{
		fd:             fd,
		wdToPath:       make(map[int32]string),
		pathToWd:       make(map[string]int32),
		debounce:       make(map[string]*time.Timer),
		debounceWindow: debounceWindow,
		events:         make(chan string, 64),
		stop:           make(chan struct{}),
	}
	go w.readLoop()
	return w, nil
}

// Add arms a watch on path's containing directory (inotify watches
// directories to see rename-into-place/delete-then-create, which don't
// preserve the original inode's watch) and filters to events naming
// path's own basename.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pathToWd[abs]; ok {
		return nil
	}
	mask := uint32(unix.IN_MODIFY | unix.IN_MOVED_TO | unix.IN_CREATE | unix.IN_CLOSE_WRITE)
	wd, err := unix.InotifyAddWatch(w.fd, dir, mask)
	if err != nil {
		return fmt.Errorf("inotify_add_watch %s: %w", dir, err)
	}
	w.wdToPath[int32(wd)] = abs
	w.pathToWd[abs] = int32(wd)
	return nil
}

// Events returns the channel of debounced "new bytes available" paths.
func (w *Watcher) Events() <-chan string { return w.events }

func (w *Watcher) Close() error {
	close(w.stop)
	return unix.Close(w.fd)
}

func (w *Watcher) readLoop() {
	buf := make([]byte, 64*(unix.SizeofInotifyEvent+unix.NAME_MAX+1))
	for {
		n, err := unix.Read(w.fd, buf)
		if err != nil {
			return // fd closed or fatal read error: stop the loop
		}
		w.processRaw(buf[:n])
	}
}

func (w *Watcher) processRaw(raw []byte) {
	off := 0
	for off+unix.SizeofInotifyEvent <= len(raw) {
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&raw[off]))
		nameStart := off + unix.SizeofInotifyEvent
		nameEnd := nameStart + int(ev.Len)
		if nameEnd > len(raw) {
			break
		}
		name := cstrName(raw[nameStart:nameEnd])
		off = nameEnd

		w.mu.Lock()
		dir, ok := w.wdToPath[ev.Wd]
		w.mu.Unlock()
		if !ok {
			continue
		}
		// dir here actually stores the full watched file's path (set in
		// Add); only fire when the event's name matches its basename.
		if name != "" && name != filepath.Base(dir) {
			continue
		}
		w.debounceFire(dir)
	}
}

func (w *Watcher) debounceFire(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounce[path]; ok {
		t.Stop()
	}
	w.debounce[path] = time.AfterFunc(w.debounceWindow, func() {
		select {
		case w.events <- path:
		default:
		}
	})
}

func cstrName(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
