package lua

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zot/ui-native/internal/logging"
)

// DefaultDebounce is how long a file must be quiet before it is reloaded.
const DefaultDebounce = 100 * time.Millisecond

// Reloader re-runs a changed source file.
type Reloader interface {
	Reload(ctx context.Context, path string) error
}

// HotLoader watches an assets tree and hands changed Lua files to a
// Reloader, one at a time. Subdirectories are watched as they appear.
// A module that is a symlink is also reloaded when its target changes.
type HotLoader struct {
	root     string
	reloader Reloader
	delay    time.Duration
	watcher  *fsnotify.Watcher

	mu     sync.Mutex
	dirs   map[string]int         // watched directory -> number of users
	links  map[string]string      // module symlink -> resolved target file
	timers map[string]*time.Timer // module path -> pending reload

	reloads chan string
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewHotLoader creates a stopped hot loader for the tree under root.
func NewHotLoader(root string, reloader Reloader, debounce time.Duration) (*HotLoader, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &HotLoader{
		root:     filepath.Clean(root),
		reloader: reloader,
		delay:    debounce,
		watcher:  w,
		dirs:     make(map[string]int),
		links:    make(map[string]string),
		timers:   make(map[string]*time.Timer),
		reloads:  make(chan string, 64),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the tree and begins delivering reloads.
func (h *HotLoader) Start() error {
	if err := h.addTree(h.root); err != nil {
		return err
	}
	h.wg.Add(2)
	go h.watch()
	go h.deliver()
	logging.Log(1, "HotLoader: watching %s", h.root)
	return nil
}

// Stop ends watching. Reloads that have not started are discarded.
func (h *HotLoader) Stop() error {
	var err error
	h.once.Do(func() {
		close(h.done)
		err = h.watcher.Close()
		h.mu.Lock()
		for p, t := range h.timers {
			t.Stop()
			delete(h.timers, p)
		}
		h.mu.Unlock()
		h.wg.Wait()
	})
	return err
}

// addTree watches dir and every directory below it, and tracks the
// symlinked modules it finds.
func (h *HotLoader) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return h.addDir(path)
		}
		if isLua(path) {
			h.track(path)
		}
		return nil
	})
}

func (h *HotLoader) addDir(dir string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addDirLocked(dir)
}

func (h *HotLoader) addDirLocked(dir string) error {
	if h.dirs[dir] == 0 {
		if err := h.watcher.Add(dir); err != nil {
			return err
		}
		logging.Log(2, "HotLoader: watching directory %s", dir)
	}
	h.dirs[dir]++
	return nil
}

func (h *HotLoader) releaseDirLocked(dir string) {
	if h.dirs[dir]--; h.dirs[dir] > 0 {
		return
	}
	delete(h.dirs, dir)
	h.watcher.Remove(dir)
	logging.Log(2, "HotLoader: stopped watching %s", dir)
}

// track records path if it is a symlink and watches its target's
// directory. A previous target for the same path is released first.
func (h *HotLoader) track(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.untrackLocked(path)

	info, err := os.Lstat(path)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return
	}
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		logging.Log(2, "HotLoader: cannot resolve %s: %v", path, err)
		return
	}
	if err := h.addDirLocked(filepath.Dir(target)); err != nil {
		logging.Log(1, "HotLoader: cannot watch target of %s: %v", path, err)
		return
	}
	h.links[path] = target
}

func (h *HotLoader) untrack(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.untrackLocked(path)
}

func (h *HotLoader) untrackLocked(path string) {
	if target, ok := h.links[path]; ok {
		delete(h.links, path)
		h.releaseDirLocked(filepath.Dir(target))
	}
}

func (h *HotLoader) watch() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			h.handle(ev)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			logging.Log(1, "HotLoader: watcher error: %v", err)
		}
	}
}

func (h *HotLoader) handle(ev fsnotify.Event) {
	logging.Log(3, "HotLoader: %s %s", ev.Op, ev.Name)

	if ev.Has(fsnotify.Create) && h.inTree(ev.Name) {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if err := h.addTree(ev.Name); err != nil {
				logging.Log(1, "HotLoader: cannot watch %s: %v", ev.Name, err)
			}
			return
		}
	}
	if !isLua(ev.Name) {
		return
	}

	if h.inTree(ev.Name) {
		switch {
		case ev.Has(fsnotify.Create):
			h.track(ev.Name)
		case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
			h.untrack(ev.Name)
		}
	}
	if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
		for _, module := range h.modulesFor(ev.Name) {
			h.schedule(module)
		}
	}
}

// modulesFor maps a changed file to the modules under root it affects:
// the file itself, or the symlinks pointing at it.
func (h *HotLoader) modulesFor(path string) []string {
	if h.inTree(path) {
		return []string{path}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for link, target := range h.links {
		if target == path {
			out = append(out, link)
		}
	}
	return out
}

// schedule (re)starts the quiet period for path.
func (h *HotLoader) schedule(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.timers[path]; ok {
		t.Reset(h.delay)
		return
	}
	h.timers[path] = time.AfterFunc(h.delay, func() {
		h.mu.Lock()
		delete(h.timers, path)
		h.mu.Unlock()
		select {
		case h.reloads <- path:
		case <-h.done:
		}
	})
}

func (h *HotLoader) deliver() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case path := <-h.reloads:
			if _, err := os.Stat(path); err != nil {
				logging.Log(2, "HotLoader: %s is gone, not reloading", path)
				continue
			}
			logging.Log(1, "HotLoader: reloading %s", path)
			if err := h.reloader.Reload(context.Background(), path); err != nil {
				logging.Log(1, "HotLoader: reload of %s failed: %v", path, err)
			}
		}
	}
}

func (h *HotLoader) inTree(path string) bool {
	rel, err := filepath.Rel(h.root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func isLua(path string) bool {
	return strings.HasSuffix(path, ".lua")
}
