// Package extension discovers precompiled extension modules in a directory
// and links them on demand, one instance per logical name.
package extension

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/zot/ui-native/internal/logging"
)

// Convention maps file names to logical names: prefix + name + suffix.
type Convention struct {
	Prefix string
	Suffix string
	Kind   Kind
}

// Match returns the logical name for file, if it follows the convention.
func (c Convention) Match(file string) (string, bool) {
	if !strings.HasPrefix(file, c.Prefix) || !strings.HasSuffix(file, c.Suffix) {
		return "", false
	}
	if len(file) <= len(c.Prefix)+len(c.Suffix) {
		return "", false
	}
	return file[len(c.Prefix) : len(file)-len(c.Suffix)], true
}

// NativeConvention is the platform's shared-library naming.
func NativeConvention() Convention {
	if runtime.GOOS == "darwin" || runtime.GOOS == "ios" {
		return Convention{Prefix: "", Suffix: ".dylib", Kind: KindNative}
	}
	return Convention{Prefix: "lib.", Suffix: ".so", Kind: KindNative}
}

// WasmConvention names WebAssembly extensions.
func WasmConvention() Convention {
	return Convention{Prefix: "lib.", Suffix: ".wasm", Kind: KindWasm}
}

// DefaultConventions returns the native and wasm conventions.
func DefaultConventions() []Convention {
	return []Convention{NativeConvention(), WasmConvention()}
}

// Entry is one discovered extension.
type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Kind Kind   `json:"kind"`
}

// Linker turns an extension file into a Module.
type Linker interface {
	Kind() Kind
	Link(ctx context.Context, name, path string) (*Module, error)
	Close(ctx context.Context) error
}

// Resolver answers Find and Load for the extensions found by Scan. The name
// map never changes after Scan; loaded modules live in an arena indexed by
// name, and concurrent loads of one name share a single link.
type Resolver struct {
	dir     string
	entries map[string]Entry
	linkers map[Kind]Linker

	group singleflight.Group
	arena []*Module
	index map[string]int
	mu    sync.Mutex
}

// Scan lists dir once and returns a resolver over the matching files.
// A missing directory yields an empty resolver. When two conventions claim
// the same name the earlier convention wins.
func Scan(dir string, conventions []Convention, linkers ...Linker) (*Resolver, error) {
	r := &Resolver{
		dir:     dir,
		entries: make(map[string]Entry),
		linkers: make(map[Kind]Linker),
		index:   make(map[string]int),
	}
	for _, l := range linkers {
		r.linkers[l.Kind()] = l
	}
	if dir == "" {
		return r, nil
	}

	files, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		logging.Log(1, "Extension directory %s does not exist", dir)
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("extension: scan %s: %w", dir, err)
	}

	for _, f := range files {
		if f.IsDir() {
			continue
		}
		for _, c := range conventions {
			name, ok := c.Match(f.Name())
			if !ok {
				continue
			}
			if _, dup := r.entries[name]; !dup {
				abs, err := filepath.Abs(filepath.Join(dir, f.Name()))
				if err != nil {
					return nil, fmt.Errorf("extension: %s: %w", f.Name(), err)
				}
				r.entries[name] = Entry{Name: name, Path: abs, Kind: c.Kind}
			}
			break
		}
	}
	logging.Log(1, "Found %d extensions in %s", len(r.entries), dir)
	return r, nil
}

// Dir returns the scanned directory.
func (r *Resolver) Dir() string { return r.dir }

// Find reports whether name was discovered.
func (r *Resolver) Find(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// Entry returns the discovered entry for name.
func (r *Resolver) Entry(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Entries returns every discovered extension sorted by name.
func (r *Resolver) Entries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every discovered logical name, sorted.
func (r *Resolver) Names() []string {
	entries := r.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func (r *Resolver) loaded(name string) (*Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.index[name]; ok {
		return r.arena[i], true
	}
	return nil, false
}

// Loaded returns the modules linked so far, in load order.
func (r *Resolver) Loaded() []*Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Module(nil), r.arena...)
}

// Load links name, or returns the module already linked under it.
func (r *Resolver) Load(ctx context.Context, name string) (*Module, error) {
	if m, ok := r.loaded(name); ok {
		return m, nil
	}
	v, err, _ := r.group.Do(name, func() (any, error) {
		if m, ok := r.loaded(name); ok {
			return m, nil
		}
		entry, ok := r.entries[name]
		if !ok {
			return nil, &LoadError{Name: name, Kind: ErrNotFound}
		}
		linker, ok := r.linkers[entry.Kind]
		if !ok {
			return nil, &LoadError{Name: name, Path: entry.Path, Kind: ErrLinkFailure,
				Err: fmt.Errorf("no %s linker", entry.Kind)}
		}
		m, err := linker.Link(ctx, name, entry.Path)
		if err != nil {
			return nil, &LoadError{Name: name, Path: entry.Path, Kind: ErrLinkFailure, Err: err}
		}

		r.mu.Lock()
		r.index[name] = len(r.arena)
		r.arena = append(r.arena, m)
		r.mu.Unlock()
		logging.Log(1, "Linked %s extension %s from %s", entry.Kind, name, entry.Path)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Module), nil
}

// Close releases every loaded module, then the linkers.
func (r *Resolver) Close(ctx context.Context) error {
	r.mu.Lock()
	arena := r.arena
	r.arena = nil
	r.index = make(map[string]int)
	r.mu.Unlock()

	var errs []error
	for i := len(arena) - 1; i >= 0; i-- {
		if err := arena[i].Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, l := range r.linkers {
		if err := l.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
