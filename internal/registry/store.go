// Package registry holds the host side of the object bridge: the table of
// bridged native objects, reflective method and field dispatch, and the
// futures that await results from the runtime.
package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zot/ui-native/internal/logging"
	"github.com/zot/ui-native/internal/protocol"
)

var (
	ErrUnknownHandle  = errors.New("registry: unknown handle")
	ErrHandleInUse    = errors.New("registry: handle in use")
	ErrReservedHandle = errors.New("registry: reserved handle")
)

// Toolkit constructs native objects by type name.
// ctor selects an alternate constructor; empty means the default one.
type Toolkit interface {
	New(typeName, ctor string, args []any) (any, error)
}

// ToolkitFunc adapts a function to Toolkit.
type ToolkitFunc func(typeName, ctor string, args []any) (any, error)

func (f ToolkitFunc) New(typeName, ctor string, args []any) (any, error) {
	return f(typeName, ctor, args)
}

// StaticInvoker is implemented by toolkits that expose type-level methods.
type StaticInvoker interface {
	CallStatic(typeName, method string, args []any) (any, error)
}

// Forwarder delivers callbacks from a native proxy to the runtime object
// it was created for.
type Forwarder interface {
	Forward(event string, args ...any) error
}

// ProxyFactory is implemented by toolkits that can build native proxies:
// objects of typeName whose callbacks go to a runtime object.
type ProxyFactory interface {
	NewProxy(typeName string, to Forwarder) (any, error)
}

// Releaser is implemented by objects that hold native resources. Release is
// called when the last handle addressing the object is deleted.
type Releaser interface {
	Release()
}

type entry struct {
	obj      any
	typeName string
}

// ObjectInfo describes one live handle.
type ObjectInfo struct {
	Handle protocol.Handle `json:"handle"`
	Type   string          `json:"type"`
	Alias  bool            `json:"alias,omitempty"`
}

// Store maps handles to live native objects.
type Store struct {
	objects  map[protocol.Handle]*entry
	reverse  map[any]protocol.Handle
	cache    map[protocol.Handle]protocol.Handle // cache handle -> owning handle
	aliases  map[protocol.Handle]protocol.Handle // alias -> owning handle
	nextHost atomic.Int64
	toolkit  Toolkit
	invoker  *Invoker
	mu       sync.RWMutex
}

// NewStore creates a store whose ContextHandle addresses hostContext.
func NewStore(toolkit Toolkit, hostContext any) *Store {
	s := &Store{
		objects: make(map[protocol.Handle]*entry),
		reverse: make(map[any]protocol.Handle),
		cache:   make(map[protocol.Handle]protocol.Handle),
		aliases: make(map[protocol.Handle]protocol.Handle),
		toolkit: toolkit,
		invoker: NewInvoker(),
	}
	s.nextHost.Store(int64(protocol.ContextHandle) - 1)
	if hostContext != nil {
		s.put(protocol.ContextHandle, hostContext, typeName(hostContext))
	}
	return s
}

func typeName(obj any) string {
	if obj == nil {
		return "nil"
	}
	return reflect.TypeOf(obj).String()
}

// hashable reports whether obj can key the reverse map. The value is
// checked, not just its type: a struct with an interface field holding a
// slice has a comparable type but panics as a map key.
func hashable(obj any) bool {
	return obj != nil && reflect.ValueOf(obj).Comparable()
}

// put registers obj under h; callers hold s.mu.
func (s *Store) put(h protocol.Handle, obj any, name string) {
	s.objects[h] = &entry{obj: obj, typeName: name}
	if hashable(obj) {
		if _, ok := s.reverse[obj]; !ok {
			s.reverse[obj] = h
		}
	}
}

// Create constructs an object of typeName and registers it under h.
// When cache names a live cached object nothing is constructed: h becomes an
// alias of that object and the cached object's handle is returned.
func (s *Store) Create(h, cache protocol.Handle, typeName, ctor string, args []protocol.Value) (protocol.Handle, error) {
	s.mu.Lock()
	if _, ok := s.objects[h]; ok {
		s.mu.Unlock()
		return protocol.NoHandle, fmt.Errorf("%w: %d", ErrHandleInUse, h)
	}
	if cache != protocol.NoHandle {
		if owner, ok := s.cache[cache]; ok {
			if e, live := s.objects[owner]; live {
				s.objects[h] = e
				s.aliases[h] = owner
				s.mu.Unlock()
				logging.Log(3, "Object %d aliased to cached %d (cache %d)", h, owner, cache)
				return owner, nil
			}
			delete(s.cache, cache)
		}
	}
	s.mu.Unlock()

	goArgs, err := s.ResolveAll(args)
	if err != nil {
		return protocol.NoHandle, err
	}
	if s.toolkit == nil {
		return protocol.NoHandle, fmt.Errorf("registry: no toolkit to construct %s", typeName)
	}
	obj, err := s.toolkit.New(typeName, ctor, goArgs)
	if err != nil {
		return protocol.NoHandle, fmt.Errorf("create %s: %w", typeName, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[h]; ok {
		return protocol.NoHandle, fmt.Errorf("%w: %d", ErrHandleInUse, h)
	}
	s.put(h, obj, typeName)
	if cache != protocol.NoHandle {
		s.cache[cache] = h
	}
	logging.Log(3, "Object created: handle=%d type=%s", h, typeName)
	return h, nil
}

// CreateProxy asks the toolkit for a proxy of typeName forwarding to to,
// and registers it under h.
func (s *Store) CreateProxy(h protocol.Handle, typeName string, to Forwarder) error {
	pf, ok := s.toolkit.(ProxyFactory)
	if !ok {
		return fmt.Errorf("registry: toolkit cannot build a %s proxy", typeName)
	}
	s.mu.RLock()
	_, used := s.objects[h]
	s.mu.RUnlock()
	if used {
		return fmt.Errorf("%w: %d", ErrHandleInUse, h)
	}
	obj, err := pf.NewProxy(typeName, to)
	if err != nil {
		return fmt.Errorf("proxy %s: %w", typeName, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[h]; ok {
		return fmt.Errorf("%w: %d", ErrHandleInUse, h)
	}
	s.put(h, obj, typeName)
	logging.Log(3, "Proxy created: handle=%d type=%s", h, typeName)
	return nil
}

// Put registers an existing object under h.
func (s *Store) Put(h protocol.Handle, obj any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[h]; ok {
		return fmt.Errorf("%w: %d", ErrHandleInUse, h)
	}
	s.put(h, obj, typeName(obj))
	return nil
}

// Get returns the object registered under h.
func (s *Store) Get(h protocol.Handle) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.objects[h]
	if !ok {
		return nil, false
	}
	return e.obj, true
}

// HandleOf returns the handle an object is registered under.
func (s *Store) HandleOf(obj any) (protocol.Handle, bool) {
	if !hashable(obj) {
		return protocol.NoHandle, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.reverse[obj]
	return h, ok
}

// Adopt returns obj's handle, registering it under a fresh host-allocated
// handle if needed. Host handles are negative so they never collide with
// handles allocated by the runtime.
func (s *Store) Adopt(obj any) protocol.Handle {
	if h, ok := s.HandleOf(obj); ok {
		return h
	}
	h := protocol.Handle(s.nextHost.Add(-1) + 1)
	s.mu.Lock()
	s.put(h, obj, typeName(obj))
	s.mu.Unlock()
	return h
}

// Invoke calls method on the object registered under h.
func (s *Store) Invoke(h protocol.Handle, method string, args []protocol.Value) (any, error) {
	obj, ok := s.Get(h)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	goArgs, err := s.ResolveAll(args)
	if err != nil {
		return nil, err
	}
	logging.Log(4, "Invoke %d.%s%v", h, method, args)
	return s.invoker.Call(obj, method, goArgs)
}

// InvokeStatic calls a type-level method through the toolkit.
func (s *Store) InvokeStatic(typeName, method string, args []protocol.Value) (any, error) {
	si, ok := s.toolkit.(StaticInvoker)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s (toolkit has no static methods)", ErrNoMethod, typeName, method)
	}
	goArgs, err := s.ResolveAll(args)
	if err != nil {
		return nil, err
	}
	logging.Log(4, "InvokeStatic %s.%s%v", typeName, method, args)
	return si.CallStatic(typeName, method, goArgs)
}

// SetField assigns field on the object registered under h.
func (s *Store) SetField(h protocol.Handle, field string, value protocol.Value) error {
	obj, ok := s.Get(h)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	v, err := s.Resolve(value)
	if err != nil {
		return err
	}
	return s.invoker.Set(obj, field, v)
}

// Delete removes h. The object is released once no handle addresses it.
func (s *Store) Delete(h protocol.Handle) error {
	if h == protocol.ContextHandle {
		return fmt.Errorf("%w: %d", ErrReservedHandle, h)
	}
	s.mu.Lock()
	e, ok := s.objects[h]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	delete(s.objects, h)
	delete(s.aliases, h)
	for c, owner := range s.cache {
		if owner == h {
			delete(s.cache, c)
		}
	}
	release := true
	for other, oe := range s.objects {
		if oe == e {
			release = false
			if !hashable(e.obj) {
				break
			}
			if rh, ok := s.reverse[e.obj]; ok && rh == h {
				s.reverse[e.obj] = other
			}
			break
		}
	}
	if release && hashable(e.obj) {
		delete(s.reverse, e.obj)
	}
	s.mu.Unlock()

	logging.Log(3, "Object deleted: handle=%d", h)
	if r, ok := e.obj.(Releaser); ok && release {
		r.Release()
	}
	return nil
}

// Resolve converts a bridge value to Go data, dereferencing refs.
func (s *Store) Resolve(v protocol.Value) (any, error) {
	switch v.Kind() {
	case protocol.KindRef:
		obj, ok := s.Get(v.AsRef())
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, v.AsRef())
		}
		return obj, nil
	case protocol.KindList:
		return s.ResolveAll(v.AsList())
	case protocol.KindMap:
		out := make(map[string]any, len(v.AsMap()))
		for k, e := range v.AsMap() {
			r, err := s.Resolve(e)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	}
	return v.Interface(), nil
}

// ResolveAll resolves a list of values.
func (s *Store) ResolveAll(vs []protocol.Value) ([]any, error) {
	out := make([]any, len(vs))
	for i, v := range vs {
		r, err := s.Resolve(v)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// Encode converts Go data to a bridge value. Values that cannot cross by
// value are adopted and sent as refs.
func (s *Store) Encode(x any) protocol.Value {
	if v, err := protocol.FromGo(x); err == nil {
		return v
	}
	return protocol.Ref(s.Adopt(x))
}

// Len returns the number of live handles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Objects lists live handles in ascending order.
func (s *Store) Objects() []ObjectInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ObjectInfo, 0, len(s.objects))
	for h, e := range s.objects {
		_, alias := s.aliases[h]
		out = append(out, ObjectInfo{Handle: h, Type: e.typeName, Alias: alias})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Clear drops every object except the host context. No release callbacks
// run: the session that owned the objects is gone.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, e := range s.objects {
		if h == protocol.ContextHandle {
			continue
		}
		delete(s.objects, h)
		if hashable(e.obj) && s.reverse[e.obj] == h {
			delete(s.reverse, e.obj)
		}
	}
	s.cache = make(map[protocol.Handle]protocol.Handle)
	s.aliases = make(map[protocol.Handle]protocol.Handle)
	s.nextHost.Store(int64(protocol.ContextHandle) - 1)
}
