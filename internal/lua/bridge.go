package lua

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/ui-native/internal/logging"
	"github.com/zot/ui-native/internal/protocol"
	"github.com/zot/ui-native/internal/registry"
)

const (
	objectTypeName = "bridge.object"
	futureTypeName = "bridge.future"
)

// object is the runtime-side proxy for one host object.
type object struct {
	handle   protocol.Handle
	typeName string
	handlers map[string]*lua.LFunction
	deleted  bool
}

// future receives the result of an invoke.
type future struct {
	handle    protocol.Handle
	done      bool
	value     lua.LValue
	err       string
	callbacks []*lua.LFunction
}

func (r *Runtime) allocate() protocol.Handle {
	r.next++
	return r.next
}

func (r *Runtime) registerTypes() {
	L := r.State
	mt := L.NewTypeMetatable(objectTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"call":       r.objCall,
		"invoke":     r.objInvoke,
		"set":        r.objSet,
		"delete":     r.objDelete,
		"connect":    r.objConnect,
		"disconnect": r.objDisconnect,
		"handle":     r.objHandle,
	}))
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		o := r.checkObject(L)
		L.Push(lua.LString(fmt.Sprintf("%s<%d>", o.typeName, o.handle)))
		return 1
	}))

	mt = L.NewTypeMetatable(futureTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"next":   r.futureNext,
		"done":   r.futureDone,
		"result": r.futureResult,
	}))
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		f := r.checkFuture(L)
		L.Push(lua.LString(fmt.Sprintf("future<%d>", f.handle)))
		return 1
	}))
}

// proxy returns the userdata registered under h, creating a proxy for a
// handle allocated elsewhere.
func (r *Runtime) proxy(h protocol.Handle, typeName string) *lua.LUserData {
	if ud, ok := r.objects[h]; ok {
		return ud
	}
	L := r.State
	ud := L.NewUserData()
	ud.Value = &object{handle: h, typeName: typeName, handlers: make(map[string]*lua.LFunction)}
	L.SetMetatable(ud, L.GetTypeMetatable(objectTypeName))
	r.objects[h] = ud
	return ud
}

func (r *Runtime) newFuture() *lua.LUserData {
	L := r.State
	f := &future{handle: r.allocate()}
	ud := L.NewUserData()
	ud.Value = f
	L.SetMetatable(ud, L.GetTypeMetatable(futureTypeName))
	r.objects[f.handle] = ud
	return ud
}

func (r *Runtime) checkObject(L *lua.LState) *object {
	ud := L.CheckUserData(1)
	if o, ok := ud.Value.(*object); ok {
		return o
	}
	L.ArgError(1, "bridge object expected")
	return nil
}

// liveObject checks the receiver and raises for a deleted handle.
func (r *Runtime) liveObject(L *lua.LState) *object {
	o := r.checkObject(L)
	if o.deleted {
		L.RaiseError("%v: %d", registry.ErrUnknownHandle, o.handle)
	}
	return o
}

func (r *Runtime) checkFuture(L *lua.LState) *future {
	ud := L.CheckUserData(1)
	if f, ok := ud.Value.(*future); ok {
		return f
	}
	L.ArgError(1, "bridge future expected")
	return nil
}

// args converts the stack from index from to the top.
func (r *Runtime) args(L *lua.LState, from int) []protocol.Value {
	top := L.GetTop()
	out := make([]protocol.Value, 0, max(0, top-from+1))
	for i := from; i <= top; i++ {
		v, err := r.toValue(L.Get(i))
		if err != nil {
			L.ArgError(i, err.Error())
		}
		out = append(out, v)
	}
	return out
}

func (r *Runtime) openBridge(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"object":        r.bridgeObject,
		"cached":        r.bridgeCached,
		"ref":           r.bridgeRef,
		"proxy":         r.bridgeProxy,
		"static":        r.bridgeStatic,
		"invoke_static": r.bridgeInvokeStatic,
		"flush":         r.bridgeFlush,
		"application":   r.bridgeApplication,
		"app":           r.bridgeApp,
		"error":         r.bridgeError,
	})
	L.SetField(mod, "CONTEXT", lua.LNumber(protocol.ContextHandle))
	L.Push(mod)
	return 1
}

// bridge.object(type, ctor, ...) creates a host object.
func (r *Runtime) bridgeObject(L *lua.LState) int {
	typeName := L.CheckString(1)
	ctor := L.OptString(2, "")
	args := r.args(L, 3)
	h := r.allocate()
	r.batcher.Queue(protocol.Create(h, protocol.NoHandle, typeName, ctor, args...))
	L.Push(r.proxy(h, typeName))
	return 1
}

// bridge.cached(cache, type, ctor, ...) creates a host object, reusing the
// one cached under cache if the host still has it.
func (r *Runtime) bridgeCached(L *lua.LState) int {
	cache := protocol.Handle(L.CheckInt64(1))
	typeName := L.CheckString(2)
	ctor := L.OptString(3, "")
	args := r.args(L, 4)
	h := r.allocate()
	r.batcher.Queue(protocol.Create(h, cache, typeName, ctor, args...))
	L.Push(r.proxy(h, typeName))
	return 1
}

// bridge.ref(handle) addresses an object the host allocated.
func (r *Runtime) bridgeRef(L *lua.LState) int {
	L.Push(r.proxy(protocol.Handle(L.CheckInt64(1)), L.OptString(2, "")))
	return 1
}

// bridge.proxy(type, target) creates a host object of an interface type
// whose callbacks arrive as events on target. Without a target they arrive
// on the proxy itself.
func (r *Runtime) bridgeProxy(L *lua.LState) int {
	typeName := L.CheckString(1)
	target := protocol.NoHandle
	if L.GetTop() >= 2 && L.Get(2) != lua.LNil {
		ud := L.CheckUserData(2)
		o, ok := ud.Value.(*object)
		if !ok {
			L.ArgError(2, "bridge object expected")
		}
		if o.deleted {
			L.ArgError(2, fmt.Sprintf("%v: %d", registry.ErrUnknownHandle, o.handle))
		}
		target = o.handle
	}
	h := r.allocate()
	if target == protocol.NoHandle {
		target = h
	}
	r.batcher.Queue(protocol.Proxy(h, typeName, target))
	L.Push(r.proxy(h, typeName))
	return 1
}

func (r *Runtime) bridgeStatic(L *lua.LState) int {
	typeName := L.CheckString(1)
	name := L.CheckString(2)
	r.batcher.Queue(protocol.StaticMethod(typeName, protocol.NoHandle, protocol.NoHandle, name, r.args(L, 3)...))
	return 0
}

func (r *Runtime) bridgeInvokeStatic(L *lua.LState) int {
	typeName := L.CheckString(1)
	name := L.CheckString(2)
	args := r.args(L, 3)
	ud := r.newFuture()
	r.batcher.Queue(protocol.StaticMethod(typeName, ud.Value.(*future).handle, protocol.NoHandle, name, args...))
	L.Push(ud)
	return 1
}

func (r *Runtime) bridgeFlush(L *lua.LState) int {
	if err := r.flush(r.unit); err != nil {
		L.RaiseError("bridge flush: %v", err)
	}
	return 0
}

// bridge.application(tbl) registers the event sink for handle 0.
func (r *Runtime) bridgeApplication(L *lua.LState) int {
	app := L.CheckTable(1)
	r.app = app
	logging.Log(1, "Application instance registered")
	L.Push(app)
	return 1
}

func (r *Runtime) bridgeApp(L *lua.LState) int {
	if r.app == nil {
		L.Push(lua.LNil)
	} else {
		L.Push(r.app)
	}
	return 1
}

func (r *Runtime) bridgeError(L *lua.LState) int {
	r.batcher.Queue(protocol.Error(L.CheckString(1)))
	return 0
}

// obj:call(name, ...) invokes a host method, discarding the result.
func (r *Runtime) objCall(L *lua.LState) int {
	o := r.liveObject(L)
	name := L.CheckString(2)
	r.batcher.Queue(protocol.Method(o.handle, protocol.NoHandle, protocol.NoHandle, name, r.args(L, 3)...))
	return 0
}

// obj:invoke(name, ...) invokes a host method and returns a future.
func (r *Runtime) objInvoke(L *lua.LState) int {
	o := r.liveObject(L)
	name := L.CheckString(2)
	args := r.args(L, 3)
	ud := r.newFuture()
	r.batcher.Queue(protocol.Method(o.handle, ud.Value.(*future).handle, protocol.NoHandle, name, args...))
	L.Push(ud)
	return 1
}

func (r *Runtime) objSet(L *lua.LState) int {
	o := r.liveObject(L)
	field := L.CheckString(2)
	v, err := r.toValue(L.Get(3))
	if err != nil {
		L.ArgError(3, err.Error())
	}
	r.batcher.Queue(protocol.Field(o.handle, protocol.NoHandle, field, v))
	return 0
}

func (r *Runtime) objDelete(L *lua.LState) int {
	o := r.liveObject(L)
	o.deleted = true
	o.handlers = nil
	delete(r.objects, o.handle)
	r.batcher.Queue(protocol.Delete(o.handle))
	return 0
}

// obj:connect(event, fn) routes host events named event to fn(obj, ...).
func (r *Runtime) objConnect(L *lua.LState) int {
	o := r.liveObject(L)
	o.handlers[L.CheckString(2)] = L.CheckFunction(3)
	return 0
}

func (r *Runtime) objDisconnect(L *lua.LState) int {
	o := r.liveObject(L)
	delete(o.handlers, L.CheckString(2))
	return 0
}

func (r *Runtime) objHandle(L *lua.LState) int {
	L.Push(lua.LNumber(r.checkObject(L).handle))
	return 1
}

// future:next(fn) calls fn(value, err) once the result arrives.
func (r *Runtime) futureNext(L *lua.LState) int {
	f := r.checkFuture(L)
	fn := L.CheckFunction(2)
	if f.done {
		if _, err := r.call(fn, f.value, errValue(f.err)); err != nil {
			r.report(err)
		}
	} else {
		f.callbacks = append(f.callbacks, fn)
	}
	L.Push(L.Get(1))
	return 1
}

func (r *Runtime) futureDone(L *lua.LState) int {
	L.Push(lua.LBool(r.checkFuture(L).done))
	return 1
}

// future:result() returns value, err; both nil while pending.
func (r *Runtime) futureResult(L *lua.LState) int {
	f := r.checkFuture(L)
	if !f.done {
		L.Push(lua.LNil)
		L.Push(lua.LNil)
		return 2
	}
	L.Push(f.value)
	L.Push(errValue(f.err))
	return 2
}

func errValue(s string) lua.LValue {
	if s == "" {
		return lua.LNil
	}
	return lua.LString(s)
}

// settle completes a future from a set_result or set_error event.
func (r *Runtime) settle(f *future, cmd protocol.Command) error {
	if f.done {
		return nil
	}
	var v protocol.Value
	if len(cmd.Args) > 0 {
		v = cmd.Args[0]
	}
	// The host may register an object result under the future's handle, so
	// the handle must name that object from here on.
	delete(r.objects, f.handle)
	switch cmd.Name {
	case "set_result":
		f.value = r.fromValue(v)
	case "set_error":
		f.value = lua.LNil
		f.err = v.AsString()
		if f.err == "" {
			f.err = "error"
		}
	default:
		return fmt.Errorf("future %d has no method %s", f.handle, cmd.Name)
	}
	f.done = true
	logging.Log(3, "Future %d settled by %s", f.handle, cmd.Name)

	var failed error
	callbacks := f.callbacks
	f.callbacks = nil
	for _, fn := range callbacks {
		if _, err := r.call(fn, f.value, errValue(f.err)); err != nil {
			r.report(err)
			failed = err
		}
	}
	return failed
}

func (r *Runtime) openNativeHooks(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"write": func(L *lua.LState) int {
			if r.opts.Output != nil {
				r.opts.Output.WriteString(L.CheckString(1))
			}
			return 0
		},
		"flush": func(L *lua.LState) int {
			if r.opts.Output != nil {
				r.opts.Output.Flush()
			}
			return 0
		},
		"publish": func(L *lua.LState) int {
			data := L.CheckString(1)
			if r.opts.Publisher == nil {
				return 0
			}
			if err := r.opts.Publisher.Publish(r.unit, []byte(data)); err != nil {
				L.RaiseError("publish: %v", err)
			}
			return 0
		},
	})
	L.Push(mod)
	return 1
}
