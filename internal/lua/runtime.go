// Package lua hosts the embedded Lua runtime: the VM and the executor that
// serializes access to it, the bridge and nativehooks modules, and the
// extension searcher in the module-resolution chain.
package lua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/ui-native/internal/capture"
	"github.com/zot/ui-native/internal/extension"
	"github.com/zot/ui-native/internal/logging"
	"github.com/zot/ui-native/internal/protocol"
)

var (
	// ErrNoInstance means no application singleton has been registered.
	ErrNoInstance = errors.New("lua: no application instance")
	// ErrEncoding means an event payload could not be decoded.
	ErrEncoding = errors.New("lua: event encoding error")
	// ErrDispatch means at least one event callback failed.
	ErrDispatch = errors.New("lua: event dispatch failed")
)

// DefaultEntryPoint is run by RunMain when Options.EntryPoint is empty.
const DefaultEntryPoint = "main.lua"

// Publisher receives encoded command batches from the runtime. Publish is
// called on the executor goroutine; ctx identifies the unit of work, so a
// publisher may call back into the runtime with it.
type Publisher interface {
	Publish(ctx context.Context, data []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, data []byte) error

func (f PublisherFunc) Publish(ctx context.Context, data []byte) error { return f(ctx, data) }

// Options configures a Runtime.
type Options struct {
	AssetsDir  string
	EntryPoint string
	Extensions *extension.Resolver
	Output     *capture.Hook
	Publisher  Publisher
}

// Runtime owns one Lua VM. All VM access runs on the guard's executor.
type Runtime struct {
	State *lua.LState

	opts    Options
	guard   *Guard
	batcher *protocol.Batcher
	objects map[protocol.Handle]*lua.LUserData
	next    protocol.Handle
	app     *lua.LTable
	modules map[*extension.Module]*lua.LTable
	unit    context.Context
	closed  bool
}

// NewRuntime creates the VM. The package library is opened first, then the
// nativehooks and bridge modules are preloaded and the extension searcher is
// installed, and only then are the remaining standard libraries opened.
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.EntryPoint == "" {
		opts.EntryPoint = DefaultEntryPoint
	}
	r := &Runtime{
		opts:    opts,
		guard:   NewGuard(),
		batcher: protocol.NewBatcher(),
		objects: make(map[protocol.Handle]*lua.LUserData),
		modules: make(map[*extension.Module]*lua.LTable),
		unit:    context.Background(),
	}
	err := r.guard.Do(context.Background(), func(ctx context.Context) error {
		return r.init()
	})
	if err != nil {
		r.guard.Close()
		if r.State != nil {
			r.State.Close()
		}
		return nil, err
	}
	return r, nil
}

type library struct {
	name string
	open lua.LGFunction
}

func openLibs(L *lua.LState, libs ...library) error {
	for _, lib := range libs {
		err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name))
		if err != nil {
			return fmt.Errorf("open %q library: %w", lib.name, err)
		}
	}
	return nil
}

func (r *Runtime) init() error {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	r.State = L

	if err := openLibs(L, library{lua.LoadLibName, lua.OpenPackage}); err != nil {
		return err
	}
	L.PreloadModule("nativehooks", r.openNativeHooks)
	L.PreloadModule("bridge", r.openBridge)
	if err := r.installSearcher(); err != nil {
		return err
	}
	r.registerTypes()

	err := openLibs(L,
		library{lua.BaseLibName, lua.OpenBase},
		library{lua.TabLibName, lua.OpenTable},
		library{lua.StringLibName, lua.OpenString},
		library{lua.MathLibName, lua.OpenMath},
		library{lua.IoLibName, lua.OpenIo},
		library{lua.OsLibName, lua.OpenOs},
		library{lua.CoroutineLibName, lua.OpenCoroutine},
		library{lua.ChannelLibName, lua.OpenChannel},
		library{lua.DebugLibName, lua.OpenDebug},
	)
	if err != nil {
		return err
	}
	r.redirectOutput()
	logging.Log(1, "Lua runtime ready, package.path=%s", lua.LVAsString(L.GetField(L.GetGlobal("package"), "path")))
	return nil
}

// redirectOutput replaces print and io.write with line-buffered writes to
// the output hook.
func (r *Runtime) redirectOutput() {
	if r.opts.Output == nil {
		return
	}
	L := r.State
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		var b strings.Builder
		top := L.GetTop()
		for i := 1; i <= top; i++ {
			if i > 1 {
				b.WriteByte('\t')
			}
			b.WriteString(L.ToStringMeta(L.Get(i)).String())
		}
		b.WriteByte('\n')
		r.opts.Output.WriteString(b.String())
		return 0
	}))
	if io, ok := L.GetGlobal("io").(*lua.LTable); ok {
		L.SetField(io, "write", L.NewFunction(func(L *lua.LState) int {
			top := L.GetTop()
			for i := 1; i <= top; i++ {
				r.opts.Output.WriteString(L.CheckString(i))
			}
			return 0
		}))
	}
}

// Do runs fn as one unit of work under the guard. Commands queued by fn are
// published when it returns.
func (r *Runtime) Do(ctx context.Context, fn func(ctx context.Context, L *lua.LState) error) error {
	return r.guard.Do(ctx, func(ctx context.Context) error {
		if r.closed {
			return ErrClosed
		}
		prev := r.unit
		r.unit = ctx
		defer func() { r.unit = prev }()

		err := fn(ctx, r.State)
		if ferr := r.flush(ctx); ferr != nil {
			err = errors.Join(err, ferr)
		}
		return err
	})
}

// flush publishes the pending batch.
func (r *Runtime) flush(ctx context.Context) error {
	if r.batcher.IsEmpty() {
		return nil
	}
	n := r.batcher.Len()
	if r.opts.Publisher == nil {
		r.batcher.Flush()
		logging.Log(2, "No publisher, dropping %d commands", n)
		return nil
	}
	data, err := r.batcher.FlushEncoded()
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	logging.Log(2, "Publishing %d commands (%d bytes)", n, len(data))
	return r.opts.Publisher.Publish(ctx, data)
}

// report writes an application failure through the output hook and tells
// the host about it.
func (r *Runtime) report(err error) {
	msg := err.Error()
	logging.Logger().Sugar().Warnf("Lua error: %s", firstLine(msg))
	if r.opts.Output != nil {
		r.opts.Output.WriteString(msg + "\n")
		r.opts.Output.Flush()
	}
	r.batcher.Queue(protocol.Error(msg))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// call invokes fn in protected mode and returns its first result.
func (r *Runtime) call(fn lua.LValue, args ...lua.LValue) (lua.LValue, error) {
	L := r.State
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return lua.LNil, err
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// EntryPath returns the absolute path of the entry point.
func (r *Runtime) EntryPath() string {
	if filepath.IsAbs(r.opts.EntryPoint) {
		return r.opts.EntryPoint
	}
	return filepath.Join(r.opts.AssetsDir, r.opts.EntryPoint)
}

// RunMain runs the entry point. A failure inside the script is reported
// through the output hook and returned; the runtime stays usable.
func (r *Runtime) RunMain(ctx context.Context) error {
	path := r.EntryPath()
	return r.Do(ctx, func(ctx context.Context, L *lua.LState) error {
		logging.Log(1, "Running %s", path)
		if _, err := os.Stat(path); err != nil {
			err = fmt.Errorf("entry point: %w", err)
			r.report(err)
			return err
		}
		if err := L.DoFile(path); err != nil {
			r.report(err)
			return err
		}
		return nil
	})
}

// RunString executes a chunk and returns its first result as Go data.
func (r *Runtime) RunString(ctx context.Context, code string) (any, error) {
	var result any
	err := r.Do(ctx, func(ctx context.Context, L *lua.LState) error {
		fn, err := L.LoadString(code)
		if err != nil {
			return err
		}
		ret, err := r.call(fn)
		if err != nil {
			r.report(err)
			return err
		}
		result = ToGo(ret)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HasApplication reports whether bridge.application has been called.
func (r *Runtime) HasApplication(ctx context.Context) bool {
	var ok bool
	err := r.guard.Do(ctx, func(context.Context) error {
		ok = r.app != nil
		return nil
	})
	return err == nil && ok
}

// Handles lists the handles of live runtime-side objects and futures in
// ascending order.
func (r *Runtime) Handles(ctx context.Context) []protocol.Handle {
	var out []protocol.Handle
	err := r.guard.Do(ctx, func(context.Context) error {
		for h := range r.objects {
			out = append(out, h)
		}
		return nil
	})
	if err != nil {
		return nil
	}
	slices.Sort(out)
	return out
}

// DispatchEvents delivers a batch of host events to their targets.
// It fails with ErrNoInstance before bridge.application has been called and
// with ErrEncoding when the payload does not decode. Events for unknown
// handles are logged and skipped.
func (r *Runtime) DispatchEvents(ctx context.Context, payload []byte) error {
	return r.Do(ctx, func(ctx context.Context, L *lua.LState) error {
		if r.app == nil {
			return ErrNoInstance
		}
		cmds, err := protocol.DecodeBatch(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEncoding, err)
		}
		logging.Log(2, "Dispatching %d events", len(cmds))
		var errs []error
		for _, cmd := range cmds {
			if cmd.Op != protocol.OpEvent {
				logging.Log(2, "Ignoring %s sent to the runtime", cmd.Op)
				continue
			}
			if err := r.dispatch(cmd); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%w: %w", ErrDispatch, errors.Join(errs...))
		}
		return nil
	})
}

// dispatch runs one event. Handle 0 targets the application table.
func (r *Runtime) dispatch(cmd protocol.Command) error {
	L := r.State
	args := make([]lua.LValue, 0, len(cmd.Args)+1)

	var fn lua.LValue = lua.LNil
	switch {
	case cmd.Handle == protocol.NoHandle:
		fn = L.GetField(r.app, cmd.Name)
		args = append(args, r.app)
	default:
		ud, ok := r.objects[cmd.Handle]
		if !ok {
			logging.Logger().Sugar().Warnf("Event %s for unknown handle %d", cmd.Name, cmd.Handle)
			return nil
		}
		if f, ok := ud.Value.(*future); ok {
			return r.settle(f, cmd)
		}
		if h, ok := ud.Value.(*object).handlers[cmd.Name]; ok {
			fn = h
		}
		args = append(args, ud)
	}
	if fn.Type() != lua.LTFunction {
		err := fmt.Errorf("no handler for %s on %d", cmd.Name, cmd.Handle)
		r.report(err)
		return err
	}
	for _, a := range cmd.Args {
		args = append(args, r.fromValue(a))
	}

	logging.Log(3, "Event %s -> %d (result %d)", cmd.Name, cmd.Handle, cmd.Result)
	ret, err := r.call(fn, args...)
	if err != nil {
		r.report(err)
	}
	if cmd.Result != protocol.NoHandle {
		v, cerr := r.toValue(ret)
		if cerr != nil {
			r.report(cerr)
			v = protocol.Nil()
		}
		r.batcher.Queue(protocol.Result(cmd.Result, v))
	}
	return err
}

// Reload re-runs a changed source file if its module has been required,
// then calls app:on_reload(name) when the application defines it.
func (r *Runtime) Reload(ctx context.Context, path string) error {
	name, ok := r.moduleName(path)
	if !ok {
		return nil
	}
	return r.Do(ctx, func(ctx context.Context, L *lua.LState) error {
		loaded := L.GetField(L.GetGlobal("package"), "loaded")
		if L.GetField(loaded, name) == lua.LNil {
			logging.Log(2, "Skipping reload of %s (not loaded)", name)
			return nil
		}
		fn, err := L.LoadFile(path)
		if err != nil {
			r.report(err)
			return err
		}
		ret, err := r.call(fn, lua.LString(name))
		if err != nil {
			r.report(err)
			return err
		}
		if ret != lua.LNil {
			L.SetField(loaded, name, ret)
		}
		logging.Log(1, "Reloaded %s", name)
		if r.app != nil {
			if hook := L.GetField(r.app, "on_reload"); hook.Type() == lua.LTFunction {
				if _, err := r.call(hook, r.app, lua.LString(name)); err != nil {
					r.report(err)
				}
			}
		}
		return nil
	})
}

// moduleName maps a file under the assets directory to its require name.
func (r *Runtime) moduleName(path string) (string, bool) {
	rel, err := filepath.Rel(r.opts.AssetsDir, path)
	if err != nil || strings.HasPrefix(rel, "..") || !strings.HasSuffix(rel, ".lua") {
		return "", false
	}
	rel = strings.TrimSuffix(rel, ".lua")
	rel = strings.TrimSuffix(rel, string(filepath.Separator)+"init")
	return strings.ReplaceAll(rel, string(filepath.Separator), "."), true
}

// Close fails outstanding futures, closes the VM and stops the executor.
// Extension modules belong to the resolver and are closed with it.
func (r *Runtime) Close() {
	r.guard.Do(context.Background(), func(context.Context) error {
		if r.closed {
			return nil
		}
		r.closed = true
		r.objects = make(map[protocol.Handle]*lua.LUserData)
		r.app = nil
		r.State.Close()
		return nil
	})
	r.guard.Close()
}
