package lua

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/ui-native/internal/extension"
	"github.com/zot/ui-native/internal/logging"
)

// searcherPosition puts the extension searcher right after package.preload
// and ahead of the filesystem searcher.
const searcherPosition = 2

func (r *Runtime) installSearcher() error {
	if r.opts.Extensions == nil {
		return nil
	}
	L := r.State
	loaders, ok := L.GetField(L.GetGlobal("package"), "loaders").(*lua.LTable)
	if !ok {
		return fmt.Errorf("package.loaders is not a table")
	}
	loaders.Insert(searcherPosition, L.NewFunction(r.searchExtension))
	logging.Log(1, "Extension searcher installed for %s", r.opts.Extensions.Dir())
	return nil
}

// searchExtension follows the package.loaders contract: it returns a loader
// function for a known extension, or a message explaining the miss.
func (r *Runtime) searchExtension(L *lua.LState) int {
	name := L.CheckString(1)
	if !r.opts.Extensions.Find(name) {
		L.Push(lua.LString(fmt.Sprintf("\n\tno extension '%s' in %s", name, r.opts.Extensions.Dir())))
		return 1
	}
	L.Push(L.NewFunction(func(L *lua.LState) int {
		m, err := r.opts.Extensions.Load(r.unit, name)
		if err != nil {
			L.RaiseError("%v", err)
		}
		L.Push(r.moduleTable(m))
		return 1
	}))
	return 1
}

// moduleTable exposes an extension's exports as Lua functions. The table is
// built once per module.
func (r *Runtime) moduleTable(m *extension.Module) *lua.LTable {
	if tbl, ok := r.modules[m]; ok {
		return tbl
	}
	L := r.State
	tbl := L.NewTable()
	for _, fn := range m.Functions() {
		L.SetField(tbl, fn.Name, L.NewFunction(r.extensionFunction(fn)))
	}
	L.SetField(tbl, "__name", lua.LString(m.Name))
	L.SetField(tbl, "__file", lua.LString(m.Path))
	r.modules[m] = tbl
	return tbl
}

func (r *Runtime) extensionFunction(fn *extension.Function) lua.LGFunction {
	return func(L *lua.LState) int {
		top := L.GetTop()
		args := make([]any, top)
		for i := 1; i <= top; i++ {
			switch v := L.Get(i).(type) {
			case lua.LNumber:
				args[i-1] = float64(v)
			case lua.LBool:
				args[i-1] = bool(v)
			default:
				L.ArgError(i, "number expected, got "+v.Type().String())
			}
		}
		out, err := fn.Call(r.unit, args...)
		if err != nil {
			L.RaiseError("%v", err)
		}
		for _, v := range out {
			switch n := v.(type) {
			case int64:
				L.Push(lua.LNumber(float64(n)))
			case float64:
				L.Push(lua.LNumber(n))
			default:
				L.Push(lua.LNil)
			}
		}
		return len(out)
	}
}
