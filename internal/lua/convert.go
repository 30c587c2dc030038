package lua

import (
	"errors"
	"fmt"
	"math"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/ui-native/internal/protocol"
)

// maxDepth bounds table nesting when converting to bridge values.
const maxDepth = 64

var errDepth = errors.New("table nesting too deep (cycle?)")

// toValue converts a Lua value to a bridge value. Bridge objects and
// futures cross as refs.
func (r *Runtime) toValue(lv lua.LValue) (protocol.Value, error) {
	return r.toValueDepth(lv, 0)
}

func (r *Runtime) toValueDepth(lv lua.LValue, depth int) (protocol.Value, error) {
	if depth > maxDepth {
		return protocol.Nil(), errDepth
	}
	switch v := lv.(type) {
	case *lua.LNilType:
		return protocol.Nil(), nil
	case lua.LBool:
		return protocol.Bool(bool(v)), nil
	case lua.LNumber:
		return numberValue(float64(v)), nil
	case lua.LString:
		return protocol.String(string(v)), nil
	case *lua.LUserData:
		switch o := v.Value.(type) {
		case *object:
			return protocol.Ref(o.handle), nil
		case *future:
			return protocol.Ref(o.handle), nil
		}
		return protocol.Nil(), fmt.Errorf("userdata %T cannot cross the bridge", v.Value)
	case *lua.LTable:
		if isArray(v) {
			n := v.Len()
			items := make([]protocol.Value, n)
			for i := 1; i <= n; i++ {
				item, err := r.toValueDepth(v.RawGetInt(i), depth+1)
				if err != nil {
					return protocol.Nil(), err
				}
				items[i-1] = item
			}
			return protocol.List(items...), nil
		}
		m := make(map[string]protocol.Value)
		var err error
		v.ForEach(func(key, value lua.LValue) {
			ks, ok := key.(lua.LString)
			if !ok || err != nil || strings.HasPrefix(string(ks), "_") {
				return
			}
			m[string(ks)], err = r.toValueDepth(value, depth+1)
		})
		if err != nil {
			return protocol.Nil(), err
		}
		return protocol.Map(m), nil
	}
	return protocol.Nil(), fmt.Errorf("%s cannot cross the bridge", lv.Type())
}

// numberValue sends integral numbers as ints so handles and counts keep
// their integer tag on the wire.
func numberValue(f float64) protocol.Value {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return protocol.Int(int64(f))
	}
	return protocol.Float(f)
}

// isArray reports whether tbl has only the keys 1..n, n > 0.
func isArray(tbl *lua.LTable) bool {
	n := tbl.Len()
	if n == 0 {
		return false
	}
	count := 0
	array := true
	tbl.ForEach(func(key, _ lua.LValue) {
		count++
		if k, ok := key.(lua.LNumber); !ok || float64(k) != math.Trunc(float64(k)) || int(k) < 1 || int(k) > n {
			array = false
		}
	})
	return array && count == n
}

// fromValue converts a bridge value to Lua. Refs become the proxy registered
// for the handle, so a handle keeps one identity inside the VM.
func (r *Runtime) fromValue(v protocol.Value) lua.LValue {
	L := r.State
	switch v.Kind() {
	case protocol.KindBool:
		return lua.LBool(v.AsBool())
	case protocol.KindInt:
		return lua.LNumber(float64(v.AsInt()))
	case protocol.KindFloat:
		return lua.LNumber(v.AsFloat())
	case protocol.KindString:
		return lua.LString(v.AsString())
	case protocol.KindBytes:
		return lua.LString(string(v.AsBytes()))
	case protocol.KindRef:
		return r.proxy(v.AsRef(), "")
	case protocol.KindList:
		tbl := L.CreateTable(len(v.AsList()), 0)
		for i, item := range v.AsList() {
			L.RawSetInt(tbl, i+1, r.fromValue(item))
		}
		return tbl
	case protocol.KindMap:
		m := v.AsMap()
		tbl := L.CreateTable(0, len(m))
		for k, item := range m {
			L.SetField(tbl, k, r.fromValue(item))
		}
		return tbl
	}
	return lua.LNil
}

// ToGo converts a Lua value to plain Go data for tooling output.
// Fields prefixed with "_" are skipped. A table that contains itself
// renders as "<cycle>" and nesting past maxDepth as "<too deep>".
func ToGo(lv lua.LValue) any {
	return toGo(lv, make(map[*lua.LTable]bool), 0)
}

func toGo(lv lua.LValue, path map[*lua.LTable]bool, depth int) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LUserData:
		switch o := v.Value.(type) {
		case *object:
			return map[string]any{"$ref": int64(o.handle)}
		case *future:
			return map[string]any{"$future": int64(o.handle)}
		}
		return fmt.Sprintf("userdata %T", v.Value)
	case *lua.LTable:
		if path[v] {
			return "<cycle>"
		}
		if depth >= maxDepth {
			return "<too deep>"
		}
		path[v] = true
		defer delete(path, v)
		if isArray(v) {
			arr := make([]any, v.Len())
			for i := range arr {
				arr[i] = toGo(v.RawGetInt(i+1), path, depth+1)
			}
			return arr
		}
		m := make(map[string]any)
		v.ForEach(func(key, value lua.LValue) {
			if ks, ok := key.(lua.LString); ok && !strings.HasPrefix(string(ks), "_") {
				m[string(ks)] = toGo(value, path, depth+1)
			}
		})
		return m
	case *lua.LFunction:
		return "function"
	}
	return nil
}
