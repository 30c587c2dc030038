package extension

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/tetratelabs/wazero/api"
)

// Kind names the linker an extension needs.
type Kind string

const (
	KindNative Kind = "native"
	KindWasm   Kind = "wasm"
)

// Function is one exported entry point of a linked module.
type Function struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
	// Variadic functions take any number of integer arguments and return
	// one integer; native exports carry no signature.
	Variadic bool

	call func(ctx context.Context, args []uint64) ([]uint64, error)
}

// Call invokes the function. Arguments may be any Go integer or float;
// results come back as int64 or float64 according to the signature.
func (f *Function) Call(ctx context.Context, args ...any) ([]any, error) {
	if !f.Variadic && len(args) != len(f.Params) {
		return nil, fmt.Errorf("extension: %s takes %d args, got %d", f.Name, len(f.Params), len(args))
	}
	raw := make([]uint64, len(args))
	for i, a := range args {
		t := api.ValueTypeI64
		if !f.Variadic {
			t = f.Params[i]
		}
		v, err := encodeArg(a, t)
		if err != nil {
			return nil, fmt.Errorf("extension: %s arg %d: %w", f.Name, i, err)
		}
		raw[i] = v
	}
	out, err := f.call(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("extension: %s: %w", f.Name, err)
	}
	results := make([]any, len(out))
	for i, r := range out {
		t := api.ValueTypeI64
		if i < len(f.Results) {
			t = f.Results[i]
		}
		results[i] = decodeResult(r, t)
	}
	return results, nil
}

func toFloat(a any) (float64, bool) {
	switch v := a.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toInt(a any) (int64, bool) {
	switch v := a.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	}
	f, ok := toFloat(a)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

func encodeArg(a any, t api.ValueType) (uint64, error) {
	switch t {
	case api.ValueTypeF32, api.ValueTypeF64:
		f, ok := toFloat(a)
		if !ok {
			return 0, fmt.Errorf("%T is not a number", a)
		}
		if t == api.ValueTypeF32 {
			return api.EncodeF32(float32(f)), nil
		}
		return api.EncodeF64(f), nil
	default:
		i, ok := toInt(a)
		if !ok {
			return 0, fmt.Errorf("%v is not an integer", a)
		}
		if t == api.ValueTypeI32 {
			return api.EncodeI32(int32(i)), nil
		}
		return api.EncodeI64(i), nil
	}
}

func decodeResult(r uint64, t api.ValueType) any {
	switch t {
	case api.ValueTypeI32:
		return int64(api.DecodeI32(r))
	case api.ValueTypeF32:
		return float64(api.DecodeF32(r))
	case api.ValueTypeF64:
		return api.DecodeF64(r)
	}
	return int64(r)
}

// Module is a linked extension.
type Module struct {
	Name string
	Path string
	Kind Kind

	functions map[string]*Function
	closer    func(ctx context.Context) error
}

func newModule(name, path string, kind Kind) *Module {
	return &Module{Name: name, Path: path, Kind: kind, functions: make(map[string]*Function)}
}

func (m *Module) add(f *Function) {
	m.functions[f.Name] = f
}

// Function returns the named export.
func (m *Module) Function(name string) (*Function, bool) {
	f, ok := m.functions[name]
	return f, ok
}

// Functions returns every export sorted by name.
func (m *Module) Functions() []*Function {
	out := make([]*Function, 0, len(m.functions))
	for _, f := range m.functions {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close releases the module's native resources.
func (m *Module) Close(ctx context.Context) error {
	if m.closer == nil {
		return nil
	}
	err := m.closer(ctx)
	m.closer = nil
	return err
}
