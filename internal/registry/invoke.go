package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"unicode"
	"unicode/utf8"
)

var (
	ErrNoMethod = errors.New("registry: no such method")
	ErrNoField  = errors.New("registry: no such field")
	ErrArgument = errors.New("registry: bad argument")
)

// Dispatcher lets an object handle calls itself instead of through
// reflection.
type Dispatcher interface {
	Call(method string, args []any) (any, error)
	Set(field string, value any) error
}

type memberKey struct {
	typ  reflect.Type
	name string
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Invoker calls methods and sets fields on Go values by name. Lookups are
// cached per type. Names are tried as given and with an upper-case first
// letter, so runtime code can say "setText" for SetText.
type Invoker struct {
	methods map[memberKey]int
	fields  map[memberKey][]int
	mu      sync.RWMutex
}

// NewInvoker creates an invoker with an empty lookup cache.
func NewInvoker() *Invoker {
	return &Invoker{
		methods: make(map[memberKey]int),
		fields:  make(map[memberKey][]int),
	}
}

func exported(name string) string {
	r, n := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return name
	}
	return string(unicode.ToUpper(r)) + name[n:]
}

func (iv *Invoker) method(t reflect.Type, name string) (int, bool) {
	key := memberKey{t, name}
	iv.mu.RLock()
	idx, ok := iv.methods[key]
	iv.mu.RUnlock()
	if ok {
		return idx, idx >= 0
	}
	idx = -1
	if m, found := t.MethodByName(exported(name)); found {
		idx = m.Index
	}
	iv.mu.Lock()
	iv.methods[key] = idx
	iv.mu.Unlock()
	return idx, idx >= 0
}

func (iv *Invoker) field(t reflect.Type, name string) ([]int, bool) {
	key := memberKey{t, name}
	iv.mu.RLock()
	idx, ok := iv.fields[key]
	iv.mu.RUnlock()
	if ok {
		return idx, idx != nil
	}
	if t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct {
		if f, found := t.Elem().FieldByName(exported(name)); found && f.IsExported() {
			idx = f.Index
		}
	}
	iv.mu.Lock()
	iv.fields[key] = idx
	iv.mu.Unlock()
	return idx, idx != nil
}

// Call invokes name on obj with args.
func (iv *Invoker) Call(obj any, name string, args []any) (any, error) {
	if d, ok := obj.(Dispatcher); ok {
		return d.Call(name, args)
	}
	rv := reflect.ValueOf(obj)
	if !rv.IsValid() {
		return nil, fmt.Errorf("%w: %s on nil", ErrNoMethod, name)
	}
	idx, ok := iv.method(rv.Type(), name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoMethod, rv.Type(), name)
	}
	m := rv.Method(idx)
	in, err := convertArgs(m.Type(), args)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", rv.Type(), name, err)
	}
	return unpackResults(m.Call(in))
}

// Set assigns value to the field name on obj, preferring a SetName method
// over a struct field.
func (iv *Invoker) Set(obj any, name string, value any) error {
	if d, ok := obj.(Dispatcher); ok {
		return d.Set(name, value)
	}
	rv := reflect.ValueOf(obj)
	if !rv.IsValid() {
		return fmt.Errorf("%w: %s on nil", ErrNoField, name)
	}
	if idx, ok := iv.method(rv.Type(), "Set"+exported(name)); ok {
		m := rv.Method(idx)
		if m.Type().NumIn() == 1 {
			in, err := convertArgs(m.Type(), []any{value})
			if err != nil {
				return fmt.Errorf("%s.%s: %w", rv.Type(), name, err)
			}
			_, err = unpackResults(m.Call(in))
			return err
		}
	}
	idx, ok := iv.field(rv.Type(), name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrNoField, rv.Type(), name)
	}
	f := rv.Elem().FieldByIndex(idx)
	if !f.CanSet() {
		return fmt.Errorf("%w: %s.%s is not settable", ErrNoField, rv.Type(), name)
	}
	v, err := convert(value, f.Type())
	if err != nil {
		return fmt.Errorf("%s.%s: %w", rv.Type(), name, err)
	}
	f.Set(v)
	return nil
}

func convertArgs(ft reflect.Type, args []any) ([]reflect.Value, error) {
	n := ft.NumIn()
	if ft.IsVariadic() {
		if len(args) < n-1 {
			return nil, fmt.Errorf("%w: want at least %d args, got %d", ErrArgument, n-1, len(args))
		}
	} else if len(args) != n {
		return nil, fmt.Errorf("%w: want %d args, got %d", ErrArgument, n, len(args))
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		var t reflect.Type
		if ft.IsVariadic() && i >= n-1 {
			t = ft.In(n - 1).Elem()
		} else {
			t = ft.In(i)
		}
		v, err := convert(a, t)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		in[i] = v
	}
	return in, nil
}

// convert coerces bridge-decoded data (int64, float64, []any, map[string]any,
// objects) to t.
func convert(a any, t reflect.Type) (reflect.Value, error) {
	if a == nil {
		switch t.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("%w: nil for %s", ErrArgument, t)
	}
	v := reflect.ValueOf(a)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		switch v.Kind() {
		case reflect.Int64, reflect.Int, reflect.Float64, reflect.Float32:
			return v.Convert(t), nil
		}
	case reflect.Bool:
		if v.Kind() == reflect.Bool {
			return v.Convert(t), nil
		}
	case reflect.String:
		switch v.Kind() {
		case reflect.String:
			return v.Convert(t), nil
		case reflect.Slice:
			if v.Type().Elem().Kind() == reflect.Uint8 {
				return reflect.ValueOf(string(v.Bytes())).Convert(t), nil
			}
		}
	case reflect.Slice:
		if items, ok := a.([]any); ok {
			out := reflect.MakeSlice(t, len(items), len(items))
			for i, item := range items {
				e, err := convert(item, t.Elem())
				if err != nil {
					return reflect.Value{}, err
				}
				out.Index(i).Set(e)
			}
			return out, nil
		}
		if s, ok := a.(string); ok && t.Elem().Kind() == reflect.Uint8 {
			return reflect.ValueOf([]byte(s)).Convert(t), nil
		}
	case reflect.Map:
		if m, ok := a.(map[string]any); ok && t.Key().Kind() == reflect.String {
			out := reflect.MakeMapWithSize(t, len(m))
			for k, item := range m {
				e, err := convert(item, t.Elem())
				if err != nil {
					return reflect.Value{}, err
				}
				out.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), e)
			}
			return out, nil
		}
	}
	return reflect.Value{}, fmt.Errorf("%w: %T for %s", ErrArgument, a, t)
}

func unpackResults(out []reflect.Value) (any, error) {
	var err error
	if n := len(out); n > 0 && out[n-1].Type() == errorType {
		if !out[n-1].IsNil() {
			err = out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return nil, err
	case 1:
		return out[0].Interface(), err
	}
	vals := make([]any, len(out))
	for i, o := range out {
		vals[i] = o.Interface()
	}
	return vals, err
}
