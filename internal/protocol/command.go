// Package protocol implements the object bridge wire format: tagged argument
// values, bridge commands and msgpack-encoded batches.
package protocol

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Opcode identifies a bridge command.
type Opcode string

const (
	// Runtime -> host
	OpCreate       Opcode = "c"
	OpMethod       Opcode = "m"
	OpStaticMethod Opcode = "sm"
	OpField        Opcode = "f"
	OpProxy        Opcode = "p"
	OpDelete       Opcode = "d"
	OpResult       Opcode = "r"
	OpError        Opcode = "e"

	// Host -> runtime
	OpEvent Opcode = "event"
)

// Command is one bridge operation.
//
// Field use by opcode:
//
//	c      Handle, Cache, Type, Name (constructor), Args
//	m      Handle, Result, Cache, Name, Args
//	sm     Type, Result, Cache, Name, Args
//	f      Handle, Cache, Name, Value
//	p      Handle, Type, Target
//	d      Handle
//	r      Handle (result handle), Value
//	e      Message
//	event  Result, Handle, Name, Args
type Command struct {
	Op      Opcode
	Handle  Handle
	Cache   Handle
	Result  Handle
	Type    string
	Name    string
	Args    []Value
	Value   Value
	Message string

	// Target is the runtime object a proxy forwards its callbacks to.
	Target Handle

	// Legacy is set when the command was decoded from a deprecated,
	// narrower parameter list.
	Legacy bool
}

func Create(h, cache Handle, typeName, ctor string, args ...Value) Command {
	return Command{Op: OpCreate, Handle: h, Cache: cache, Type: typeName, Name: ctor, Args: args}
}

func Method(h, result, cache Handle, name string, args ...Value) Command {
	return Command{Op: OpMethod, Handle: h, Result: result, Cache: cache, Name: name, Args: args}
}

func StaticMethod(typeName string, result, cache Handle, name string, args ...Value) Command {
	return Command{Op: OpStaticMethod, Type: typeName, Result: result, Cache: cache, Name: name, Args: args}
}

func Field(h, cache Handle, name string, value Value) Command {
	return Command{Op: OpField, Handle: h, Cache: cache, Name: name, Value: value}
}

// Proxy asks the host for a native object of typeName registered under h,
// whose callbacks are delivered as events to the runtime object target.
func Proxy(h Handle, typeName string, target Handle) Command {
	return Command{Op: OpProxy, Handle: h, Type: typeName, Target: target}
}

func Delete(h Handle) Command {
	return Command{Op: OpDelete, Handle: h}
}

func Result(h Handle, value Value) Command {
	return Command{Op: OpResult, Handle: h, Value: value}
}

func Error(message string) Command {
	return Command{Op: OpError, Message: message}
}

func Event(result, h Handle, name string, args ...Value) Command {
	return Command{Op: OpEvent, Result: result, Handle: h, Name: name, Args: args}
}

// Params returns the positional parameter list used on the wire.
func (c Command) Params() ([]Value, error) {
	switch c.Op {
	case OpCreate:
		return []Value{Int(int64(c.Handle)), Int(int64(c.Cache)), String(c.Type), String(c.Name), List(c.Args...)}, nil
	case OpMethod:
		return []Value{Int(int64(c.Handle)), Int(int64(c.Result)), Int(int64(c.Cache)), String(c.Name), List(c.Args...)}, nil
	case OpStaticMethod:
		return []Value{String(c.Type), Int(int64(c.Result)), Int(int64(c.Cache)), String(c.Name), List(c.Args...)}, nil
	case OpField:
		return []Value{Int(int64(c.Handle)), Int(int64(c.Cache)), String(c.Name), List(c.Value)}, nil
	case OpProxy:
		return []Value{Int(int64(c.Handle)), String(c.Type), Int(int64(c.Target))}, nil
	case OpDelete:
		return []Value{Int(int64(c.Handle))}, nil
	case OpResult:
		return []Value{Int(int64(c.Handle)), c.Value}, nil
	case OpError:
		return []Value{String(c.Message)}, nil
	case OpEvent:
		return []Value{Int(int64(c.Result)), Int(int64(c.Handle)), String(c.Name), List(c.Args...)}, nil
	}
	return nil, fmt.Errorf("protocol: unknown opcode %q", c.Op)
}

func (c Command) String() string {
	params, err := c.Params()
	if err != nil {
		return string(c.Op) + "(?)"
	}
	return string(c.Op) + List(params...).String()
}

// EncodeBatch encodes commands as an array of [opcode, [params...]] pairs.
func EncodeBatch(cmds []Command) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(len(cmds)); err != nil {
		return nil, err
	}
	for _, c := range cmds {
		params, err := c.Params()
		if err != nil {
			return nil, err
		}
		if err := enc.EncodeArrayLen(2); err != nil {
			return nil, err
		}
		if err := enc.EncodeString(string(c.Op)); err != nil {
			return nil, err
		}
		if err := EncodeValue(enc, List(params...)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeBatch parses an encoded batch. Deprecated parameter layouts are
// accepted and flagged with Command.Legacy.
func DecodeBatch(data []byte) ([]Command, error) {
	if len(data) == 0 {
		return nil, nil
	}
	root, err := UnmarshalValue(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if root.Kind() != KindList {
		return nil, fmt.Errorf("%w: batch is %s, not a list", ErrMalformed, root.Kind())
	}
	cmds := make([]Command, 0, len(root.AsList()))
	for i, entry := range root.AsList() {
		pair := entry.AsList()
		if entry.Kind() != KindList || len(pair) != 2 || pair[0].Kind() != KindString || pair[1].Kind() != KindList {
			return nil, fmt.Errorf("%w: entry %d is not [opcode, params]", ErrMalformed, i)
		}
		cmd, err := ParseCommand(Opcode(pair[0].AsString()), pair[1].AsList())
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// ParseCommand builds a command from an opcode and its positional params.
func ParseCommand(op Opcode, p []Value) (Command, error) {
	var r paramReader
	r.params = p
	c := Command{Op: op}
	switch op {
	case OpCreate:
		switch len(p) {
		case 5:
			c.Handle, c.Cache, c.Type, c.Name, c.Args = r.handle(0), r.handle(1), r.str(2), r.str(3), r.list(4)
		case 4:
			c.Handle, c.Cache, c.Type, c.Args, c.Legacy = r.handle(0), r.handle(1), r.str(2), r.list(3), true
		case 3:
			c.Handle, c.Type, c.Args, c.Legacy = r.handle(0), r.str(1), r.list(2), true
		default:
			return c, r.arity(op)
		}
	case OpMethod:
		switch len(p) {
		case 5:
			c.Handle, c.Result, c.Cache, c.Name, c.Args = r.handle(0), r.handle(1), r.handle(2), r.str(3), r.list(4)
		case 4:
			c.Handle, c.Result, c.Name, c.Args, c.Legacy = r.handle(0), r.handle(1), r.str(2), r.list(3), true
		default:
			return c, r.arity(op)
		}
	case OpStaticMethod:
		switch len(p) {
		case 5:
			c.Type, c.Result, c.Cache, c.Name, c.Args = r.str(0), r.handle(1), r.handle(2), r.str(3), r.list(4)
		case 4:
			c.Type, c.Result, c.Name, c.Args, c.Legacy = r.str(0), r.handle(1), r.str(2), r.list(3), true
		default:
			return c, r.arity(op)
		}
	case OpField:
		switch len(p) {
		case 4:
			c.Handle, c.Cache, c.Name, c.Value = r.handle(0), r.handle(1), r.str(2), r.first(3)
		case 3:
			c.Handle, c.Name, c.Value, c.Legacy = r.handle(0), r.str(1), r.first(2), true
		default:
			return c, r.arity(op)
		}
	case OpProxy:
		if len(p) != 3 {
			return c, r.arity(op)
		}
		c.Handle, c.Type, c.Target = r.handle(0), r.str(1), r.handle(2)
	case OpDelete:
		if len(p) != 1 {
			return c, r.arity(op)
		}
		c.Handle = r.handle(0)
	case OpResult:
		if len(p) != 2 {
			return c, r.arity(op)
		}
		c.Handle, c.Value = r.handle(0), p[1]
	case OpError:
		if len(p) != 1 {
			return c, r.arity(op)
		}
		c.Message = r.str(0)
	case OpEvent:
		if len(p) != 4 {
			return c, r.arity(op)
		}
		c.Result, c.Handle, c.Name, c.Args = r.handle(0), r.handle(1), r.str(2), r.list(3)
	default:
		return c, fmt.Errorf("%w: unknown opcode %q", ErrMalformed, op)
	}
	if r.err != nil {
		return c, r.err
	}
	return c, nil
}

// paramReader pulls typed params, keeping the first error.
type paramReader struct {
	params []Value
	err    error
}

func (r *paramReader) fail(i int, want string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: param %d is %s, want %s", ErrMalformed, i, r.params[i].Kind(), want)
	}
}

func (r *paramReader) arity(op Opcode) error {
	return fmt.Errorf("%w: %q with %d params", ErrMalformed, op, len(r.params))
}

func (r *paramReader) handle(i int) Handle {
	v := r.params[i]
	switch v.Kind() {
	case KindInt, KindRef:
		return Handle(v.AsInt())
	case KindNil:
		return NoHandle
	}
	r.fail(i, "handle")
	return NoHandle
}

func (r *paramReader) str(i int) string {
	v := r.params[i]
	switch v.Kind() {
	case KindString:
		return v.AsString()
	case KindBytes:
		return string(v.AsBytes())
	}
	r.fail(i, "string")
	return ""
}

func (r *paramReader) list(i int) []Value {
	v := r.params[i]
	switch v.Kind() {
	case KindList:
		return v.AsList()
	case KindNil:
		return nil
	}
	r.fail(i, "list")
	return nil
}

// first unwraps a single-element value list (field setters send [value]).
func (r *paramReader) first(i int) Value {
	v := r.params[i]
	if v.Kind() != KindList {
		return v
	}
	if len(v.AsList()) != 1 {
		r.fail(i, "one-element list")
		return Nil()
	}
	return v.AsList()[0]
}
