package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// ExtRef is the msgpack extension type carrying an object reference.
// The payload is a msgpack-encoded integer handle.
const ExtRef int8 = 1

// ExtProxy tags a reference to a proxy object. It decodes as a reference.
const ExtProxy int8 = 2

// ErrMalformed is returned when a payload does not follow the wire shape.
var ErrMalformed = errors.New("protocol: malformed payload")

// maxPrealloc caps the capacity taken from a declared length, which may be
// larger than the payload that follows it.
const maxPrealloc = 1024

// maxRefPayload is the largest msgpack encoding of an int64.
const maxRefPayload = 9

// EncodeValue writes v to enc.
func EncodeValue(enc *msgpack.Encoder, v Value) error {
	switch v.kind {
	case KindNil:
		return enc.EncodeNil()
	case KindBool:
		return enc.EncodeBool(v.b)
	case KindInt:
		return enc.EncodeInt(v.i)
	case KindFloat:
		return enc.EncodeFloat64(v.f)
	case KindString:
		return enc.EncodeString(v.s)
	case KindBytes:
		return enc.EncodeBytes(v.bytes)
	case KindRef:
		var payload bytes.Buffer
		if err := msgpack.NewEncoder(&payload).EncodeInt(v.i); err != nil {
			return err
		}
		if err := enc.EncodeExtHeader(ExtRef, payload.Len()); err != nil {
			return err
		}
		_, err := enc.Writer().Write(payload.Bytes())
		return err
	case KindList:
		if err := enc.EncodeArrayLen(len(v.list)); err != nil {
			return err
		}
		for _, e := range v.list {
			if err := EncodeValue(enc, e); err != nil {
				return err
			}
		}
		return nil
	case KindMap:
		if err := enc.EncodeMapLen(len(v.m)); err != nil {
			return err
		}
		for _, k := range v.sortedKeys() {
			if err := enc.EncodeString(k); err != nil {
				return err
			}
			if err := EncodeValue(enc, v.m[k]); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("protocol: cannot encode %s", v.kind)
}

// DecodeValue reads one value from dec.
func DecodeValue(dec *msgpack.Decoder) (Value, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return Value{}, err
	}
	switch {
	case c == msgpcode.Nil:
		return Nil(), dec.DecodeNil()
	case c == msgpcode.True || c == msgpcode.False:
		b, err := dec.DecodeBool()
		return Bool(b), err
	case msgpcode.IsFixedNum(c), c >= msgpcode.Uint8 && c <= msgpcode.Int64:
		i, err := dec.DecodeInt64()
		return Int(i), err
	case c == msgpcode.Float || c == msgpcode.Double:
		f, err := dec.DecodeFloat64()
		return Float(f), err
	case msgpcode.IsString(c):
		s, err := dec.DecodeString()
		return String(s), err
	case c == msgpcode.Bin8 || c == msgpcode.Bin16 || c == msgpcode.Bin32:
		b, err := dec.DecodeBytes()
		return Bytes(b), err
	case msgpcode.IsFixedArray(c), c == msgpcode.Array16, c == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return Value{}, err
		}
		list := make([]Value, 0, min(max(n, 0), maxPrealloc))
		for range n {
			e, err := DecodeValue(dec)
			if err != nil {
				return Value{}, err
			}
			list = append(list, e)
		}
		return List(list...), nil
	case msgpcode.IsFixedMap(c), c == msgpcode.Map16, c == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return Value{}, err
		}
		m := make(map[string]Value, min(max(n, 0), maxPrealloc))
		for range n {
			key, err := DecodeValue(dec)
			if err != nil {
				return Value{}, err
			}
			val, err := DecodeValue(dec)
			if err != nil {
				return Value{}, err
			}
			m[mapKey(key)] = val
		}
		return Map(m), nil
	case msgpcode.IsExt(c):
		id, n, err := dec.DecodeExtHeader()
		if err != nil {
			return Value{}, err
		}
		if id != ExtRef && id != ExtProxy {
			return Value{}, fmt.Errorf("%w: unknown extension type %d", ErrMalformed, id)
		}
		if n < 0 || n > maxRefPayload {
			return Value{}, fmt.Errorf("%w: reference payload of %d bytes", ErrMalformed, n)
		}
		payload := make([]byte, n)
		if err := dec.ReadFull(payload); err != nil {
			return Value{}, err
		}
		var h int64
		if err := msgpack.Unmarshal(payload, &h); err != nil {
			return Value{}, fmt.Errorf("%w: bad reference payload: %v", ErrMalformed, err)
		}
		return Ref(Handle(h)), nil
	}
	return Value{}, fmt.Errorf("%w: unexpected code 0x%02x", ErrMalformed, c)
}

func mapKey(v Value) string {
	if v.kind == KindString {
		return v.s
	}
	if v.kind == KindBytes {
		return string(v.bytes)
	}
	return v.String()
}

// MarshalValue encodes a single value.
func MarshalValue(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeValue(msgpack.NewEncoder(&buf), v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalValue decodes a single value.
func UnmarshalValue(data []byte) (Value, error) {
	return DecodeValue(msgpack.NewDecoder(bytes.NewReader(data)))
}
