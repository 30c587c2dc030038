package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/zot/ui-native/internal/protocol"
)

// EventSpec is the JSON form of one event accepted by send_events.
type EventSpec struct {
	Handle protocol.Handle `json:"handle"`
	Name   string          `json:"name"`
	Args   []any           `json:"args,omitempty"`
	Result protocol.Handle `json:"result,omitempty"`
}

// EncodeEvents parses a JSON array of events and encodes it as a wire
// batch. Numbers without a fraction become integers and {"$ref": h}
// objects become references.
func EncodeEvents(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var specs []EventSpec
	if err := dec.Decode(&specs); err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("events: empty batch")
	}
	cmds := make([]protocol.Command, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("events: event %d has no name", i)
		}
		args := make([]protocol.Value, len(s.Args))
		for j, a := range s.Args {
			v, err := jsonValue(a)
			if err != nil {
				return nil, fmt.Errorf("events: event %d arg %d: %w", i, j, err)
			}
			args[j] = v
		}
		cmds[i] = protocol.Event(s.Result, s.Handle, s.Name, args...)
	}
	return protocol.EncodeBatch(cmds)
}

func jsonValue(x any) (protocol.Value, error) {
	switch t := x.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return protocol.Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return protocol.Value{}, err
		}
		return protocol.Float(f), nil
	case []any:
		list := make([]protocol.Value, len(t))
		for i, e := range t {
			v, err := jsonValue(e)
			if err != nil {
				return protocol.Value{}, err
			}
			list[i] = v
		}
		return protocol.List(list...), nil
	case map[string]any:
		if ref, ok := t["$ref"]; ok && len(t) == 1 {
			n, ok := ref.(json.Number)
			if !ok {
				return protocol.Value{}, fmt.Errorf("$ref must be a number")
			}
			h, err := n.Int64()
			if err != nil {
				return protocol.Value{}, err
			}
			return protocol.Ref(protocol.Handle(h)), nil
		}
		m := make(map[string]protocol.Value, len(t))
		for k, e := range t {
			v, err := jsonValue(e)
			if err != nil {
				return protocol.Value{}, err
			}
			m[k] = v
		}
		return protocol.Map(m), nil
	}
	return protocol.FromGo(x)
}
