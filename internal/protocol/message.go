package protocol

// Message is the human-readable rendering of a command, used by the
// monitor stream and the decode tool.
type Message struct {
	Op     Opcode `json:"op" yaml:"op"`
	Params []any  `json:"params" yaml:"params"`
	Legacy bool   `json:"legacy,omitempty" yaml:"legacy,omitempty"`
}

// RefMarker is how a reference renders in a Message.
type RefMarker struct {
	Ref Handle `json:"$ref" yaml:"$ref"`
}

// NewMessage renders a command.
func NewMessage(cmd Command) Message {
	params, err := cmd.Params()
	if err != nil {
		return Message{Op: cmd.Op}
	}
	out := make([]any, len(params))
	for i, p := range params {
		out[i] = render(p)
	}
	return Message{Op: cmd.Op, Params: out, Legacy: cmd.Legacy}
}

// NewMessages renders a batch.
func NewMessages(cmds []Command) []Message {
	out := make([]Message, len(cmds))
	for i, c := range cmds {
		out[i] = NewMessage(c)
	}
	return out
}

func render(v Value) any {
	switch v.Kind() {
	case KindRef:
		return RefMarker{Ref: v.AsRef()}
	case KindBytes:
		return v.AsBytes()
	case KindList:
		out := make([]any, len(v.AsList()))
		for i, e := range v.AsList() {
			out[i] = render(e)
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.AsMap()))
		for k, e := range v.AsMap() {
			out[k] = render(e)
		}
		return out
	}
	return v.Interface()
}
