package protocol

import (
	"fmt"
)

// Handler receives decoded bridge commands, one method per opcode.
type Handler interface {
	HandleCreate(cmd Command) error
	HandleMethod(cmd Command) error
	HandleStaticMethod(cmd Command) error
	HandleField(cmd Command) error
	HandleProxy(cmd Command) error
	HandleDelete(cmd Command) error
	HandleResult(cmd Command) error
	HandleError(cmd Command) error
	HandleEvent(cmd Command) error
}

// Dispatch routes a command to the matching handler method.
func Dispatch(h Handler, cmd Command) error {
	switch cmd.Op {
	case OpCreate:
		return h.HandleCreate(cmd)
	case OpMethod:
		return h.HandleMethod(cmd)
	case OpStaticMethod:
		return h.HandleStaticMethod(cmd)
	case OpField:
		return h.HandleField(cmd)
	case OpProxy:
		return h.HandleProxy(cmd)
	case OpDelete:
		return h.HandleDelete(cmd)
	case OpResult:
		return h.HandleResult(cmd)
	case OpError:
		return h.HandleError(cmd)
	case OpEvent:
		return h.HandleEvent(cmd)
	default:
		return fmt.Errorf("unknown opcode: %s", cmd.Op)
	}
}
