package lifecycle

import (
	"errors"
	"fmt"

	"github.com/zot/ui-native/internal/bridge"
	"github.com/zot/ui-native/internal/lua"
)

var (
	// ErrInit marks a start failure; every *InitError matches it.
	ErrInit = errors.New("lifecycle: initialization failed")
	// ErrAlreadyStarted is returned by Start once the manager has started,
	// including after Stop.
	ErrAlreadyStarted = errors.New("lifecycle: already started")
	// ErrNotRunning is returned by operations that need a running session.
	ErrNotRunning = errors.New("lifecycle: not running")

	ErrNoInstance = lua.ErrNoInstance
	ErrEncoding   = lua.ErrEncoding
	ErrDispatch   = lua.ErrDispatch
)

// Status codes returned across the host boundary.
const (
	CodeOK             = 0
	CodeNotRunning     = 1
	CodeNoInstance     = 2
	CodeEncoding       = 3
	CodeDispatch       = 4
	CodeInit           = 5
	CodeAlreadyStarted = 6
	CodeUnknown        = 7
)

// InitError records the start step that failed.
type InitError struct {
	Step string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("lifecycle: start failed at %s: %v", e.Step, e.Err)
}

func (e *InitError) Unwrap() []error {
	return []error{ErrInit, e.Err}
}

// Code maps an error to its status code.
func Code(err error) int {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrNotRunning), errors.Is(err, lua.ErrClosed), errors.Is(err, bridge.ErrNoRuntime):
		return CodeNotRunning
	case errors.Is(err, ErrNoInstance):
		return CodeNoInstance
	case errors.Is(err, ErrEncoding):
		return CodeEncoding
	case errors.Is(err, ErrDispatch):
		return CodeDispatch
	case errors.Is(err, ErrInit):
		return CodeInit
	case errors.Is(err, ErrAlreadyStarted):
		return CodeAlreadyStarted
	}
	return CodeUnknown
}
