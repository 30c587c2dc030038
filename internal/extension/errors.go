package extension

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("extension: not found")
	ErrLinkFailure = errors.New("extension: link failure")
)

// LoadError describes a failed Load.
type LoadError struct {
	Name string
	Path string
	Kind error // ErrNotFound or ErrLinkFailure
	Err  error
}

func (e *LoadError) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%v: %s", e.Kind, e.Name)
	case e.Path == "":
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Name, e.Err)
	default:
		return fmt.Sprintf("%v: %s (%s): %v", e.Kind, e.Name, e.Path, e.Err)
	}
}

func (e *LoadError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
