//go:build !darwin && !freebsd && !linux

package extension

import (
	"context"
	"errors"
)

// NativeLinker is unavailable on this platform; every link fails.
type NativeLinker struct{}

func NewNativeLinker() *NativeLinker { return &NativeLinker{} }

func (*NativeLinker) Kind() Kind { return KindNative }

func (*NativeLinker) Link(context.Context, string, string) (*Module, error) {
	return nil, errors.New("native extensions are not supported on this platform")
}

func (*NativeLinker) Close(context.Context) error { return nil }
