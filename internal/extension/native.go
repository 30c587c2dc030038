//go:build darwin || freebsd || linux

package extension

import (
	"context"
	"fmt"
	"strings"

	"github.com/ebitengine/purego"
)

// ManifestSymbol is the C function a native extension exports to list its
// entry points: const char *ui_native_exports(void), returning a
// comma-separated list of function names.
const ManifestSymbol = "ui_native_exports"

// maxNativeArgs is the largest argument count purego.SyscallN accepts.
const maxNativeArgs = 15

// NativeLinker links shared libraries with dlopen. Exported functions take
// and return integer-register values.
type NativeLinker struct{}

func NewNativeLinker() *NativeLinker { return &NativeLinker{} }

func (*NativeLinker) Kind() Kind { return KindNative }

func (*NativeLinker) Link(ctx context.Context, name, path string) (*Module, error) {
	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("dlopen: %w", err)
	}
	sym, err := purego.Dlsym(lib, ManifestSymbol)
	if err != nil {
		purego.Dlclose(lib)
		return nil, fmt.Errorf("missing %s: %w", ManifestSymbol, err)
	}
	var manifest func() string
	purego.RegisterFunc(&manifest, sym)

	m := newModule(name, path, KindNative)
	for _, export := range strings.Split(manifest(), ",") {
		export = strings.TrimSpace(export)
		if export == "" {
			continue
		}
		fn, err := purego.Dlsym(lib, export)
		if err != nil {
			purego.Dlclose(lib)
			return nil, fmt.Errorf("missing export %s: %w", export, err)
		}
		m.add(&Function{
			Name:     export,
			Variadic: true,
			call: func(_ context.Context, args []uint64) ([]uint64, error) {
				if len(args) > maxNativeArgs {
					return nil, fmt.Errorf("too many arguments: %d", len(args))
				}
				regs := make([]uintptr, len(args))
				for i, a := range args {
					regs[i] = uintptr(a)
				}
				r1, _, _ := purego.SyscallN(fn, regs...)
				return []uint64{uint64(r1)}, nil
			},
		})
	}
	m.closer = func(context.Context) error {
		return purego.Dlclose(lib)
	}
	return m, nil
}

func (*NativeLinker) Close(context.Context) error { return nil }
