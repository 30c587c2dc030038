package extension

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WasmLinker links WebAssembly extensions into a shared wazero runtime.
// Modules run their _initialize export, if any, at link time; _start is
// never run.
type WasmLinker struct {
	runtime wazero.Runtime
	stdout  io.Writer
	stderr  io.Writer
	mu      sync.Mutex
}

// WasmConfig configures NewWasmLinker.
type WasmConfig struct {
	// MemoryLimitPages caps each instance's memory in 64KiB pages; 0 keeps
	// the wazero default.
	MemoryLimitPages uint32
	// WASI instantiates wasi_snapshot_preview1 so modules built for WASI
	// can link.
	WASI bool
}

// NewWasmLinker creates the runtime shared by all wasm extensions. Module
// output goes to the process's stdout and stderr, where capture sees it.
func NewWasmLinker(ctx context.Context, cfg WasmConfig) (*WasmLinker, error) {
	rc := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rc)
	if cfg.WASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("instantiate wasi: %w", err)
		}
	}
	return &WasmLinker{runtime: rt, stdout: os.Stdout, stderr: os.Stderr}, nil
}

func (l *WasmLinker) Kind() Kind { return KindWasm }

func (l *WasmLinker) Link(ctx context.Context, name, path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	compiled, err := l.runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	mc := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions("_initialize").
		WithStdout(l.stdout).
		WithStderr(l.stderr)
	inst, err := l.runtime.InstantiateModule(ctx, compiled, mc)
	if err != nil {
		compiled.Close(ctx)
		return nil, fmt.Errorf("instantiate: %w", err)
	}

	m := newModule(name, path, KindWasm)
	for export, def := range compiled.ExportedFunctions() {
		fn := inst.ExportedFunction(export)
		if fn == nil {
			continue
		}
		m.add(&Function{
			Name:    export,
			Params:  def.ParamTypes(),
			Results: def.ResultTypes(),
			call: func(ctx context.Context, args []uint64) ([]uint64, error) {
				return fn.Call(ctx, args...)
			},
		})
	}
	m.closer = func(ctx context.Context) error {
		err := inst.Close(ctx)
		compiled.Close(ctx)
		return err
	}
	return m, nil
}

// Close shuts the shared runtime down, closing any remaining instances.
func (l *WasmLinker) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}
