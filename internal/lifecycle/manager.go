// Package lifecycle starts and stops the embedded runtime session: the
// environment it runs in, output capture, the extension resolver, the
// object bridge and the VM itself.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zot/ui-native/internal/bridge"
	"github.com/zot/ui-native/internal/capture"
	"github.com/zot/ui-native/internal/extension"
	"github.com/zot/ui-native/internal/logging"
	"github.com/zot/ui-native/internal/lua"
	"github.com/zot/ui-native/internal/registry"
)

// Environment variables set by Start.
const (
	EnvLuaPath = "LUA_PATH"
	EnvTmpDir  = "TMPDIR"
	EnvLibDir  = "UI_NATIVE_LIB_DIR"
)

// State of the runtime session.
type State int

const (
	Uninitialized State = iota
	Running
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Paths locates a session's files.
type Paths struct {
	Assets     string `json:"assets"`
	Cache      string `json:"cache"`
	Extensions string `json:"extensions"`
}

// Options configures a Manager.
type Options struct {
	EntryPoint  string
	Toolkit     registry.Toolkit
	HostContext any
	OnError     bridge.ErrorHandler

	// Sink receives runtime output lines. Defaults to a zap sink.
	Sink logging.Sink

	// CaptureOutput redirects the process's stdout and stderr into Sink.
	CaptureOutput bool
	Trailing      capture.TrailingPolicy
	BufferSize    int

	// Conventions overrides extension.DefaultConventions.
	Conventions []extension.Convention
	Wasm        bool
	WasmConfig  extension.WasmConfig

	// HotReload re-runs changed Lua modules under the assets directory.
	HotReload bool
	Debounce  time.Duration
}

// Manager owns at most one runtime session at a time.
type Manager struct {
	opts   Options
	output *logging.Tee

	state State
	paths Paths

	capture  *capture.Capture
	hook     *capture.Hook
	resolver *extension.Resolver
	bridge   *bridge.Bridge
	runtime  *lua.Runtime
	hot      *lua.HotLoader
	mu       sync.RWMutex

	observers    map[int]func(bridge.Traffic)
	nextObserver int
	obsMu        sync.RWMutex
}

// NewManager creates a manager with no session.
func NewManager(opts Options) *Manager {
	sink := opts.Sink
	if sink == nil {
		sink = logging.NewZapSink(nil, "runtime")
	}
	if opts.Trailing == "" {
		opts.Trailing = capture.TrailingFlush
	}
	return &Manager{
		opts:      opts,
		output:    logging.NewTee(sink),
		observers: make(map[int]func(bridge.Traffic)),
	}
}

// Start runs Open and returns its status code.
func (m *Manager) Start(assetsPath, cachePath, extensionsPath string) int {
	err := m.Open(context.Background(), Paths{Assets: assetsPath, Cache: cachePath, Extensions: extensionsPath})
	if err != nil {
		logging.Logger().Error("start failed", zap.Error(err))
	}
	return Code(err)
}

// Stop runs Close and returns its status code.
func (m *Manager) Stop() int {
	if err := m.Close(); err != nil {
		logging.Logger().Warn("stop", zap.Error(err))
	}
	return CodeOK
}

// SendEvents runs Dispatch and returns its status code.
func (m *Manager) SendEvents(payload []byte) int {
	err := m.Dispatch(context.Background(), payload)
	if err != nil {
		logging.Logger().Warn("dropping event batch", zap.Error(err), zap.Int("bytes", len(payload)))
	}
	return Code(err)
}

// Open starts a session. A failure in the entry point is reported through
// the output sink and does not fail Open. A manager runs one session: once
// it has been started, Open fails in every later state.
func (m *Manager) Open(ctx context.Context, p Paths) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Running, Failed:
		return ErrAlreadyStarted
	case Stopped:
		return fmt.Errorf("%w: session was stopped", ErrAlreadyStarted)
	}
	if err := m.open(ctx, p); err != nil {
		m.teardown(ctx)
		m.state = Failed
		return err
	}
	m.paths = p
	m.state = Running
	logging.Log(1, "Session running: assets=%s cache=%s extensions=%s", p.Assets, p.Cache, p.Extensions)

	if err := m.runtime.RunMain(ctx); err != nil {
		logging.Logger().Warn("entry point failed", zap.String("path", m.runtime.EntryPath()), zap.String("error", firstLine(err.Error())))
	}
	if m.opts.HotReload {
		m.startHotLoader(p.Assets)
	}
	return nil
}

func (m *Manager) open(ctx context.Context, p Paths) error {
	if err := configureEnv(p); err != nil {
		return &InitError{Step: "environment", Err: err}
	}

	if m.opts.CaptureOutput {
		c := capture.New(m.output, capture.Options{Policy: m.opts.Trailing, BufferSize: m.opts.BufferSize, RouteLogs: true})
		if err := c.Start(); err != nil {
			return &InitError{Step: "capture", Err: err}
		}
		m.capture = c
	}

	linkers := []extension.Linker{extension.NewNativeLinker()}
	if m.opts.Wasm {
		wl, err := extension.NewWasmLinker(ctx, m.opts.WasmConfig)
		if err != nil {
			return &InitError{Step: "extensions", Err: err}
		}
		linkers = append(linkers, wl)
	}
	conventions := m.opts.Conventions
	if conventions == nil {
		conventions = extension.DefaultConventions()
	}
	resolver, err := extension.Scan(p.Extensions, conventions, linkers...)
	if err != nil {
		for _, l := range linkers {
			l.Close(ctx)
		}
		return &InitError{Step: "extensions", Err: err}
	}
	m.resolver = resolver

	m.bridge = bridge.New(bridge.Options{
		Toolkit:     m.opts.Toolkit,
		HostContext: m.opts.HostContext,
		OnError:     m.opts.OnError,
	})
	m.bridge.Subscribe(m.observe)
	m.hook = capture.NewHook(m.output, m.opts.Trailing)

	rt, err := lua.NewRuntime(lua.Options{
		AssetsDir:  p.Assets,
		EntryPoint: m.opts.EntryPoint,
		Extensions: resolver,
		Output:     m.hook,
		Publisher:  m.bridge,
	})
	if err != nil {
		return &InitError{Step: "runtime", Err: err}
	}
	m.runtime = rt
	m.bridge.Attach(rt)
	return nil
}

// configureEnv sets the variables the runtime's module resolution reads.
func configureEnv(p Paths) error {
	sitePackages := filepath.Join(p.Cache, "site-packages")
	luaPath := strings.Join([]string{
		filepath.Join(sitePackages, "?.lua"),
		filepath.Join(sitePackages, "?", "init.lua"),
		filepath.Join(p.Assets, "?.lua"),
	}, ";")
	tmp := filepath.Join(p.Cache, "tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return err
	}
	for k, v := range map[string]string{EnvLuaPath: luaPath, EnvTmpDir: tmp, EnvLibDir: p.Extensions} {
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return nil
}

func (m *Manager) startHotLoader(dir string) {
	hot, err := lua.NewHotLoader(dir, m.runtime, m.opts.Debounce)
	if err == nil {
		err = hot.Start()
	}
	if err != nil {
		logging.Logger().Warn("hot reload disabled", zap.Error(err))
		return
	}
	m.hot = hot
}

// Close ends the session. Bridged objects are dropped without Delete
// notifications. Close is safe in any state and may be called repeatedly.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Running && m.state != Failed {
		return nil
	}
	err := m.teardown(context.Background())
	m.state = Stopped
	logging.Log(1, "Session stopped")
	return err
}

// teardown releases whatever open created, in reverse order.
func (m *Manager) teardown(ctx context.Context) error {
	var errs []error
	if m.hot != nil {
		errs = append(errs, m.hot.Stop())
		m.hot = nil
	}
	if m.bridge != nil {
		m.bridge.Attach(nil)
	}
	if m.runtime != nil {
		m.runtime.Close()
		m.runtime = nil
	}
	if m.bridge != nil {
		m.bridge.Close()
		m.bridge.Reset()
		m.bridge = nil
	}
	if m.hook != nil {
		errs = append(errs, m.hook.Close())
		m.hook = nil
	}
	if m.resolver != nil {
		errs = append(errs, m.resolver.Close(ctx))
		m.resolver = nil
	}
	if m.capture != nil {
		errs = append(errs, m.capture.Stop())
		m.capture = nil
	}
	return errors.Join(errs...)
}

// Dispatch delivers an encoded event batch to the runtime.
func (m *Manager) Dispatch(ctx context.Context, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Running {
		return ErrNotRunning
	}
	return m.bridge.Send(ctx, payload)
}

// State returns the session state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsInitialized reports whether a session is running.
func (m *Manager) IsInitialized() bool {
	return m.State() == Running
}

// Paths returns the paths of the current or last session.
func (m *Manager) Paths() Paths {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Output returns the tee carrying runtime output lines.
func (m *Manager) Output() *logging.Tee {
	return m.output
}

// Bridge returns the session's bridge, or nil when not running.
func (m *Manager) Bridge() *bridge.Bridge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bridge
}

// Runtime returns the session's runtime, or nil when not running.
func (m *Manager) Runtime() *lua.Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runtime
}

// Extensions returns the session's extension resolver, or nil when not
// running.
func (m *Manager) Extensions() *extension.Resolver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolver
}

// Objects lists the live bridged objects.
func (m *Manager) Objects() ([]registry.ObjectInfo, error) {
	b := m.Bridge()
	if b == nil {
		return nil, ErrNotRunning
	}
	return b.Store().Objects(), nil
}

// RunString executes a Lua chunk in the running session.
func (m *Manager) RunString(ctx context.Context, code string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Running {
		return nil, ErrNotRunning
	}
	return m.runtime.RunString(ctx, code)
}

// Subscribe registers fn for bridge traffic of this and later sessions.
func (m *Manager) Subscribe(fn func(bridge.Traffic)) (cancel func()) {
	m.obsMu.Lock()
	id := m.nextObserver
	m.nextObserver++
	m.observers[id] = fn
	m.obsMu.Unlock()
	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

func (m *Manager) observe(t bridge.Traffic) {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	for _, fn := range m.observers {
		fn(t)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
