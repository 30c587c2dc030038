package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/ui-native/internal/bridge"
	"github.com/zot/ui-native/internal/logging"
	"github.com/zot/ui-native/internal/protocol"
	"github.com/zot/ui-native/internal/registry"
)

type button struct {
	Text string
}

func (b *button) SetText(s string) { b.Text = s }
func (b *button) Measure(w int) int { return w * 2 }

var toolkit = registry.ToolkitFunc(func(typeName, ctor string, args []any) (any, error) {
	if typeName != "Button" {
		return nil, fmt.Errorf("unknown type %s", typeName)
	}
	b := &button{}
	if len(args) > 0 {
		b.Text, _ = args[0].(string)
	}
	return b, nil
})

const app = `
local bridge = require("bridge")
app = bridge.application({count = 0})
function app:bump(n) self.count = self.count + (n or 1) end
function app:fail() error("callback failed") end
function app:ping(x) return "pong " .. x end
button = bridge.object("Button", "", "OK")
button:set("text", "Cancel")
button:invoke("measure", 21):next(function(v, err) app.measured = v end)
`

type session struct {
	m     *Manager
	paths Paths
	lines []string
	mu    sync.Mutex
}

func (s *session) output() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// newSession prepares assets holding main and a manager writing output to
// the session. Environment variables set by Start are restored afterwards.
func newSession(t *testing.T, main string, configure ...func(*Options)) *session {
	t.Helper()
	for _, k := range []string{EnvLuaPath, EnvTmpDir, EnvLibDir} {
		t.Setenv(k, os.Getenv(k))
	}
	root := t.TempDir()
	s := &session{paths: Paths{
		Assets:     filepath.Join(root, "assets"),
		Cache:      filepath.Join(root, "cache"),
		Extensions: filepath.Join(root, "lib"),
	}}
	require.NoError(t, os.MkdirAll(s.paths.Assets, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.paths.Assets, "main.lua"), []byte(main), 0o644))

	opts := Options{
		Toolkit: toolkit,
		Sink: logging.SinkFunc(func(line string) {
			s.mu.Lock()
			s.lines = append(s.lines, line)
			s.mu.Unlock()
		}),
	}
	for _, fn := range configure {
		fn(&opts)
	}
	s.m = NewManager(opts)
	t.Cleanup(func() { s.m.Stop() })
	return s
}

func (s *session) start(t *testing.T) {
	t.Helper()
	require.Equal(t, CodeOK, s.m.Start(s.paths.Assets, s.paths.Cache, s.paths.Extensions))
}

func (s *session) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.m.Bridge().Sync(ctx))
}

func (s *session) eval(t *testing.T, code string) any {
	t.Helper()
	v, err := s.m.RunString(context.Background(), code)
	require.NoError(t, err)
	return v
}

func events(t *testing.T, cmds ...protocol.Command) []byte {
	t.Helper()
	data, err := protocol.EncodeBatch(cmds)
	require.NoError(t, err)
	return data
}

func TestStartConfiguresEnvironment(t *testing.T) {
	s := newSession(t, app)
	s.start(t)

	assert.Equal(t, Running, s.m.State())
	assert.True(t, s.m.IsInitialized())
	assert.Equal(t, s.paths, s.m.Paths())

	luaPath := os.Getenv(EnvLuaPath)
	assert.True(t, strings.HasPrefix(luaPath, filepath.Join(s.paths.Cache, "site-packages", "?.lua")+";"), luaPath)
	assert.True(t, strings.HasSuffix(luaPath, ";"+filepath.Join(s.paths.Assets, "?.lua")), luaPath)
	assert.Equal(t, filepath.Join(s.paths.Cache, "tmp"), os.Getenv(EnvTmpDir))
	assert.DirExists(t, filepath.Join(s.paths.Cache, "tmp"))
	assert.Equal(t, s.paths.Extensions, os.Getenv(EnvLibDir))
}

func TestStartRunsEntryPoint(t *testing.T) {
	s := newSession(t, app)
	s.start(t)
	s.sync(t)

	obj, ok := s.m.Bridge().Store().Get(1)
	require.True(t, ok, "button created")
	assert.Equal(t, "Cancel", obj.(*button).Text)

	// The measure result comes back to the runtime asynchronously.
	assert.Eventually(t, func() bool {
		v, err := s.m.RunString(context.Background(), "return app.measured")
		return err == nil && v == float64(42)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartTwice(t *testing.T) {
	s := newSession(t, app)
	s.start(t)

	assert.Equal(t, CodeAlreadyStarted, s.m.Start(s.paths.Assets, s.paths.Cache, s.paths.Extensions))
	err := s.m.Open(context.Background(), s.paths)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestEntryPointFailureDoesNotFailStart(t *testing.T) {
	s := newSession(t, "local x = nil\nx.y = 1\n")
	s.start(t)

	assert.Equal(t, Running, s.m.State())
	out := strings.Join(s.output(), "\n")
	assert.Contains(t, out, "main.lua:2")
	assert.Contains(t, out, "stack traceback")
}

func TestStartFailure(t *testing.T) {
	s := newSession(t, app)
	// A file where the extension directory should be fails the scan.
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(s.paths.Extensions), "lib"), []byte("x"), 0o644))

	err := s.m.Open(context.Background(), s.paths)
	var ie *InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "extensions", ie.Step)
	assert.ErrorIs(t, err, ErrInit)
	assert.Equal(t, CodeInit, Code(err))
	assert.Equal(t, Failed, s.m.State())
	assert.Nil(t, s.m.Bridge())

	assert.Equal(t, CodeAlreadyStarted, s.m.Start(s.paths.Assets, s.paths.Cache, s.paths.Extensions))
	assert.Equal(t, CodeNotRunning, s.m.SendEvents(events(t, protocol.Event(0, 0, "bump"))))
	assert.Equal(t, CodeOK, s.m.Stop())
	assert.Equal(t, Stopped, s.m.State())
}

func TestSendEventsCodes(t *testing.T) {
	s := newSession(t, app)
	assert.Equal(t, CodeNotRunning, s.m.SendEvents(events(t, protocol.Event(0, 0, "bump"))))

	s.start(t)
	assert.Equal(t, CodeOK, s.m.SendEvents(events(t, protocol.Event(0, 0, "bump", protocol.Int(2)))))
	assert.Equal(t, float64(2), s.eval(t, "return app.count"))

	assert.Equal(t, CodeEncoding, s.m.SendEvents([]byte{0xc1}))
	assert.Equal(t, CodeDispatch, s.m.SendEvents(events(t, protocol.Event(0, 0, "fail"))))
	assert.Contains(t, strings.Join(s.output(), "\n"), "callback failed")

	// Unknown targets are skipped.
	assert.Equal(t, CodeOK, s.m.SendEvents(events(t, protocol.Event(0, 99, "clicked"))))
}

func TestSendEventsBeforeApplication(t *testing.T) {
	s := newSession(t, `local bridge = require("bridge")
bridge.object("Button", "")
`)
	s.start(t)
	s.sync(t)
	before := s.m.Bridge().Store().Objects()

	code := s.m.SendEvents(events(t, protocol.Event(0, 1, "clicked")))
	assert.Equal(t, CodeNoInstance, code)
	err := s.m.Dispatch(context.Background(), events(t, protocol.Event(0, 1, "clicked")))
	assert.ErrorIs(t, err, ErrNoInstance)

	s.sync(t)
	assert.Equal(t, before, s.m.Bridge().Store().Objects())
}

func TestConcurrentSendEventsAreSerialized(t *testing.T) {
	s := newSession(t, app)
	s.start(t)

	payload := events(t, protocol.Event(0, 0, "bump"))
	var wg sync.WaitGroup
	var failed int
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if s.m.SendEvents(payload) != CodeOK {
					mu.Lock()
					failed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, failed)
	assert.Equal(t, float64(160), s.eval(t, "return app.count"))
}

func TestButtonEndToEnd(t *testing.T) {
	s := newSession(t, `local bridge = require("bridge")
app = bridge.application({})
local b = bridge.object("Button", "", "OK")
b:set("text", "Cancel")
bridge.flush()
b:delete()
ok, err = pcall(b.set, b, "text", "Again")
`)
	s.start(t)
	s.sync(t)

	store := s.m.Bridge().Store()
	_, ok := store.Get(1)
	assert.False(t, ok, "button deleted")
	assert.ErrorIs(t, store.SetField(1, "text", protocol.String("x")), registry.ErrUnknownHandle)
	assert.ErrorIs(t, store.Delete(1), registry.ErrUnknownHandle)

	assert.Equal(t, false, s.eval(t, "return ok"))
	assert.Contains(t, s.eval(t, "return err"), "unknown handle")
}

func TestHostCall(t *testing.T) {
	s := newSession(t, app)
	s.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := s.m.Bridge().Call(ctx, 0, "ping", "x")
	require.NoError(t, err)
	assert.Equal(t, "pong x", v.AsString())
}

func TestStopClearsSession(t *testing.T) {
	s := newSession(t, app)
	var mu sync.Mutex
	var seen []bridge.Direction
	cancel := s.m.Subscribe(func(tr bridge.Traffic) {
		mu.Lock()
		seen = append(seen, tr.Direction)
		mu.Unlock()
	})
	defer cancel()
	s.start(t)
	s.sync(t)
	b := s.m.Bridge()
	f := b.Results().Reserve()

	assert.Equal(t, CodeOK, s.m.Stop())
	assert.Equal(t, CodeOK, s.m.Stop())
	assert.Equal(t, Stopped, s.m.State())
	assert.Nil(t, s.m.Bridge())
	assert.Nil(t, s.m.Runtime())
	assert.Zero(t, b.Store().Len())
	_, err := f.Wait(context.Background())
	assert.True(t, errors.Is(err, registry.ErrCancelled))

	mu.Lock()
	assert.Contains(t, seen, bridge.Inbound)
	mu.Unlock()

	_, err = s.m.RunString(context.Background(), "return 1")
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = s.m.Objects()
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, CodeNotRunning, s.m.SendEvents(events(t, protocol.Event(0, 0, "bump"))))

	// Only Stop is accepted once stopped.
	assert.Equal(t, CodeAlreadyStarted, s.m.Start(s.paths.Assets, s.paths.Cache, s.paths.Extensions))
	assert.Equal(t, Stopped, s.m.State())
	assert.Nil(t, s.m.Runtime())
	assert.Equal(t, CodeOK, s.m.Stop())
}

func TestHotReload(t *testing.T) {
	s := newSession(t, `local bridge = require("bridge")
app = bridge.application({})
greeting = require("greeting")
function app:on_reload(name) self.reloaded = name end
`, func(o *Options) {
		o.HotReload = true
		o.Debounce = 50 * time.Millisecond
	})
	module := filepath.Join(s.paths.Assets, "greeting.lua")
	require.NoError(t, os.WriteFile(module, []byte(`return {text = "hello"}`), 0o644))
	s.start(t)
	assert.Equal(t, "hello", s.eval(t, "return greeting.text"))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(module, []byte(`return {text = "bonjour"}`), 0o644))
	assert.Eventually(t, func() bool {
		v, err := s.m.RunString(context.Background(), `return package.loaded.greeting.text .. ":" .. tostring(app.reloaded)`)
		return err == nil && v == "bonjour:greeting"
	}, 3*time.Second, 20*time.Millisecond)
}
