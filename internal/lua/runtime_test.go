package lua

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	golua "github.com/yuin/gopher-lua"

	"github.com/zot/ui-native/internal/capture"
	"github.com/zot/ui-native/internal/extension"
	"github.com/zot/ui-native/internal/logging"
	"github.com/zot/ui-native/internal/protocol"
)

// addWasm exports add(i32, i32) -> i32.
var addWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

// harness runs a runtime over a temp assets dir, recording output lines and
// published batches
type harness struct {
	rt      *Runtime
	dir     string
	lines   []string
	batches [][]protocol.Command
	mu      sync.Mutex
}

func newHarness(t *testing.T, main string, configure ...func(*Options)) *harness {
	t.Helper()
	h := &harness{dir: t.TempDir()}
	if main != "" {
		if err := os.WriteFile(filepath.Join(h.dir, "main.lua"), []byte(main), 0644); err != nil {
			t.Fatal(err)
		}
	}
	opts := Options{
		AssetsDir: h.dir,
		Output: capture.NewHook(logging.SinkFunc(func(line string) {
			h.mu.Lock()
			h.lines = append(h.lines, line)
			h.mu.Unlock()
		}), capture.TrailingFlush),
		Publisher: PublisherFunc(func(ctx context.Context, data []byte) error {
			cmds, err := protocol.DecodeBatch(data)
			if err != nil {
				return err
			}
			h.mu.Lock()
			h.batches = append(h.batches, cmds)
			h.mu.Unlock()
			return nil
		}),
	}
	for _, fn := range configure {
		fn(&opts)
	}
	rt, err := NewRuntime(opts)
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	t.Cleanup(rt.Close)
	h.rt = rt
	return h
}

func (h *harness) output() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lines...)
}

func (h *harness) commands() []protocol.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.Command
	for _, b := range h.batches {
		out = append(out, b...)
	}
	return out
}

func (h *harness) reset() {
	h.mu.Lock()
	h.lines, h.batches = nil, nil
	h.mu.Unlock()
}

func encodeEvents(t *testing.T, cmds ...protocol.Command) []byte {
	t.Helper()
	data, err := protocol.EncodeBatch(cmds)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

const buttonApp = `
local bridge = require("bridge")
local app = bridge.application({})
button = bridge.object("Button", "init", "OK")
button:connect("clicked", function(self, n)
  clicks = (clicks or 0) + n
  return clicks * 2
end)
function app:ping(x) return "pong " .. x end
print("started", button:handle())
`

func TestRunMainPublishesCommands(t *testing.T) {
	h := newHarness(t, buttonApp)
	if err := h.rt.RunMain(context.Background()); err != nil {
		t.Fatalf("RunMain: %v", err)
	}

	cmds := h.commands()
	if len(cmds) != 1 {
		t.Fatalf("published %v, want one create", cmds)
	}
	c := cmds[0]
	if c.Op != protocol.OpCreate || c.Handle != 1 || c.Type != "Button" || c.Name != "init" {
		t.Errorf("create = %s", c)
	}
	if len(c.Args) != 1 || c.Args[0].AsString() != "OK" {
		t.Errorf("create args = %v", c.Args)
	}
	if out := h.output(); len(out) != 1 || out[0] != "started\t1" {
		t.Errorf("output = %q", out)
	}
}

func TestObjectOperations(t *testing.T) {
	h := newHarness(t, `
local bridge = require("bridge")
local b = bridge.object("Button", "", "OK")
local label = bridge.cached(500, "Label", "")
b:set("text", "Cancel")
b:call("setEnabled", false, {1, 2.5, "x"}, {nested = label})
bridge.static("Toast", "show", "hi")
b:delete()
local ok, err = pcall(function() b:set("text", "X") end)
print(ok, err)
`)
	if err := h.rt.RunMain(context.Background()); err != nil {
		t.Fatalf("RunMain: %v", err)
	}

	want := []string{
		`c[1, 0, "Button", "", ["OK"]]`,
		`c[2, 500, "Label", "", []]`,
		`f[1, 0, "text", ["Cancel"]]`,
		`m[1, 0, 0, "setEnabled", [false, [1, 2.5, "x"], {nested: ref(2)}]]`,
		`sm["Toast", 0, 0, "show", ["hi"]]`,
		`d[1]`,
	}
	cmds := h.commands()
	if len(cmds) != len(want) {
		t.Fatalf("published %v", cmds)
	}
	for i, c := range cmds {
		if c.String() != want[i] {
			t.Errorf("command %d = %s, want %s", i, c, want[i])
		}
	}
	out := h.output()
	if len(out) == 0 || !strings.HasPrefix(out[len(out)-1], "false") || !strings.Contains(out[len(out)-1], "unknown handle") {
		t.Errorf("set after delete output = %q", out)
	}
}

func TestSendEventsBeforeApplication(t *testing.T) {
	h := newHarness(t, `button = require("bridge").object("Button", "")`)
	if err := h.rt.RunMain(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.reset()

	err := h.rt.DispatchEvents(context.Background(), encodeEvents(t, protocol.Event(0, 1, "clicked")))
	if !errors.Is(err, ErrNoInstance) {
		t.Errorf("err = %v, want ErrNoInstance", err)
	}
	if cmds := h.commands(); len(cmds) != 0 {
		t.Errorf("published %v", cmds)
	}
	if h.rt.HasApplication(context.Background()) {
		t.Error("HasApplication = true")
	}
}

func TestSendEventsBadPayload(t *testing.T) {
	h := newHarness(t, buttonApp)
	h.rt.RunMain(context.Background())

	err := h.rt.DispatchEvents(context.Background(), []byte{0xc1})
	if !errors.Is(err, ErrEncoding) {
		t.Errorf("err = %v, want ErrEncoding", err)
	}
}

func TestEventDispatch(t *testing.T) {
	h := newHarness(t, buttonApp)
	h.rt.RunMain(context.Background())
	h.reset()

	payload := encodeEvents(t,
		protocol.Event(7, 1, "clicked", protocol.Int(3)),
		protocol.Event(8, protocol.NoHandle, "ping", protocol.String("x")),
		protocol.Event(0, 99, "clicked"),
	)
	if err := h.rt.DispatchEvents(context.Background(), payload); err != nil {
		t.Fatalf("DispatchEvents: %v", err)
	}

	cmds := h.commands()
	if len(cmds) != 2 {
		t.Fatalf("published %v", cmds)
	}
	if cmds[0].Op != protocol.OpResult || cmds[0].Handle != 7 || cmds[0].Value.AsInt() != 6 {
		t.Errorf("clicked result = %s", cmds[0])
	}
	if cmds[1].Handle != 8 || cmds[1].Value.AsString() != "pong x" {
		t.Errorf("ping result = %s", cmds[1])
	}
}

func TestProxyCommands(t *testing.T) {
	h := newHarness(t, buttonApp+`
listener = bridge.proxy("OnClickListener", button)
runnable = bridge.proxy("Runnable")
runnable:connect("run", function(self) print("ran", self:handle()) end)
local ok, err = pcall(bridge.proxy, "Runnable", {})
print(ok)
`)
	if err := h.rt.RunMain(context.Background()); err != nil {
		t.Fatalf("RunMain: %v", err)
	}
	cmds := h.commands()
	if len(cmds) != 3 || cmds[1].String() != `p[2, "OnClickListener", 1]` || cmds[2].String() != `p[3, "Runnable", 3]` {
		t.Fatalf("published %v", cmds)
	}
	if out := h.output(); out[len(out)-1] != "false" {
		t.Errorf("proxy for a table target = %q", out)
	}
	h.reset()

	if err := h.rt.DispatchEvents(context.Background(), encodeEvents(t, protocol.Event(0, 3, "run"))); err != nil {
		t.Fatalf("DispatchEvents: %v", err)
	}
	if out := h.output(); len(out) != 1 || out[0] != "ran\t3" {
		t.Errorf("output = %q", out)
	}
}

func TestEventCallbackError(t *testing.T) {
	h := newHarness(t, `
local bridge = require("bridge")
local app = bridge.application({})
function app:boom() error("kaboom") end
`)
	h.rt.RunMain(context.Background())
	h.reset()

	err := h.rt.DispatchEvents(context.Background(), encodeEvents(t, protocol.Event(0, 0, "boom")))
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("err = %v, want ErrDispatch", err)
	}
	cmds := h.commands()
	if len(cmds) != 1 || cmds[0].Op != protocol.OpError || !strings.Contains(cmds[0].Message, "kaboom") {
		t.Errorf("published %v", cmds)
	}
	if out := strings.Join(h.output(), "\n"); !strings.Contains(out, "kaboom") {
		t.Errorf("traceback not written: %q", out)
	}

	// The runtime keeps working.
	v, err := h.rt.RunString(context.Background(), "return 1 + 1")
	if err != nil || v != 2.0 {
		t.Errorf("RunString = %v, %v", v, err)
	}
}

func TestInvokeFuture(t *testing.T) {
	h := newHarness(t, buttonApp+`
pending = button:invoke("measure", 10)
pending:next(function(v, err) print("measured", v, err) end)
`)
	h.rt.RunMain(context.Background())
	cmds := h.commands()
	if len(cmds) != 2 || cmds[1].String() != `m[1, 2, 0, "measure", [10]]` {
		t.Fatalf("published %v", cmds)
	}
	h.reset()

	if err := h.rt.DispatchEvents(context.Background(), encodeEvents(t, protocol.Event(0, 2, "set_result", protocol.Int(99)))); err != nil {
		t.Fatal(err)
	}
	if out := h.output(); len(out) != 1 || out[0] != "measured\t99\tnil" {
		t.Errorf("output = %q", out)
	}
	v, err := h.rt.RunString(context.Background(), "local v, e = pending:result() return {pending:done(), v}")
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := v.([]any); !ok || got[0] != true || got[1] != 99.0 {
		t.Errorf("result = %#v", v)
	}
}

func TestInvokeResultObjectUsesFutureHandle(t *testing.T) {
	h := newHarness(t, buttonApp+`
button:invoke("child"):next(function(child, err)
  child:set("text", "inner")
  print("child", child:handle(), err)
end)
`)
	h.rt.RunMain(context.Background())
	h.reset()

	// The host registers the returned object under the result handle.
	if err := h.rt.DispatchEvents(context.Background(), encodeEvents(t, protocol.Event(0, 2, "set_result", protocol.Ref(2)))); err != nil {
		t.Fatalf("DispatchEvents: %v", err)
	}
	if out := h.output(); len(out) != 1 || out[0] != "child\t2\tnil" {
		t.Errorf("output = %q", out)
	}
	cmds := h.commands()
	if len(cmds) != 1 || cmds[0].String() != `f[2, 0, "text", ["inner"]]` {
		t.Errorf("published %v", cmds)
	}
}

func TestRunStringSelfReference(t *testing.T) {
	h := newHarness(t, "")
	v, err := h.rt.RunString(context.Background(), "local t = {name = 'loop'} t.self = t return t")
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok || m["name"] != "loop" || m["self"] != "<cycle>" {
		t.Errorf("result = %#v", v)
	}

	v, err = h.rt.RunString(context.Background(), `
local root = {}
local t = root
for i = 1, 200 do t.next = {} t = t.next end
return root`)
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}
	depth := 0
	for {
		m, ok := v.(map[string]any)
		if !ok {
			break
		}
		v = m["next"]
		depth++
	}
	if v != "<too deep>" || depth != maxDepth {
		t.Errorf("stopped at depth %d with %#v", depth, v)
	}
}

func TestDispatchEventsHonorsDeadline(t *testing.T) {
	h := newHarness(t, buttonApp)
	h.rt.RunMain(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	go h.rt.Do(context.Background(), func(ctx context.Context, L *golua.LState) error {
		close(started)
		<-release
		return nil
	})
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.rt.DispatchEvents(ctx, encodeEvents(t, protocol.Event(0, 1, "clicked", protocol.Int(1))))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestRunMainErrorIsReported(t *testing.T) {
	h := newHarness(t, `
local function inner() error("bad start") end
inner()
`)
	err := h.rt.RunMain(context.Background())
	if err == nil {
		t.Fatal("RunMain succeeded")
	}
	out := strings.Join(h.output(), "\n")
	if !strings.Contains(out, "bad start") || !strings.Contains(out, "stack traceback") {
		t.Errorf("output = %q", out)
	}
	cmds := h.commands()
	if len(cmds) != 1 || cmds[0].Op != protocol.OpError {
		t.Errorf("published %v", cmds)
	}
}

func TestMissingEntryPoint(t *testing.T) {
	h := newHarness(t, "")
	if err := h.rt.RunMain(context.Background()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want not exist", err)
	}
}

func TestExtensionSearcher(t *testing.T) {
	extDir := t.TempDir()
	os.WriteFile(filepath.Join(extDir, "lib.calc.wasm"), addWasm, 0644)
	linker, err := extension.NewWasmLinker(context.Background(), extension.WasmConfig{})
	if err != nil {
		t.Fatal(err)
	}
	resolver, err := extension.Scan(extDir, extension.DefaultConventions(), linker)
	if err != nil {
		t.Fatal(err)
	}
	defer resolver.Close(context.Background())

	h := newHarness(t, "", func(o *Options) { o.Extensions = resolver })
	v, err := h.rt.RunString(context.Background(), `
local m = require("calc")
local first = m
package.loaded["calc"] = nil
local again = require("calc")
return {m.add(2, 40), first == again}
`)
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}
	got := v.([]any)
	if got[0] != 42.0 || got[1] != true {
		t.Errorf("result = %v", got)
	}
	if n := len(resolver.Loaded()); n != 1 {
		t.Errorf("loaded %d modules", n)
	}

	_, err = h.rt.RunString(context.Background(), `return require("nothere")`)
	if err == nil || !strings.Contains(err.Error(), "no extension 'nothere'") {
		t.Errorf("missing module err = %v", err)
	}
}

func TestExtensionSearcherPosition(t *testing.T) {
	resolver, _ := extension.Scan(t.TempDir(), extension.DefaultConventions())
	h := newHarness(t, "", func(o *Options) { o.Extensions = resolver })
	err := h.rt.Do(context.Background(), func(ctx context.Context, L *golua.LState) error {
		loaders := L.GetField(L.GetGlobal("package"), "loaders").(*golua.LTable)
		if loaders.Len() != 3 {
			t.Errorf("loaders = %d, want 3", loaders.Len())
		}
		for _, name := range []string{"bridge", "nativehooks"} {
			if L.GetField(L.GetField(L.GetGlobal("package"), "preload"), name) == golua.LNil {
				t.Errorf("%s not preloaded", name)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestNativeHooks(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.rt.RunString(context.Background(), `
local hooks = require("nativehooks")
hooks.write("par")
hooks.write("tial\nnext")
hooks.flush()
io.write("a", "b\n")
hooks.publish("raw")
`)
	if err == nil || !strings.Contains(err.Error(), "publish") {
		// "raw" is not a valid batch, so the recording publisher rejects it.
		t.Errorf("publish err = %v", err)
	}
	out := h.output()
	want := []string{"partial", "next", "ab"}
	if len(out) < len(want) || strings.Join(out[:len(want)], "|") != strings.Join(want, "|") {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestConcurrentDispatchIsSerialized(t *testing.T) {
	h := newHarness(t, `
local bridge = require("bridge")
local app = bridge.application({})
active, overlaps, calls = 0, 0, 0
function app:tick()
  active = active + 1
  if active > 1 then overlaps = overlaps + 1 end
  for i = 1, 2000 do end
  calls = calls + 1
  active = active - 1
end
`)
	h.rt.RunMain(context.Background())
	payload := encodeEvents(t, protocol.Event(0, 0, "tick"), protocol.Event(0, 0, "tick"))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if err := h.rt.DispatchEvents(context.Background(), payload); err != nil {
					t.Errorf("DispatchEvents: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	v, _ := h.rt.RunString(context.Background(), "return {overlaps, calls}")
	got := v.([]any)
	if got[0] != 0.0 || got[1] != 160.0 {
		t.Errorf("overlaps, calls = %v", got)
	}
}

func TestPublisherReentry(t *testing.T) {
	var h *harness
	h = newHarness(t, `
local bridge = require("bridge")
local app = bridge.application({})
function app:echo(v) seen = v end
bridge.error("hello")
`, func(o *Options) {
		o.Publisher = PublisherFunc(func(ctx context.Context, data []byte) error {
			// Answering from inside the publish must not deadlock.
			return h.rt.DispatchEvents(ctx, encodeEvents(t, protocol.Event(0, 0, "echo", protocol.String("back"))))
		})
	})

	done := make(chan error, 1)
	go func() { done <- h.rt.RunMain(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant dispatch deadlocked")
	}
	v, _ := h.rt.RunString(context.Background(), "return seen")
	if v != "back" {
		t.Errorf("seen = %v", v)
	}
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.lua"), []byte(`
local bridge = require("bridge")
local app = bridge.application({})
function app:on_reload(name) reloaded = name end
greeting = require("greeting")
`), 0644)
	mod := filepath.Join(dir, "greeting.lua")
	os.WriteFile(mod, []byte(`return "hello"`), 0644)
	// LUA_PATH is read when the package library opens.
	t.Setenv("LUA_PATH", filepath.Join(dir, "?.lua"))

	h := newHarness(t, "", func(o *Options) { o.AssetsDir = dir })
	if err := h.rt.RunMain(context.Background()); err != nil {
		t.Fatal(err)
	}

	os.WriteFile(mod, []byte(`return "goodbye"`), 0644)
	if err := h.rt.Reload(context.Background(), mod); err != nil {
		t.Fatal(err)
	}
	v, _ := h.rt.RunString(context.Background(), `return {require("greeting"), reloaded}`)
	got := v.([]any)
	if got[0] != "goodbye" || got[1] != "greeting" {
		t.Errorf("after reload = %v", got)
	}

	// Files never required are skipped.
	other := filepath.Join(dir, "other.lua")
	os.WriteFile(other, []byte(`error("should not run")`), 0644)
	if err := h.rt.Reload(context.Background(), other); err != nil {
		t.Errorf("Reload unloaded module: %v", err)
	}
}

func TestClosedRuntime(t *testing.T) {
	h := newHarness(t, buttonApp)
	h.rt.Close()
	if err := h.rt.RunMain(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
