package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zot/ui-native/internal/extension"
)

// clearEnv blanks every variable Load reads, restoring them afterwards.
func clearEnv(t *testing.T) {
	for _, k := range []string{
		"UI_NATIVE_ASSETS", "UI_NATIVE_CACHE", "UI_NATIVE_EXTENSIONS", "UI_NATIVE_ENTRY_POINT",
		"UI_NATIVE_TRAILING", "UI_NATIVE_LOG_LEVEL", "UI_NATIVE_LOG_FORMAT", "UI_NATIVE_LOG_FILE",
		"UI_NATIVE_HOT_RELOAD", "UI_NATIVE_WASM", "UI_NATIVE_CAPTURE", "UI_NATIVE_VERBOSITY",
		"UI_NATIVE_RELOAD_DEBOUNCE", "UI_NATIVE_MONITOR",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config", "config.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load([]string{"-dir", t.TempDir()})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Runtime.EntryPoint != "main.lua" {
		t.Errorf("EntryPoint = %q", cfg.Runtime.EntryPoint)
	}
	if cfg.Capture.Trailing != "flush" {
		t.Errorf("Trailing = %q, want flush", cfg.Capture.Trailing)
	}
	if !cfg.Extensions.Wasm {
		t.Error("wasm should default on")
	}
	if cfg.File != "" {
		t.Errorf("File = %q, want none", cfg.File)
	}
	if cfg.Runtime.ReloadDebounce.Duration() != 100*time.Millisecond {
		t.Errorf("ReloadDebounce = %s", cfg.Runtime.ReloadDebounce)
	}
}

func TestLayering(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, `
[runtime]
assets = "app"
cache = "toml-cache"
entry_point = "boot.lua"
reload_debounce = "250ms"

[logging]
level = "warn"
format = "json"

[capture]
trailing = "drop"
`)
	t.Setenv("UI_NATIVE_CACHE", "/env/cache")
	t.Setenv("UI_NATIVE_LOG_LEVEL", "error")
	t.Setenv("UI_NATIVE_WASM", "false")

	cfg, err := Load([]string{"-dir", dir, "-log-level", "debug", "-vv", "-monitor", "localhost:9000", "decode", "batch.bin"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		name, got, want string
	}{
		{"assets from toml, resolved against dir", cfg.Runtime.Assets, filepath.Join(dir, "app")},
		{"cache from env", cfg.Runtime.Cache, "/env/cache"},
		{"entry point from toml", cfg.Runtime.EntryPoint, "boot.lua"},
		{"level from flag", cfg.Logging.Level, "debug"},
		{"format from toml", cfg.Logging.Format, "json"},
		{"trailing from toml", cfg.Capture.Trailing, "drop"},
		{"monitor from flag", cfg.Monitor.Addr, "localhost:9000"},
		{"file", cfg.File, filepath.Join(dir, "config", "config.toml")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}
	if cfg.Extensions.Wasm {
		t.Error("UI_NATIVE_WASM=false not applied")
	}
	if !cfg.Monitor.Enabled {
		t.Error("-monitor should enable the monitor")
	}
	if cfg.Verbosity() != 2 {
		t.Errorf("Verbosity = %d, want 2", cfg.Verbosity())
	}
	if cfg.Runtime.ReloadDebounce.Duration() != 250*time.Millisecond {
		t.Errorf("ReloadDebounce = %s", cfg.Runtime.ReloadDebounce)
	}
	if strings.Join(cfg.Args, " ") != "decode batch.bin" {
		t.Errorf("Args = %v", cfg.Args)
	}
}

func TestBoolFlagsOverrideOnlyWhenSet(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "[capture]\nenabled = true\n")

	cfg, err := Load([]string{"-dir", dir})
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Capture.Enabled {
		t.Error("unset -capture flag overrode the file")
	}

	cfg, err = Load([]string{"-dir", dir, "-capture=false"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Capture.Enabled {
		t.Error("-capture=false not applied")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
		toml string
	}{
		{name: "bad trailing policy", args: []string{"-trailing", "keep"}},
		{name: "bad log level", env: map[string]string{"UI_NATIVE_LOG_LEVEL": "loud"}},
		{name: "bad format", toml: "[logging]\nformat = \"xml\"\n"},
		{name: "bad monitor address", args: []string{"-monitor", "nowhere"}},
		{name: "bad bool", env: map[string]string{"UI_NATIVE_CAPTURE": "sometimes"}},
		{name: "bad duration", toml: "[runtime]\nreload_debounce = \"soon\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			dir := t.TempDir()
			if tt.toml != "" {
				writeConfig(t, dir, tt.toml)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(append([]string{"-dir", dir}, tt.args...)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestExplicitConfigMustExist(t *testing.T) {
	clearEnv(t)
	if _, err := Load([]string{"-config", filepath.Join(t.TempDir(), "missing.toml")}); err == nil {
		t.Error("missing -config file should fail")
	}
}

func TestExpandVerbosityFlags(t *testing.T) {
	got := expandVerbosityFlags([]string{"-vvv", "-version", "-v", "run"})
	want := []string{"-v", "-v", "-v", "-version", "-v", "run"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestConventions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Extensions.WasmPrefix = "ext_"
	conv := cfg.Conventions()
	if len(conv) != 2 || conv[0] != extension.NativeConvention() {
		t.Errorf("native convention = %+v", conv)
	}
	if name, ok := conv[1].Match("ext_calc.wasm"); !ok || name != "calc" {
		t.Errorf("Match = %q, %v", name, ok)
	}
}
