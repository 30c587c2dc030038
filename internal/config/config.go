// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/zot/ui-native/internal/extension"
)

// Config holds all configuration settings for ui-native.
type Config struct {
	Runtime    RuntimeConfig    `toml:"runtime"`
	Extensions ExtensionsConfig `toml:"extensions"`
	Capture    CaptureConfig    `toml:"capture"`
	Logging    LoggingConfig    `toml:"logging"`
	Monitor    MonitorConfig    `toml:"monitor"`

	Dir  string   `toml:"-"` // base directory (CLI only)
	File string   `toml:"-"` // config file that was read, if any
	Args []string `toml:"-"` // positional arguments left after flags
}

// RuntimeConfig locates the application and controls the Lua runtime.
type RuntimeConfig struct {
	Assets         string   `toml:"assets" validate:"required"`
	Cache          string   `toml:"cache" validate:"required"`
	Extensions     string   `toml:"extensions"`
	EntryPoint     string   `toml:"entry_point" validate:"required"`
	HotReload      bool     `toml:"hot_reload"`
	ReloadDebounce Duration `toml:"reload_debounce" validate:"gte=0"`
}

// ExtensionsConfig sets extension file naming and the wasm linker.
type ExtensionsConfig struct {
	NativePrefix     string `toml:"native_prefix"`
	NativeSuffix     string `toml:"native_suffix" validate:"required"`
	WasmPrefix       string `toml:"wasm_prefix"`
	WasmSuffix       string `toml:"wasm_suffix" validate:"required"`
	Wasm             bool   `toml:"wasm"`
	WASI             bool   `toml:"wasi"`
	MemoryLimitPages uint32 `toml:"memory_limit_pages" validate:"lte=65536"`
}

// CaptureConfig controls redirection of the process's stdout and stderr.
type CaptureConfig struct {
	Enabled    bool   `toml:"enabled"`
	Trailing   string `toml:"trailing" validate:"oneof=flush drop"`
	BufferSize int    `toml:"buffer_size" validate:"gte=0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level" validate:"oneof=debug info warn error"`
	Format    string `toml:"format" validate:"oneof=console json"`
	File      string `toml:"file"`
	Verbosity int    `toml:"verbosity" validate:"gte=0,lte=4"` // 0=none, 1=lifecycle, 2=batches, 3=objects, 4=values
}

// MonitorConfig holds settings for the traffic monitor.
type MonitorConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr" validate:"omitempty,hostname_port"`
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] == 'v' {
			allV := true
			for _, c := range arg[1:] {
				if c != 'v' {
					allV = false
					break
				}
			}
			if allV {
				for range arg[1:] {
					result = append(result, "-v")
				}
				continue
			}
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	native := extension.NativeConvention()
	wasm := extension.WasmConvention()
	return &Config{
		Runtime: RuntimeConfig{
			Assets:         "assets",
			Cache:          "cache",
			Extensions:     "lib",
			EntryPoint:     "main.lua",
			ReloadDebounce: Duration(100 * time.Millisecond),
		},
		Extensions: ExtensionsConfig{
			NativePrefix: native.Prefix,
			NativeSuffix: native.Suffix,
			WasmPrefix:   wasm.Prefix,
			WasmSuffix:   wasm.Suffix,
			Wasm:         true,
		},
		Capture: CaptureConfig{
			Trailing:   "flush",
			BufferSize: 4096,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Monitor: MonitorConfig{
			Addr: "127.0.0.1:7070",
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	// Preprocess args to expand -vvv into -v -v -v
	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("ui-native", flag.ContinueOnError)
	dir := fs.String("dir", "", "Base directory for config/config.toml and relative paths")
	configFile := fs.String("config", "", "Config file (default <dir>/config/config.toml)")

	// Runtime flags
	assets := fs.String("assets", "", "Application assets directory")
	cache := fs.String("cache", "", "Cache directory (site-packages, tmp)")
	extensions := fs.String("extensions", "", "Extension modules directory")
	entry := fs.String("entry", "", "Entry point, relative to the assets directory")
	hotReload := fs.Bool("hot-reload", false, "Reload changed Lua modules")

	// Extension flags
	wasm := fs.Bool("wasm", true, "Link WebAssembly extensions")

	// Capture flags
	captureOutput := fs.Bool("capture", false, "Capture stdout and stderr into the log")
	trailing := fs.String("trailing", "", "Unterminated last line at stop: flush or drop")

	// Logging flags
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "Log format: console or json")
	logFile := fs.String("log-file", "", "Append logs to this file")
	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	// Monitor flags
	monitor := fs.String("monitor", "", "Serve the traffic monitor on this address")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	// Load TOML config if exists (from config/ subdirectory)
	path := *configFile
	if path == "" {
		path = filepath.Join(*dir, "config", "config.toml")
	}
	if err := cfg.loadTOML(path); err == nil {
		cfg.File = path
	} else if !os.IsNotExist(err) || *configFile != "" {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	// Apply environment variables
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Apply CLI flags (highest priority)
	if *assets != "" {
		cfg.Runtime.Assets = *assets
	}
	if *cache != "" {
		cfg.Runtime.Cache = *cache
	}
	if *extensions != "" {
		cfg.Runtime.Extensions = *extensions
	}
	if *entry != "" {
		cfg.Runtime.EntryPoint = *entry
	}
	if set["hot-reload"] {
		cfg.Runtime.HotReload = *hotReload
	}
	if set["wasm"] {
		cfg.Extensions.Wasm = *wasm
	}
	if set["capture"] {
		cfg.Capture.Enabled = *captureOutput
	}
	if *trailing != "" {
		cfg.Capture.Trailing = *trailing
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *logFile != "" {
		cfg.Logging.File = *logFile
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}
	if *monitor != "" {
		cfg.Monitor.Enabled = true
		cfg.Monitor.Addr = *monitor
	}

	cfg.Dir = *dir
	cfg.Args = fs.Args()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() error {
	str := map[string]*string{
		"UI_NATIVE_ASSETS":      &c.Runtime.Assets,
		"UI_NATIVE_CACHE":       &c.Runtime.Cache,
		"UI_NATIVE_EXTENSIONS":  &c.Runtime.Extensions,
		"UI_NATIVE_ENTRY_POINT": &c.Runtime.EntryPoint,
		"UI_NATIVE_TRAILING":    &c.Capture.Trailing,
		"UI_NATIVE_LOG_LEVEL":   &c.Logging.Level,
		"UI_NATIVE_LOG_FORMAT":  &c.Logging.Format,
		"UI_NATIVE_LOG_FILE":    &c.Logging.File,
	}
	for name, dst := range str {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	flags := map[string]*bool{
		"UI_NATIVE_HOT_RELOAD": &c.Runtime.HotReload,
		"UI_NATIVE_WASM":       &c.Extensions.Wasm,
		"UI_NATIVE_CAPTURE":    &c.Capture.Enabled,
	}
	for name, dst := range flags {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = b
		}
	}

	if v := os.Getenv("UI_NATIVE_VERBOSITY"); v != "" {
		verbosity, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UI_NATIVE_VERBOSITY: %w", err)
		}
		c.Logging.Verbosity = verbosity
	}
	if v := os.Getenv("UI_NATIVE_RELOAD_DEBOUNCE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("UI_NATIVE_RELOAD_DEBOUNCE: %w", err)
		}
		c.Runtime.ReloadDebounce = Duration(d)
	}
	if v := os.Getenv("UI_NATIVE_MONITOR"); v != "" {
		c.Monitor.Enabled = true
		c.Monitor.Addr = v
	}
	return nil
}

// resolvePaths makes relative runtime paths relative to Dir.
func (c *Config) resolvePaths() {
	if c.Dir == "" {
		return
	}
	for _, p := range []*string{&c.Runtime.Assets, &c.Runtime.Cache, &c.Runtime.Extensions} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.Dir, *p)
		}
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Conventions returns the extension naming conventions.
func (c *Config) Conventions() []extension.Convention {
	return []extension.Convention{
		{Prefix: c.Extensions.NativePrefix, Suffix: c.Extensions.NativeSuffix, Kind: extension.KindNative},
		{Prefix: c.Extensions.WasmPrefix, Suffix: c.Extensions.WasmSuffix, Kind: extension.KindWasm},
	}
}

// Verbosity returns the configured verbosity level (0-4).
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}
