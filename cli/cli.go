// Package cli provides the command-line interface for ui-native.
// It exports Run() and RunWithHooks() so a host application can embed the
// runtime with its own toolkit and still offer the standard commands.
package cli

import (
	"fmt"
	"os"

	"github.com/zot/ui-native/internal/registry"
)

// Version is reported by the version command.
const Version = "0.1.0"

// Hooks allows extending the CLI with additional commands and supplying
// the native side of the bridge.
type Hooks struct {
	// BeforeDispatch is called before command dispatch.
	// Return (handled=true, exitCode) to skip normal dispatch.
	BeforeDispatch func(command string, args []string) (handled bool, exitCode int)

	// Toolkit creates native objects for bridge.create. Without one, run
	// and mcp start a runtime that can only talk to the host context.
	Toolkit registry.Toolkit

	// HostContext is addressed by handle -1.
	HostContext any

	// CustomHelp returns additional help text to append.
	CustomHelp func() string

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	if hooks == nil {
		hooks = &Hooks{}
	}
	if len(args) < 1 {
		return runRun(args, hooks)
	}

	command := args[0]
	cmdArgs := args[1:]

	if hooks.BeforeDispatch != nil {
		if handled, code := hooks.BeforeDispatch(command, cmdArgs); handled {
			return code
		}
	}

	switch command {
	case "run":
		return runRun(cmdArgs, hooks)
	case "mcp":
		return runMCP(cmdArgs, hooks)
	case "extensions":
		return runExtensions(cmdArgs)
	case "decode":
		return runDecode(cmdArgs, os.Stdin, os.Stdout)
	case "help", "-h", "--help":
		printHelp(hooks)
		return 0
	case "version", "--version":
		printVersion(hooks)
		return 0
	default:
		if len(command) > 0 && command[0] == '-' {
			return runRun(args, hooks)
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printHelp(hooks)
		return 1
	}
}

func printHelp(hooks *Hooks) {
	fmt.Println(`ui-native: Lua application runtime with a native object bridge

Usage: ui-native [command] [options]

Commands:
  run             Start the runtime and wait for a signal (default)
  mcp             Start the runtime and serve MCP tools on stdio
  extensions      List the extensions found in the extensions directory
  decode          Print a wire batch as JSON or YAML
  help            Show this help
  version         Show the version

Runtime Options:
  -dir            Base directory for relative paths (default: .)
  -config         TOML config file (default: <dir>/config/config.toml)
  -assets         Lua assets directory (default: assets)
  -cache          Cache directory (default: cache)
  -extensions     Extensions directory (default: lib)
  -entry          Entry point under assets (default: main.lua)
  -hot-reload     Re-run changed Lua modules
  -wasm           Enable wasm extensions (default: true)
  -capture        Capture the process's stdout and stderr
  -trailing       Unterminated final line: flush or drop
  -log-level      Log level: debug, info, warn, error
  -log-format     Log format: console or json
  -log-file       Append logs to a file
  -v, -vv, ...    Verbosity 1-4
  -monitor ADDR   Serve the websocket traffic monitor

Environment:
  UI_NATIVE_ASSETS, UI_NATIVE_CACHE, UI_NATIVE_EXTENSIONS, UI_NATIVE_ENTRY_POINT,
  UI_NATIVE_HOT_RELOAD, UI_NATIVE_RELOAD_DEBOUNCE, UI_NATIVE_WASM, UI_NATIVE_CAPTURE,
  UI_NATIVE_TRAILING, UI_NATIVE_LOG_LEVEL, UI_NATIVE_LOG_FORMAT, UI_NATIVE_LOG_FILE,
  UI_NATIVE_VERBOSITY, UI_NATIVE_MONITOR

Decode Options:
  -format         json or yaml (default: json)
  -hex            Input is hex text instead of raw bytes

Examples:
  ui-native run -dir myapp -vv
  ui-native run -dir myapp -monitor 127.0.0.1:7070
  ui-native extensions -dir myapp -load
  ui-native decode -format yaml batch.bin`)

	if hooks != nil && hooks.CustomHelp != nil {
		fmt.Println(hooks.CustomHelp())
	}
}

func printVersion(hooks *Hooks) {
	fmt.Println("ui-native v" + Version)
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Println(hooks.CustomVersion())
	}
}
