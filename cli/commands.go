package cli

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/zot/ui-native/internal/capture"
	"github.com/zot/ui-native/internal/config"
	"github.com/zot/ui-native/internal/extension"
	"github.com/zot/ui-native/internal/lifecycle"
	"github.com/zot/ui-native/internal/logging"
	"github.com/zot/ui-native/internal/mcp"
	"github.com/zot/ui-native/internal/monitor"
	"github.com/zot/ui-native/internal/protocol"
)

// setupLogging installs the process logger described by cfg.
func setupLogging(cfg *config.Config) error {
	l, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}, cfg.Verbosity())
	if err != nil {
		return err
	}
	logging.SetLogger(l)
	logging.SetVerbosity(cfg.Verbosity())
	return nil
}

// NewManager builds a lifecycle manager from cfg.
func NewManager(cfg *config.Config, hooks *Hooks) *lifecycle.Manager {
	if hooks == nil {
		hooks = &Hooks{}
	}
	return lifecycle.NewManager(lifecycle.Options{
		EntryPoint:    cfg.Runtime.EntryPoint,
		Toolkit:       hooks.Toolkit,
		HostContext:   hooks.HostContext,
		CaptureOutput: cfg.Capture.Enabled,
		Trailing:      capture.TrailingPolicy(cfg.Capture.Trailing),
		BufferSize:    cfg.Capture.BufferSize,
		Conventions:   cfg.Conventions(),
		Wasm:          cfg.Extensions.Wasm,
		WasmConfig: extension.WasmConfig{
			MemoryLimitPages: cfg.Extensions.MemoryLimitPages,
			WASI:             cfg.Extensions.WASI,
		},
		HotReload: cfg.Runtime.HotReload,
		Debounce:  cfg.Runtime.ReloadDebounce.Duration(),
	})
}

func paths(cfg *config.Config) lifecycle.Paths {
	return lifecycle.Paths{
		Assets:     cfg.Runtime.Assets,
		Cache:      cfg.Runtime.Cache,
		Extensions: cfg.Runtime.Extensions,
	}
}

func loadConfig(args []string) (*config.Config, bool) {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, false
	}
	if err := setupLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return nil, false
	}
	return cfg, true
}

// runRun starts a session and keeps it alive until SIGINT or SIGTERM.
func runRun(args []string, hooks *Hooks) int {
	cfg, ok := loadConfig(args)
	if !ok {
		return 1
	}
	log := logging.Logger()
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := NewManager(cfg, hooks)
	if err := mgr.Open(ctx, paths(cfg)); err != nil {
		log.Error("Failed to start runtime", zap.Error(err))
		return lifecycle.Code(err)
	}
	defer mgr.Close()
	log.Info("Runtime started",
		zap.String("assets", cfg.Runtime.Assets),
		zap.String("entry", cfg.Runtime.EntryPoint))

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Monitor.Enabled {
		mon := monitor.New(mgr)
		defer mon.Close()
		g.Go(func() error { return mon.Serve(ctx, cfg.Monitor.Addr) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error("Monitor failed", zap.Error(err))
		return 1
	}
	log.Info("Shutting down")
	return 0
}

// runMCP starts a session and serves MCP on stdin and stdout. Output
// capture is forced off because stdout carries the protocol.
func runMCP(args []string, hooks *Hooks) int {
	cfg, ok := loadConfig(args)
	if !ok {
		return 1
	}
	cfg.Capture.Enabled = false
	log := logging.Logger()
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := NewManager(cfg, hooks)
	if err := mgr.Open(ctx, paths(cfg)); err != nil {
		log.Error("Failed to start runtime", zap.Error(err))
		return lifecycle.Code(err)
	}
	defer mgr.Close()

	srv := mcp.NewServer(mgr, Version)
	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("MCP server failed", zap.Error(err))
		return 1
	}
	return 0
}

// runExtensions lists the extensions directory. With -load each entry is
// also linked, reporting its exported functions or the link error.
func runExtensions(args []string) int {
	load := false
	rest := args[:0:0]
	for _, a := range args {
		if a == "-load" || a == "--load" {
			load = true
			continue
		}
		rest = append(rest, a)
	}
	cfg, ok := loadConfig(rest)
	if !ok {
		return 1
	}
	ctx := context.Background()

	linkers := []extension.Linker{extension.NewNativeLinker()}
	if cfg.Extensions.Wasm {
		wl, err := extension.NewWasmLinker(ctx, extension.WasmConfig{
			MemoryLimitPages: cfg.Extensions.MemoryLimitPages,
			WASI:             cfg.Extensions.WASI,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create wasm linker: %v\n", err)
			return 1
		}
		linkers = append(linkers, wl)
	}
	r, err := extension.Scan(cfg.Runtime.Extensions, cfg.Conventions(), linkers...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer r.Close(ctx)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tPATH\tSTATUS")
	failed := false
	for _, e := range r.Entries() {
		status := "-"
		if load {
			m, err := r.Load(ctx, e.Name)
			if err != nil {
				status = err.Error()
				failed = true
			} else {
				names := make([]string, 0, len(m.Functions()))
				for _, f := range m.Functions() {
					names = append(names, f.Name)
				}
				status = strings.Join(names, ",")
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Name, e.Kind, e.Path, status)
	}
	w.Flush()
	if failed {
		return 1
	}
	return 0
}

// runDecode prints a wire batch read from a file or stdin.
func runDecode(args []string, stdin io.Reader, stdout io.Writer) int {
	fs := flag.NewFlagSet("decode", flag.ContinueOnError)
	format := fs.String("format", "json", "Output format: json or yaml")
	isHex := fs.Bool("hex", false, "Input is hex text")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var in io.Reader = stdin
	if fs.NArg() > 0 {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}
	data, err := io.ReadAll(in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if *isHex {
		data, err = hex.DecodeString(strings.Join(strings.Fields(string(data)), ""))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Bad hex input: %v\n", err)
			return 1
		}
	}

	cmds, err := protocol.DecodeBatch(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	msgs := protocol.NewMessages(cmds)

	switch *format {
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(msgs)
	case "yaml":
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		err = enc.Encode(msgs)
		if err == nil {
			err = enc.Close()
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown format: %s\n", *format)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}
