// Package logging configures the process logger and the line sink that
// receives runtime output.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger    *zap.Logger
	loggerMu  sync.RWMutex
	verbosity atomic.Int32
)

// Logger returns the package logger. It is a no-op logger until SetLogger
// is called.
func Logger() *zap.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// SetLogger replaces the package logger.
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// SetVerbosity sets the level used by Log.
// 0=none, 1=lifecycle, 2=batches, 3=objects, 4=values
func SetVerbosity(level int) {
	verbosity.Store(int32(level))
}

// Verbosity returns the current verbosity level.
func Verbosity() int {
	return int(verbosity.Load())
}

// Log writes a debug line when the verbosity level is at least level.
func Log(level int, format string, args ...any) {
	if Verbosity() < level {
		return
	}
	Logger().Debug(fmt.Sprintf(format, args...), zap.Int("v", level))
}

// Options configures New.
type Options struct {
	Level  string
	Format string // console or json
	File   string // optional path, appended to; console output when empty
}

// New builds a zap logger. Verbosity above zero forces debug level so Log
// output is visible. Console output goes through the switchable writer set
// by SetOutput.
func New(opts Options, verbosityLevel int) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(defaultString(opts.Level, "info"))
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	if verbosityLevel > 0 {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	var enc zapcore.Encoder
	if opts.Format == "json" {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var ws zapcore.WriteSyncer = zapcore.AddSync(console)
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("logging: ensure log dir: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		ws = zapcore.AddSync(f)
	}
	return zap.New(zapcore.NewCore(enc, ws, level)), nil
}

// switchWriter lets console output move while loggers keep their core.
type switchWriter struct {
	w  io.Writer
	mu sync.RWMutex
}

var console = &switchWriter{w: os.Stderr}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w.Write(p)
}

// SetOutput redirects console log output. Used while the process's own
// stderr is captured, so log lines do not feed back into the capture.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	console.mu.Lock()
	console.w = w
	console.mu.Unlock()
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
