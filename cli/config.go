// This file re-exports config types from internal/config for hosts that
// embed the CLI.

package cli

import (
	"github.com/zot/ui-native/internal/config"
)

type (
	Config           = config.Config
	RuntimeConfig    = config.RuntimeConfig
	ExtensionsConfig = config.ExtensionsConfig
	CaptureConfig    = config.CaptureConfig
	LoggingConfig    = config.LoggingConfig
	MonitorConfig    = config.MonitorConfig
	Duration         = config.Duration
)

var (
	DefaultConfig = config.DefaultConfig
	LoadConfig    = config.Load
)
