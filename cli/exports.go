// This file re-exports the runtime API so a host application outside this
// module can supply a toolkit and drive sessions directly.

package cli

import (
	"github.com/zot/ui-native/internal/bridge"
	"github.com/zot/ui-native/internal/lifecycle"
	"github.com/zot/ui-native/internal/protocol"
	"github.com/zot/ui-native/internal/registry"
)

type (
	Manager        = lifecycle.Manager
	ManagerOptions = lifecycle.Options
	Paths          = lifecycle.Paths
	State          = lifecycle.State
	InitError      = lifecycle.InitError

	Toolkit       = registry.Toolkit
	ToolkitFunc   = registry.ToolkitFunc
	StaticInvoker = registry.StaticInvoker
	Releaser      = registry.Releaser
	ObjectInfo    = registry.ObjectInfo

	Bridge  = bridge.Bridge
	Traffic = bridge.Traffic

	Handle = protocol.Handle
	Value  = protocol.Value
)

const (
	CodeOK             = lifecycle.CodeOK
	CodeNotRunning     = lifecycle.CodeNotRunning
	CodeNoInstance     = lifecycle.CodeNoInstance
	CodeEncoding       = lifecycle.CodeEncoding
	CodeDispatch       = lifecycle.CodeDispatch
	CodeInit           = lifecycle.CodeInit
	CodeAlreadyStarted = lifecycle.CodeAlreadyStarted
	CodeUnknown        = lifecycle.CodeUnknown
)

var (
	NewLifecycle = lifecycle.NewManager
	StatusCode   = lifecycle.Code
)
