// Package mcp exposes a running session to MCP clients over stdio so an
// agent can inspect bridged objects, run Lua and inject events.
package mcp

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/server"

	"github.com/zot/ui-native/internal/bridge"
	"github.com/zot/ui-native/internal/extension"
	"github.com/zot/ui-native/internal/lifecycle"
	"github.com/zot/ui-native/internal/logging"
	"github.com/zot/ui-native/internal/lua"
	"github.com/zot/ui-native/internal/registry"
)

// Session is the part of the lifecycle manager the tools use.
type Session interface {
	State() lifecycle.State
	Paths() lifecycle.Paths
	Bridge() *bridge.Bridge
	Runtime() *lua.Runtime
	Extensions() *extension.Resolver
	Objects() ([]registry.ObjectInfo, error)
	RunString(ctx context.Context, code string) (any, error)
	Dispatch(ctx context.Context, payload []byte) error
}

// Server wraps an MCP server bound to one session.
type Server struct {
	session Session
	mcp     *server.MCPServer
}

// NewServer creates a server with the standard tools and resources
// registered.
func NewServer(session Session, version string) *Server {
	s := &Server{
		session: session,
		mcp: server.NewMCPServer("ui-native", version,
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Serve reads requests from in and writes responses to out until ctx
// ends or in is exhausted.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	logging.Log(1, "MCP server listening on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}
