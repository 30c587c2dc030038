package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zot/ui-native/internal/extension"
	"github.com/zot/ui-native/internal/lifecycle"
	"github.com/zot/ui-native/internal/protocol"
)

// ExtensionInfo describes one discovered extension.
type ExtensionInfo struct {
	extension.Entry
	Loaded bool `json:"loaded"`
}

// StateInfo is the runtime_state result.
type StateInfo struct {
	State      string          `json:"state"`
	Session    string          `json:"session,omitempty"`
	Paths      lifecycle.Paths `json:"paths"`
	Objects    int             `json:"objects"`
	Pending    int             `json:"pending"`
	Extensions int             `json:"extensions"`

	// Runtime side: whether bridge.application ran, and the handles of
	// the live proxies and futures.
	Application bool              `json:"application"`
	Handles     []protocol.Handle `json:"handles,omitempty"`
}

// SendResult is the send_events result.
type SendResult struct {
	Code  int    `json:"code"`
	Error string `json:"error,omitempty"`
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("runtime_state",
		mcp.WithDescription("Report the session state, its paths, the live host objects and the runtime's handles"),
	), s.runtimeState)

	s.mcp.AddTool(mcp.NewTool("list_objects",
		mcp.WithDescription("List the bridged native objects by handle and type"),
	), s.listObjects)

	s.mcp.AddTool(mcp.NewTool("list_extensions",
		mcp.WithDescription("List the native and wasm extensions found in the extensions directory"),
	), s.listExtensions)

	s.mcp.AddTool(mcp.NewTool("run_lua",
		mcp.WithDescription("Run a Lua chunk in the session and return its first result as JSON"),
		mcp.WithString("code", mcp.Required(), mcp.Description("Lua source, e.g. return bridge.app() ~= nil")),
	), s.runLua)

	s.mcp.AddTool(mcp.NewTool("send_events",
		mcp.WithDescription("Deliver a batch of events to the application, as the host would"),
		mcp.WithString("events", mcp.Required(),
			mcp.Description(`JSON array of {"handle": n, "name": "...", "args": [...], "result": n}; use {"$ref": n} for object arguments`)),
	), s.sendEvents)
}

func (s *Server) runtimeState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info := StateInfo{State: s.session.State().String(), Paths: s.session.Paths()}
	if b := s.session.Bridge(); b != nil {
		info.Session = b.ID()
		info.Objects = b.Store().Len()
		info.Pending = b.Pending()
	}
	if r := s.session.Extensions(); r != nil {
		info.Extensions = len(r.Names())
	}
	if rt := s.session.Runtime(); rt != nil {
		info.Application = rt.HasApplication(ctx)
		info.Handles = rt.Handles(ctx)
	}
	return jsonResult(info)
}

func (s *Server) listObjects(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	objects, err := s.session.Objects()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(objects)
}

func (s *Server) listExtensions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r := s.session.Extensions()
	if r == nil {
		return mcp.NewToolResultError(lifecycle.ErrNotRunning.Error()), nil
	}
	loaded := make(map[string]bool)
	for _, m := range r.Loaded() {
		loaded[m.Name] = true
	}
	entries := r.Entries()
	out := make([]ExtensionInfo, len(entries))
	for i, e := range entries {
		out[i] = ExtensionInfo{Entry: e, Loaded: loaded[e.Name]}
	}
	return jsonResult(out)
}

func (s *Server) runLua(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.session.RunString(ctx, code)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := json.Marshal(result); err != nil {
		return mcp.NewToolResultText(fmt.Sprint(result)), nil
	}
	return jsonResult(result)
}

func (s *Server) sendEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	events, err := req.RequireString("events")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload, err := EncodeEvents([]byte(events))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res := SendResult{}
	if err := s.session.Dispatch(ctx, payload); err != nil {
		res.Code = lifecycle.Code(err)
		res.Error = err.Error()
	}
	return jsonResult(res)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
