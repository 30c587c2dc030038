package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	ObjectsURI = "ui-native://objects"
	PathsURI   = "ui-native://paths"
)

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource(ObjectsURI, "Objects",
		mcp.WithResourceDescription("Live bridged objects by handle"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		objects, err := s.session.Objects()
		if err != nil {
			return nil, err
		}
		return jsonContents(req.Params.URI, objects)
	})

	s.mcp.AddResource(mcp.NewResource(PathsURI, "Paths",
		mcp.WithResourceDescription("Assets, cache and extensions directories of the session"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return jsonContents(req.Params.URI, s.session.Paths())
	})
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
	}, nil
}
