package mcp

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	// StatusURI is the JSON status resource.
	StatusURI = "memnon://status"

	// chunkURIPrefix addresses one chunk by story position.
	chunkURIPrefix = "memnon://chunk/"
)

func (s *Server) registerResources() {
	s.mcp.AddResource(&mcp.Resource{
		Name:        "status",
		URI:         StatusURI,
		Description: "Corpus span, model states, index sizes and query counters",
		MIMEType:    "application/json",
	}, s.handleStatusResource)

	s.mcp.AddResourceTemplate(&mcp.ResourceTemplate{
		Name:        "chunk",
		URITemplate: chunkURIPrefix + "{position}",
		Description: "Text of the chunk at a story position",
		MIMEType:    "text/plain",
	}, s.handleChunkResource)
}

func (s *Server) handleStatusResource(ctx context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	out, err := s.status(ctx)
	if err != nil {
		return nil, MapError(err)
	}
	content, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, MapError(err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      StatusURI,
			MIMEType: "application/json",
			Text:     string(content),
		}},
	}, nil
}

func (s *Server) handleChunkResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	pos, ok := parseChunkURI(uri)
	if !ok {
		return nil, NewInvalidParamsError("invalid chunk uri: " + uri)
	}
	c, err := s.backend.Chunk(ctx, pos)
	if err != nil {
		return nil, MapError(err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     c.Text,
		}},
	}, nil
}

// parseChunkURI extracts a non-negative position from memnon://chunk/{n}.
func parseChunkURI(uri string) (int64, bool) {
	rest, ok := strings.CutPrefix(uri, chunkURIPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	pos, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || pos < 0 {
		return 0, false
	}
	return pos, true
}
