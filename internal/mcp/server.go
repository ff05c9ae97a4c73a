package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/memnon/internal/app"
	"github.com/Aman-CERP/memnon/internal/search"
	"github.com/Aman-CERP/memnon/internal/store"
	"github.com/Aman-CERP/memnon/pkg/version"
)

// ServerName is reported to MCP clients.
const ServerName = "MEMNON"

// Backend is the retrieval core served over MCP.
type Backend interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
	Status(ctx context.Context) (*app.Status, error)
	Chunk(ctx context.Context, position int64) (store.Chunk, error)
}

var _ Backend = (*app.App)(nil)

// Server bridges agents with the retrieval engine.
type Server struct {
	mcp     *mcp.Server
	backend Backend
	logger  *slog.Logger
}

// ToolInfo describes a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{
		Name: "search_memory",
		Description: "Recall story chunks relevant to a query as of a narrative anchor. " +
			"Never returns text from after the anchor. Combines semantic, keyword and entity signals " +
			"and reports how the ranking was produced.",
	},
	{
		Name:        "memory_status",
		Description: "Report the committed corpus span, model availability and index sizes.",
	},
}

// NewServer creates an MCP server over backend.
func NewServer(backend Backend) (*Server, error) {
	if backend == nil {
		return nil, errors.New("retrieval backend is required")
	}

	s := &Server{
		backend: backend,
		logger:  slog.Default(),
	}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    ServerName,
			Version: version.Version,
		},
		nil,
	)

	s.registerTools()
	s.registerResources()
	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// ListTools returns the registered tools.
func (s *Server) ListTools() []ToolInfo {
	return append([]ToolInfo(nil), tools...)
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        tools[0].Name,
		Description: tools[0].Description,
	}, s.mcpSearchHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        tools[1].Name,
		Description: tools[1].Description,
	}, s.mcpStatusHandler)

	s.logger.Debug("mcp_tools_registered", slog.Int("count", len(tools)))
}

// mcpSearchHandler is the MCP SDK handler for the search_memory tool.
func (s *Server) mcpSearchHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	start := time.Now()
	requestID := generateRequestID()

	if strings.TrimSpace(input.Query) == "" {
		return nil, SearchOutput{}, NewInvalidParamsError("query parameter is required and must be non-empty")
	}

	req := search.Request{
		Query:     input.Query,
		Anchor:    input.Anchor,
		QueryType: input.QueryType,
		Filters: search.Filters{
			Entity:      input.Entity,
			MinPosition: input.MinPosition,
			Themes:      input.Themes,
		},
		K: clampLimit(input.K, 0, 1, search.MaxResults),
	}

	s.logger.Info("search_memory_started",
		slog.String("request_id", requestID),
		slog.Int64("anchor", req.Anchor),
		slog.Int("k", req.K))

	resp, err := s.backend.Search(ctx, req)
	duration := time.Since(start)
	if err != nil {
		s.logger.Error("search_memory_failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
		return nil, SearchOutput{}, MapError(err)
	}

	out := SearchOutput{
		Results:  make([]ResultOutput, 0, len(resp.Results)),
		Metadata: resp.Metadata,
	}
	for _, r := range resp.Results {
		out.Results = append(out.Results, ToResultOutput(r))
	}

	s.logger.Info("search_memory_completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", duration),
		slog.Int("result_count", len(out.Results)))

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: FormatSearchResults(input.Query, resp)}},
	}, out, nil
}

// mcpStatusHandler is the MCP SDK handler for the memory_status tool.
func (s *Server) mcpStatusHandler(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (
	*mcp.CallToolResult,
	StatusOutput,
	error,
) {
	out, err := s.status(ctx)
	if err != nil {
		return nil, StatusOutput{}, MapError(err)
	}
	return nil, out, nil
}

func (s *Server) status(ctx context.Context) (StatusOutput, error) {
	st, err := s.backend.Status(ctx)
	if err != nil {
		return StatusOutput{}, err
	}
	out := StatusOutput{
		Version:    st.Version,
		Corpus:     CorpusInfo{Chunks: st.Corpus.Count},
		Models:     st.Models,
		Partitions: st.Partitions,
		Lexical:    LexicalInfo{Backend: st.Lexical.Backend, Count: st.Lexical.Count},
		CrossRefs:  st.CrossRefs,
		Entities:   st.Entities,
		Queries: QueryInfo{
			Total:       st.Queries.TotalQueries,
			Failed:      st.Queries.FailedQueries,
			ZeroResults: st.Queries.ZeroResultCount,
			Categories:  st.Queries.CategoryCounts,
			Fallbacks:   st.Queries.Fallbacks,
		},
	}
	if st.Corpus.Count > 0 {
		out.Corpus.FirstPosition = st.Corpus.Min
		out.Corpus.LastPosition = st.Corpus.Max
	}
	return out, nil
}

// Handler serves the MCP streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
}

// Serve runs the server on stdio until ctx is canceled. The HTTP transport
// is mounted by the api package through Handler.
func (s *Server) Serve(ctx context.Context, transport string) error {
	s.logger.Info("mcp_server_starting", slog.String("transport", transport))

	switch transport {
	case "stdio":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("mcp_server_stopped", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("mcp_server_stopped")
		return nil
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

// generateRequestID creates a short request id for log correlation.
func generateRequestID() string {
	return uuid.NewString()[:8]
}
