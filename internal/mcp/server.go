package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeindex/codeindex/internal/async"
	"github.com/codeindex/codeindex/internal/config"
	"github.com/codeindex/codeindex/internal/embed"
	"github.com/codeindex/codeindex/internal/graph"
	"github.com/codeindex/codeindex/internal/search"
	"github.com/codeindex/codeindex/internal/store"
	"github.com/codeindex/codeindex/internal/telemetry"
	"github.com/codeindex/codeindex/pkg/version"
)

// Server is the MCP server bridging AI clients (Claude Code, Cursor) with
// the Hybrid Retriever. It holds only read-only access to the indices and
// stores the Indexing Coordinator owns (spec §3 ownership).
type Server struct {
	mcp       *mcp.Server
	retriever search.Retriever
	symbols   store.SymbolStore
	files     store.FileRecordStore
	graph     *graph.Graph
	embedder  embed.Embedder // used for capability signaling
	config    *config.Config
	logger    *slog.Logger

	rootPath string

	// Background indexing progress (nil if not indexing)
	indexProgress *async.IndexProgress

	// Query telemetry (optional, set via SetMetrics)
	metrics *telemetry.QueryMetrics

	mu sync.RWMutex
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// ResourceInfo contains information about a resource.
type ResourceInfo struct {
	URI      string
	Name     string
	MIMEType string
}

// ResourceContent contains the content of a resource.
type ResourceContent struct {
	URI      string
	Content  string
	MIMEType string
}

// SearchInput defines the input schema for the search tool.
type SearchInput struct {
	Query string `json:"query" jsonschema:"the search query to execute"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
}

// SearchOutput defines the output schema for the search/search_fast tools.
type SearchOutput struct {
	Results []SearchResultOutput `json:"results" jsonschema:"list of search results"`
}

// SearchResultOutput defines a single search result with context-rich
// metadata. UX-1: enhanced response format explaining WHY results matched.
type SearchResultOutput struct {
	FilePath    string  `json:"file_path" jsonschema:"file path relative to project root"`
	Content     string  `json:"content" jsonschema:"matched content snippet"`
	Score       float64 `json:"score" jsonschema:"relevance score between 0 and 1"`
	Language    string  `json:"language,omitempty" jsonschema:"programming language of the file"`
	MatchReason string  `json:"match_reason,omitempty" jsonschema:"human-readable explanation of why this result matched"`
	Symbol      string  `json:"symbol,omitempty" jsonschema:"matched symbol id"`
	SymbolType  string  `json:"symbol_type,omitempty" jsonschema:"type of symbol: function, class, interface, method, etc."`
	Signature   string  `json:"signature,omitempty" jsonschema:"full function/method signature"`
	InBothLists bool    `json:"in_both_lists,omitempty" jsonschema:"true if both the keyword and semantic signal contributed to this match"`
}

// NewServer creates a new MCP server. embedder is used purely for
// capability signaling - AI clients can query the actual embedder state to
// adjust their search strategies. rootPath is used for project detection
// (go.mod, package.json, etc.) and for resource path validation.
func NewServer(retriever search.Retriever, symbols store.SymbolStore, files store.FileRecordStore, g *graph.Graph, embedder embed.Embedder, cfg *config.Config, rootPath string) (*Server, error) {
	if retriever == nil {
		return nil, errors.New("retriever is required")
	}
	if symbols == nil {
		return nil, errors.New("symbol store is required")
	}
	if cfg == nil {
		cfg = config.NewConfig()
	}

	s := &Server{
		retriever: retriever,
		symbols:   symbols,
		files:     files,
		graph:     g,
		embedder:  embedder, // may be nil - will report as unavailable
		config:    cfg,
		rootPath:  rootPath,
		logger:    slog.Default(),
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "codeindex",
			Version: version.Version,
		},
		nil, // ServerOptions - capabilities are inferred from registered tools/resources
	)

	s.registerTools()

	return s, nil
}

// SetIndexProgress sets the index progress tracker for background indexing.
func (s *Server) SetIndexProgress(progress *async.IndexProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexProgress = progress
}

// SetMetrics sets the query metrics collector for telemetry. When set, a
// query_metrics resource is registered.
func (s *Server) SetMetrics(m *telemetry.QueryMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m

	if m != nil {
		s.registerQueryMetricsResource()
	}
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Info returns the server name and version.
func (s *Server) Info() (name, ver string) {
	return "codeindex", version.Version
}

// Capabilities returns whether tools and resources are enabled.
func (s *Server) Capabilities() (hasTools, hasResources bool) {
	return true, true
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{
			Name:        "search",
			Description: "Primary search tool. Runs the full tier-scoring Hybrid Retriever pipeline over the codebase index. Understands code semantics, not just keywords.",
		},
		{
			Name:        "search_fast",
			Description: "Latency-constrained search. Skips query analysis and re-ranking for a single semantic pass. Use when you need a quick answer and can tolerate lower precision.",
		},
		{
			Name:        "related",
			Description: "Finds symbols structurally related to a given symbol id: callers, callees, and type relationships from the structural index.",
		},
		{
			Name:        "index_status",
			Description: "Check if the codebase index is ready and which embedder is active. Use before searching to verify the index is complete.",
		},
	}
}

// CallTool invokes a tool by name with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch name {
	case "search":
		return s.handleSearchTool(ctx, args, search.ModeFull)
	case "search_fast":
		return s.handleSearchTool(ctx, args, search.ModeFast)
	case "related":
		return s.handleRelatedTool(ctx, args)
	case "index_status":
		return s.handleIndexStatusTool(ctx, args)
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

// handleSearchTool handles the search and search_fast tool invocations.
// Returns markdown-formatted results.
func (s *Server) handleSearchTool(ctx context.Context, args map[string]any, mode search.Mode) (string, error) {
	s.mu.RLock()
	progress := s.indexProgress
	s.mu.RUnlock()

	if progress != nil && progress.IsIndexing() {
		snap := progress.Snapshot()
		return fmt.Sprintf("## Indexing in Progress\n\n"+
			"**Progress:** %.1f%% (%d/%d files)\n"+
			"**Stage:** %s\n\n"+
			"Search results may be incomplete or unavailable. Please try again in a moment.",
			snap.ProgressPct, snap.FilesProcessed, snap.FilesTotal, snap.Stage), nil
	}

	start := time.Now()
	requestID := generateRequestID()

	query, ok := args["query"].(string)
	if !ok || query == "" {
		return "", NewInvalidParamsError("query parameter is required and must be a non-empty string")
	}
	if strings.TrimSpace(query) == "" {
		return "", NewInvalidParamsError("query cannot be empty or whitespace only")
	}

	limit := clampLimit(0, 10, 1, 50)
	if l, ok := args["limit"].(float64); ok {
		limit = clampLimit(int(l), 10, 1, 50)
	}

	s.logger.Info("search started",
		slog.String("request_id", requestID),
		slog.String("query", query),
		slog.String("mode", string(mode)),
		slog.Int("limit", limit))

	opts := search.SearchOptions{TopK: limit, Mode: mode}

	results, err := s.retriever.Search(ctx, query, opts)
	duration := time.Since(start)

	if err != nil {
		s.logger.Error("search failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
		return "", MapError(err)
	}

	s.logger.Info("search completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", duration),
		slog.Int("result_count", len(results)))

	return s.FormatSearchResults(ctx, query, results), nil
}

// handleRelatedTool handles the related tool invocation: given a symbol
// id, walks the structural index for its neighbors and hydrates each with
// its SymbolRecord.
func (s *Server) handleRelatedTool(ctx context.Context, args map[string]any) (*RelatedOutput, error) {
	id, ok := args["id"].(string)
	if !ok || id == "" {
		return nil, NewInvalidParamsError("id parameter is required and must be a non-empty string")
	}
	if s.graph == nil {
		return &RelatedOutput{}, nil
	}

	depth := 1
	if d, ok := args["depth"].(float64); ok && d > 0 {
		depth = int(d)
	}

	ids := s.graph.Neighbors(id, nil, depth)
	out := &RelatedOutput{Symbols: make([]RelatedSymbol, 0, len(ids))}
	for _, nid := range ids {
		rec, found, err := s.symbols.Get(ctx, nid)
		if err != nil || !found {
			continue
		}
		out.Symbols = append(out.Symbols, RelatedSymbol{
			ID:        rec.ID,
			Kind:      string(rec.Kind),
			FilePath:  rec.FilePath,
			Signature: rec.Signature,
		})
	}
	return out, nil
}

// handleIndexStatusTool handles the index_status tool invocation. AI
// clients can use this to adjust their search strategies based on whether
// a real embedder (high quality semantic) or the static fallback
// (low quality) is active.
func (s *Server) handleIndexStatusTool(ctx context.Context, _ map[string]any) (*IndexStatusOutput, error) {
	start := time.Now()
	requestID := generateRequestID()

	s.logger.Info("index_status started", slog.String("request_id", requestID))

	var actualProvider, actualModel, semanticQuality, status string
	var dimensions int
	var isFallbackActive bool

	if s.embedder != nil {
		actualModel = s.embedder.ModelName()
		dimensions = s.embedder.Dimensions()

		isFallbackActive = actualModel == "static" || dimensions == embed.StaticDimensions
		if isFallbackActive {
			actualProvider = "static"
			semanticQuality = "low"
		} else {
			actualProvider = s.config.Embeddings.Provider
			semanticQuality = "high"
		}

		if s.embedder.Available(ctx) {
			status = "ready"
		} else {
			status = "unavailable"
		}
	} else {
		actualProvider = "none"
		actualModel = "none"
		isFallbackActive = true
		semanticQuality = "none"
		status = "unavailable"
	}

	detector := NewProjectDetector(s.rootPath, s.logger)
	projectInfo := detector.Detect()

	output := &IndexStatusOutput{
		Project: *projectInfo,
		Stats: IndexStats{
			LastIndexed: time.Now().Format(time.RFC3339),
		},
		Embeddings: EmbeddingInfo{
			Provider:         s.config.Embeddings.Provider,
			Model:            s.config.Embeddings.Model,
			Status:           status,
			ActualProvider:   actualProvider,
			ActualModel:      actualModel,
			Dimensions:       dimensions,
			IsFallbackActive: isFallbackActive,
			SemanticQuality:  semanticQuality,
		},
	}

	if s.files != nil {
		if recs, err := s.files.All(ctx); err == nil {
			output.Stats.FileCount = len(recs)
		}
	}
	if s.symbols != nil {
		if recs, err := s.symbols.All(ctx); err == nil {
			output.Stats.SymbolCount = len(recs)
		}
	}

	s.mu.RLock()
	progress := s.indexProgress
	s.mu.RUnlock()

	if progress != nil {
		snap := progress.Snapshot()
		output.Indexing = &IndexingProgress{
			Status:         snap.Status,
			Stage:          snap.Stage,
			FilesTotal:     snap.FilesTotal,
			FilesProcessed: snap.FilesProcessed,
			ChunksIndexed:  snap.ChunksIndexed,
			ProgressPct:    snap.ProgressPct,
			ElapsedSeconds: snap.ElapsedSeconds,
			ErrorMessage:   snap.ErrorMessage,
		}
	}

	duration := time.Since(start)
	s.logger.Info("index_status completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", duration),
		slog.String("project_name", projectInfo.Name),
		slog.String("project_type", projectInfo.Type))

	return output, nil
}

// registerTools registers all tools with the MCP server.
func (s *Server) registerTools() {
	s.logger.Debug("registering MCP tools")

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search",
		Description: "Primary search tool. Runs the full tier-scoring Hybrid Retriever pipeline over the codebase index. Understands code semantics, not just keywords.",
	}, s.mcpSearchHandler)
	s.logger.Debug("registered tool", slog.String("name", "search"))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_fast",
		Description: "Latency-constrained search. Skips query analysis and re-ranking for a single semantic pass.",
	}, s.mcpSearchFastHandler)
	s.logger.Debug("registered tool", slog.String("name", "search_fast"))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "related",
		Description: "Finds symbols structurally related to a given symbol id: callers, callees, and type relationships.",
	}, s.mcpRelatedHandler)
	s.logger.Debug("registered tool", slog.String("name", "related"))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "index_status",
		Description: "Check if the codebase index is ready and which embedder is active.",
	}, s.mcpIndexStatusHandler)
	s.logger.Debug("registered tool", slog.String("name", "index_status"))

	s.logger.Info("MCP tools registered", slog.Int("count", 4))
}

// mcpSearchHandler is the MCP SDK handler for the search tool (full mode).
func (s *Server) mcpSearchHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	return s.runSearch(ctx, input, search.ModeFull)
}

// mcpSearchFastHandler is the MCP SDK handler for the search_fast tool.
func (s *Server) mcpSearchFastHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	return s.runSearch(ctx, input, search.ModeFast)
}

func (s *Server) runSearch(ctx context.Context, input SearchInput, mode search.Mode) (*mcp.CallToolResult, SearchOutput, error) {
	if input.Query == "" {
		return nil, SearchOutput{}, NewInvalidParamsError("query parameter is required")
	}

	opts := search.SearchOptions{TopK: 10, Mode: mode}
	if input.Limit > 0 {
		opts.TopK = input.Limit
	}

	results, err := s.retriever.Search(ctx, input.Query, opts)
	if err != nil {
		return nil, SearchOutput{}, MapError(err)
	}

	output := SearchOutput{Results: make([]SearchResultOutput, 0, len(results))}
	for _, r := range results {
		if r != nil {
			output.Results = append(output.Results, s.ToSearchResultOutput(ctx, r))
		}
	}

	return nil, output, nil
}

// RelatedInput defines the input schema for the related tool.
type RelatedInput struct {
	ID    string `json:"id" jsonschema:"the symbol id to find related symbols for"`
	Depth int    `json:"depth,omitempty" jsonschema:"how many structural-index hops to follow, default 1"`
}

// RelatedOutput defines the output schema for the related tool.
type RelatedOutput struct {
	Symbols []RelatedSymbol `json:"symbols" jsonschema:"symbols structurally related to the requested id"`
}

// RelatedSymbol describes one symbol related to the query id.
type RelatedSymbol struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	FilePath  string `json:"file_path"`
	Signature string `json:"signature,omitempty"`
}

// mcpRelatedHandler is the MCP SDK handler for the related tool.
func (s *Server) mcpRelatedHandler(ctx context.Context, _ *mcp.CallToolRequest, input RelatedInput) (
	*mcp.CallToolResult,
	RelatedOutput,
	error,
) {
	args := map[string]any{"id": input.ID}
	if input.Depth > 0 {
		args["depth"] = float64(input.Depth)
	}
	out, err := s.handleRelatedTool(ctx, args)
	if err != nil {
		return nil, RelatedOutput{}, MapError(err)
	}
	return nil, *out, nil
}

// mcpIndexStatusHandler is the MCP SDK handler for the index_status tool.
func (s *Server) mcpIndexStatusHandler(ctx context.Context, _ *mcp.CallToolRequest, _ IndexStatusInput) (
	*mcp.CallToolResult,
	*IndexStatusOutput,
	error,
) {
	output, err := s.handleIndexStatusTool(ctx, nil)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, output, nil
}

// ListResources returns all available resources: one per indexed file.
func (s *Server) ListResources(ctx context.Context, cursor string) ([]ResourceInfo, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.files == nil {
		return nil, "", nil
	}

	recs, err := s.files.All(ctx)
	if err != nil {
		return nil, "", err
	}

	resources := make([]ResourceInfo, 0, len(recs))
	for _, f := range recs {
		resources = append(resources, ResourceInfo{
			URI:      fmt.Sprintf("file://%s", f.FilePath),
			Name:     f.FilePath,
			MIMEType: MimeTypeForPath(f.FilePath),
		})
	}

	return resources, "", nil // no pagination
}

// ReadResource reads a resource by URI. Supports symbol:// (SymbolRecord's
// combined_text) and file:// (raw file content, via RegisterResources'
// handlers) schemes.
func (s *Server) ReadResource(ctx context.Context, uri string) (*ResourceContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !strings.HasPrefix(uri, "symbol://") {
		return nil, NewResourceNotFoundError(uri)
	}
	id := strings.TrimPrefix(uri, "symbol://")

	rec, found, err := s.symbols.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, NewResourceNotFoundError(uri)
	}

	return &ResourceContent{
		URI:      uri,
		Content:  rec.CombinedText,
		MIMEType: MimeTypeForPath(rec.FilePath),
	}, nil
}

// Serve starts the server with the specified transport.
func (s *Server) Serve(ctx context.Context, transport, addr string) error {
	s.logger.Info("starting MCP server",
		slog.String("transport", transport),
		slog.String("addr", addr))

	switch transport {
	case "stdio":
		s.logger.Debug("using stdio transport for JSON-RPC")
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && err != context.Canceled {
			s.logger.Error("MCP server stopped with error", slog.String("error", err.Error()))
		} else {
			s.logger.Info("MCP server stopped gracefully")
		}
		return err
	case "sse":
		return fmt.Errorf("SSE transport not yet implemented")
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

// Close releases server resources.
func (s *Server) Close() error {
	// The MCP server doesn't have a Close method - it stops when context is canceled.
	return nil
}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
