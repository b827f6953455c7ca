package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/semaphore"

	"github.com/astmcp/astmcp/internal/config"
	"github.com/astmcp/astmcp/internal/embed"
	qerrors "github.com/astmcp/astmcp/internal/errors"
	"github.com/astmcp/astmcp/internal/query"
	"github.com/astmcp/astmcp/internal/telemetry"
	"github.com/astmcp/astmcp/pkg/version"
)

// Server is the MCP front-end. It validates requests, applies the
// concurrency bound and per-request deadline, and dispatches tool calls
// to the query processor.
type Server struct {
	mcp       *mcp.Server
	processor *query.Processor
	source    query.SnapshotSource
	embedder  embed.Embedder // may be nil: reported as unavailable
	metrics   *telemetry.Metrics
	cfg       config.ServerConfig
	deadline  time.Duration
	inflight  *semaphore.Weighted
	logger    *slog.Logger
}

// NewServer creates the MCP server and registers its tools.
func NewServer(
	processor *query.Processor,
	source query.SnapshotSource,
	embedder embed.Embedder,
	metrics *telemetry.Metrics,
	cfg config.ServerConfig,
	deadline time.Duration,
	logger *slog.Logger,
) (*Server, error) {
	if processor == nil {
		return nil, errors.New("query processor is required")
	}
	if source == nil {
		return nil, errors.New("snapshot source is required")
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 16
	}
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		processor: processor,
		source:    source,
		embedder:  embedder,
		metrics:   metrics,
		cfg:       cfg,
		deadline:  deadline,
		inflight:  semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		logger:    logger,
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "astmcp",
			Version: version.Version,
		},
		nil,
	)

	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// registerTools registers the query-bearing tools with the SDK.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "semantic_search",
		Description: "Search annotated AST nodes by meaning. Returns ranked annotations with scores, match reasons and ranking metadata. Falls back to lexical matching when the vector path is unavailable.",
	}, s.handleSemanticSearch)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "query_ast_context",
		Description: "Context-aware code lookup: a natural-language intent plus editor state (current file, selection, recent files). Results near the editor context rank higher.",
	}, s.handleQueryASTContext)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "file_lookup",
		Description: "List every annotation in a file, in source order.",
	}, s.handleFileLookup)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "index_stats",
		Description: "Report index size, readiness, embedder state and query telemetry. Check this before searching a fresh workspace.",
	}, s.handleIndexStats)

	s.logger.Info("MCP tools registered", slog.Int("count", 4))
}

// acquireSlot applies the backpressure policy. Beyond the in-flight
// bound, requests queue with a bounded wait or are rejected outright.
func (s *Server) acquireSlot(ctx context.Context) (func(), error) {
	if s.cfg.Overflow == "reject" {
		if !s.inflight.TryAcquire(1) {
			return nil, qerrors.New(qerrors.ErrCodeOverloaded,
				fmt.Sprintf("too many concurrent requests (limit %d)", s.cfg.MaxInFlight), nil)
		}
		return func() { s.inflight.Release(1) }, nil
	}

	wait := s.cfg.QueueWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if err := s.inflight.Acquire(waitCtx, 1); err != nil {
		return nil, qerrors.New(qerrors.ErrCodeOverloaded,
			fmt.Sprintf("queued past %s waiting for a request slot (limit %d)", wait, s.cfg.MaxInFlight),
			err)
	}
	return func() { s.inflight.Release(1) }, nil
}

// runQuery wraps a processor call with slot acquisition and the
// per-request deadline.
func (s *Server) runQuery(ctx context.Context, req *query.Request) (*query.Response, error) {
	release, err := s.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	qctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	return s.processor.Process(qctx, req)
}

// handleSemanticSearch serves the semantic_search tool.
func (s *Server) handleSemanticSearch(ctx context.Context, _ *mcp.CallToolRequest, input SemanticSearchInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	if input.Query == "" {
		return nil, SearchOutput{}, NewInvalidParamsError("query parameter is required")
	}

	start := time.Now()
	requestID := generateRequestID()
	s.logger.Info("semantic_search started",
		slog.String("request_id", requestID),
		slog.String("query", input.Query))

	req := &query.Request{
		Kind:       query.KindSemantic,
		Text:       input.Query,
		MaxResults: input.MaxResults,
		MinScore:   input.MinScore,
		Filters: query.Filters{
			FileGlobs: input.FileFilter,
			Languages: input.LanguageFilter,
			NodeType:  input.NodeType,
		},
		Context: query.Context{
			CurrentFile:  input.CurrentFile,
			SelectedText: input.SelectedText,
			RecentFiles:  input.RecentFiles,
		},
		Options: query.Options{
			SearchEF:           input.SearchEF,
			UseContextBoosting: input.UseContextBoosting,
			IncludeSimilar:     input.IncludeSimilar,
		},
	}

	resp, err := s.runQuery(ctx, req)
	if err != nil {
		s.logger.Error("semantic_search failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return nil, SearchOutput{}, MapError(err)
	}

	s.logger.Info("semantic_search completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", time.Since(start)),
		slog.String("strategy", resp.SearchStrategy),
		slog.Int("result_count", len(resp.Results)))

	return nil, toSearchOutput(resp), nil
}

// handleQueryASTContext serves the query_ast_context tool.
func (s *Server) handleQueryASTContext(ctx context.Context, _ *mcp.CallToolRequest, input QueryASTContextInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	if input.Intent == "" {
		return nil, SearchOutput{}, NewInvalidParamsError("intent parameter is required")
	}

	req := &query.Request{
		Kind:       query.KindContextual,
		Text:       input.Intent,
		MaxResults: input.MaxResults,
		MinScore:   input.MinScore,
		Filters: query.Filters{
			FileGlobs: input.FileFilter,
			Languages: input.LanguageFilter,
			NodeType:  input.NodeType,
		},
		Context: query.Context{
			CurrentFile:  input.CurrentFile,
			SelectedText: input.SelectedText,
			RecentFiles:  input.RecentFiles,
		},
	}

	resp, err := s.runQuery(ctx, req)
	if err != nil {
		return nil, SearchOutput{}, MapError(err)
	}
	return nil, toSearchOutput(resp), nil
}

// handleFileLookup serves the file_lookup tool.
func (s *Server) handleFileLookup(ctx context.Context, _ *mcp.CallToolRequest, input FileLookupInput) (
	*mcp.CallToolResult,
	FileLookupOutput,
	error,
) {
	if input.FilePath == "" {
		return nil, FileLookupOutput{}, NewInvalidParamsError("file_path parameter is required")
	}

	req := &query.Request{
		Kind:       query.KindFile,
		Text:       input.FilePath,
		MaxResults: query.MaxResultsCap,
	}

	resp, err := s.runQuery(ctx, req)
	if err != nil {
		return nil, FileLookupOutput{}, MapError(err)
	}

	out := FileLookupOutput{Annotations: make([]AnnotationOutput, 0, len(resp.Results))}
	for _, m := range resp.Results {
		out.Annotations = append(out.Annotations, toAnnotationOutput(m.Annotation))
	}
	return nil, out, nil
}

// handleIndexStats serves the index_stats tool.
func (s *Server) handleIndexStats(ctx context.Context, _ *mcp.CallToolRequest, _ IndexStatsInput) (
	*mcp.CallToolResult,
	*IndexStatsOutput,
	error,
) {
	snap, release := s.source.Acquire()
	defer release()

	stats, err := snap.Store.Statistics(ctx)
	if err != nil {
		return nil, nil, MapError(err)
	}

	out := &IndexStatsOutput{
		NodeCount:     stats.Nodes,
		FileCount:     stats.Files,
		Ready:         s.source.Ready(),
		CorpusEpoch:   snap.Epoch,
		AvgComplexity: stats.AvgComplexity,
		NodeTypes:     make(map[string]int, len(stats.NodeTypeHistogram)),
	}
	if !stats.LastUpdated.IsZero() {
		out.LastUpdated = stats.LastUpdated.UTC().Format(time.RFC3339)
	}
	for nt, n := range stats.NodeTypeHistogram {
		out.NodeTypes[string(nt)] = n
	}

	if s.embedder != nil {
		out.EmbedderModel = s.embedder.ModelName()
		out.EmbedderDims = s.embedder.Dimensions()
	} else {
		out.EmbedderModel = "none"
	}

	t := s.metrics.Snapshot()
	out.QueryTelemetry = QueryTelemetry{
		Queries:      t.Queries,
		CacheHits:    t.CacheHits,
		ZeroResults:  t.ZeroResults,
		Fallbacks:    t.Fallbacks,
		AvgLatencyMs: t.AvgLatencyMs,
		MaxLatencyMs: t.MaxLatencyMs,
	}

	return nil, out, nil
}

// Serve runs the server over stdio (newline-delimited JSON-RPC 2.0)
// until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("starting MCP server", slog.String("transport", "stdio"))

	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("MCP server stopped with error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("MCP server stopped")
	return nil
}

// generateRequestID creates a short unique id for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
