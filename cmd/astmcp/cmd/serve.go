package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/astmcp/astmcp/internal/cache"
	"github.com/astmcp/astmcp/internal/embed"
	"github.com/astmcp/astmcp/internal/logging"
	"github.com/astmcp/astmcp/internal/mcp"
	"github.com/astmcp/astmcp/internal/query"
	"github.com/astmcp/astmcp/internal/reload"
	"github.com/astmcp/astmcp/internal/store"
	"github.com/astmcp/astmcp/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the query engine over MCP stdio",
	Long: `Serve answers MCP tool calls over stdin/stdout. Logs go to the
workspace log file and stderr; stdout carries only protocol frames.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	layout, cfg, err := layoutAndConfig()
	if err != nil {
		return err
	}
	if err := layout.Ensure(); err != nil {
		return err
	}

	logCfg := logging.DefaultConfig(layout.LogDir())
	logCfg.Level = cfg.Server.LogLevel
	cleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return err
	}
	defer cleanup()
	logger := slog.Default()

	// Shared lock, held until serve returns: while a server holds it the
	// ingest writer cannot take the exclusive lock, and a server cannot
	// start while a writer holds it.
	lock, err := layout.AcquireShared()
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	embedder := embed.NewForQuery(ctx, cfg.Embeddings)
	if embedder != nil {
		defer embedder.Close()
	}

	indexCfg := store.VectorIndexConfig{
		M:              cfg.Index.M,
		EfConstruction: cfg.Index.EfConstruction,
		EfSearch:       cfg.Index.EfSearch,
		MaxElements:    cfg.Index.MaxElements,
	}
	if dims, err := store.ReadIndexDimensions(layout.VectorIndexPath()); err == nil && dims > 0 {
		indexCfg.Dimensions = dims
	} else if embedder != nil {
		indexCfg.Dimensions = embedder.Dimensions()
	} else {
		indexCfg.Dimensions = embed.StaticDimensions
	}

	queryCache := cache.NewQueryCache(cfg.Cache.QueryCapacity, cfg.Cache.QueryTTL)
	embedCache := cache.NewEmbeddingCache(cfg.Cache.EmbeddingCapacity, cfg.Cache.EmbeddingTTL)
	metrics := telemetry.NewMetrics()

	manager := reload.NewManager(logger)
	coordinator := reload.NewCoordinator(layout, indexCfg, manager, queryCache, cfg.Reload.Debounce, logger)
	if err := coordinator.Open(ctx); err != nil {
		return err
	}
	defer manager.Close()

	go func() {
		if err := coordinator.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Error("watcher stopped", slog.String("error", err.Error()))
		}
	}()

	processor, err := query.NewProcessor(manager, embedder, queryCache, embedCache,
		query.Config{
			DefaultEfSearch:   cfg.Index.EfSearch,
			DefaultMaxResults: cfg.Query.DefaultMaxResults,
			DefaultMinScore:   cfg.Query.MinScore,
		},
		query.WithMetrics(metrics),
		query.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	server, err := mcp.NewServer(processor, manager, embedder, metrics,
		cfg.Server, cfg.Query.Deadline, logger)
	if err != nil {
		return err
	}
	if err := server.RegisterResources(ctx); err != nil {
		logger.Warn("resource registration failed", slog.String("error", err.Error()))
	}

	return server.Serve(ctx)
}
