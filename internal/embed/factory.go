package embed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/astmcp/astmcp/internal/config"
	qerrors "github.com/astmcp/astmcp/internal/errors"
)

// New constructs the configured embedder.
//
// Initialisation failure is fatal on the ingest path. On the query path
// the caller treats a nil embedder as "semantic unavailable" and falls
// back to lexical search, so NewForQuery degrades instead of failing.
func New(ctx context.Context, cfg config.EmbeddingsConfig) (Embedder, error) {
	switch cfg.Provider {
	case "static", "":
		return NewStaticEmbedder(), nil
	case "http":
		e, err := NewHTTPEmbedder(ctx, cfg.Endpoint, cfg.Model)
		if err != nil {
			return nil, qerrors.Newf(qerrors.ErrCodeEmbedInit, err,
				"initialize %q embedder", cfg.Provider)
		}
		return e, nil
	default:
		return nil, qerrors.Newf(qerrors.ErrCodeEmbedInit, nil,
			"unknown embeddings provider %q", cfg.Provider)
	}
}

// NewForQuery constructs the configured embedder for the query path.
// A provider that fails to initialise yields nil (lexical-only mode)
// rather than an error.
func NewForQuery(ctx context.Context, cfg config.EmbeddingsConfig) Embedder {
	e, err := New(ctx, cfg)
	if err != nil {
		slog.Warn("embedder unavailable, semantic search disabled",
			slog.String("provider", cfg.Provider),
			slog.String("error", err.Error()))
		return nil
	}
	return e
}

// ValidateDimensions checks an embedder against an index dimension.
func ValidateDimensions(e Embedder, indexDimensions int) error {
	if e == nil || indexDimensions == 0 {
		return nil
	}
	if e.Dimensions() != indexDimensions {
		return fmt.Errorf("embedder %q produces %d dimensions, index expects %d",
			e.ModelName(), e.Dimensions(), indexDimensions)
	}
	return nil
}
