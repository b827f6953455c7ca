package query

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/astmcp/astmcp/internal/cache"
	"github.com/astmcp/astmcp/internal/embed"
	qerrors "github.com/astmcp/astmcp/internal/errors"
	"github.com/astmcp/astmcp/internal/store"
	"github.com/astmcp/astmcp/internal/telemetry"
)

// Config tunes the processor.
type Config struct {
	// DefaultEfSearch is the HNSW candidate-list width when a request
	// does not override it.
	DefaultEfSearch int

	// DefaultMaxResults is used when a request omits max_results.
	DefaultMaxResults int

	// DefaultMinScore is the score threshold when a request omits it.
	DefaultMinScore float64
}

// DefaultConfig returns processor defaults.
func DefaultConfig() Config {
	return Config{
		DefaultEfSearch:   64,
		DefaultMaxResults: DefaultMaxResults,
		DefaultMinScore:   DefaultMinScore,
	}
}

// Processor orchestrates the query strategies over a snapshot source.
// It owns no persistent state; it borrows the store, index and caches.
type Processor struct {
	source     SnapshotSource
	embedder   embed.Embedder // nil means semantic path unavailable
	queryCache *cache.QueryCache
	embedCache *cache.EmbeddingCache
	metrics    *telemetry.Metrics
	config     Config
	logger     *slog.Logger
}

// Option configures the processor.
type Option func(*Processor)

// WithMetrics attaches a query metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// NewProcessor creates a query processor. The embedder may be nil, in
// which case every semantic query degrades to lexical fallback.
func NewProcessor(
	source SnapshotSource,
	embedder embed.Embedder,
	queryCache *cache.QueryCache,
	embedCache *cache.EmbeddingCache,
	cfg Config,
	opts ...Option,
) (*Processor, error) {
	if source == nil {
		return nil, errors.New("snapshot source is required")
	}
	if queryCache == nil {
		return nil, errors.New("query cache is required")
	}
	if embedCache == nil {
		return nil, errors.New("embedding cache is required")
	}
	if cfg.DefaultEfSearch <= 0 {
		cfg.DefaultEfSearch = DefaultConfig().DefaultEfSearch
	}
	if cfg.DefaultMaxResults <= 0 {
		cfg.DefaultMaxResults = DefaultMaxResults
	}
	if cfg.DefaultMinScore <= 0 {
		cfg.DefaultMinScore = DefaultMinScore
	}

	p := &Processor{
		source:     source,
		embedder:   embedder,
		queryCache: queryCache,
		embedCache: embedCache,
		config:     cfg,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Ready reports whether the engine can answer queries.
func (p *Processor) Ready() bool {
	return p.source.Ready()
}

// Process executes a single query request end to end.
// A strategy failure degrades to lexical fallback; only invalid requests
// and catastrophic store errors surface as errors.
func (p *Processor) Process(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	if req == nil {
		return nil, qerrors.New(qerrors.ErrCodeInvalidQuery, "request is required", nil)
	}
	if !req.Kind.Valid() {
		return nil, qerrors.Newf(qerrors.ErrCodeInvalidQuery, nil, "unknown query kind %q", req.Kind)
	}
	if strings.TrimSpace(req.Text) == "" && req.Kind != KindFile {
		return nil, qerrors.New(qerrors.ErrCodeInvalidQuery, "query text is required", nil)
	}

	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = p.config.DefaultMaxResults
	}
	if maxResults > MaxResultsCap {
		maxResults = MaxResultsCap
	}
	minScore := p.config.DefaultMinScore
	if req.MinScore != nil {
		minScore = clampScore(*req.MinScore)
	}

	// One snapshot for the whole query: the store and index are never
	// mixed across epochs.
	snap, release := p.source.Acquire()
	defer release()

	fingerprint := Fingerprint(req, maxResults, minScore, snap.Epoch)
	if fingerprint != "" {
		if payload, ok := p.queryCache.Get(fingerprint, snap.Epoch); ok {
			cached := payload.(*Response)
			resp := *cached
			resp.Metadata.CacheHit = true
			resp.QueryTimeMs = time.Since(start).Milliseconds()
			p.record(req, &resp, start)
			return &resp, nil
		}
	}

	var resp *Response
	var err error

	switch req.Kind {
	case KindSemantic:
		resp, err = p.runSemantic(ctx, snap, req, maxResults, minScore, req.Options.UseContextBoosting)
	case KindContextual:
		resp, err = p.runSemantic(ctx, snap, req, maxResults, minScore, true)
	case KindLexical:
		resp, err = p.runStrategy(ctx, snap, req, maxResults, minScore, lexicalScore, "lexical match", StrategyLexical)
	case KindSignature:
		resp, err = p.runStrategy(ctx, snap, req, maxResults, minScore, signatureScore, "signature match", StrategySignature)
	case KindFile:
		resp, err = p.runFileStrategy(ctx, snap, req, maxResults)
	}
	if err != nil {
		return nil, err
	}

	resp.QueryTimeMs = time.Since(start).Milliseconds()
	resp.Metadata.CorpusEpoch = snap.Epoch

	// A cancelled query never caches; the client gets an error, not a
	// partial response.
	if err := ctx.Err(); err != nil {
		return nil, mapContextErr(err)
	}
	if fingerprint != "" {
		p.queryCache.Put(fingerprint, snap.Epoch, resp)
	}

	p.record(req, resp, start)
	return resp, nil
}

// runSemantic implements the semantic pipeline (steps 2-8).
func (p *Processor) runSemantic(
	ctx context.Context,
	snap *Snapshot,
	req *Request,
	maxResults int,
	minScore float64,
	boosting bool,
) (*Response, error) {
	strategy := StrategySemantic
	if boosting {
		strategy = StrategySemanticWithContext
	}

	// Step 2: query embedding via the embedding cache.
	vec, err := p.queryEmbedding(ctx, req.Text)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, mapContextErr(ctxErr)
		}
		p.logger.Warn("query embedding failed, falling back to lexical",
			slog.String("error", err.Error()))
		return p.fallback(ctx, snap, req, maxResults, minScore)
	}

	// Step 3: candidate retrieval.
	k := maxResults * OverFetchFactor
	if k > CandidateCap {
		k = CandidateCap
	}
	ef := req.Options.SearchEF
	if ef <= 0 {
		ef = p.config.DefaultEfSearch
	}
	if ef < k {
		ef = k
	}

	vectorStart := time.Now()
	candidates, err := snap.Index.Search(ctx, vec, k, ef)
	vectorTime := time.Since(vectorStart)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, mapContextErr(ctxErr)
		}
		p.logger.Warn("vector search failed, falling back to lexical",
			slog.String("error", err.Error()))
		return p.fallback(ctx, snap, req, maxResults, minScore)
	}

	// Cancellation point between retrieval and hydration.
	if err := ctx.Err(); err != nil {
		return nil, mapContextErr(err)
	}

	// Step 4: hydration, preserving vector order.
	type candidate struct {
		annotation *store.Annotation
		similarity float64
	}
	hydrated := make([]candidate, 0, len(candidates))
	for _, match := range candidates {
		a, err := snap.Store.GetByID(ctx, match.NodeID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, mapContextErr(ctxErr)
			}
			p.logger.Warn("hydration failed for node",
				slog.String("node_id", match.NodeID),
				slog.String("error", err.Error()))
			continue
		}
		if a == nil {
			// Never synthesise annotations for dangling vectors.
			p.logger.Warn("dropping vector match with no annotation",
				slog.String("node_id", match.NodeID))
			continue
		}
		hydrated = append(hydrated, candidate{
			annotation: a,
			similarity: float64(match.Score),
		})
	}

	// Cancellation point between hydration and ranking.
	if err := ctx.Err(); err != nil {
		return nil, mapContextErr(err)
	}

	// Steps 5-6: boosting, filtering, thresholding, ranking.
	rankStart := time.Now()
	af, applied := compileFilters(req.Filters)
	queryLanguage := ""
	if boosting {
		queryLanguage = inferLanguage(req.Text)
	}

	matches := make([]*Match, 0, len(hydrated))
	for _, c := range hydrated {
		a := c.annotation
		if !af.Matches(a) {
			continue
		}

		score := c.similarity
		reason := "semantic similarity"
		if boosting {
			boost := contextBoost(a, req.Context, queryLanguage)
			score = boostedScore(c.similarity, boost)
			if boost > 0 {
				reason = "semantic similarity + context boost"
			}
		}
		if score < minScore {
			continue
		}
		matches = append(matches, &Match{Annotation: a, Score: score, MatchReason: reason})
	}

	sortMatches(matches)
	total := len(matches)
	if len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	rankTime := time.Since(rankStart)

	if err := ctx.Err(); err != nil {
		return nil, mapContextErr(err)
	}

	// Step 7: zero-result fallback unless explicitly forbidden.
	if total == 0 && fallbackAllowed(req.Options) {
		return p.fallback(ctx, snap, req, maxResults, minScore)
	}

	// Step 8: response assembly.
	applied = append(applied, "min_score")
	return &Response{
		Results:        matches,
		TotalMatches:   total,
		SearchStrategy: strategy,
		Metadata: Metadata{
			VectorSearchTimeMs: vectorTime.Milliseconds(),
			RankingTimeMs:      rankTime.Milliseconds(),
			TotalCandidates:    len(candidates),
			AppliedFilters:     applied,
		},
	}, nil
}

// fallback runs the lexical strategy with the same filters and marks the
// response as degraded. Never an error unless the store itself fails.
func (p *Processor) fallback(
	ctx context.Context,
	snap *Snapshot,
	req *Request,
	maxResults int,
	minScore float64,
) (*Response, error) {
	rankStart := time.Now()
	matches, total, applied, err := p.runScoredScan(
		ctx, snap, req, lexicalScore, "lexical match", maxResults, minScore)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, mapContextErr(ctxErr)
		}
		return nil, err
	}

	applied = append(applied, "min_score")
	return &Response{
		Results:        matches,
		TotalMatches:   total,
		SearchStrategy: StrategyLexicalFallback,
		Metadata: Metadata{
			RankingTimeMs:   time.Since(rankStart).Milliseconds(),
			TotalCandidates: total,
			AppliedFilters:  applied,
		},
	}, nil
}

// runStrategy wraps the lexical/signature scan into a response.
func (p *Processor) runStrategy(
	ctx context.Context,
	snap *Snapshot,
	req *Request,
	maxResults int,
	minScore float64,
	scorer scoreFunc,
	reason, strategy string,
) (*Response, error) {
	rankStart := time.Now()
	matches, total, applied, err := p.runScoredScan(ctx, snap, req, scorer, reason, maxResults, minScore)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, mapContextErr(ctxErr)
		}
		return nil, err
	}

	applied = append(applied, "min_score")
	return &Response{
		Results:        matches,
		TotalMatches:   total,
		SearchStrategy: strategy,
		Metadata: Metadata{
			RankingTimeMs:   time.Since(rankStart).Milliseconds(),
			TotalCandidates: total,
			AppliedFilters:  applied,
		},
	}, nil
}

// runFileStrategy wraps the file scan into a response.
func (p *Processor) runFileStrategy(
	ctx context.Context,
	snap *Snapshot,
	req *Request,
	maxResults int,
) (*Response, error) {
	rankStart := time.Now()
	matches, total, applied, err := p.runFile(ctx, snap, req, maxResults)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, mapContextErr(ctxErr)
		}
		return nil, err
	}

	return &Response{
		Results:        matches,
		TotalMatches:   total,
		SearchStrategy: StrategyFile,
		Metadata: Metadata{
			RankingTimeMs:   time.Since(rankStart).Milliseconds(),
			TotalCandidates: total,
			AppliedFilters:  applied,
		},
	}, nil
}

// queryEmbedding returns the embedding for query text, via the cache.
func (p *Processor) queryEmbedding(ctx context.Context, text string) ([]float32, error) {
	if p.embedder == nil {
		return nil, qerrors.New(qerrors.ErrCodeEmbedFailed, "no embedder configured", nil)
	}

	normalized := embed.NormalizeText(text)
	if vec, ok := p.embedCache.Get(normalized); ok {
		return vec, nil
	}

	vecs, err := p.embedder.EmbedBatch(ctx, []string{normalized})
	if err != nil {
		return nil, qerrors.Newf(qerrors.ErrCodeEmbedFailed, err, "embed query")
	}
	if len(vecs) == 0 {
		return nil, qerrors.New(qerrors.ErrCodeEmbedFailed, "embedder returned no vectors", nil)
	}

	p.embedCache.Put(normalized, vecs[0])
	return vecs[0], nil
}

// fallbackAllowed reports whether the zero-result lexical fallback may
// run: only an explicit include_similar=false forbids it.
func fallbackAllowed(opts Options) bool {
	return opts.IncludeSimilar == nil || *opts.IncludeSimilar
}

// mapContextErr converts context termination to the surfaced taxonomy.
func mapContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return qerrors.New(qerrors.ErrCodeDeadline, "query deadline exceeded", err)
	}
	return qerrors.New(qerrors.ErrCodeDeadline, "query cancelled", err)
}

// record emits telemetry for a completed query.
func (p *Processor) record(req *Request, resp *Response, start time.Time) {
	p.metrics.Record(telemetry.QueryEvent{
		Kind:        string(req.Kind),
		Strategy:    resp.SearchStrategy,
		ResultCount: len(resp.Results),
		Latency:     time.Since(start),
		CacheHit:    resp.Metadata.CacheHit,
	})
}

// scoreFunc rates an annotation against a lowercased query.
type scoreFunc = func(queryLower string, a *store.Annotation) float64
