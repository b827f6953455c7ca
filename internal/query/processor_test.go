package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astmcp/astmcp/internal/cache"
	"github.com/astmcp/astmcp/internal/embed"
	"github.com/astmcp/astmcp/internal/store"
)

// fakeIndex is a scriptable VectorIndex for exercising the pipeline.
type fakeIndex struct {
	matches   []*store.VectorMatch
	err       error
	dimension int
	lastK     int
	lastEf    int
}

func (f *fakeIndex) Search(ctx context.Context, q []float32, k, ef int) ([]*store.VectorMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.lastK, f.lastEf = k, ef
	if f.err != nil {
		return nil, f.err
	}
	if len(f.matches) > k {
		return f.matches[:k], nil
	}
	return f.matches, nil
}

func (f *fakeIndex) Add(context.Context, []string, [][]float32) error { return nil }
func (f *fakeIndex) Delete(context.Context, []string) error           { return nil }
func (f *fakeIndex) Contains(string) bool                             { return false }
func (f *fakeIndex) Stats() store.VectorIndexStats {
	return store.VectorIndexStats{Count: len(f.matches), Dimension: f.dimension}
}
func (f *fakeIndex) Save(string) error { return nil }
func (f *fakeIndex) Close() error      { return nil }

// stubSource serves a fixed snapshot.
type stubSource struct {
	snap *Snapshot
}

func (s *stubSource) Acquire() (*Snapshot, func()) { return s.snap, func() {} }
func (s *stubSource) Ready() bool {
	return s.snap != nil && s.snap.Epoch > 0 && s.snap.Index.Stats().Count >= 1
}

type testEngine struct {
	processor  *Processor
	store      *store.SQLiteStore
	index      *fakeIndex
	queryCache *cache.QueryCache
	embedCache *cache.EmbeddingCache
}

func newTestEngine(t *testing.T, epoch uint64, index *fakeIndex) *testEngine {
	t.Helper()

	s, err := store.OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	queryCache := cache.NewQueryCache(64, time.Minute)
	embedCache := cache.NewEmbeddingCache(64, time.Minute)

	embedder := embed.NewStaticEmbedder()
	t.Cleanup(func() { _ = embedder.Close() })

	p, err := NewProcessor(
		&stubSource{snap: &Snapshot{Epoch: epoch, Store: s, Index: index}},
		embedder, queryCache, embedCache, DefaultConfig())
	require.NoError(t, err)

	return &testEngine{
		processor:  p,
		store:      s,
		index:      index,
		queryCache: queryCache,
		embedCache: embedCache,
	}
}

func seedAnnotation(t *testing.T, s *store.SQLiteStore, id, file string, line int, mutate func(*store.Annotation)) {
	t.Helper()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a := &store.Annotation{
		NodeID:          id,
		FilePath:        file,
		NodeType:        store.NodeTypeFunction,
		Signature:       "func " + id + "()",
		Summary:         "does " + id + " things",
		SourceSnippet:   "func " + id + "() {}",
		StartLine:       line,
		EndLine:         line + 3,
		Language:        "go",
		ComplexityScore: 1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if mutate != nil {
		mutate(a)
	}
	require.NoError(t, s.SaveAnnotations(context.Background(), []*store.Annotation{a}))
}

func TestProcess_RejectsInvalidRequests(t *testing.T) {
	e := newTestEngine(t, 1, &fakeIndex{})

	_, err := e.processor.Process(context.Background(), nil)
	require.Error(t, err)

	_, err = e.processor.Process(context.Background(), &Request{Kind: "bogus", Text: "x"})
	require.Error(t, err)

	_, err = e.processor.Process(context.Background(), &Request{Kind: KindSemantic, Text: "   "})
	require.Error(t, err)
}

// Empty index, fresh workspace: degraded empty response, never an error.
func TestProcess_EmptyIndexFallsBackToLexical(t *testing.T) {
	e := newTestEngine(t, 1, &fakeIndex{})

	resp, err := e.processor.Process(context.Background(),
		&Request{Kind: KindSemantic, Text: "hello"})
	require.NoError(t, err)

	assert.Empty(t, resp.Results)
	assert.Equal(t, 0, resp.TotalMatches)
	assert.Equal(t, StrategyLexicalFallback, resp.SearchStrategy)
	assert.False(t, resp.Metadata.CacheHit)
	assert.Equal(t, uint64(1), resp.Metadata.CorpusEpoch)
}

func TestProcess_SemanticPipeline(t *testing.T) {
	e := newTestEngine(t, 1, &fakeIndex{matches: []*store.VectorMatch{
		{NodeID: "a", Score: 0.9},
		{NodeID: "b", Score: 0.8},
		{NodeID: "missing", Score: 0.7}, // dangling vector: dropped, not synthesised
		{NodeID: "c", Score: 0.2},       // below default min_score
	}})
	seedAnnotation(t, e.store, "a", "src/a.go", 1, nil)
	seedAnnotation(t, e.store, "b", "src/b.go", 1, nil)
	seedAnnotation(t, e.store, "c", "src/c.go", 1, nil)

	resp, err := e.processor.Process(context.Background(),
		&Request{Kind: KindSemantic, Text: "things"})
	require.NoError(t, err)

	assert.Equal(t, StrategySemantic, resp.SearchStrategy)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "a", resp.Results[0].Annotation.NodeID)
	assert.Equal(t, "b", resp.Results[1].Annotation.NodeID)
	assert.Equal(t, 2, resp.TotalMatches)
	assert.Equal(t, 4, resp.Metadata.TotalCandidates)

	// Scores in [0,1], non-increasing.
	prev := 1.0
	for _, m := range resp.Results {
		assert.GreaterOrEqual(t, m.Score, 0.0)
		assert.LessOrEqual(t, m.Score, prev)
		prev = m.Score
	}

	// Every returned node hydrates from the store.
	for _, m := range resp.Results {
		got, err := e.store.GetByID(context.Background(), m.Annotation.NodeID)
		require.NoError(t, err)
		require.NotNil(t, got)
	}
}

func TestProcess_OverFetchAndEf(t *testing.T) {
	idx := &fakeIndex{}
	e := newTestEngine(t, 1, idx)

	_, err := e.processor.Process(context.Background(),
		&Request{Kind: KindSemantic, Text: "q", MaxResults: 10})
	require.NoError(t, err)
	assert.Equal(t, 30, idx.lastK, "k' = max_results * over_fetch_factor")
	assert.Equal(t, 64, idx.lastEf, "configured default ef")

	// Explicit search_ef wins; ef is floored at k'.
	_, err = e.processor.Process(context.Background(),
		&Request{Kind: KindSemantic, Text: "q", MaxResults: 10,
			Options: Options{SearchEF: 200}})
	require.NoError(t, err)
	assert.Equal(t, 200, idx.lastEf)

	// Candidate cap bounds k'.
	_, err = e.processor.Process(context.Background(),
		&Request{Kind: KindSemantic, Text: "q", MaxResults: 5000})
	require.NoError(t, err)
	assert.Equal(t, CandidateCap, idx.lastK)
	assert.GreaterOrEqual(t, idx.lastEf, CandidateCap)
}

func TestProcess_MaxResultsClampedNotRejected(t *testing.T) {
	e := newTestEngine(t, 1, &fakeIndex{})

	resp, err := e.processor.Process(context.Background(),
		&Request{Kind: KindLexical, Text: "q", MaxResults: MaxResultsCap * 5})
	require.NoError(t, err)
	assert.NotNil(t, resp)
}

// Cache hit: identical request, identical payload, cache_hit flipped.
func TestProcess_CacheHit(t *testing.T) {
	e := newTestEngine(t, 1, &fakeIndex{matches: []*store.VectorMatch{
		{NodeID: "a", Score: 0.9},
	}})
	seedAnnotation(t, e.store, "a", "src/a.go", 1, nil)

	req := &Request{Kind: KindSemantic, Text: "parse json"}

	first, err := e.processor.Process(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Metadata.CacheHit)

	second, err := e.processor.Process(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Metadata.CacheHit)
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, first.TotalMatches, second.TotalMatches)
	assert.Equal(t, first.SearchStrategy, second.SearchStrategy)
}

// Context boost: equal raw similarity, current-file annotation wins.
func TestProcess_ContextBoostOrdering(t *testing.T) {
	e := newTestEngine(t, 1, &fakeIndex{matches: []*store.VectorMatch{
		{NodeID: "b", Score: 0.60},
		{NodeID: "a", Score: 0.60},
	}})
	seedAnnotation(t, e.store, "a", "src/foo.ts", 1, func(a *store.Annotation) {
		a.Language = "typescript"
		a.Signature = "function parseA()"
	})
	seedAnnotation(t, e.store, "b", "src/bar.ts", 1, func(a *store.Annotation) {
		a.Language = "typescript"
		a.Signature = "function parseB()"
	})

	resp, err := e.processor.Process(context.Background(), &Request{
		Kind:    KindSemantic,
		Text:    "parse",
		Context: Context{CurrentFile: "src/foo.ts"},
		Options: Options{UseContextBoosting: true},
	})
	require.NoError(t, err)

	assert.Equal(t, StrategySemanticWithContext, resp.SearchStrategy)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "a", resp.Results[0].Annotation.NodeID)
	assert.Equal(t, "b", resp.Results[1].Annotation.NodeID)
	assert.Greater(t, resp.Results[0].Score, resp.Results[1].Score)
	assert.InDelta(t, 0.67, resp.Results[0].Score, 1e-9)
	assert.InDelta(t, 0.42, resp.Results[1].Score, 1e-9)
}

// Filter: only matching files survive, total_matches counts them all.
func TestProcess_FileFilter(t *testing.T) {
	matches := []*store.VectorMatch{
		{NodeID: "u1", Score: 0.9},
		{NodeID: "u2", Score: 0.8},
		{NodeID: "u3", Score: 0.7},
		{NodeID: "core", Score: 0.95},
	}
	e := newTestEngine(t, 1, &fakeIndex{matches: matches})
	seedAnnotation(t, e.store, "u1", "src/utils/a.go", 1, nil)
	seedAnnotation(t, e.store, "u2", "src/utils/b.go", 1, nil)
	seedAnnotation(t, e.store, "u3", "src/utils/c.go", 1, nil)
	seedAnnotation(t, e.store, "core", "src/core/d.go", 1, nil)

	resp, err := e.processor.Process(context.Background(), &Request{
		Kind:    KindSemantic,
		Text:    "x",
		Filters: Filters{FileGlobs: []string{"^src/utils/"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, resp.TotalMatches)
	for _, m := range resp.Results {
		assert.Contains(t, m.Annotation.FilePath, "src/utils/")
	}
	assert.Contains(t, resp.Metadata.AppliedFilters, "file_glob")
}

// Vector failure (e.g. dimension mismatch) degrades to lexical with the
// min_score threshold still enforced.
func TestProcess_VectorFailureFallback(t *testing.T) {
	e := newTestEngine(t, 1, &fakeIndex{
		err: store.ErrDimensionMismatch{Expected: 256, Got: 768},
	})
	seedAnnotation(t, e.store, "a", "src/a.go", 1, func(a *store.Annotation) {
		a.Signature = "func handleRequest()"
	})
	seedAnnotation(t, e.store, "weak", "src/b.go", 1, func(a *store.Annotation) {
		// Nothing matches "handleRequest": stays below min_score.
		a.Signature = "func other()"
		a.Summary = "unrelated"
		a.SourceSnippet = "unrelated"
		a.NodeType = store.NodeTypeOther
	})

	resp, err := e.processor.Process(context.Background(),
		&Request{Kind: KindSemantic, Text: "handleRequest"})
	require.NoError(t, err)

	assert.Equal(t, StrategyLexicalFallback, resp.SearchStrategy)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "a", resp.Results[0].Annotation.NodeID)
	for _, m := range resp.Results {
		assert.GreaterOrEqual(t, m.Score, DefaultMinScore)
	}
}

// include_similar=false forbids the zero-result fallback.
func TestProcess_IncludeSimilarFalseSuppressesFallback(t *testing.T) {
	e := newTestEngine(t, 1, &fakeIndex{})
	seedAnnotation(t, e.store, "a", "src/a.go", 1, nil)

	off := false
	resp, err := e.processor.Process(context.Background(), &Request{
		Kind:    KindSemantic,
		Text:    "a",
		Options: Options{IncludeSimilar: &off},
	})
	require.NoError(t, err)

	assert.Equal(t, StrategySemantic, resp.SearchStrategy)
	assert.Empty(t, resp.Results)
}

func TestProcess_LexicalStrategy(t *testing.T) {
	e := newTestEngine(t, 1, &fakeIndex{})
	seedAnnotation(t, e.store, "a", "src/a.go", 1, func(a *store.Annotation) {
		a.Signature = "func parseConfig()"
	})
	seedAnnotation(t, e.store, "b", "src/b.go", 1, func(a *store.Annotation) {
		a.Signature = "func writeOutput()"
		a.Summary = "no overlap"
		a.SourceSnippet = "no overlap"
	})

	resp, err := e.processor.Process(context.Background(),
		&Request{Kind: KindLexical, Text: "parseConfig"})
	require.NoError(t, err)

	assert.Equal(t, StrategyLexical, resp.SearchStrategy)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "a", resp.Results[0].Annotation.NodeID)
	assert.Equal(t, "lexical match", resp.Results[0].MatchReason)
}

func TestProcess_SignatureStrategy(t *testing.T) {
	e := newTestEngine(t, 1, &fakeIndex{})
	seedAnnotation(t, e.store, "a", "src/a.go", 1, func(a *store.Annotation) {
		a.Signature = "func parseConfig(path string) error"
	})
	seedAnnotation(t, e.store, "b", "src/b.go", 1, func(a *store.Annotation) {
		a.Summary = "mentions parseConfig only in the summary"
		a.Signature = "func unrelated()"
	})

	resp, err := e.processor.Process(context.Background(),
		&Request{Kind: KindSignature, Text: "parseConfig"})
	require.NoError(t, err)

	assert.Equal(t, StrategySignature, resp.SearchStrategy)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "a", resp.Results[0].Annotation.NodeID)
}

// File query with ^.*$ returns the whole corpus in stable source order.
func TestProcess_FileStrategyMatchAll(t *testing.T) {
	e := newTestEngine(t, 1, &fakeIndex{})
	seedAnnotation(t, e.store, "b2", "src/b.go", 20, nil)
	seedAnnotation(t, e.store, "a1", "src/a.go", 1, nil)
	seedAnnotation(t, e.store, "b1", "src/b.go", 5, nil)

	resp, err := e.processor.Process(context.Background(),
		&Request{Kind: KindFile, Text: "^.*$"})
	require.NoError(t, err)

	all, err := e.store.Query(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, resp.Results, len(all))

	ids := make([]string, len(resp.Results))
	for i, m := range resp.Results {
		ids[i] = m.Annotation.NodeID
	}
	assert.Equal(t, []string{"a1", "b1", "b2"}, ids)

	// Stable across repetition.
	again, err := e.processor.Process(context.Background(),
		&Request{Kind: KindFile, Text: "^.*$"})
	require.NoError(t, err)
	assert.Equal(t, resp.Results, again.Results)
}

func TestProcess_FileStrategyExactPath(t *testing.T) {
	e := newTestEngine(t, 1, &fakeIndex{})
	seedAnnotation(t, e.store, "a2", "src/a.go", 10, nil)
	seedAnnotation(t, e.store, "a1", "src/a.go", 1, nil)
	seedAnnotation(t, e.store, "b1", "src/b.go", 1, nil)

	resp, err := e.processor.Process(context.Background(),
		&Request{Kind: KindFile, Text: "src/a.go"})
	require.NoError(t, err)

	require.Len(t, resp.Results, 2)
	assert.Equal(t, "a1", resp.Results[0].Annotation.NodeID)
	assert.Equal(t, "a2", resp.Results[1].Annotation.NodeID)
}

// A cancelled query errors out and never populates either cache.
func TestProcess_CancelledNeverCaches(t *testing.T) {
	e := newTestEngine(t, 1, &fakeIndex{matches: []*store.VectorMatch{
		{NodeID: "a", Score: 0.9},
	}})
	seedAnnotation(t, e.store, "a", "src/a.go", 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.processor.Process(ctx, &Request{Kind: KindSemantic, Text: "parse json"})
	require.Error(t, err)

	assert.Equal(t, 0, e.queryCache.Len(), "cancelled query must not cache a response")
	assert.Equal(t, 0, e.embedCache.Len(), "cancelled query must not cache an embedding")
}

func TestProcess_EmbeddingCacheReused(t *testing.T) {
	e := newTestEngine(t, 1, &fakeIndex{})
	seedAnnotation(t, e.store, "a", "src/a.go", 1, nil)

	_, err := e.processor.Process(context.Background(),
		&Request{Kind: KindSemantic, Text: "parse json"})
	require.NoError(t, err)
	assert.Equal(t, 1, e.embedCache.Len())

	// Different max_results: query cache misses, embedding cache hits.
	_, err = e.processor.Process(context.Background(),
		&Request{Kind: KindSemantic, Text: "parse json", MaxResults: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, e.embedCache.Len())
}
