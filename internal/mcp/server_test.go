package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astmcp/astmcp/internal/cache"
	"github.com/astmcp/astmcp/internal/config"
	"github.com/astmcp/astmcp/internal/embed"
	"github.com/astmcp/astmcp/internal/query"
	"github.com/astmcp/astmcp/internal/store"
	"github.com/astmcp/astmcp/internal/telemetry"
)

// stubSource serves a fixed snapshot for handler tests.
type stubSource struct {
	snap *query.Snapshot
}

func (s *stubSource) Acquire() (*query.Snapshot, func()) { return s.snap, func() {} }
func (s *stubSource) Ready() bool {
	return s.snap != nil && s.snap.Index.Stats().Count >= 1
}

func newTestServer(t *testing.T, overflow string) (*Server, *store.SQLiteStore) {
	t.Helper()

	s, err := store.OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	idx, err := store.NewHNSWIndex(store.DefaultVectorIndexConfig(embed.StaticDimensions))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	embedder := embed.NewStaticEmbedder()
	t.Cleanup(func() { _ = embedder.Close() })

	source := &stubSource{snap: &query.Snapshot{Epoch: 1, Store: s, Index: idx}}
	processor, err := query.NewProcessor(source, embedder,
		cache.NewQueryCache(16, time.Minute),
		cache.NewEmbeddingCache(16, time.Minute),
		query.DefaultConfig())
	require.NoError(t, err)

	srv, err := NewServer(processor, source, embedder, telemetry.NewMetrics(),
		config.ServerConfig{MaxInFlight: 2, Overflow: overflow, QueueWait: 50 * time.Millisecond},
		time.Second, nil)
	require.NoError(t, err)
	return srv, s
}

func seedServerAnnotation(t *testing.T, s *store.SQLiteStore, srv *Server, id, file string, line int) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.SaveAnnotations(context.Background(), []*store.Annotation{{
		NodeID:        id,
		FilePath:      file,
		NodeType:      store.NodeTypeFunction,
		Signature:     "func " + id + "(ctx context.Context) error",
		Summary:       "handles " + id,
		SourceSnippet: "func " + id + "() {}",
		StartLine:     line,
		EndLine:       line + 4,
		Language:      "go",
		CreatedAt:     now,
		UpdatedAt:     now,
	}}))

	// Index the node so the semantic path has a live vector.
	snap, release := srv.source.Acquire()
	defer release()
	vec, err := srv.embedder.Embed(context.Background(), "func "+id+" handles "+id)
	require.NoError(t, err)
	require.NoError(t, snap.Index.Add(context.Background(), []string{id}, [][]float32{vec}))
}

func TestSemanticSearch_RequiresQuery(t *testing.T) {
	srv, _ := newTestServer(t, "queue")

	_, _, err := srv.handleSemanticSearch(context.Background(), nil, SemanticSearchInput{})
	require.Error(t, err)

	var mcpErr *Error
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrCodeInvalidParams, mcpErr.Code)
}

func TestSemanticSearch_EmptyWorkspace(t *testing.T) {
	srv, _ := newTestServer(t, "queue")

	_, out, err := srv.handleSemanticSearch(context.Background(), nil,
		SemanticSearchInput{Query: "hello"})
	require.NoError(t, err)

	assert.Empty(t, out.Results)
	assert.Equal(t, 0, out.TotalMatches)
	assert.Equal(t, "lexical_fallback", out.SearchStrategy)
	assert.False(t, out.Metadata.CacheHit)
	assert.NotNil(t, out.Results)
}

func TestSemanticSearch_ReturnsMatches(t *testing.T) {
	srv, s := newTestServer(t, "queue")
	seedServerAnnotation(t, s, srv, "parseConfig", "src/config.go", 10)
	seedServerAnnotation(t, s, srv, "writeOutput", "src/output.go", 10)

	_, out, err := srv.handleSemanticSearch(context.Background(), nil,
		SemanticSearchInput{Query: "parseConfig"})
	require.NoError(t, err)

	require.NotEmpty(t, out.Results)
	assert.Equal(t, "parseConfig", out.Results[0].Annotation.NodeID)
	assert.Equal(t, "src/config.go", out.Results[0].Annotation.FilePath)
	assert.GreaterOrEqual(t, out.Results[0].Score, 0.0)
	assert.LessOrEqual(t, out.Results[0].Score, 1.0)
	assert.Equal(t, uint64(1), out.Metadata.CorpusEpoch)
}

func TestQueryASTContext_ForcesBoosting(t *testing.T) {
	srv, s := newTestServer(t, "queue")
	seedServerAnnotation(t, s, srv, "parseConfig", "src/config.go", 10)

	_, out, err := srv.handleQueryASTContext(context.Background(), nil,
		QueryASTContextInput{Intent: "parseConfig", CurrentFile: "src/config.go"})
	require.NoError(t, err)

	require.NotEmpty(t, out.Results)
	assert.Equal(t, "semantic_with_context", out.SearchStrategy)
}

func TestFileLookup_SourceOrder(t *testing.T) {
	srv, s := newTestServer(t, "queue")
	seedServerAnnotation(t, s, srv, "second", "src/a.go", 30)
	seedServerAnnotation(t, s, srv, "first", "src/a.go", 5)
	seedServerAnnotation(t, s, srv, "elsewhere", "src/b.go", 1)

	_, out, err := srv.handleFileLookup(context.Background(), nil,
		FileLookupInput{FilePath: "src/a.go"})
	require.NoError(t, err)

	require.Len(t, out.Annotations, 2)
	assert.Equal(t, "first", out.Annotations[0].NodeID)
	assert.Equal(t, "second", out.Annotations[1].NodeID)
}

func TestIndexStats(t *testing.T) {
	srv, s := newTestServer(t, "queue")

	_, out, err := srv.handleIndexStats(context.Background(), nil, IndexStatsInput{})
	require.NoError(t, err)
	assert.Equal(t, 0, out.NodeCount)
	assert.False(t, out.Ready)
	assert.Equal(t, "static", out.EmbedderModel)

	seedServerAnnotation(t, s, srv, "one", "src/a.go", 1)

	_, out, err = srv.handleIndexStats(context.Background(), nil, IndexStatsInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.NodeCount)
	assert.Equal(t, 1, out.FileCount)
	assert.True(t, out.Ready)
	assert.NotEmpty(t, out.LastUpdated)
}

func TestBackpressure_RejectMode(t *testing.T) {
	srv, _ := newTestServer(t, "reject")

	// Occupy both slots.
	r1, err := srv.acquireSlot(context.Background())
	require.NoError(t, err)
	r2, err := srv.acquireSlot(context.Background())
	require.NoError(t, err)

	_, err = srv.acquireSlot(context.Background())
	require.Error(t, err)

	mcpErr := MapError(err)
	assert.Equal(t, ErrCodeOverloaded, mcpErr.Code)

	r1()
	r2()

	// Slots free again.
	r3, err := srv.acquireSlot(context.Background())
	require.NoError(t, err)
	r3()
}

func TestBackpressure_QueueModeBoundedWait(t *testing.T) {
	srv, _ := newTestServer(t, "queue")

	r1, err := srv.acquireSlot(context.Background())
	require.NoError(t, err)
	r2, err := srv.acquireSlot(context.Background())
	require.NoError(t, err)
	defer r1()
	defer r2()

	start := time.Now()
	_, err = srv.acquireSlot(context.Background())
	require.Error(t, err, "queued request times out once the bounded wait elapses")
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
