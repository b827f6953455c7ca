package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, dims int) *HNSWIndex {
	t.Helper()
	idx, err := NewHNSWIndex(DefaultVectorIndexConfig(dims))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestHNSWIndex_AddAndSearch(t *testing.T) {
	idx := newTestIndex(t, 4)
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, []string{"a", "b", "c"}, [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0.9, 0.1, 0, 0},
	}))

	results, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 2, 64)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].NodeID)
	assert.Equal(t, "c", results[1].NodeID)

	// Scores are in [0,1] and non-increasing.
	assert.Greater(t, results[0].Score, float32(0.99))
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, float32(0))
		assert.LessOrEqual(t, r.Score, float32(1))
	}
}

func TestHNSWIndex_Search_EmptyGraph(t *testing.T) {
	idx := newTestIndex(t, 4)

	results, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 5, 64)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestHNSWIndex_Search_DimensionMismatch(t *testing.T) {
	idx := newTestIndex(t, 4)
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, []string{"a"}, [][]float32{{1, 0, 0, 0}}))

	_, err := idx.Search(ctx, []float32{1, 0}, 1, 64)
	require.Error(t, err)

	var mismatch ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 4, mismatch.Expected)
	assert.Equal(t, 2, mismatch.Got)
}

func TestHNSWIndex_Add_DimensionMismatch(t *testing.T) {
	idx := newTestIndex(t, 4)

	err := idx.Add(context.Background(), []string{"a"}, [][]float32{{1, 0}})
	require.Error(t, err)
}

func TestHNSWIndex_SearchEfFloor(t *testing.T) {
	idx := newTestIndex(t, 4)
	ctx := context.Background()

	ids := []string{"a", "b", "c", "d", "e"}
	vectors := [][]float32{
		{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}, {0.5, 0.5, 0, 0},
	}
	require.NoError(t, idx.Add(ctx, ids, vectors))

	// ef below k is floored at k; non-default widths still succeed.
	results, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 5, 1)
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestHNSWIndex_DeleteIsLazy(t *testing.T) {
	idx := newTestIndex(t, 4)
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, []string{"a", "b"}, [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
	}))
	require.NoError(t, idx.Delete(ctx, []string{"a"}))

	assert.False(t, idx.Contains("a"))
	assert.True(t, idx.Contains("b"))
	assert.Equal(t, 1, idx.Stats().Count)

	// The orphaned node never surfaces in results.
	results, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 2, 64)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.NodeID)
	}
}

func TestHNSWIndex_Replace(t *testing.T) {
	idx := newTestIndex(t, 4)
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, []string{"a"}, [][]float32{{1, 0, 0, 0}}))
	require.NoError(t, idx.Add(ctx, []string{"a"}, [][]float32{{0, 1, 0, 0}}))

	assert.Equal(t, 1, idx.Stats().Count)

	results, err := idx.Search(ctx, []float32{0, 1, 0, 0}, 1, 64)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].NodeID)
	assert.Greater(t, results[0].Score, float32(0.99))
}

func TestHNSWIndex_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.hnsw")
	ctx := context.Background()

	idx := newTestIndex(t, 4)
	require.NoError(t, idx.Add(ctx, []string{"a", "b"}, [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
	}))
	require.NoError(t, idx.Save(path))

	loaded, err := OpenHNSWIndex(path, DefaultVectorIndexConfig(4))
	require.NoError(t, err)
	defer loaded.Close()

	stats := loaded.Stats()
	assert.Equal(t, 2, stats.Count)
	assert.Equal(t, 4, stats.Dimension)

	results, err := loaded.Search(ctx, []float32{1, 0, 0, 0}, 1, 64)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].NodeID)

	dims, err := ReadIndexDimensions(path)
	require.NoError(t, err)
	assert.Equal(t, 4, dims)
}

func TestHNSWIndex_OpenMissingFile(t *testing.T) {
	_, err := OpenHNSWIndex(filepath.Join(t.TempDir(), "missing.hnsw"), DefaultVectorIndexConfig(4))
	require.Error(t, err)

	dims, err := ReadIndexDimensions(filepath.Join(t.TempDir(), "missing.hnsw"))
	require.NoError(t, err)
	assert.Equal(t, 0, dims)
}

func TestHNSWIndex_Search_Cancelled(t *testing.T) {
	idx := newTestIndex(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 1, 64)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
