package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEmbedder_Deterministic(t *testing.T) {
	e := NewStaticEmbedder()
	defer e.Close()
	ctx := context.Background()

	v1, err := e.Embed(ctx, "parse json configuration")
	require.NoError(t, err)
	v2, err := e.Embed(ctx, "parse json configuration")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
}

func TestStaticEmbedder_Normalized(t *testing.T) {
	e := NewStaticEmbedder()
	defer e.Close()

	v, err := e.Embed(context.Background(), "HandleRequest processes incoming requests")
	require.NoError(t, err)
	require.Len(t, v, StaticDimensions)

	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSquares), 1e-5)
}

func TestStaticEmbedder_WhitespaceNormalisation(t *testing.T) {
	e := NewStaticEmbedder()
	defer e.Close()
	ctx := context.Background()

	v1, err := e.Embed(ctx, "  parse   json\n\tconfig  ")
	require.NoError(t, err)
	v2, err := e.Embed(ctx, "parse json config")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
}

func TestStaticEmbedder_EmptyInput(t *testing.T) {
	e := NewStaticEmbedder()
	defer e.Close()

	v, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	require.Len(t, v, StaticDimensions)
	for _, x := range v {
		assert.Zero(t, x)
	}
}

func TestStaticEmbedder_EmbedBatch(t *testing.T) {
	e := NewStaticEmbedder()
	defer e.Close()
	ctx := context.Background()

	texts := []string{"first text", "second text", "first text"}
	vecs, err := e.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	// Identical inputs yield identical rows.
	assert.Equal(t, vecs[0], vecs[2])
	assert.NotEqual(t, vecs[0], vecs[1])
}

func TestStaticEmbedder_BatchBound(t *testing.T) {
	e := NewStaticEmbedder()
	defer e.Close()

	texts := make([]string, MaxBatchSize+1)
	for i := range texts {
		texts[i] = "x"
	}
	_, err := e.EmbedBatch(context.Background(), texts)
	require.Error(t, err)
}

func TestStaticEmbedder_Closed(t *testing.T) {
	e := NewStaticEmbedder()
	require.NoError(t, e.Close())

	assert.False(t, e.Available(context.Background()))
	_, err := e.Embed(context.Background(), "text")
	require.Error(t, err)
}

func TestSplitCamelCase(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"parseJSON", []string{"parse", "JSON"}},
		{"HTTPServer", []string{"HTTP", "Server"}},
		{"simple", []string{"simple"}},
		{"", []string{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitCamelCase(tt.input), "input %q", tt.input)
	}
}

func TestNormalizeText_Truncation(t *testing.T) {
	long := make([]byte, MaxInputBytes*2)
	for i := range long {
		long[i] = 'a'
	}
	out := NormalizeText(string(long))
	assert.Len(t, out, MaxInputBytes)
}
