package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astmcp/astmcp/internal/embed"
	"github.com/astmcp/astmcp/internal/store"
	"github.com/astmcp/astmcp/internal/workspace"
)

func newTestLoader(t *testing.T) (*Loader, embed.Embedder) {
	t.Helper()
	embedder := embed.NewStaticEmbedder()
	t.Cleanup(func() { _ = embedder.Close() })

	loader, err := NewLoader(embedder, store.VectorIndexConfig{}, 0, nil)
	require.NoError(t, err)
	return loader, embedder
}

func exportLine(t *testing.T, fields map[string]any) string {
	t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	return string(data)
}

func baseRecord(id, file string, line int) map[string]any {
	return map[string]any{
		"node_id":        id,
		"file_path":      file,
		"node_type":      "function",
		"signature":      "func " + id + "()",
		"summary":        "does " + id,
		"source_snippet": "func " + id + "() {}",
		"start_line":     line,
		"end_line":       line + 3,
		"language":       "go",
	}
}

func TestLoader_LoadBuildsStoreAndIndex(t *testing.T) {
	loader, _ := newTestLoader(t)
	layout := workspace.New(t.TempDir())

	export := strings.Join([]string{
		exportLine(t, baseRecord("f1", "src/a.go", 1)),
		exportLine(t, baseRecord("f2", "src/a.go", 10)),
		exportLine(t, baseRecord("f3", "src/b.go", 1)),
	}, "\n")

	result, err := loader.Load(context.Background(), layout, strings.NewReader(export))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Annotations)
	assert.Equal(t, 3, result.Embedded)
	assert.Equal(t, 0, result.Reused)

	// The annotation store holds the rows.
	s, err := store.OpenSQLiteStoreReadOnly(layout.AnnotationStorePath())
	require.NoError(t, err)
	defer s.Close()

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	embs, err := s.AllEmbeddings(context.Background())
	require.NoError(t, err)
	assert.Len(t, embs, 3)

	// The vector index holds a matching vector for every annotation.
	idx, err := store.OpenHNSWIndex(layout.VectorIndexPath(), store.VectorIndexConfig{})
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, 3, idx.Stats().Count)
	for _, id := range []string{"f1", "f2", "f3"} {
		assert.True(t, idx.Contains(id))
	}

	dims, err := s.GetMeta(context.Background(), MetaKeyDimensions)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d", embed.StaticDimensions), dims)
}

func TestLoader_ReusesFreshVectors(t *testing.T) {
	loader, embedder := newTestLoader(t)
	layout := workspace.New(t.TempDir())

	rec := baseRecord("f1", "src/a.go", 1)
	a := &store.Annotation{
		NodeID: "f1", FilePath: "src/a.go", NodeType: store.NodeTypeFunction,
		Signature: "func f1()", Summary: "does f1", SourceSnippet: "func f1() {}",
		StartLine: 1, EndLine: 4, Language: "go",
	}
	text := EmbedText(a)
	vec, err := embedder.Embed(context.Background(), text)
	require.NoError(t, err)
	rec["vector"] = vec
	rec["content_hash"] = HashText(text)

	result, err := loader.Load(context.Background(), layout, strings.NewReader(exportLine(t, rec)))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reused)
	assert.Equal(t, 0, result.Embedded)
}

func TestLoader_StaleHashReembeds(t *testing.T) {
	loader, _ := newTestLoader(t)
	layout := workspace.New(t.TempDir())

	rec := baseRecord("f1", "src/a.go", 1)
	rec["vector"] = make([]float32, embed.StaticDimensions)
	rec["content_hash"] = "stale"

	result, err := loader.Load(context.Background(), layout, strings.NewReader(exportLine(t, rec)))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Reused)
	assert.Equal(t, 1, result.Embedded)
}

func TestLoader_RejectsBadVectorShape(t *testing.T) {
	loader, _ := newTestLoader(t)
	layout := workspace.New(t.TempDir())

	rec := baseRecord("f1", "src/a.go", 1)
	rec["vector"] = []float32{1, 2, 3} // wrong dimension
	rec["content_hash"] = "whatever"

	_, err := loader.Load(context.Background(), layout, strings.NewReader(exportLine(t, rec)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestLoader_RejectsInvalidRecords(t *testing.T) {
	loader, _ := newTestLoader(t)
	layout := workspace.New(t.TempDir())

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing node_id", func(m map[string]any) { delete(m, "node_id") }},
		{"inverted lines", func(m map[string]any) { m["start_line"] = 10; m["end_line"] = 5 }},
		{"negative complexity", func(m map[string]any) { m["complexity_score"] = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := baseRecord("f1", "src/a.go", 1)
			tt.mutate(rec)
			_, err := loader.Load(context.Background(), layout, strings.NewReader(exportLine(t, rec)))
			require.Error(t, err)
		})
	}
}

func TestLoader_RejectsDuplicateIDs(t *testing.T) {
	loader, _ := newTestLoader(t)
	layout := workspace.New(t.TempDir())

	export := strings.Join([]string{
		exportLine(t, baseRecord("dup", "src/a.go", 1)),
		exportLine(t, baseRecord("dup", "src/b.go", 1)),
	}, "\n")

	_, err := loader.Load(context.Background(), layout, strings.NewReader(export))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLoader_RejectsUnresolvedParent(t *testing.T) {
	loader, _ := newTestLoader(t)
	layout := workspace.New(t.TempDir())

	child := baseRecord("child", "src/a.go", 5)
	child["parent_id"] = "ghost"

	_, err := loader.Load(context.Background(), layout, strings.NewReader(exportLine(t, child)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parent")
}

func TestLoader_ParentInSameFileAccepted(t *testing.T) {
	loader, _ := newTestLoader(t)
	layout := workspace.New(t.TempDir())

	parent := baseRecord("parent", "src/a.go", 1)
	child := baseRecord("child", "src/a.go", 5)
	child["parent_id"] = "parent"

	export := exportLine(t, parent) + "\n" + exportLine(t, child)
	result, err := loader.Load(context.Background(), layout, strings.NewReader(export))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Annotations)
}

func TestLoader_EmptyExport(t *testing.T) {
	loader, _ := newTestLoader(t)
	layout := workspace.New(t.TempDir())

	_, err := loader.Load(context.Background(), layout, strings.NewReader(""))
	require.Error(t, err)
}

func TestLoader_SkipsBlankLines(t *testing.T) {
	loader, _ := newTestLoader(t)
	layout := workspace.New(t.TempDir())

	export := "\n" + exportLine(t, baseRecord("f1", "src/a.go", 1)) + "\n\n"
	result, err := loader.Load(context.Background(), layout, strings.NewReader(export))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Annotations)
}

func TestLoader_WorkspaceLayoutCreated(t *testing.T) {
	loader, _ := newTestLoader(t)
	root := t.TempDir()
	layout := workspace.New(root)

	_, err := loader.Load(context.Background(), layout,
		strings.NewReader(exportLine(t, baseRecord("f1", "src/a.go", 1))))
	require.NoError(t, err)

	for _, path := range []string{
		layout.AnnotationStorePath(),
		layout.VectorIndexPath(),
		layout.VectorIndexPath() + ".meta",
	} {
		_, err := os.Stat(path)
		assert.NoError(t, err, path)
	}
}
