// Package store provides annotation persistence (SQLite) and the HNSW
// vector index. This is the persistence layer for all indexed data.
package store

import (
	"context"
	"fmt"
	"time"
)

// NodeType classifies an annotated AST node.
type NodeType string

const (
	NodeTypeFunction  NodeType = "function"
	NodeTypeMethod    NodeType = "method"
	NodeTypeClass     NodeType = "class"
	NodeTypeInterface NodeType = "interface"
	NodeTypeVariable  NodeType = "variable"
	NodeTypeOther     NodeType = "other"
)

// Annotation is the hydrated AST node record.
type Annotation struct {
	NodeID          string    `json:"node_id"`
	FilePath        string    `json:"file_path"` // relative, forward-slash normalised
	NodeType        NodeType  `json:"node_type"`
	Signature       string    `json:"signature"`
	Summary         string    `json:"summary"` // <= 200 chars
	SourceSnippet   string    `json:"source_snippet"`
	StartLine       int       `json:"start_line"` // 1-based inclusive
	EndLine         int       `json:"end_line"`
	ParentID        string    `json:"parent_id,omitempty"` // empty = no parent
	Language        string    `json:"language"`
	ComplexityScore float64   `json:"complexity_score"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Validate checks the structural invariants of an annotation.
func (a *Annotation) Validate() error {
	if a.NodeID == "" {
		return fmt.Errorf("annotation missing node_id")
	}
	if a.FilePath == "" {
		return fmt.Errorf("annotation %s missing file_path", a.NodeID)
	}
	if a.StartLine < 1 || a.EndLine < a.StartLine {
		return fmt.Errorf("annotation %s has invalid line range %d-%d", a.NodeID, a.StartLine, a.EndLine)
	}
	if a.ComplexityScore < 0 {
		return fmt.Errorf("annotation %s has negative complexity", a.NodeID)
	}
	return nil
}

// Embedding joins a node to its vector by id, not by pointer.
type Embedding struct {
	NodeID      string
	Vector      []float32 // L2-normalised
	ContentHash string    // hash of the text that produced the vector
}

// Filter holds composable annotation predicates.
// Zero values mean "no constraint".
type Filter struct {
	// FileGlob is a FilePath pattern; SQLiteStore.Query does not apply
	// it, so callers match file paths themselves.
	FileGlob string
	// Language matches the annotation language exactly.
	Language string
	// NodeType matches the annotation node type exactly.
	NodeType NodeType
	// MinComplexity / MaxComplexity bound the complexity score.
	// Nil means unbounded.
	MinComplexity *float64
	MaxComplexity *float64
}

// Empty reports whether the filter constrains nothing.
func (f Filter) Empty() bool {
	return f.FileGlob == "" && f.Language == "" && f.NodeType == "" &&
		f.MinComplexity == nil && f.MaxComplexity == nil
}

// Statistics summarises the annotation corpus.
type Statistics struct {
	Files             int
	Nodes             int
	AvgComplexity     float64
	NodeTypeHistogram map[NodeType]int
	LastUpdated       time.Time
}

// AnnotationStore persists annotations in SQLite.
// The query path opens the store read-only; writes belong to ingest.
type AnnotationStore interface {
	// GetByID returns the annotation for a node id, or nil if absent.
	GetByID(ctx context.Context, nodeID string) (*Annotation, error)

	// GetByFile returns a file's annotations in source order (start_line asc).
	GetByFile(ctx context.Context, path string) ([]*Annotation, error)

	// Query returns annotations matching the filter, in deterministic
	// (file_path asc, start_line asc, node_id asc) order.
	Query(ctx context.Context, f Filter) ([]*Annotation, error)

	// RecentChanges returns annotations updated strictly after since,
	// in ascending updated_at order.
	RecentChanges(ctx context.Context, since time.Time) ([]*Annotation, error)

	// Count returns the number of annotations.
	Count(ctx context.Context) (int, error)

	// Statistics returns corpus statistics.
	Statistics(ctx context.Context) (*Statistics, error)

	// Close releases the store.
	Close() error
}

// VectorMatch is a single vector search result.
type VectorMatch struct {
	NodeID string
	Score  float32 // normalised similarity in [0,1]
}

// VectorIndexConfig configures the vector index.
type VectorIndexConfig struct {
	// Dimensions is the vector dimension, fixed by the embedding model.
	Dimensions int

	// M is the HNSW graph degree.
	M int

	// EfConstruction is the build-time candidate-list width.
	EfConstruction int

	// EfSearch is the default query-time candidate-list width.
	EfSearch int

	// MaxElements caps the index size.
	MaxElements int
}

// DefaultVectorIndexConfig returns sensible defaults for a dimension.
func DefaultVectorIndexConfig(dimensions int) VectorIndexConfig {
	return VectorIndexConfig{
		Dimensions:     dimensions,
		M:              16,
		EfConstruction: 128,
		EfSearch:       64,
		MaxElements:    1_000_000,
	}
}

// VectorIndexStats describes an open index.
type VectorIndexStats struct {
	Count     int
	Dimension int
}

// VectorIndex provides approximate nearest-neighbour search over
// L2-normalised embeddings with cosine distance.
type VectorIndex interface {
	// Search returns up to k matches ordered by descending score.
	// ef is the candidate-list width and is floored at k.
	Search(ctx context.Context, query []float32, k, ef int) ([]*VectorMatch, error)

	// Add inserts vectors with their node ids. Existing ids are replaced.
	Add(ctx context.Context, ids []string, vectors [][]float32) error

	// Delete removes vectors by node id.
	Delete(ctx context.Context, ids []string) error

	// Contains reports whether a node id is indexed.
	Contains(id string) bool

	// Stats returns index statistics.
	Stats() VectorIndexStats

	// Save persists the index to disk atomically.
	Save(path string) error

	// Close releases resources.
	Close() error
}

// ErrDimensionMismatch indicates a query/index vector dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
