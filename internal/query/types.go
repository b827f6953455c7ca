// Package query implements the semantic query engine: strategy dispatch,
// the semantic ranking pipeline, context boosting, filtering, and lexical
// fallback over the annotation store and vector index.
package query

import (
	"github.com/astmcp/astmcp/internal/store"
)

// Kind selects a query strategy. Strategies are a closed set; dispatch is
// on this tag.
type Kind string

const (
	KindSemantic   Kind = "semantic"
	KindFile       Kind = "file"
	KindSignature  Kind = "signature"
	KindContextual Kind = "contextual"
	KindLexical    Kind = "lexical"
)

// Valid reports whether the kind is a known strategy.
func (k Kind) Valid() bool {
	switch k {
	case KindSemantic, KindFile, KindSignature, KindContextual, KindLexical:
		return true
	}
	return false
}

// Search strategy labels reported in responses.
const (
	StrategySemantic            = "semantic"
	StrategySemanticWithContext = "semantic_with_context"
	StrategyLexicalFallback     = "lexical_fallback"
	StrategyLexical             = "lexical"
	StrategySignature           = "signature"
	StrategyFile                = "file"
)

// Pipeline constants.
const (
	// OverFetchFactor multiplies max_results for candidate retrieval.
	OverFetchFactor = 3

	// CandidateCap bounds the candidate list regardless of max_results.
	CandidateCap = 1000

	// DefaultMinScore is the default score threshold.
	DefaultMinScore = 0.3

	// DefaultMaxResults is used when a request omits max_results.
	DefaultMaxResults = 20

	// MaxResultsCap is the hard cap; larger requests are clamped, not
	// rejected.
	MaxResultsCap = 10000

	// SimilarityWeight scales raw vector similarity when context
	// boosting is applied.
	SimilarityWeight = 0.7

	// ContextBoostCap bounds the sum of all additive context boosts.
	ContextBoostCap = 0.65

	// Individual context boost weights. Their sum equals the cap.
	CurrentFileBoost  = 0.25
	SelectedTextBoost = 0.20
	RecentFilesBoost  = 0.10
	LanguageBoost     = 0.10

	// FuzzyMatchThreshold is the normalised-Levenshtein similarity above
	// which selected text matches a signature.
	FuzzyMatchThreshold = 0.7
)

// Filters narrows the candidate set. Zero values mean no constraint.
type Filters struct {
	// FileGlobs match file paths; each pattern is a regex if it compiles,
	// a glob otherwise. Multiple patterns use OR logic.
	FileGlobs []string `json:"file_glob,omitempty"`

	// Languages match annotation languages (OR logic).
	Languages []string `json:"language,omitempty"`

	// NodeType matches the annotation node type exactly.
	NodeType string `json:"node_type,omitempty"`

	// MinComplexity / MaxComplexity bound the complexity score.
	MinComplexity *float64 `json:"min_complexity,omitempty"`
	MaxComplexity *float64 `json:"max_complexity,omitempty"`
}

// Empty reports whether the filters constrain nothing.
func (f Filters) Empty() bool {
	return len(f.FileGlobs) == 0 && len(f.Languages) == 0 && f.NodeType == "" &&
		f.MinComplexity == nil && f.MaxComplexity == nil
}

// Context carries optional editor state used for boosting.
type Context struct {
	CurrentFile  string   `json:"current_file,omitempty"`
	SelectedText string   `json:"selected_text,omitempty"`
	RecentFiles  []string `json:"recent_files,omitempty"`
}

// Options carries per-request tuning. Unknown option keys arriving over
// the wire are ignored by the front-end, never an error.
type Options struct {
	// SearchEF overrides the configured HNSW candidate-list width.
	SearchEF int `json:"search_ef,omitempty"`

	// UseContextBoosting enables context boosts for semantic queries.
	// Contextual queries force it on.
	UseContextBoosting bool `json:"use_context_boosting,omitempty"`

	// IncludeSimilar, when explicitly false, forbids the zero-result
	// lexical fallback. Nil means allowed.
	IncludeSimilar *bool `json:"include_similar,omitempty"`
}

// Request is a single query against the engine.
type Request struct {
	Kind       Kind     `json:"kind"`
	Text       string   `json:"text"`
	MaxResults int      `json:"max_results,omitempty"`
	MinScore   *float64 `json:"min_score,omitempty"`
	Filters    Filters  `json:"filters,omitempty"`
	Context    Context  `json:"context,omitempty"`
	Options    Options  `json:"options,omitempty"`
}

// Match is a ranked annotation: the external return type.
type Match struct {
	Annotation  *store.Annotation `json:"annotation"`
	Score       float64           `json:"score"`
	MatchReason string            `json:"match_reason"`
}

// Metadata describes how a response was produced.
type Metadata struct {
	VectorSearchTimeMs int64    `json:"vector_search_time_ms"`
	RankingTimeMs      int64    `json:"ranking_time_ms"`
	TotalCandidates    int      `json:"total_candidates"`
	AppliedFilters     []string `json:"applied_filters"`
	CacheHit           bool     `json:"cache_hit"`
	CorpusEpoch        uint64   `json:"corpus_epoch"`
}

// Response is the engine's answer to a request.
type Response struct {
	Results        []*Match `json:"results"`
	TotalMatches   int      `json:"total_matches"`
	QueryTimeMs    int64    `json:"query_time"`
	SearchStrategy string   `json:"search_strategy"`
	Metadata       Metadata `json:"metadata"`
}

// Snapshot is one consistent epoch of the store and index. A query holds
// exactly one snapshot end to end and never mixes handles across epochs.
type Snapshot struct {
	Epoch uint64
	Store store.AnnotationStore
	Index store.VectorIndex
}

// SnapshotSource hands out refcounted snapshots. The release function
// must be called exactly once; the hot-reload coordinator closes retired
// handles only after their last reader has released.
type SnapshotSource interface {
	// Acquire returns the current snapshot and its release function.
	Acquire() (*Snapshot, func())

	// Ready reports whether the engine can answer queries: store open,
	// index non-empty, epoch set at least once.
	Ready() bool
}
