package mcp

import (
	"time"

	"github.com/astmcp/astmcp/internal/query"
	"github.com/astmcp/astmcp/internal/store"
)

// SemanticSearchInput is the semantic_search tool input schema.
// Unknown keys in incoming params are ignored, never an error.
type SemanticSearchInput struct {
	Query              string   `json:"query" jsonschema:"natural-language search query"`
	MaxResults         int      `json:"max_results,omitempty" jsonschema:"maximum number of results, default 20"`
	MinScore           *float64 `json:"min_score,omitempty" jsonschema:"minimum relevance score, default 0.3"`
	FileFilter         []string `json:"file_filter,omitempty" jsonschema:"file path patterns (regex or glob, OR logic)"`
	LanguageFilter     []string `json:"language_filter,omitempty" jsonschema:"programming languages (OR logic)"`
	NodeType           string   `json:"node_type,omitempty" jsonschema:"node type: function, method, class, interface, variable, other"`
	UseContextBoosting bool     `json:"use_context_boosting,omitempty" jsonschema:"boost results near the editor context"`
	CurrentFile        string   `json:"current_file,omitempty" jsonschema:"file currently open in the editor"`
	SelectedText       string   `json:"selected_text,omitempty" jsonschema:"text selected in the editor"`
	RecentFiles        []string `json:"recent_files,omitempty" jsonschema:"recently visited files"`
	SearchEF           int      `json:"search_ef,omitempty" jsonschema:"HNSW candidate-list width override"`
	IncludeSimilar     *bool    `json:"include_similar,omitempty" jsonschema:"set false to disable the zero-result lexical fallback"`
}

// QueryASTContextInput is the query_ast_context tool input schema: a
// natural-language intent plus editor context, always context-boosted.
type QueryASTContextInput struct {
	Intent         string   `json:"intent" jsonschema:"what the agent is trying to find or understand"`
	MaxResults     int      `json:"max_results,omitempty" jsonschema:"maximum number of results, default 20"`
	MinScore       *float64 `json:"min_score,omitempty" jsonschema:"minimum relevance score, default 0.3"`
	CurrentFile    string   `json:"current_file,omitempty" jsonschema:"file currently open in the editor"`
	SelectedText   string   `json:"selected_text,omitempty" jsonschema:"text selected in the editor"`
	RecentFiles    []string `json:"recent_files,omitempty" jsonschema:"recently visited files"`
	FileFilter     []string `json:"file_filter,omitempty" jsonschema:"file path patterns (regex or glob, OR logic)"`
	LanguageFilter []string `json:"language_filter,omitempty" jsonschema:"programming languages (OR logic)"`
	NodeType       string   `json:"node_type,omitempty" jsonschema:"node type filter"`
}

// FileLookupInput is the file_lookup tool input schema.
type FileLookupInput struct {
	FilePath string `json:"file_path" jsonschema:"relative file path, forward-slash normalised"`
}

// IndexStatsInput is the index_stats tool input schema (empty).
type IndexStatsInput struct{}

// AnnotationOutput is the wire shape of an annotation.
type AnnotationOutput struct {
	NodeID          string  `json:"node_id"`
	FilePath        string  `json:"file_path"`
	NodeType        string  `json:"node_type"`
	Signature       string  `json:"signature"`
	Summary         string  `json:"summary"`
	SourceSnippet   string  `json:"source_snippet"`
	StartLine       int     `json:"start_line"`
	EndLine         int     `json:"end_line"`
	ParentID        string  `json:"parent_id,omitempty"`
	Language        string  `json:"language"`
	ComplexityScore float64 `json:"complexity_score"`
	UpdatedAt       string  `json:"updated_at"`
}

// AnnotationMatchOutput is a ranked annotation result.
type AnnotationMatchOutput struct {
	Annotation  AnnotationOutput `json:"annotation"`
	Score       float64          `json:"score"`
	MatchReason string           `json:"match_reason"`
}

// SearchMetadataOutput mirrors query.Metadata on the wire.
type SearchMetadataOutput struct {
	VectorSearchTimeMs int64    `json:"vector_search_time_ms"`
	RankingTimeMs      int64    `json:"ranking_time_ms"`
	TotalCandidates    int      `json:"total_candidates"`
	AppliedFilters     []string `json:"applied_filters"`
	CacheHit           bool     `json:"cache_hit"`
	CorpusEpoch        uint64   `json:"corpus_epoch"`
}

// SearchOutput is the semantic_search / query_ast_context result schema.
type SearchOutput struct {
	Results        []AnnotationMatchOutput `json:"results"`
	TotalMatches   int                     `json:"total_matches"`
	QueryTime      int64                   `json:"query_time" jsonschema:"milliseconds"`
	SearchStrategy string                  `json:"search_strategy"`
	Metadata       SearchMetadataOutput    `json:"metadata"`
}

// FileLookupOutput is the file_lookup result schema.
type FileLookupOutput struct {
	Annotations []AnnotationOutput `json:"annotations"`
}

// IndexStatsOutput is the index_stats result schema.
type IndexStatsOutput struct {
	NodeCount       int                `json:"node_count"`
	FileCount       int                `json:"file_count"`
	LastUpdated     string             `json:"last_updated_iso8601"`
	Ready           bool               `json:"ready"`
	CorpusEpoch     uint64             `json:"corpus_epoch"`
	AvgComplexity   float64            `json:"avg_complexity"`
	NodeTypes       map[string]int     `json:"node_type_histogram"`
	EmbedderModel   string             `json:"embedder_model"`
	EmbedderDims    int                `json:"embedder_dimensions"`
	QueryTelemetry  QueryTelemetry     `json:"query_telemetry"`
}

// QueryTelemetry surfaces the in-process query metrics.
type QueryTelemetry struct {
	Queries      int64   `json:"queries"`
	CacheHits    int64   `json:"cache_hits"`
	ZeroResults  int64   `json:"zero_results"`
	Fallbacks    int64   `json:"fallbacks"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MaxLatencyMs int64   `json:"max_latency_ms"`
}

// toAnnotationOutput converts a store annotation to its wire shape.
func toAnnotationOutput(a *store.Annotation) AnnotationOutput {
	return AnnotationOutput{
		NodeID:          a.NodeID,
		FilePath:        a.FilePath,
		NodeType:        string(a.NodeType),
		Signature:       a.Signature,
		Summary:         a.Summary,
		SourceSnippet:   a.SourceSnippet,
		StartLine:       a.StartLine,
		EndLine:         a.EndLine,
		ParentID:        a.ParentID,
		Language:        a.Language,
		ComplexityScore: a.ComplexityScore,
		UpdatedAt:       a.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// toSearchOutput converts an engine response to its wire shape.
func toSearchOutput(resp *query.Response) SearchOutput {
	out := SearchOutput{
		Results:        make([]AnnotationMatchOutput, 0, len(resp.Results)),
		TotalMatches:   resp.TotalMatches,
		QueryTime:      resp.QueryTimeMs,
		SearchStrategy: resp.SearchStrategy,
		Metadata: SearchMetadataOutput{
			VectorSearchTimeMs: resp.Metadata.VectorSearchTimeMs,
			RankingTimeMs:      resp.Metadata.RankingTimeMs,
			TotalCandidates:    resp.Metadata.TotalCandidates,
			AppliedFilters:     resp.Metadata.AppliedFilters,
			CacheHit:           resp.Metadata.CacheHit,
			CorpusEpoch:        resp.Metadata.CorpusEpoch,
		},
	}
	if out.Metadata.AppliedFilters == nil {
		out.Metadata.AppliedFilters = []string{}
	}
	for _, m := range resp.Results {
		out.Results = append(out.Results, AnnotationMatchOutput{
			Annotation:  toAnnotationOutput(m.Annotation),
			Score:       m.Score,
			MatchReason: m.MatchReason,
		})
	}
	return out
}
