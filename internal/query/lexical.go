package query

import (
	"context"
	"strings"

	"github.com/astmcp/astmcp/internal/store"
)

// Lexical scoring weights per matched field.
const (
	sigExactScore     = 1.0
	sigContainsScore  = 0.7
	typeExactScore    = 0.8
	typeContainsScore = 0.5
	summaryScore      = 0.3
	snippetScore      = 0.3
	commonTypeBonus   = 0.2
)

// commonNodeTypes receive the flat type bonus.
var commonNodeTypes = map[store.NodeType]bool{
	store.NodeTypeFunction: true,
	store.NodeTypeClass:    true,
	store.NodeTypeMethod:   true,
	store.NodeTypeVariable: true,
}

// lexicalScore rates an annotation against a query by case-insensitive
// substring overlap across signature, node type, summary and snippet.
// Returns 0 when nothing matches; results are clamped to [0,1].
func lexicalScore(queryLower string, a *store.Annotation) float64 {
	var score float64

	sig := strings.ToLower(a.Signature)
	if sig == queryLower {
		score += sigExactScore
	} else if sig != "" && strings.Contains(sig, queryLower) {
		score += sigContainsScore
	}

	nodeType := strings.ToLower(string(a.NodeType))
	if nodeType == queryLower {
		score += typeExactScore
	} else if nodeType != "" && strings.Contains(nodeType, queryLower) {
		score += typeContainsScore
	}

	if summary := strings.ToLower(a.Summary); summary != "" && strings.Contains(summary, queryLower) {
		score += summaryScore
	}
	if snippet := strings.ToLower(a.SourceSnippet); snippet != "" && strings.Contains(snippet, queryLower) {
		score += snippetScore
	}

	if score > 0 && commonNodeTypes[a.NodeType] {
		score += commonTypeBonus
	}

	return clampScore(score)
}

// signatureScore rates an annotation for the signature strategy: the
// signature component of the lexical table plus the type bonus.
func signatureScore(queryLower string, a *store.Annotation) float64 {
	var score float64

	sig := strings.ToLower(a.Signature)
	if sig == queryLower {
		score += sigExactScore
	} else if sig != "" && strings.Contains(sig, queryLower) {
		score += sigContainsScore
	}

	if score > 0 && commonNodeTypes[a.NodeType] {
		score += commonTypeBonus
	}

	return clampScore(score)
}

// runScoredScan executes the lexical and signature strategies: scan the
// filtered annotation set, score each row, threshold, rank, truncate.
func (p *Processor) runScoredScan(
	ctx context.Context,
	snap *Snapshot,
	req *Request,
	scorer func(queryLower string, a *store.Annotation) float64,
	reason string,
	maxResults int,
	minScore float64,
) ([]*Match, int, []string, error) {
	af, applied := compileFilters(req.Filters)

	annotations, err := snap.Store.Query(ctx, storeFilter(req.Filters))
	if err != nil {
		return nil, 0, applied, err
	}

	queryLower := strings.ToLower(strings.TrimSpace(req.Text))

	matches := make([]*Match, 0, len(annotations))
	for _, a := range annotations {
		if !af.Matches(a) {
			continue
		}
		score := scorer(queryLower, a)
		if score <= 0 || score < minScore {
			continue
		}
		matches = append(matches, &Match{
			Annotation:  a,
			Score:       score,
			MatchReason: reason,
		})
	}

	if err := ctx.Err(); err != nil {
		return nil, 0, applied, err
	}

	sortMatches(matches)
	total := len(matches)
	if len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	return matches, total, applied, nil
}
