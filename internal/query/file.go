package query

import (
	"context"

	"github.com/astmcp/astmcp/internal/store"
)

// runFile executes the file strategy: glob/regex match over the file
// index, results in source order. An exact path is tried first so plain
// file lookups ride the file_path index.
func (p *Processor) runFile(
	ctx context.Context,
	snap *Snapshot,
	req *Request,
	maxResults int,
) ([]*Match, int, []string, error) {
	af, applied := compileFilters(req.Filters)

	var annotations []*store.Annotation
	var err error

	if req.Text != "" {
		annotations, err = snap.Store.GetByFile(ctx, req.Text)
		if err != nil {
			return nil, 0, applied, err
		}
	}
	if len(annotations) == 0 {
		// Not an exact path: treat the text as a pattern over the corpus.
		all, qerr := snap.Store.Query(ctx, storeFilter(req.Filters))
		if qerr != nil {
			return nil, 0, applied, qerr
		}
		if req.Text == "" {
			annotations = all
		} else {
			matcher := newPathMatcher(req.Text)
			for _, a := range all {
				if matcher.Match(a.FilePath) {
					annotations = append(annotations, a)
				}
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, 0, applied, err
	}

	matches := make([]*Match, 0, len(annotations))
	for _, a := range annotations {
		if !af.Matches(a) {
			continue
		}
		matches = append(matches, &Match{
			Annotation:  a,
			Score:       1.0,
			MatchReason: "file match",
		})
	}

	sortSourceOrder(matches)
	total := len(matches)
	if len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	return matches, total, applied, nil
}
