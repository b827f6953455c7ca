package query

import "sort"

// sortMatches orders matches deterministically: score desc, then
// file_path asc, start_line asc, node_id asc. Stable so equal keys keep
// their arrival order while the tie-break chain decides everything else.
func sortMatches(matches []*Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Annotation.FilePath != b.Annotation.FilePath {
			return a.Annotation.FilePath < b.Annotation.FilePath
		}
		if a.Annotation.StartLine != b.Annotation.StartLine {
			return a.Annotation.StartLine < b.Annotation.StartLine
		}
		return a.Annotation.NodeID < b.Annotation.NodeID
	})
}

// sortSourceOrder orders matches by file then line, for file queries.
func sortSourceOrder(matches []*Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Annotation.FilePath != b.Annotation.FilePath {
			return a.Annotation.FilePath < b.Annotation.FilePath
		}
		if a.Annotation.StartLine != b.Annotation.StartLine {
			return a.Annotation.StartLine < b.Annotation.StartLine
		}
		return a.Annotation.NodeID < b.Annotation.NodeID
	})
}
