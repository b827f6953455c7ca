package query

import (
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/astmcp/astmcp/internal/store"
)

// pathMatcher matches file paths against a pattern: a regex if the
// pattern compiles, a glob otherwise. An empty pattern compiles as a
// regex and matches every path.
type pathMatcher struct {
	re   *regexp.Regexp
	glob string
}

// matcherCache avoids recompiling hot patterns across requests.
var matcherCache sync.Map // string -> *pathMatcher

func newPathMatcher(pattern string) *pathMatcher {
	if cached, ok := matcherCache.Load(pattern); ok {
		return cached.(*pathMatcher)
	}
	m := &pathMatcher{}
	if re, err := regexp.Compile(pattern); err == nil {
		m.re = re
	} else {
		m.glob = pattern
	}
	matcherCache.Store(pattern, m)
	return m
}

func (m *pathMatcher) Match(filePath string) bool {
	if m.re != nil {
		return m.re.MatchString(filePath)
	}
	if ok, err := path.Match(m.glob, filePath); err == nil && ok {
		return true
	}
	// A glob starting with "*" (like "*.go") also matches against the
	// basename of deeper paths the way shell users expect for suffix
	// patterns.
	if strings.HasPrefix(m.glob, "*") {
		ok, _ := path.Match(m.glob, path.Base(filePath))
		return ok
	}
	return false
}

// annotationFilter is the compiled form of request Filters.
type annotationFilter struct {
	pathMatchers []*pathMatcher
	languages    map[string]bool
	nodeType     store.NodeType
	minComplex   *float64
	maxComplex   *float64
}

// compileFilters builds a matcher set plus the list of applied filter
// names reported in response metadata.
func compileFilters(f Filters) (*annotationFilter, []string) {
	af := &annotationFilter{nodeType: store.NodeType(f.NodeType)}
	applied := []string{}

	if len(f.FileGlobs) > 0 {
		for _, pattern := range f.FileGlobs {
			if pattern != "" {
				af.pathMatchers = append(af.pathMatchers, newPathMatcher(pattern))
			}
		}
		if len(af.pathMatchers) > 0 {
			applied = append(applied, "file_glob")
		}
	}
	if len(f.Languages) > 0 {
		af.languages = make(map[string]bool, len(f.Languages))
		for _, lang := range f.Languages {
			if lang != "" {
				af.languages[strings.ToLower(lang)] = true
			}
		}
		if len(af.languages) > 0 {
			applied = append(applied, "language")
		}
	}
	if f.NodeType != "" {
		applied = append(applied, "node_type")
	}
	if f.MinComplexity != nil {
		af.minComplex = f.MinComplexity
		applied = append(applied, "min_complexity")
	}
	if f.MaxComplexity != nil {
		af.maxComplex = f.MaxComplexity
		applied = append(applied, "max_complexity")
	}

	return af, applied
}

// Matches reports whether an annotation passes every predicate.
func (af *annotationFilter) Matches(a *store.Annotation) bool {
	if len(af.pathMatchers) > 0 {
		matched := false
		for _, m := range af.pathMatchers {
			if m.Match(a.FilePath) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if af.languages != nil && !af.languages[strings.ToLower(a.Language)] {
		return false
	}
	if af.nodeType != "" && a.NodeType != af.nodeType {
		return false
	}
	if af.minComplex != nil && a.ComplexityScore < *af.minComplex {
		return false
	}
	if af.maxComplex != nil && a.ComplexityScore > *af.maxComplex {
		return false
	}
	return true
}

// storeFilter pushes the indexable predicates down into the annotation
// store query; glob and multi-language matching stay in-process.
func storeFilter(f Filters) store.Filter {
	sf := store.Filter{
		NodeType:      store.NodeType(f.NodeType),
		MinComplexity: f.MinComplexity,
		MaxComplexity: f.MaxComplexity,
	}
	if len(f.Languages) == 1 {
		sf.Language = f.Languages[0]
	}
	return sf
}
