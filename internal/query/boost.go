package query

import (
	"strings"

	"github.com/astmcp/astmcp/internal/store"
)

// contextBoost computes the additive boost sum for an annotation given
// editor context. The sum is capped at ContextBoostCap.
func contextBoost(a *store.Annotation, qctx Context, queryLanguage string) float64 {
	var boost float64

	if qctx.CurrentFile != "" && a.FilePath == qctx.CurrentFile {
		boost += CurrentFileBoost
	}
	if qctx.SelectedText != "" &&
		fuzzySimilarity(a.Signature, qctx.SelectedText) >= FuzzyMatchThreshold {
		boost += SelectedTextBoost
	}
	for _, recent := range qctx.RecentFiles {
		if a.FilePath == recent {
			boost += RecentFilesBoost
			break
		}
	}
	if queryLanguage != "" && strings.EqualFold(a.Language, queryLanguage) {
		boost += LanguageBoost
	}

	if boost > ContextBoostCap {
		boost = ContextBoostCap
	}
	return boost
}

// boostedScore combines raw similarity with context boosts, clamped to
// [0,1]: score = clamp(0.7*sim + boosts).
func boostedScore(similarity, boost float64) float64 {
	return clampScore(SimilarityWeight*similarity + boost)
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// languageAliases maps query tokens to canonical language names.
var languageAliases = map[string]string{
	"go": "go", "golang": "go",
	"python": "python", "py": "python",
	"typescript": "typescript", "ts": "typescript",
	"javascript": "javascript", "js": "javascript",
	"rust": "rust",
	"java": "java",
	"ruby": "ruby",
	"kotlin": "kotlin",
	"swift": "swift",
	"csharp": "csharp", "c#": "csharp",
	"cpp": "cpp", "c++": "cpp",
}

// inferLanguage scans query text for a language mention. Returns the
// canonical language name or "".
func inferLanguage(text string) string {
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,;:!?()[]{}\"'")
		if lang, ok := languageAliases[token]; ok {
			return lang
		}
	}
	return ""
}

// fuzzySimilarity returns the normalised Levenshtein similarity of two
// strings in [0,1]: 1 - distance/max(len).
func fuzzySimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	ra, rb := []rune(a), []rune(b)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	dist := levenshtein(ra, rb)
	return 1 - float64(dist)/float64(maxLen)
}

// levenshtein computes edit distance with two rolling rows.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost

			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			curr[j] = m
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
