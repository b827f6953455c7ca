package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// fingerprintPayload is the canonical serialisation of a request used as
// the query-cache key. Field order is fixed by the struct; slices are
// carried as-is, so the same OR list given in a different order yields a
// different key.
type fingerprintPayload struct {
	Kind       Kind     `json:"kind"`
	Text       string   `json:"text"`
	Filters    Filters  `json:"filters"`
	MaxResults int      `json:"max_results"`
	MinScore   float64  `json:"min_score"`
	Options    options  `json:"options"`
	Epoch      uint64   `json:"corpus_epoch"`
	Context    *Context `json:"context,omitempty"`
}

// options mirrors Options with the tri-state flattened so nil and true
// fingerprints differ from explicit false.
type options struct {
	SearchEF           int    `json:"search_ef"`
	UseContextBoosting bool   `json:"use_context_boosting"`
	IncludeSimilar     string `json:"include_similar"`
}

// Fingerprint computes the stable cache key for a request at an epoch.
// maxResults and minScore are the resolved (defaulted, clamped) values so
// equivalent requests share a key.
func Fingerprint(req *Request, maxResults int, minScore float64, epoch uint64) string {
	include := "default"
	if req.Options.IncludeSimilar != nil {
		if *req.Options.IncludeSimilar {
			include = "true"
		} else {
			include = "false"
		}
	}

	payload := fingerprintPayload{
		Kind:       req.Kind,
		Text:       strings.TrimSpace(req.Text),
		Filters:    req.Filters,
		MaxResults: maxResults,
		MinScore:   minScore,
		Options: options{
			SearchEF:           req.Options.SearchEF,
			UseContextBoosting: req.Options.UseContextBoosting,
			IncludeSimilar:     include,
		},
		Epoch: epoch,
	}

	// Context changes ranking only when boosting is active; keep it out
	// of the key otherwise so editor chatter doesn't shred the cache.
	if req.Options.UseContextBoosting || req.Kind == KindContextual {
		payload.Context = &req.Context
	}

	data, err := json.Marshal(payload)
	if err != nil {
		// Marshal of plain structs cannot fail; fall back to an
		// uncacheable key rather than panic.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
