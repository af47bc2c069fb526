package pattern

import (
	"errors"
	"fmt"
)

// ErrInvalidQuery indicates a malformed query (e.g. non-positive MaxResults).
var ErrInvalidQuery = errors.New("invalid query")

// QueryType selects the confidence/exploration posture of a query. The set is
// open: unknown values are treated as discovery by the engine, with a logged
// warning, so the query vocabulary can evolve without breaking callers.
type QueryType string

const (
	// QueryDiscovery favors breadth; the default for bare-string queries.
	QueryDiscovery QueryType = "discovery"

	// QueryPrecision favors nearest, most-confident matches.
	QueryPrecision QueryType = "precision"

	// QueryCreative weights novelty heavily.
	QueryCreative QueryType = "creative"
)

// Default query parameters, applied by ParseQuery and Normalize when the
// caller leaves fields unset.
const (
	DefaultMinConfidence = 0.3
	DefaultExploration   = 0.5
	DefaultMaxResults    = 10
)

// FieldQuery is the canonical query form. Every entry path (string or
// structured) resolves to one of these before reaching the engine.
type FieldQuery struct {
	// Type selects the query posture. Unknown values degrade to discovery.
	Type QueryType `json:"type"`

	// Confidence is the minimum acceptable raw record confidence, in [0,1].
	Confidence float64 `json:"confidence"`

	// Exploration is the novelty weight, in [0,1]. Zero recovers pure
	// confidence/proximity ranking; one favors under-represented categories.
	Exploration float64 `json:"exploration"`

	// MaxResults bounds the collapsed result list. Must be positive.
	MaxResults int `json:"max_results"`

	// CategoryFilter restricts candidates to one category when set.
	CategoryFilter *Category `json:"category_filter,omitempty"`

	// Text is a free-text probe matched against pattern labels, tags, and
	// titles during candidate generation.
	Text string `json:"text,omitempty"`

	// Anchor is an optional coordinate the query is centered on. When set,
	// candidate confidence is blended with normalized distance to it.
	Anchor []float64 `json:"anchor,omitempty"`
}

// ParseQuery resolves a bare string into the canonical FieldQuery form.
// A bare string is sugar for a discovery query with default thresholds.
func ParseQuery(text string) FieldQuery {
	return FieldQuery{
		Type:        QueryDiscovery,
		Confidence:  DefaultMinConfidence,
		Exploration: DefaultExploration,
		MaxResults:  DefaultMaxResults,
		Text:        text,
	}
}

// Normalize applies defaults and validates caller-controlled fields.
// A zero-valued MaxResults gets the default; a negative one is an error
// because the caller expressed an impossible bound.
func (q *FieldQuery) Normalize() error {
	if q.Type == "" {
		q.Type = QueryDiscovery
	}
	if q.MaxResults == 0 {
		q.MaxResults = DefaultMaxResults
	}
	if q.MaxResults < 0 {
		return fmt.Errorf("%w: max results must be positive, got %d", ErrInvalidQuery, q.MaxResults)
	}
	if q.Confidence < 0.0 || q.Confidence > 1.0 {
		return fmt.Errorf("%w: confidence threshold %v outside [0,1]", ErrInvalidQuery, q.Confidence)
	}
	if q.Exploration < 0.0 || q.Exploration > 1.0 {
		return fmt.Errorf("%w: exploration %v outside [0,1]", ErrInvalidQuery, q.Exploration)
	}
	if q.CategoryFilter != nil && !q.CategoryFilter.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, *q.CategoryFilter)
	}
	return nil
}

// ScoredMemory pairs a record with its relevance under a specific query.
type ScoredMemory struct {
	Memory         *Memory `json:"memory"`
	RelevanceScore float64 `json:"relevance_score"`
}

// CollapseMeta records how the candidate set was pruned during collapse.
type CollapseMeta struct {
	// FilteredByThreshold is the number of candidates dropped for falling
	// below the query's confidence threshold.
	FilteredByThreshold int `json:"filtered_by_threshold"`

	// TruncatedByLimit is the number of candidates cut by MaxResults after
	// ranking.
	TruncatedByLimit int `json:"truncated_by_limit"`

	// ThresholdOverridden is true when the threshold would have emptied a
	// non-empty candidate set and the single best candidate was kept instead.
	ThresholdOverridden bool `json:"threshold_overridden,omitempty"`
}

// QueryResult is the collapsed, ranked answer to a FieldQuery.
type QueryResult struct {
	Results              []ScoredMemory `json:"results"`
	CandidatesConsidered int            `json:"candidates_considered"`
	Collapse             CollapseMeta   `json:"collapse"`
}
