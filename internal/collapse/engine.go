// Package collapse implements the query resolution engine: it turns a
// FieldQuery into a bounded, scored result set under an explicit
// confidence/exploration trade-off.
//
// "Superposition" and "collapse" are design metaphors, not physics: the
// superposition is the bounded candidate set materialized by the coordinate
// index, and collapse is ranking plus truncation to the final result list.
//
// Scoring normalization: when a query carries a coordinate anchor, candidate
// distance is min-max normalized over the current candidate set, per query.
// Both score terms are therefore in [0,1] by construction regardless of
// coordinate scale.
package collapse

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/fieldlabs/patternfield/internal/field"
	"github.com/fieldlabs/patternfield/internal/pattern"
)

// Engine resolves field queries against a coordinate index.
type Engine struct {
	store  *field.Store
	logger *zap.Logger
}

// NewEngine creates a query resolution engine.
func NewEngine(store *field.Store, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("collapse: store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, logger: logger}, nil
}

// Resolve executes the full superposition-collapse pipeline:
//
//  1. Materialize up to the store's superposition cap of candidates from the
//     query's category filter or text probe.
//  2. Score each candidate: relevance = (1-exploration)*confidence +
//     exploration*novelty, where confidence is optionally blended with
//     normalized distance to the anchor and novelty rewards candidates whose
//     category is under-represented in the candidate set.
//  3. Drop candidates whose raw confidence falls below the query threshold,
//     unless that would empty a non-empty set, in which case the single
//     highest-confidence candidate survives.
//  4. Sort by relevance descending (ties: confidence, then recency) and
//     truncate to MaxResults.
//
// An empty store yields an empty result with CandidatesConsidered zero; that
// is not an error.
func (e *Engine) Resolve(q pattern.FieldQuery) (*pattern.QueryResult, error) {
	if err := q.Normalize(); err != nil {
		return nil, err
	}
	if q.Anchor != nil && len(q.Anchor) != e.store.Dimensions() {
		return nil, fmt.Errorf("%w: anchor has %d dimensions, store configured for %d",
			pattern.ErrDimensionMismatch, len(q.Anchor), e.store.Dimensions())
	}

	switch q.Type {
	case pattern.QueryDiscovery, pattern.QueryPrecision, pattern.QueryCreative:
	default:
		e.logger.Warn("unknown query type, treating as discovery",
			zap.String("type", string(q.Type)))
		q.Type = pattern.QueryDiscovery
	}

	candidates := e.store.Superposition(q)
	result := &pattern.QueryResult{CandidatesConsidered: len(candidates)}
	if len(candidates) == 0 {
		result.Results = []pattern.ScoredMemory{}
		return result, nil
	}

	scored := e.score(candidates, q)

	// Threshold filter on raw confidence. Never collapse a non-empty
	// candidate set to nothing without signaling why: if everything falls
	// below the threshold, the single most confident candidate survives and
	// the override is recorded in the collapse metadata.
	kept := scored[:0]
	for _, sm := range scored {
		if sm.Memory.Confidence >= q.Confidence {
			kept = append(kept, sm)
		} else {
			result.Collapse.FilteredByThreshold++
		}
	}
	if len(kept) == 0 {
		best := scored[0]
		for _, sm := range scored[1:] {
			if sm.Memory.Confidence > best.Memory.Confidence {
				best = sm
			}
		}
		kept = append(kept, best)
		result.Collapse.FilteredByThreshold--
		result.Collapse.ThresholdOverridden = true
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].RelevanceScore != kept[j].RelevanceScore {
			return kept[i].RelevanceScore > kept[j].RelevanceScore
		}
		if kept[i].Memory.Confidence != kept[j].Memory.Confidence {
			return kept[i].Memory.Confidence > kept[j].Memory.Confidence
		}
		return kept[i].Memory.Timestamp.After(kept[j].Memory.Timestamp)
	})

	if len(kept) > q.MaxResults {
		result.Collapse.TruncatedByLimit = len(kept) - q.MaxResults
		kept = kept[:q.MaxResults]
	}

	result.Results = append([]pattern.ScoredMemory(nil), kept...)
	return result, nil
}

// score computes relevance for every candidate.
//
// Novelty has two components, each in [0,1]: the share-based category term
// (rare categories in the candidate set score high) and a region term that
// rewards candidates far from the candidate set's coordinate centroid, since
// a sparsely populated region is by definition under-represented. Both the
// region term and the anchor distance blend are min-max normalized over the
// candidate set, per query.
func (e *Engine) score(candidates []*pattern.Memory, q pattern.FieldQuery) []pattern.ScoredMemory {
	total := len(candidates)

	categoryCounts := make(map[pattern.Category]int, 8)
	for _, rec := range candidates {
		categoryCounts[rec.Category]++
	}

	// Min-max normalized distance to the query anchor.
	var anchorNorm []float64
	if q.Anchor != nil {
		distances := make([]float64, total)
		for i, rec := range candidates {
			distances[i] = euclidean(rec.Coordinates, q.Anchor)
		}
		anchorNorm = minMaxNormalize(distances)
	}

	// Min-max normalized distance to the candidate centroid.
	centroid := centroidOf(candidates)
	centroidDist := make([]float64, total)
	for i, rec := range candidates {
		centroidDist[i] = euclidean(rec.Coordinates, centroid)
	}
	regionNovelty := minMaxNormalize(centroidDist)

	scored := make([]pattern.ScoredMemory, total)
	for i, rec := range candidates {
		confidenceScore := rec.Confidence
		if anchorNorm != nil {
			confidenceScore *= 1 - anchorNorm[i]
		}

		categoryNovelty := 1 - float64(categoryCounts[rec.Category])/float64(total)
		noveltyScore := 0.5*categoryNovelty + 0.5*regionNovelty[i]

		scored[i] = pattern.ScoredMemory{
			Memory:         rec,
			RelevanceScore: (1-q.Exploration)*confidenceScore + q.Exploration*noveltyScore,
		}
	}
	return scored
}

// centroidOf averages the candidate coordinates component-wise.
func centroidOf(candidates []*pattern.Memory) []float64 {
	if len(candidates) == 0 {
		return nil
	}
	centroid := make([]float64, len(candidates[0].Coordinates))
	for _, rec := range candidates {
		for i, v := range rec.Coordinates {
			centroid[i] += v
		}
	}
	for i := range centroid {
		centroid[i] /= float64(len(candidates))
	}
	return centroid
}

// minMaxNormalize maps values onto [0,1]. A degenerate spread maps to zeros.
func minMaxNormalize(values []float64) []float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make([]float64, len(values))
	if hi <= lo {
		return out
	}
	for i, v := range values {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
