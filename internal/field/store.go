package field

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fieldlabs/patternfield/internal/pattern"
)

// Default capacity bounds. Both are overridable via Config.
const (
	DefaultMaxMemories          = 1_000_000
	DefaultMaxSuperpositionSize = 50_000

	// evictionHalfLife controls how fast a record's eviction weight decays
	// with age. After one half-life the weight of a record's confidence is
	// halved relative to a fresh record.
	evictionHalfLife = 7 * 24 * time.Hour
)

// Config configures a Store.
type Config struct {
	// Dimensions fixes the coordinate dimensionality for every record in
	// this store. Required, typically 3-8.
	Dimensions int

	// MaxMemories bounds the total entry count. Zero means DefaultMaxMemories.
	MaxMemories int

	// MaxSuperpositionSize bounds the candidates materialized per query.
	// Zero means DefaultMaxSuperpositionSize.
	MaxSuperpositionSize int
}

// QueryOptions tune a direct index scan.
type QueryOptions struct {
	// MaxResults bounds the returned slice. Zero means no explicit bound
	// beyond the superposition cap.
	MaxResults int

	// Near ranks candidates by Euclidean distance to this coordinate when
	// set. Length must match the store dimensionality.
	Near []float64

	// Radius drops candidates farther than this from Near when positive.
	Radius float64
}

// Store is the coordinate index. All exported methods are safe for
// concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[string]*pattern.Memory

	dimensions int
	maxEntries int
	maxSuper   int

	totalOps  atomic.Uint64
	writes    atomic.Uint64
	evictions atomic.Uint64

	logger *zap.Logger
}

// NewStore creates a coordinate index with the given configuration.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("field: dimensions must be positive, got %d", cfg.Dimensions)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	maxEntries := cfg.MaxMemories
	if maxEntries == 0 {
		maxEntries = DefaultMaxMemories
	}
	maxSuper := cfg.MaxSuperpositionSize
	if maxSuper == 0 {
		maxSuper = DefaultMaxSuperpositionSize
	}
	return &Store{
		records:    make(map[string]*pattern.Memory),
		dimensions: cfg.Dimensions,
		maxEntries: maxEntries,
		maxSuper:   maxSuper,
		logger:     logger,
	}, nil
}

// Dimensions returns the configured coordinate dimensionality.
func (s *Store) Dimensions() int { return s.dimensions }

// SuperpositionCap returns the per-query candidate bound.
func (s *Store) SuperpositionCap() int { return s.maxSuper }

// Upsert inserts or fully replaces the record with the same ID.
//
// Validation failures (ErrInvalidCategory, ErrInvalidConfidence,
// ErrDimensionMismatch) leave the store untouched. Inserting past the
// capacity bound silently evicts the record with the lowest
// confidence-times-recency weight; the eviction is observable via Stats.
func (s *Store) Upsert(rec *pattern.Memory) error {
	if rec == nil {
		return fmt.Errorf("field: %w", pattern.ErrEmptyID)
	}
	if err := rec.Validate(s.dimensions); err != nil {
		return err
	}

	stored := rec.Clone()
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}

	s.mu.Lock()
	_, replacing := s.records[stored.ID]
	if !replacing && len(s.records) >= s.maxEntries {
		s.evictLocked()
	}
	s.records[stored.ID] = stored
	s.mu.Unlock()

	s.totalOps.Add(1)
	s.writes.Add(1)
	return nil
}

// Version returns the cumulative write count. Cached query results are
// fingerprinted against it so a write invalidates them implicitly.
func (s *Store) Version() uint64 { return s.writes.Load() }

// evictLocked removes the record with the lowest confidence x recency weight,
// ties broken by oldest timestamp. Caller holds the write lock.
func (s *Store) evictLocked() {
	var victim *pattern.Memory
	victimWeight := math.Inf(1)
	now := time.Now()

	for _, rec := range s.records {
		w := evictionWeight(rec, now)
		if victim == nil || w < victimWeight ||
			(w == victimWeight && rec.Timestamp.Before(victim.Timestamp)) {
			victim = rec
			victimWeight = w
		}
	}
	if victim == nil {
		return
	}

	delete(s.records, victim.ID)
	s.evictions.Add(1)
	s.logger.Debug("evicted pattern at capacity",
		zap.String("id", victim.ID),
		zap.String("pattern", victim.Pattern),
		zap.Float64("weight", victimWeight))
}

// evictionWeight is confidence scaled by exponential recency decay, so a
// stale high-confidence record eventually loses to a fresh mid-confidence one.
func evictionWeight(rec *pattern.Memory, now time.Time) float64 {
	age := now.Sub(rec.Timestamp)
	if age < 0 {
		age = 0
	}
	decay := math.Exp2(-age.Hours() / evictionHalfLife.Hours())
	return rec.Confidence * decay
}

// Query scans the index directly.
//
// An empty or "*" label matches all labels; an empty categories slice matches
// all categories. With opts.Near set, candidates are ranked by Euclidean
// distance ascending, ties broken by higher confidence then earlier
// timestamp. Without an anchor, results are most-recent-first. The working
// set is capped at the superposition bound before ranking.
func (s *Store) Query(label string, categories []pattern.Category, opts QueryOptions) ([]*pattern.Memory, error) {
	if opts.Near != nil && len(opts.Near) != s.dimensions {
		return nil, fmt.Errorf("%w: anchor has %d dimensions, store configured for %d",
			pattern.ErrDimensionMismatch, len(opts.Near), s.dimensions)
	}

	catSet := make(map[pattern.Category]struct{}, len(categories))
	for _, c := range categories {
		catSet[c] = struct{}{}
	}
	wildcard := label == "" || label == "*"

	s.mu.RLock()
	candidates := make([]*pattern.Memory, 0, 64)
	for _, rec := range s.records {
		if len(candidates) >= s.maxSuper {
			break
		}
		if !wildcard && rec.Pattern != label {
			continue
		}
		if len(catSet) > 0 {
			if _, ok := catSet[rec.Category]; !ok {
				continue
			}
		}
		candidates = append(candidates, rec)
	}
	s.mu.RUnlock()

	s.totalOps.Add(1)

	if opts.Near != nil {
		type ranked struct {
			rec  *pattern.Memory
			dist float64
		}
		rankedSet := make([]ranked, 0, len(candidates))
		for _, rec := range candidates {
			d := euclidean(rec.Coordinates, opts.Near)
			if opts.Radius > 0 && d > opts.Radius {
				continue
			}
			rankedSet = append(rankedSet, ranked{rec: rec, dist: d})
		}
		sort.SliceStable(rankedSet, func(i, j int) bool {
			if rankedSet[i].dist != rankedSet[j].dist {
				return rankedSet[i].dist < rankedSet[j].dist
			}
			if rankedSet[i].rec.Confidence != rankedSet[j].rec.Confidence {
				return rankedSet[i].rec.Confidence > rankedSet[j].rec.Confidence
			}
			return rankedSet[i].rec.Timestamp.Before(rankedSet[j].rec.Timestamp)
		})
		candidates = candidates[:0]
		for _, r := range rankedSet {
			candidates = append(candidates, r.rec)
		}
	} else {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Timestamp.After(candidates[j].Timestamp)
		})
	}

	if opts.MaxResults > 0 && len(candidates) > opts.MaxResults {
		candidates = candidates[:opts.MaxResults]
	}

	out := make([]*pattern.Memory, len(candidates))
	for i, rec := range candidates {
		out[i] = rec.Clone()
	}
	return out, nil
}

// Get returns the record with the given ID, or nil.
func (s *Store) Get(id string) *pattern.Memory {
	s.mu.RLock()
	rec := s.records[id]
	s.mu.RUnlock()
	return rec.Clone()
}

// Superposition materializes the bounded candidate set for a field query:
// category filter when present, otherwise a text probe against pattern
// labels, content tags, and titles; a blank probe matches everything. The
// result is capped at the superposition bound.
func (s *Store) Superposition(q pattern.FieldQuery) []*pattern.Memory {
	probe := strings.ToLower(strings.TrimSpace(q.Text))

	s.mu.RLock()
	candidates := make([]*pattern.Memory, 0, 64)
	for _, rec := range s.records {
		if len(candidates) >= s.maxSuper {
			break
		}
		if q.CategoryFilter != nil && rec.Category != *q.CategoryFilter {
			continue
		}
		if probe != "" && !matchesProbe(rec, probe) {
			continue
		}
		candidates = append(candidates, rec.Clone())
	}
	s.mu.RUnlock()

	s.totalOps.Add(1)
	return candidates
}

// matchesProbe reports whether any of the record's label, tags, title, or
// category contain the lowercased probe.
func matchesProbe(rec *pattern.Memory, probe string) bool {
	if strings.Contains(strings.ToLower(rec.Pattern), probe) {
		return true
	}
	if strings.Contains(strings.ToLower(rec.Content.Title), probe) {
		return true
	}
	if strings.Contains(strings.ToLower(string(rec.Category)), probe) {
		return true
	}
	for _, tag := range rec.Content.Tags {
		if strings.Contains(strings.ToLower(tag), probe) {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of store statistics.
func (s *Store) Stats() pattern.StoreStats {
	s.mu.RLock()
	labels := make(map[string]struct{}, len(s.records))
	dist := make(map[pattern.Category]int)
	for _, rec := range s.records {
		labels[rec.Pattern] = struct{}{}
		dist[rec.Category]++
	}
	total := len(s.records)
	s.mu.RUnlock()

	return pattern.StoreStats{
		TotalEntries:         total,
		UniquePatterns:       len(labels),
		TotalOperations:      s.totalOps.Load(),
		Evictions:            s.evictions.Load(),
		CategoryDistribution: dist,
	}
}

// euclidean is the L2 distance between two equal-length coordinates.
func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
