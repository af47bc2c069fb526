// Package coordinator is the single entry point for pattern producers and
// consumers. It owns the lifecycle of the coordinate index and the three
// persistence tiers, fans writes out to whichever tiers are connected, and
// routes relationship- and history-shaped reads to the tier that models them.
//
// Consistency model: the coordinate index is the authority for query-time
// correctness; a store that returns success is immediately visible to
// subsequent queries. Mirror writes to the tiers are best-effort and
// eventually consistent; no transaction spans the index and a tier.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldlabs/patternfield/internal/collapse"
	"github.com/fieldlabs/patternfield/internal/field"
	"github.com/fieldlabs/patternfield/internal/pattern"
	"github.com/fieldlabs/patternfield/internal/tier"
)

// ErrTierUnavailable is returned by tier-exclusive reads when the tier they
// require is not connected. Mirror writes never return it to callers.
var ErrTierUnavailable = tier.ErrUnavailable

// GraphStore is the graph-tier surface the coordinator consumes.
type GraphStore interface {
	tier.Tier
	UpsertPattern(ctx context.Context, rec *pattern.Memory) error
	UpsertRelationship(ctx context.Context, rel tier.Relationship) error
	Traverse(ctx context.Context, rootID string, depth int) ([]string, error)
	DegreeCentrality(ctx context.Context, limit int) ([]tier.CentralityEntry, error)
	CommunityStats(ctx context.Context) ([]tier.CommunityStat, error)
}

// CacheStore is the cache-tier surface the coordinator consumes.
type CacheStore interface {
	tier.Tier
	SetPattern(ctx context.Context, rec *pattern.Memory) error
	GetQueryResult(ctx context.Context, fingerprint string) (*pattern.QueryResult, error)
	SetQueryResult(ctx context.Context, fingerprint string, res *pattern.QueryResult) error
	Clear(ctx context.Context, scope tier.ClearScope) error
}

// AnalyticsStore is the analytics-tier surface the coordinator consumes.
type AnalyticsStore interface {
	tier.Tier
	AppendEvent(ctx context.Context, rec *pattern.Memory) error
	Trend(ctx context.Context, category pattern.Category, since time.Time, bucket time.Duration) ([]tier.TrendPoint, error)
	Aggregate(ctx context.Context, since time.Time) ([]tier.CategoryAggregate, error)
}

// Tiers groups the optional persistence backends. A nil entry means the tier
// is not configured; the coordinator then runs in index-only mode for that
// concern and reports degraded health.
type Tiers struct {
	Graph     GraphStore
	Cache     CacheStore
	Analytics AnalyticsStore
}

// Options tune coordinator behavior.
type Options struct {
	// ProbeInterval is how often connected tiers are re-probed. The probe
	// loop is what returns a Degraded tier to Connected without caller
	// intervention. Zero means 30s.
	ProbeInterval time.Duration

	// ConnectTimeout bounds each tier's connect attempt. Zero means 10s.
	ConnectTimeout time.Duration

	// MirrorTimeout bounds each best-effort mirror write. Zero means 5s.
	MirrorTimeout time.Duration

	// CacheEnabled gates query-result caching even when the cache tier is
	// connected.
	CacheEnabled bool
}

// Coordinator orchestrates the coordinate index and the persistence tiers.
type Coordinator struct {
	index  *field.Store
	engine *collapse.Engine
	tiers  Tiers
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	connected  bool
	probeStop  context.CancelFunc
	probeDone  chan struct{}
	lastMirror map[string]MirrorResult

	mirrors sync.WaitGroup
}

// New creates a coordinator. Construction never dials a tier and never fails
// for missing tier credentials; absent tiers simply stay unavailable.
func New(index *field.Store, tiers Tiers, opts Options, logger *zap.Logger) (*Coordinator, error) {
	if index == nil {
		return nil, fmt.Errorf("coordinator: index cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	engine, err := collapse.NewEngine(index, logger.Named("collapse"))
	if err != nil {
		return nil, err
	}
	if opts.ProbeInterval == 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.MirrorTimeout == 0 {
		opts.MirrorTimeout = 5 * time.Second
	}
	return &Coordinator{
		index:      index,
		engine:     engine,
		tiers:      tiers,
		opts:       opts,
		logger:     logger,
		lastMirror: make(map[string]MirrorResult),
	}, nil
}

// Connect attempts to connect every configured tier independently. One tier
// failing never aborts the others, and Connect itself never fails: the
// report carries the per-tier outcome and the system always retains at least
// in-memory capability.
func (c *Coordinator) Connect(ctx context.Context) *HealthReport {
	for _, t := range c.eachTier() {
		connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		err := t.Connect(connectCtx)
		cancel()
		if err != nil {
			c.logger.Warn("tier connect failed, continuing degraded",
				zap.String("tier", t.Name()),
				zap.Error(err))
		}
	}

	c.mu.Lock()
	if !c.connected {
		c.connected = true
		probeCtx, cancel := context.WithCancel(context.Background())
		c.probeStop = cancel
		c.probeDone = make(chan struct{})
		go c.probeLoop(probeCtx, c.probeDone)
	}
	c.mu.Unlock()

	return c.HealthCheck(ctx)
}

// probeLoop periodically re-probes tiers: degraded tiers can recover to
// connected, and configured-but-disconnected tiers get a reconnect attempt.
func (c *Coordinator) probeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range c.eachTier() {
				switch t.State() {
				case tier.Connected, tier.Degraded:
					if err := t.HealthCheck(ctx); err != nil {
						c.logger.Warn("tier probe failed",
							zap.String("tier", t.Name()),
							zap.Error(err))
					}
				case tier.Disconnected:
					connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
					err := t.Connect(connectCtx)
					cancel()
					if err != nil && !errors.Is(err, tier.ErrNotConfigured) {
						c.logger.Debug("tier reconnect failed",
							zap.String("tier", t.Name()),
							zap.Error(err))
					}
				}
			}
		}
	}
}

// HealthCheck reports per-tier and overall status without probing. The
// coordinate index is always usable, so Overall never goes below degraded.
func (c *Coordinator) HealthCheck(ctx context.Context) *HealthReport {
	report := &HealthReport{Tiers: make(map[string]TierHealth, 3)}

	c.mu.Lock()
	mirror := make(map[string]MirrorResult, len(c.lastMirror))
	for k, v := range c.lastMirror {
		mirror[k] = v
	}
	c.mu.Unlock()

	allHealthy := true
	record := func(name string, t tier.Tier) {
		th := TierHealth{Status: StatusUnavailable}
		if t != nil {
			th.Configured = true
			th.Status = statusOf(t.State())
		}
		if m, ok := mirror[name]; ok {
			th.LastMirrorAt = m.At
			if m.Err != nil {
				th.LastMirrorError = m.Err.Error()
				if th.Status == StatusHealthy {
					th.Status = StatusDegraded
				}
			}
		}
		if th.Status != StatusHealthy {
			allHealthy = false
		}
		report.Tiers[name] = th
	}
	record("graph", c.tiers.Graph)
	record("cache", c.tiers.Cache)
	record("analytics", c.tiers.Analytics)

	if allHealthy {
		report.Overall = StatusHealthy
	} else {
		report.Overall = StatusDegraded
	}
	return report
}

// Disconnect releases all tier connections and stops the probe loop. It is
// idempotent and safe to call when never connected.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.probeStop != nil {
		c.probeStop()
		done := c.probeDone
		c.probeStop = nil
		c.probeDone = nil
		c.mu.Unlock()
		<-done
		c.mu.Lock()
	}
	c.connected = false
	c.mu.Unlock()

	// Let in-flight mirrors drain before tearing tiers down.
	c.mirrors.Wait()

	var errs []error
	for _, t := range c.eachTier() {
		if err := t.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StorePattern writes the record to the coordinate index synchronously and
// mirrors it to each connected tier in the background. Validation failures
// surface immediately; tier failures never do — they land in the health
// report and metrics instead. Once teardown has begun the index write still
// succeeds but nothing is mirrored.
func (c *Coordinator) StorePattern(ctx context.Context, rec *pattern.Memory) error {
	if err := c.index.Upsert(rec); err != nil {
		return err
	}

	if !c.beginMirror() {
		return nil
	}
	mirrored := rec.Clone()
	go func() {
		defer c.mirrors.Done()
		results := c.mirrorPattern(context.Background(), mirrored)
		c.recordMirror(results)
	}()
	return nil
}

// beginMirror registers one background mirror if the coordinator is still
// connected. Taking the lock here orders every Add against Disconnect's
// Wait, so a store racing teardown cannot reuse the drained WaitGroup.
func (c *Coordinator) beginMirror() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return false
	}
	c.mirrors.Add(1)
	return true
}

// StorePatterns is the batch producer variant. The index writes are
// sequential and fail-fast; every record indexed before a failure has
// already been queued for mirroring.
func (c *Coordinator) StorePatterns(ctx context.Context, recs []*pattern.Memory) error {
	for i, rec := range recs {
		if err := c.StorePattern(ctx, rec); err != nil {
			return fmt.Errorf("storing pattern %d/%d: %w", i+1, len(recs), err)
		}
	}
	return nil
}

// mirrorPattern fans one record out to every usable tier and returns the
// explicit per-tier outcomes. Tier I/O runs with its own timeout and never
// under the index lock.
func (c *Coordinator) mirrorPattern(ctx context.Context, rec *pattern.Memory) []MirrorResult {
	type mirrorFn struct {
		name string
		run  func(context.Context) error
		skip bool
	}
	fns := []mirrorFn{
		{
			name: "graph",
			skip: c.tiers.Graph == nil || !c.tiers.Graph.State().Usable(),
			run: func(ctx context.Context) error {
				return c.tiers.Graph.UpsertPattern(ctx, rec)
			},
		},
		{
			name: "cache",
			skip: c.tiers.Cache == nil || !c.tiers.Cache.State().Usable(),
			run: func(ctx context.Context) error {
				return c.tiers.Cache.SetPattern(ctx, rec)
			},
		},
		{
			name: "analytics",
			skip: c.tiers.Analytics == nil || !c.tiers.Analytics.State().Usable(),
			run: func(ctx context.Context) error {
				return c.tiers.Analytics.AppendEvent(ctx, rec)
			},
		},
	}

	results := make([]MirrorResult, 0, len(fns))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, fn := range fns {
		if fn.skip {
			continue
		}
		wg.Add(1)
		go func(fn mirrorFn) {
			defer wg.Done()
			opCtx, cancel := context.WithTimeout(ctx, c.opts.MirrorTimeout)
			defer cancel()

			start := time.Now()
			err := fn.run(opCtx)
			res := MirrorResult{Tier: fn.name, Err: err, Duration: time.Since(start), At: time.Now()}

			tier.RecordMirrorResult(fn.name, err)
			if err != nil {
				c.logger.Warn("mirror write failed",
					zap.String("tier", fn.name),
					zap.String("pattern_id", rec.ID),
					zap.Error(err))
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(fn)
	}
	wg.Wait()
	return results
}

// recordMirror folds mirror outcomes into the state the health report reads.
func (c *Coordinator) recordMirror(results []MirrorResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, res := range results {
		c.lastMirror[res.Tier] = res
	}
}

// QueryPatterns resolves a field query against the coordinate index. The
// cache tier, when connected and enabled, can serve a previously collapsed
// result for an identical query at the same index write-version; it never
// blocks resolution when unavailable.
func (c *Coordinator) QueryPatterns(ctx context.Context, q pattern.FieldQuery) (*pattern.QueryResult, error) {
	if err := q.Normalize(); err != nil {
		return nil, err
	}

	var fingerprint string
	useCache := c.opts.CacheEnabled && c.tiers.Cache != nil && c.tiers.Cache.State().Usable()
	if useCache {
		fingerprint = c.queryFingerprint(q)
		if cached, err := c.tiers.Cache.GetQueryResult(ctx, fingerprint); err == nil {
			return cached, nil
		} else if !errors.Is(err, tier.ErrCacheMiss) {
			c.logger.Debug("query cache lookup failed", zap.Error(err))
		}
	}

	res, err := c.engine.Resolve(q)
	if err != nil {
		return nil, err
	}

	if useCache && c.beginMirror() {
		cacheRes := res
		go func() {
			defer c.mirrors.Done()
			opCtx, cancel := context.WithTimeout(context.Background(), c.opts.MirrorTimeout)
			defer cancel()
			if err := c.tiers.Cache.SetQueryResult(opCtx, fingerprint, cacheRes); err != nil {
				c.logger.Debug("query cache store failed", zap.Error(err))
			}
		}()
	}
	return res, nil
}

// QueryText is sugar for a bare-string discovery query.
func (c *Coordinator) QueryText(ctx context.Context, text string) (*pattern.QueryResult, error) {
	return c.QueryPatterns(ctx, pattern.ParseQuery(text))
}

// queryFingerprint hashes the canonical query plus the index write-version,
// so any store invalidates prior cached results.
func (c *Coordinator) queryFingerprint(q pattern.FieldQuery) string {
	payload, _ := json.Marshal(struct {
		Query   pattern.FieldQuery `json:"q"`
		Version uint64             `json:"v"`
	}{q, c.index.Version()})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:16])
}

// Stats returns coordinate index statistics.
func (c *Coordinator) Stats() pattern.StoreStats {
	return c.index.Stats()
}

// PatternDistribution returns the category histogram of the index.
func (c *Coordinator) PatternDistribution() map[pattern.Category]int {
	return c.index.Stats().CategoryDistribution
}

// StoreRelationship writes an edge to the graph tier. Relationship writes
// are tier-exclusive: unlike pattern mirrors there is no in-memory fallback,
// so an absent graph tier is a caller-visible error.
func (c *Coordinator) StoreRelationship(ctx context.Context, rel tier.Relationship) error {
	if c.tiers.Graph == nil || !c.tiers.Graph.State().Usable() {
		return fmt.Errorf("relationship write requires graph tier: %w", ErrTierUnavailable)
	}
	return c.tiers.Graph.UpsertRelationship(ctx, rel)
}

// TraverseRelated returns pattern/symbol IDs reachable from root within
// depth hops. Graph-exclusive.
func (c *Coordinator) TraverseRelated(ctx context.Context, rootID string, depth int) ([]string, error) {
	if c.tiers.Graph == nil || !c.tiers.Graph.State().Usable() {
		return nil, fmt.Errorf("traversal requires graph tier: %w", ErrTierUnavailable)
	}
	return c.tiers.Graph.Traverse(ctx, rootID, depth)
}

// CentralPatterns returns the top-N patterns by relationship degree.
// Graph-exclusive.
func (c *Coordinator) CentralPatterns(ctx context.Context, limit int) ([]tier.CentralityEntry, error) {
	if c.tiers.Graph == nil || !c.tiers.Graph.State().Usable() {
		return nil, fmt.Errorf("centrality requires graph tier: %w", ErrTierUnavailable)
	}
	return c.tiers.Graph.DegreeCentrality(ctx, limit)
}

// CommunityStats returns per-category connectivity aggregates.
// Graph-exclusive.
func (c *Coordinator) CommunityStats(ctx context.Context) ([]tier.CommunityStat, error) {
	if c.tiers.Graph == nil || !c.tiers.Graph.State().Usable() {
		return nil, fmt.Errorf("community stats require graph tier: %w", ErrTierUnavailable)
	}
	return c.tiers.Graph.CommunityStats(ctx)
}

// PatternTrend returns bucketed event volume for a category.
// Analytics-exclusive.
func (c *Coordinator) PatternTrend(ctx context.Context, category pattern.Category, since time.Time, bucket time.Duration) ([]tier.TrendPoint, error) {
	if c.tiers.Analytics == nil || !c.tiers.Analytics.State().Usable() {
		return nil, fmt.Errorf("trend query requires analytics tier: %w", ErrTierUnavailable)
	}
	return c.tiers.Analytics.Trend(ctx, category, since, bucket)
}

// CategoryAggregates returns per-category event summaries since the given
// time. Analytics-exclusive.
func (c *Coordinator) CategoryAggregates(ctx context.Context, since time.Time) ([]tier.CategoryAggregate, error) {
	if c.tiers.Analytics == nil || !c.tiers.Analytics.State().Usable() {
		return nil, fmt.Errorf("aggregate query requires analytics tier: %w", ErrTierUnavailable)
	}
	return c.tiers.Analytics.Aggregate(ctx, since)
}

// ClearCache clears the addressed cache scope. It never touches the
// coordinate index or the durable graph tier.
func (c *Coordinator) ClearCache(ctx context.Context, scope tier.ClearScope) error {
	if c.tiers.Cache == nil || !c.tiers.Cache.State().Usable() {
		return fmt.Errorf("cache clear requires cache tier: %w", ErrTierUnavailable)
	}
	return c.tiers.Cache.Clear(ctx, scope)
}

// eachTier returns the configured tiers in a stable order.
func (c *Coordinator) eachTier() []tier.Tier {
	tiers := make([]tier.Tier, 0, 3)
	if c.tiers.Graph != nil {
		tiers = append(tiers, c.tiers.Graph)
	}
	if c.tiers.Cache != nil {
		tiers = append(tiers, c.tiers.Cache)
	}
	if c.tiers.Analytics != nil {
		tiers = append(tiers, c.tiers.Analytics)
	}
	return tiers
}
