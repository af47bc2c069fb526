package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldlabs/patternfield/internal/field"
	"github.com/fieldlabs/patternfield/internal/pattern"
	"github.com/fieldlabs/patternfield/internal/tier"
)

// fakeTier is the lifecycle half shared by the fake tier implementations.
type fakeTier struct {
	name       string
	state      atomic.Int32
	connectErr error
	healthErr  error

	disconnects atomic.Int32
}

func (f *fakeTier) Name() string { return f.name }

func (f *fakeTier) State() tier.State { return tier.State(f.state.Load()) }

func (f *fakeTier) setState(s tier.State) { f.state.Store(int32(s)) }

func (f *fakeTier) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		f.setState(tier.Disconnected)
		return f.connectErr
	}
	f.setState(tier.Connected)
	return nil
}

func (f *fakeTier) HealthCheck(ctx context.Context) error {
	if f.healthErr != nil {
		f.setState(tier.Degraded)
		return f.healthErr
	}
	f.setState(tier.Connected)
	return nil
}

func (f *fakeTier) Disconnect(ctx context.Context) error {
	f.disconnects.Add(1)
	f.setState(tier.Disconnected)
	return nil
}

type fakeGraph struct {
	fakeTier
	mu        sync.Mutex
	patterns  []*pattern.Memory
	rels      []tier.Relationship
	upsertErr error

	traverseIDs []string
	centrality  []tier.CentralityEntry
	communities []tier.CommunityStat
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{fakeTier: fakeTier{name: "graph"}}
}

func (f *fakeGraph) UpsertPattern(ctx context.Context, rec *pattern.Memory) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.mu.Lock()
	f.patterns = append(f.patterns, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeGraph) UpsertRelationship(ctx context.Context, rel tier.Relationship) error {
	f.mu.Lock()
	f.rels = append(f.rels, rel)
	f.mu.Unlock()
	return nil
}

func (f *fakeGraph) Traverse(ctx context.Context, rootID string, depth int) ([]string, error) {
	return f.traverseIDs, nil
}

func (f *fakeGraph) DegreeCentrality(ctx context.Context, limit int) ([]tier.CentralityEntry, error) {
	return f.centrality, nil
}

func (f *fakeGraph) CommunityStats(ctx context.Context) ([]tier.CommunityStat, error) {
	return f.communities, nil
}

func (f *fakeGraph) mirrored() []*pattern.Memory {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*pattern.Memory(nil), f.patterns...)
}

type fakeCache struct {
	fakeTier
	mu       sync.Mutex
	patterns map[string]*pattern.Memory
	queries  map[string]*pattern.QueryResult
	clears   []tier.ClearScope
	setErr   error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		fakeTier: fakeTier{name: "cache"},
		patterns: make(map[string]*pattern.Memory),
		queries:  make(map[string]*pattern.QueryResult),
	}
}

func (f *fakeCache) SetPattern(ctx context.Context, rec *pattern.Memory) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.mu.Lock()
	f.patterns[rec.ID] = rec
	f.mu.Unlock()
	return nil
}

func (f *fakeCache) GetQueryResult(ctx context.Context, fingerprint string) (*pattern.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.queries[fingerprint]
	if !ok {
		return nil, tier.ErrCacheMiss
	}
	return res, nil
}

func (f *fakeCache) SetQueryResult(ctx context.Context, fingerprint string, res *pattern.QueryResult) error {
	f.mu.Lock()
	f.queries[fingerprint] = res
	f.mu.Unlock()
	return nil
}

func (f *fakeCache) Clear(ctx context.Context, scope tier.ClearScope) error {
	f.mu.Lock()
	f.clears = append(f.clears, scope)
	f.mu.Unlock()
	return nil
}

type fakeAnalytics struct {
	fakeTier
	mu     sync.Mutex
	events []*pattern.Memory

	trend []tier.TrendPoint
	aggs  []tier.CategoryAggregate
}

func newFakeAnalytics() *fakeAnalytics {
	return &fakeAnalytics{fakeTier: fakeTier{name: "analytics"}}
}

func (f *fakeAnalytics) AppendEvent(ctx context.Context, rec *pattern.Memory) error {
	f.mu.Lock()
	f.events = append(f.events, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeAnalytics) Trend(ctx context.Context, category pattern.Category, since time.Time, bucket time.Duration) ([]tier.TrendPoint, error) {
	return f.trend, nil
}

func (f *fakeAnalytics) Aggregate(ctx context.Context, since time.Time) ([]tier.CategoryAggregate, error) {
	return f.aggs, nil
}

func newTestCoordinator(t *testing.T, tiers Tiers, opts Options) *Coordinator {
	t.Helper()
	index, err := field.NewStore(field.Config{Dimensions: 3}, zap.NewNop())
	require.NoError(t, err)
	c, err := New(index, tiers, opts, zap.NewNop())
	require.NoError(t, err)
	return c
}

func testMemory(id string, confidence float64) *pattern.Memory {
	return &pattern.Memory{
		ID:          id,
		Pattern:     "cache-aside",
		Category:    pattern.CategoryPerformance,
		Confidence:  confidence,
		Timestamp:   time.Now(),
		Coordinates: []float64{1, 2, 3},
	}
}

func TestNewRequiresIndex(t *testing.T) {
	_, err := New(nil, Tiers{}, Options{}, zap.NewNop())
	assert.Error(t, err)
}

// With no tiers configured, the coordinator still starts, serves stores and
// queries from the index, and reports degraded health.
func TestDegradedStartupWithoutTiers(t *testing.T) {
	c := newTestCoordinator(t, Tiers{}, Options{})
	ctx := context.Background()

	report := c.Connect(ctx)
	defer func() { require.NoError(t, c.Disconnect(ctx)) }()

	assert.Equal(t, StatusDegraded, report.Overall)
	for _, name := range []string{"graph", "cache", "analytics"} {
		th := report.Tiers[name]
		assert.False(t, th.Configured, name)
		assert.Equal(t, StatusUnavailable, th.Status, name)
	}

	require.NoError(t, c.StorePattern(ctx, testMemory("p1", 0.8)))
	res, err := c.QueryText(ctx, "cache")
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "p1", res.Results[0].Memory.ID)
}

func TestConnectOneTierFailingDoesNotAbortOthers(t *testing.T) {
	graph := newFakeGraph()
	graph.connectErr = errors.New("neo4j down")
	cache := newFakeCache()
	analytics := newFakeAnalytics()

	c := newTestCoordinator(t, Tiers{Graph: graph, Cache: cache, Analytics: analytics}, Options{})
	ctx := context.Background()

	report := c.Connect(ctx)
	defer func() { require.NoError(t, c.Disconnect(ctx)) }()

	assert.Equal(t, StatusDegraded, report.Overall)
	assert.Equal(t, StatusUnavailable, report.Tiers["graph"].Status)
	assert.True(t, report.Tiers["graph"].Configured)
	assert.Equal(t, StatusHealthy, report.Tiers["cache"].Status)
	assert.Equal(t, StatusHealthy, report.Tiers["analytics"].Status)
}

func TestConnectAllTiersHealthy(t *testing.T) {
	c := newTestCoordinator(t,
		Tiers{Graph: newFakeGraph(), Cache: newFakeCache(), Analytics: newFakeAnalytics()},
		Options{})
	ctx := context.Background()

	report := c.Connect(ctx)
	defer func() { require.NoError(t, c.Disconnect(ctx)) }()

	assert.Equal(t, StatusHealthy, report.Overall)
}

func TestStorePatternMirrorsToUsableTiers(t *testing.T) {
	graph := newFakeGraph()
	cache := newFakeCache()
	analytics := newFakeAnalytics()

	c := newTestCoordinator(t, Tiers{Graph: graph, Cache: cache, Analytics: analytics}, Options{})
	ctx := context.Background()
	c.Connect(ctx)
	defer func() { require.NoError(t, c.Disconnect(ctx)) }()

	rec := testMemory("p1", 0.8)
	require.NoError(t, c.StorePattern(ctx, rec))
	c.mirrors.Wait()

	require.Len(t, graph.mirrored(), 1)
	assert.Equal(t, "p1", graph.mirrored()[0].ID)
	assert.Contains(t, cache.patterns, "p1")
	require.Len(t, analytics.events, 1)

	// The mirror carries a clone; mutating the caller's record afterwards
	// must not reach the tiers.
	rec.Pattern = "mutated"
	assert.Equal(t, "cache-aside", graph.mirrored()[0].Pattern)
}

func TestStorePatternSkipsUnusableTiers(t *testing.T) {
	graph := newFakeGraph()
	c := newTestCoordinator(t, Tiers{Graph: graph}, Options{})
	ctx := context.Background()

	// Never connected: the index write succeeds, nothing is mirrored.
	require.NoError(t, c.StorePattern(ctx, testMemory("p1", 0.8)))
	c.mirrors.Wait()
	assert.Empty(t, graph.mirrored())
}

func TestStorePatternValidationFailsFast(t *testing.T) {
	graph := newFakeGraph()
	c := newTestCoordinator(t, Tiers{Graph: graph}, Options{})
	ctx := context.Background()
	c.Connect(ctx)
	defer func() { require.NoError(t, c.Disconnect(ctx)) }()

	bad := testMemory("p1", 2.0)
	err := c.StorePattern(ctx, bad)
	assert.ErrorIs(t, err, pattern.ErrInvalidConfidence)
	c.mirrors.Wait()
	assert.Empty(t, graph.mirrored())
	assert.Equal(t, 0, c.Stats().TotalEntries)
}

func TestStorePatternsBatchFailFast(t *testing.T) {
	c := newTestCoordinator(t, Tiers{}, Options{})
	ctx := context.Background()

	recs := []*pattern.Memory{
		testMemory("p1", 0.8),
		testMemory("p2", 1.7),
		testMemory("p3", 0.5),
	}
	err := c.StorePatterns(ctx, recs)
	require.ErrorIs(t, err, pattern.ErrInvalidConfidence)

	// Everything before the failure is indexed; nothing after it is.
	stats := c.Stats()
	assert.Equal(t, 1, stats.TotalEntries)
}

func TestMirrorFailureSurfacesInHealthReport(t *testing.T) {
	graph := newFakeGraph()
	graph.upsertErr = errors.New("write timeout")

	c := newTestCoordinator(t, Tiers{Graph: graph}, Options{})
	ctx := context.Background()
	c.Connect(ctx)
	defer func() { require.NoError(t, c.Disconnect(ctx)) }()

	require.NoError(t, c.StorePattern(ctx, testMemory("p1", 0.8)))
	c.mirrors.Wait()

	report := c.HealthCheck(ctx)
	th := report.Tiers["graph"]
	assert.Equal(t, StatusDegraded, th.Status)
	assert.Contains(t, th.LastMirrorError, "write timeout")
	assert.False(t, th.LastMirrorAt.IsZero())
	assert.Equal(t, StatusDegraded, report.Overall)
}

func TestQueryPatternsWithoutCache(t *testing.T) {
	c := newTestCoordinator(t, Tiers{}, Options{})
	ctx := context.Background()

	require.NoError(t, c.StorePattern(ctx, testMemory("p1", 0.8)))

	res, err := c.QueryPatterns(ctx, pattern.FieldQuery{Confidence: 0.5})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "p1", res.Results[0].Memory.ID)
}

func TestQueryPatternsInvalidQuery(t *testing.T) {
	c := newTestCoordinator(t, Tiers{}, Options{})

	_, err := c.QueryPatterns(context.Background(), pattern.FieldQuery{MaxResults: -1})
	assert.ErrorIs(t, err, pattern.ErrInvalidQuery)
}

func TestQueryResultCaching(t *testing.T) {
	cache := newFakeCache()
	c := newTestCoordinator(t, Tiers{Cache: cache}, Options{CacheEnabled: true})
	ctx := context.Background()
	c.Connect(ctx)
	defer func() { require.NoError(t, c.Disconnect(ctx)) }()

	require.NoError(t, c.StorePattern(ctx, testMemory("p1", 0.8)))
	c.mirrors.Wait()

	q := pattern.FieldQuery{Confidence: 0.5, MaxResults: 5}
	first, err := c.QueryPatterns(ctx, q)
	require.NoError(t, err)
	require.Len(t, first.Results, 1)
	c.mirrors.Wait()
	require.Len(t, cache.queries, 1)

	// Identical query at the same index version is served from the cache.
	sentinel := &pattern.QueryResult{CandidatesConsidered: 777}
	for fp := range cache.queries {
		cache.queries[fp] = sentinel
	}
	second, err := c.QueryPatterns(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 777, second.CandidatesConsidered)

	// A write bumps the index version, so the stale entry no longer matches
	// and the new record is visible immediately.
	require.NoError(t, c.StorePattern(ctx, testMemory("p2", 0.9)))
	c.mirrors.Wait()
	third, err := c.QueryPatterns(ctx, q)
	require.NoError(t, err)
	assert.Len(t, third.Results, 2)
}

func TestQueryIgnoresCacheWhenDisabled(t *testing.T) {
	cache := newFakeCache()
	c := newTestCoordinator(t, Tiers{Cache: cache}, Options{CacheEnabled: false})
	ctx := context.Background()
	c.Connect(ctx)
	defer func() { require.NoError(t, c.Disconnect(ctx)) }()

	require.NoError(t, c.StorePattern(ctx, testMemory("p1", 0.8)))
	_, err := c.QueryPatterns(ctx, pattern.FieldQuery{})
	require.NoError(t, err)
	c.mirrors.Wait()
	assert.Empty(t, cache.queries)
}

// Queries keep working when the cache tier drops out mid-session.
func TestQuerySurvivesCacheLoss(t *testing.T) {
	cache := newFakeCache()
	c := newTestCoordinator(t, Tiers{Cache: cache}, Options{CacheEnabled: true})
	ctx := context.Background()
	c.Connect(ctx)
	defer func() { require.NoError(t, c.Disconnect(ctx)) }()

	require.NoError(t, c.StorePattern(ctx, testMemory("p1", 0.8)))
	cache.setState(tier.Disconnected)

	res, err := c.QueryPatterns(ctx, pattern.FieldQuery{Confidence: 0.5})
	require.NoError(t, err)
	assert.Len(t, res.Results, 1)
}

func TestTierExclusiveReadsRequireTheirTier(t *testing.T) {
	c := newTestCoordinator(t, Tiers{}, Options{})
	ctx := context.Background()

	err := c.StoreRelationship(ctx, tier.Relationship{FromID: "a", ToID: "b", Type: "RELATES_TO"})
	assert.ErrorIs(t, err, ErrTierUnavailable)
	_, err = c.TraverseRelated(ctx, "a", 2)
	assert.ErrorIs(t, err, ErrTierUnavailable)
	_, err = c.CentralPatterns(ctx, 5)
	assert.ErrorIs(t, err, ErrTierUnavailable)
	_, err = c.CommunityStats(ctx)
	assert.ErrorIs(t, err, ErrTierUnavailable)
	_, err = c.PatternTrend(ctx, pattern.CategoryNaming, time.Now(), time.Hour)
	assert.ErrorIs(t, err, ErrTierUnavailable)
	_, err = c.CategoryAggregates(ctx, time.Now())
	assert.ErrorIs(t, err, ErrTierUnavailable)
	err = c.ClearCache(ctx, tier.ClearAll)
	assert.ErrorIs(t, err, ErrTierUnavailable)
}

func TestTierExclusiveReadsDelegate(t *testing.T) {
	graph := newFakeGraph()
	graph.traverseIDs = []string{"b", "c"}
	graph.centrality = []tier.CentralityEntry{{PatternID: "a", Degree: 3, Score: 1}}
	analytics := newFakeAnalytics()
	analytics.aggs = []tier.CategoryAggregate{{Category: pattern.CategoryNaming, Events: 2}}
	cache := newFakeCache()

	c := newTestCoordinator(t, Tiers{Graph: graph, Cache: cache, Analytics: analytics}, Options{})
	ctx := context.Background()
	c.Connect(ctx)
	defer func() { require.NoError(t, c.Disconnect(ctx)) }()

	require.NoError(t, c.StoreRelationship(ctx, tier.Relationship{FromID: "a", ToID: "b", Type: "CALLS"}))
	assert.Len(t, graph.rels, 1)

	ids, err := c.TraverseRelated(ctx, "a", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids)

	central, err := c.CentralPatterns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, central, 1)
	assert.Equal(t, "a", central[0].PatternID)

	aggs, err := c.CategoryAggregates(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, aggs, 1)

	require.NoError(t, c.ClearCache(ctx, tier.ClearPatterns))
	assert.Equal(t, []tier.ClearScope{tier.ClearPatterns}, cache.clears)
}

func TestDisconnectReleasesTiersAndIsIdempotent(t *testing.T) {
	graph := newFakeGraph()
	cache := newFakeCache()

	c := newTestCoordinator(t, Tiers{Graph: graph, Cache: cache}, Options{})
	ctx := context.Background()
	c.Connect(ctx)

	require.NoError(t, c.Disconnect(ctx))
	assert.Equal(t, int32(1), graph.disconnects.Load())
	assert.Equal(t, int32(1), cache.disconnects.Load())
	assert.Equal(t, tier.Disconnected, graph.State())

	require.NoError(t, c.Disconnect(ctx))
	assert.Equal(t, int32(2), graph.disconnects.Load())
}

// Stores landing after teardown has begun keep writing the index but must
// not spawn mirrors against released tiers.
func TestStoreAfterDisconnectSkipsMirrors(t *testing.T) {
	graph := newFakeGraph()
	c := newTestCoordinator(t, Tiers{Graph: graph}, Options{})
	ctx := context.Background()
	c.Connect(ctx)
	require.NoError(t, c.Disconnect(ctx))

	// Even a tier that still looks usable is skipped once disconnected.
	graph.setState(tier.Connected)
	require.NoError(t, c.StorePattern(ctx, testMemory("p1", 0.8)))
	c.mirrors.Wait()
	assert.Empty(t, graph.mirrored())
	assert.Equal(t, 1, c.Stats().TotalEntries)
}

func TestStoreRacingDisconnect(t *testing.T) {
	graph := newFakeGraph()
	c := newTestCoordinator(t, Tiers{Graph: graph}, Options{})
	ctx := context.Background()
	c.Connect(ctx)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				rec := testMemory(fmt.Sprintf("g%d-p%d", g, i), 0.8)
				assert.NoError(t, c.StorePattern(ctx, rec))
			}
		}(g)
	}
	require.NoError(t, c.Disconnect(ctx))
	wg.Wait()

	// Whatever raced past teardown was indexed without mirroring.
	assert.Equal(t, 100, c.Stats().TotalEntries)
}

func TestProbeLoopRecoversDegradedTier(t *testing.T) {
	cache := newFakeCache()
	c := newTestCoordinator(t, Tiers{Cache: cache},
		Options{ProbeInterval: 10 * time.Millisecond})
	ctx := context.Background()
	c.Connect(ctx)
	defer func() { require.NoError(t, c.Disconnect(ctx)) }()

	cache.setState(tier.Degraded)
	require.Eventually(t, func() bool {
		return cache.State() == tier.Connected
	}, time.Second, 5*time.Millisecond)
}

func TestPatternDistribution(t *testing.T) {
	c := newTestCoordinator(t, Tiers{}, Options{})
	ctx := context.Background()

	require.NoError(t, c.StorePattern(ctx, testMemory("p1", 0.8)))
	rec := testMemory("p2", 0.6)
	rec.Category = pattern.CategoryConcurrency
	require.NoError(t, c.StorePattern(ctx, rec))
	c.mirrors.Wait()

	dist := c.PatternDistribution()
	assert.Equal(t, map[pattern.Category]int{
		pattern.CategoryPerformance: 1,
		pattern.CategoryConcurrency: 1,
	}, dist)
}
