package tier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fieldlabs/patternfield/internal/pattern"
)

// Cache key prefixes. ClearScope values address these.
const (
	cachePrefixPatterns = "pf:patterns:"
	cachePrefixSymbols  = "pf:symbols:"
	cachePrefixQueries  = "pf:queries:"
)

// ClearScope addresses a cache namespace for bulk clears.
type ClearScope string

const (
	ClearPatterns ClearScope = "patterns"
	ClearSymbols  ClearScope = "symbols"
	ClearAll      ClearScope = "all"
)

// ErrCacheMiss is returned when a key is absent. Callers treat it as a
// routine fall-through, not a failure.
var ErrCacheMiss = errors.New("cache miss")

// CacheConfig configures the Redis cache tier.
type CacheConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Timeout  time.Duration
}

// CacheTier keeps recent patterns and collapsed query results in Redis with a
// TTL, so repeated queries short-circuit the collapse pipeline.
type CacheTier struct {
	lifecycle
	cfg    CacheConfig
	client *redis.Client
}

// NewCacheTier creates the cache tier. Construction never dials.
func NewCacheTier(cfg CacheConfig, logger *zap.Logger) *CacheTier {
	if cfg.TTL == 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &CacheTier{
		lifecycle: newLifecycle("cache", logger),
		cfg:       cfg,
	}
}

// Connect dials Redis and pings it.
func (c *CacheTier) Connect(ctx context.Context) error {
	if c.cfg.Addr == "" {
		return fmt.Errorf("cache: %w: no address", ErrNotConfigured)
	}
	if c.State().Usable() {
		return nil
	}
	c.transition(Connecting)

	client := redis.NewClient(&redis.Options{
		Addr:     c.cfg.Addr,
		Password: c.cfg.Password,
		DB:       c.cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		c.transition(Disconnected)
		return fmt.Errorf("cache: pinging redis: %w", err)
	}

	c.client = client
	c.transition(Connected)
	return nil
}

// HealthCheck pings Redis and feeds the state machine.
func (c *CacheTier) HealthCheck(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("cache: %w", ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := c.client.Ping(ctx).Err()
	ProbeDuration.WithLabelValues(c.Name()).Observe(time.Since(start).Seconds())

	c.probeResult(err)
	if err != nil {
		return fmt.Errorf("cache: health probe: %w", err)
	}
	return nil
}

// Disconnect closes the client. Idempotent.
func (c *CacheTier) Disconnect(ctx context.Context) error {
	if c.client == nil {
		c.transition(Disconnected)
		return nil
	}
	err := c.client.Close()
	c.client = nil
	c.transition(Disconnected)
	if err != nil {
		return fmt.Errorf("cache: closing client: %w", err)
	}
	return nil
}

// SetPattern caches a pattern record under its ID.
func (c *CacheTier) SetPattern(ctx context.Context, rec *pattern.Memory) error {
	if !c.State().Usable() {
		return fmt.Errorf("cache: %w", ErrUnavailable)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache: marshaling pattern %s: %w", rec.ID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if err := c.client.Set(ctx, cachePrefixPatterns+rec.ID, b, c.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("cache: storing pattern %s: %w", rec.ID, err)
	}
	return nil
}

// GetPattern fetches a cached pattern, or ErrCacheMiss.
func (c *CacheTier) GetPattern(ctx context.Context, id string) (*pattern.Memory, error) {
	if !c.State().Usable() {
		return nil, fmt.Errorf("cache: %w", ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	b, err := c.client.Get(ctx, cachePrefixPatterns+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: fetching pattern %s: %w", id, err)
	}
	var rec pattern.Memory
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("cache: decoding pattern %s: %w", id, err)
	}
	return &rec, nil
}

// SetQueryResult caches a collapsed result under the query fingerprint.
func (c *CacheTier) SetQueryResult(ctx context.Context, fingerprint string, res *pattern.QueryResult) error {
	if !c.State().Usable() {
		return fmt.Errorf("cache: %w", ErrUnavailable)
	}
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("cache: marshaling query result: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if err := c.client.Set(ctx, cachePrefixQueries+fingerprint, b, c.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("cache: storing query result: %w", err)
	}
	return nil
}

// GetQueryResult fetches a cached collapsed result, or ErrCacheMiss.
func (c *CacheTier) GetQueryResult(ctx context.Context, fingerprint string) (*pattern.QueryResult, error) {
	if !c.State().Usable() {
		return nil, fmt.Errorf("cache: %w", ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	b, err := c.client.Get(ctx, cachePrefixQueries+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: fetching query result: %w", err)
	}
	var res pattern.QueryResult
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, fmt.Errorf("cache: decoding query result: %w", err)
	}
	return &res, nil
}

// Clear deletes all keys in the addressed scope. Query-result entries are
// cleared under every scope because any clear can invalidate them.
func (c *CacheTier) Clear(ctx context.Context, scope ClearScope) error {
	if !c.State().Usable() {
		return fmt.Errorf("cache: %w", ErrUnavailable)
	}

	var prefixes []string
	switch scope {
	case ClearPatterns:
		prefixes = []string{cachePrefixPatterns, cachePrefixQueries}
	case ClearSymbols:
		prefixes = []string{cachePrefixSymbols, cachePrefixQueries}
	case ClearAll:
		prefixes = []string{cachePrefixPatterns, cachePrefixSymbols, cachePrefixQueries}
	default:
		return fmt.Errorf("cache: unknown clear scope %q", scope)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	for _, prefix := range prefixes {
		iter := c.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("cache: deleting %s: %w", iter.Val(), err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("cache: scanning %s: %w", prefix, err)
		}
	}

	c.logger.Info("cache cleared", zap.String("scope", string(scope)))
	return nil
}
