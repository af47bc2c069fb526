package tier

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fieldlabs/patternfield/internal/pattern"
)

// AnalyticsConfig configures the SQLite analytics tier.
type AnalyticsConfig struct {
	Path    string
	Timeout time.Duration
}

// PatternEvent is one time-stamped observation appended to the analytics
// store whenever a pattern is written.
type PatternEvent struct {
	ID          string           `json:"id"`
	PatternID   string           `json:"pattern_id"`
	Category    pattern.Category `json:"category"`
	Strength    float64          `json:"strength"`
	Confidence  float64          `json:"confidence"`
	Occurrences int              `json:"occurrences"`
	Coordinates []float64        `json:"coordinates"`
	ObservedAt  time.Time        `json:"observed_at"`
}

// TrendPoint is one bucket of a pattern-trend aggregate.
type TrendPoint struct {
	Bucket        time.Time `json:"bucket"`
	Events        int       `json:"events"`
	AvgStrength   float64   `json:"avg_strength"`
	AvgConfidence float64   `json:"avg_confidence"`
}

// CategoryAggregate summarizes one category over a time window.
type CategoryAggregate struct {
	Category       pattern.Category `json:"category"`
	Events         int              `json:"events"`
	UniquePatterns int              `json:"unique_patterns"`
	AvgStrength    float64          `json:"avg_strength"`
}

// AnalyticsTier appends pattern events to SQLite and answers time-window
// trend and aggregate queries over them.
type AnalyticsTier struct {
	lifecycle
	cfg     AnalyticsConfig
	db      *sql.DB
	entropy *ulid.LockedMonotonicReader
}

// NewAnalyticsTier creates the analytics tier. Construction never opens the
// database. The entropy source is lock-guarded because appends arrive from
// concurrent mirror goroutines.
func NewAnalyticsTier(cfg AnalyticsConfig, logger *zap.Logger) *AnalyticsTier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &AnalyticsTier{
		lifecycle: newLifecycle("analytics", logger),
		cfg:       cfg,
		entropy: &ulid.LockedMonotonicReader{
			MonotonicReader: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		},
	}
}

// Connect opens (or creates) the database and applies the schema.
func (a *AnalyticsTier) Connect(ctx context.Context) error {
	if a.cfg.Path == "" {
		return fmt.Errorf("analytics: %w: no database path", ErrNotConfigured)
	}
	if a.State().Usable() {
		return nil
	}
	a.transition(Connecting)

	if err := os.MkdirAll(filepath.Dir(a.cfg.Path), 0o755); err != nil {
		a.transition(Disconnected)
		return fmt.Errorf("analytics: creating db dir: %w", err)
	}

	db, err := sql.Open("sqlite", a.cfg.Path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		a.transition(Disconnected)
		return fmt.Errorf("analytics: opening db: %w", err)
	}
	// SQLite permits one writer; funnel concurrent appends through a single
	// connection instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	if err := a.migrate(ctx, db); err != nil {
		_ = db.Close()
		a.transition(Disconnected)
		return fmt.Errorf("analytics: migrate: %w", err)
	}

	a.db = db
	a.transition(Connected)
	return nil
}

func (a *AnalyticsTier) migrate(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pattern_events (
		id           TEXT PRIMARY KEY,
		pattern_id   TEXT NOT NULL,
		category     TEXT NOT NULL,
		strength     REAL NOT NULL,
		confidence   REAL NOT NULL,
		occurrences  INTEGER NOT NULL DEFAULT 0,
		coordinates  TEXT,
		observed_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_pattern ON pattern_events(pattern_id, observed_at);
	CREATE INDEX IF NOT EXISTS idx_events_category ON pattern_events(category, observed_at);
	CREATE INDEX IF NOT EXISTS idx_events_observed ON pattern_events(observed_at DESC);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// HealthCheck pings the database and feeds the state machine.
func (a *AnalyticsTier) HealthCheck(ctx context.Context) error {
	if a.db == nil {
		return fmt.Errorf("analytics: %w", ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := a.db.PingContext(ctx)
	ProbeDuration.WithLabelValues(a.Name()).Observe(time.Since(start).Seconds())

	a.probeResult(err)
	if err != nil {
		return fmt.Errorf("analytics: health probe: %w", err)
	}
	return nil
}

// Disconnect closes the database. Idempotent.
func (a *AnalyticsTier) Disconnect(ctx context.Context) error {
	if a.db == nil {
		a.transition(Disconnected)
		return nil
	}
	err := a.db.Close()
	a.db = nil
	a.transition(Disconnected)
	if err != nil {
		return fmt.Errorf("analytics: closing db: %w", err)
	}
	return nil
}

// AppendEvent records one pattern observation. Event IDs are ULIDs so the
// primary key sorts by time; observed_at is stored as epoch milliseconds so
// window comparisons are numeric.
func (a *AnalyticsTier) AppendEvent(ctx context.Context, rec *pattern.Memory) error {
	if !a.State().Usable() {
		return fmt.Errorf("analytics: %w", ErrUnavailable)
	}
	coords, err := json.Marshal(rec.Coordinates)
	if err != nil {
		return fmt.Errorf("analytics: encoding coordinates: %w", err)
	}
	observedAt := rec.Timestamp
	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO pattern_events
		 (id, pattern_id, category, strength, confidence, occurrences, coordinates, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ulid.MustNew(ulid.Timestamp(observedAt), a.entropy).String(),
		rec.ID,
		string(rec.Category),
		rec.HarmonicProperties.Strength,
		rec.Confidence,
		rec.HarmonicProperties.Occurrences,
		string(coords),
		observedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("analytics: appending event for %s: %w", rec.ID, err)
	}
	return nil
}

// Trend buckets events for a category over a time window. Bucket granularity
// is clamped to at least one minute.
func (a *AnalyticsTier) Trend(ctx context.Context, category pattern.Category, since time.Time, bucket time.Duration) ([]TrendPoint, error) {
	if !a.State().Usable() {
		return nil, fmt.Errorf("analytics: %w", ErrUnavailable)
	}
	if bucket < time.Minute {
		bucket = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	bucketSecs := int64(bucket.Seconds())
	rows, err := a.db.QueryContext(ctx,
		`SELECT
		   ((observed_at / 1000) / ?) * ? AS bucket_start,
		   COUNT(*) AS events,
		   AVG(strength) AS avg_strength,
		   AVG(confidence) AS avg_confidence
		 FROM pattern_events
		 WHERE category = ? AND observed_at >= ?
		 GROUP BY bucket_start
		 ORDER BY bucket_start ASC`,
		bucketSecs, bucketSecs,
		string(category), since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("analytics: trend query: %w", err)
	}
	defer rows.Close()

	var points []TrendPoint
	for rows.Next() {
		var start int64
		var p TrendPoint
		if err := rows.Scan(&start, &p.Events, &p.AvgStrength, &p.AvgConfidence); err != nil {
			return nil, fmt.Errorf("analytics: scanning trend row: %w", err)
		}
		p.Bucket = time.Unix(start, 0).UTC()
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analytics: trend rows: %w", err)
	}
	return points, nil
}

// Aggregate summarizes per-category event volume since the given time.
func (a *AnalyticsTier) Aggregate(ctx context.Context, since time.Time) ([]CategoryAggregate, error) {
	if !a.State().Usable() {
		return nil, fmt.Errorf("analytics: %w", ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	rows, err := a.db.QueryContext(ctx,
		`SELECT category,
		        COUNT(*) AS events,
		        COUNT(DISTINCT pattern_id) AS unique_patterns,
		        AVG(strength) AS avg_strength
		 FROM pattern_events
		 WHERE observed_at >= ?
		 GROUP BY category
		 ORDER BY events DESC`,
		since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("analytics: aggregate query: %w", err)
	}
	defer rows.Close()

	var aggs []CategoryAggregate
	for rows.Next() {
		var agg CategoryAggregate
		var cat string
		if err := rows.Scan(&cat, &agg.Events, &agg.UniquePatterns, &agg.AvgStrength); err != nil {
			return nil, fmt.Errorf("analytics: scanning aggregate row: %w", err)
		}
		agg.Category = pattern.Category(cat)
		aggs = append(aggs, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analytics: aggregate rows: %w", err)
	}
	return aggs, nil
}
