package tier

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/fieldlabs/patternfield/internal/pattern"
)

// GraphConfig configures the Neo4j relationship tier.
type GraphConfig struct {
	URI      string
	Username string
	Password string
	Database string
	Timeout  time.Duration
}

// Relationship is one edge between two pattern or symbol nodes.
type Relationship struct {
	FromID string         `json:"from_id"`
	ToID   string         `json:"to_id"`
	Type   string         `json:"type"`
	Props  map[string]any `json:"props,omitempty"`
}

// CentralityEntry is one row of a degree-centrality aggregate.
type CentralityEntry struct {
	PatternID string  `json:"pattern_id"`
	Label     string  `json:"label"`
	Degree    int64   `json:"degree"`
	Score     float64 `json:"score"`
}

// CommunityStat summarizes one connected neighborhood, the graph tier's
// modularity-flavored aggregate.
type CommunityStat struct {
	Category string `json:"category"`
	Members  int64  `json:"members"`
	Edges    int64  `json:"edges"`
}

// GraphTier persists pattern and symbol relationships in Neo4j. It serves
// the relationship-shaped reads (traversal, centrality, community aggregates)
// that the coordinate index deliberately does not model.
type GraphTier struct {
	lifecycle
	cfg    GraphConfig
	driver neo4j.DriverWithContext
}

// NewGraphTier creates the graph tier. Construction never dials; missing
// credentials only surface on Connect.
func NewGraphTier(cfg GraphConfig, logger *zap.Logger) *GraphTier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &GraphTier{
		lifecycle: newLifecycle("graph", logger),
		cfg:       cfg,
	}
}

// Connect dials Neo4j and verifies connectivity.
func (g *GraphTier) Connect(ctx context.Context) error {
	if g.cfg.URI == "" {
		return fmt.Errorf("graph: %w: no URI", ErrNotConfigured)
	}
	if g.State().Usable() {
		return nil
	}
	g.transition(Connecting)

	driver, err := neo4j.NewDriverWithContext(g.cfg.URI,
		neo4j.BasicAuth(g.cfg.Username, g.cfg.Password, ""))
	if err != nil {
		g.transition(Disconnected)
		return fmt.Errorf("graph: creating driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(context.Background())
		g.transition(Disconnected)
		return fmt.Errorf("graph: verifying connectivity: %w", err)
	}

	g.driver = driver
	g.transition(Connected)
	return nil
}

// HealthCheck probes connectivity and feeds the state machine.
func (g *GraphTier) HealthCheck(ctx context.Context) error {
	if g.driver == nil {
		return fmt.Errorf("graph: %w", ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := g.driver.VerifyConnectivity(ctx)
	ProbeDuration.WithLabelValues(g.Name()).Observe(time.Since(start).Seconds())

	g.probeResult(err)
	if err != nil {
		return fmt.Errorf("graph: health probe: %w", err)
	}
	return nil
}

// Disconnect closes the driver. Idempotent.
func (g *GraphTier) Disconnect(ctx context.Context) error {
	if g.driver == nil {
		g.transition(Disconnected)
		return nil
	}
	err := g.driver.Close(ctx)
	g.driver = nil
	g.transition(Disconnected)
	if err != nil {
		return fmt.Errorf("graph: closing driver: %w", err)
	}
	return nil
}

// UpsertPattern mirrors a pattern record as a (:Pattern) node.
func (g *GraphTier) UpsertPattern(ctx context.Context, rec *pattern.Memory) error {
	if !g.State().Usable() {
		return fmt.Errorf("graph: %w", ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	sess := g.session(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx,
			"MERGE (p:Pattern {id: $id}) SET p += $props",
			map[string]any{
				"id": rec.ID,
				"props": map[string]any{
					"pattern":    rec.Pattern,
					"category":   string(rec.Category),
					"confidence": rec.Confidence,
					"strength":   rec.HarmonicProperties.Strength,
					"updated_at": rec.Timestamp.Unix(),
				},
			})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("graph: upserting pattern %s: %w", rec.ID, err)
	}
	return nil
}

// UpsertRelationship merges an edge between two nodes, creating the endpoint
// nodes if they do not exist yet. Relationship types come from a small fixed
// vocabulary (RELATES_TO, FOUND_IN, CALLS), so interpolation into the Cypher
// text is restricted to that set.
func (g *GraphTier) UpsertRelationship(ctx context.Context, rel Relationship) error {
	if !g.State().Usable() {
		return fmt.Errorf("graph: %w", ErrUnavailable)
	}
	switch rel.Type {
	case "RELATES_TO", "FOUND_IN", "CALLS":
	default:
		return fmt.Errorf("graph: unsupported relationship type %q", rel.Type)
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	sess := g.session(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)

	props := rel.Props
	if props == nil {
		props = map[string]any{}
	}
	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		cypher := fmt.Sprintf(
			"MERGE (a {id: $from}) MERGE (b {id: $to}) MERGE (a)-[r:%s]->(b) SET r += $props",
			rel.Type)
		_, err := tx.Run(ctx, cypher, map[string]any{
			"from": rel.FromID, "to": rel.ToID, "props": props,
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("graph: upserting relationship %s-[%s]->%s: %w",
			rel.FromID, rel.Type, rel.ToID, err)
	}
	return nil
}

// Traverse returns the IDs reachable from root within the given depth.
func (g *GraphTier) Traverse(ctx context.Context, rootID string, depth int) ([]string, error) {
	if !g.State().Usable() {
		return nil, fmt.Errorf("graph: %w", ErrUnavailable)
	}
	if depth <= 0 || depth > 8 {
		return nil, fmt.Errorf("graph: traversal depth must be in [1,8], got %d", depth)
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	sess := g.session(ctx, neo4j.AccessModeRead)
	defer sess.Close(ctx)

	res, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		cypher := fmt.Sprintf(
			"MATCH (root {id: $id})-[*1..%d]->(n) RETURN DISTINCT n.id AS id", depth)
		records, err := tx.Run(ctx, cypher, map[string]any{"id": rootID})
		if err != nil {
			return nil, err
		}
		var ids []string
		for records.Next(ctx) {
			if id, ok := records.Record().Get("id"); ok {
				if s, ok := id.(string); ok {
					ids = append(ids, s)
				}
			}
		}
		return ids, records.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph: traversing from %s: %w", rootID, err)
	}
	return res.([]string), nil
}

// DegreeCentrality returns the top-N patterns by relationship degree.
func (g *GraphTier) DegreeCentrality(ctx context.Context, limit int) ([]CentralityEntry, error) {
	if !g.State().Usable() {
		return nil, fmt.Errorf("graph: %w", ErrUnavailable)
	}
	if limit <= 0 {
		limit = 10
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	sess := g.session(ctx, neo4j.AccessModeRead)
	defer sess.Close(ctx)

	res, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx,
			`MATCH (p:Pattern)
			 OPTIONAL MATCH (p)-[r]-()
			 WITH p, count(r) AS degree
			 RETURN p.id AS id, p.pattern AS label, degree
			 ORDER BY degree DESC LIMIT $limit`,
			map[string]any{"limit": limit})
		if err != nil {
			return nil, err
		}

		var entries []CentralityEntry
		var maxDegree int64
		for records.Next(ctx) {
			rec := records.Record()
			id, _ := rec.Get("id")
			label, _ := rec.Get("label")
			degree, _ := rec.Get("degree")
			e := CentralityEntry{}
			e.PatternID, _ = id.(string)
			e.Label, _ = label.(string)
			e.Degree, _ = degree.(int64)
			if e.Degree > maxDegree {
				maxDegree = e.Degree
			}
			entries = append(entries, e)
		}
		if maxDegree > 0 {
			for i := range entries {
				entries[i].Score = float64(entries[i].Degree) / float64(maxDegree)
			}
		}
		return entries, records.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph: degree centrality: %w", err)
	}
	return res.([]CentralityEntry), nil
}

// CommunityStats aggregates edge density per category, the tier's
// modularity-shaped read.
func (g *GraphTier) CommunityStats(ctx context.Context) ([]CommunityStat, error) {
	if !g.State().Usable() {
		return nil, fmt.Errorf("graph: %w", ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	sess := g.session(ctx, neo4j.AccessModeRead)
	defer sess.Close(ctx)

	res, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx,
			`MATCH (p:Pattern)
			 OPTIONAL MATCH (p)-[r]-(q:Pattern)
			 WHERE q.category = p.category
			 WITH p.category AS category, count(DISTINCT p) AS members, count(r) AS edges
			 RETURN category, members, edges ORDER BY members DESC`,
			nil)
		if err != nil {
			return nil, err
		}
		var stats []CommunityStat
		for records.Next(ctx) {
			rec := records.Record()
			category, _ := rec.Get("category")
			members, _ := rec.Get("members")
			edges, _ := rec.Get("edges")
			s := CommunityStat{}
			s.Category, _ = category.(string)
			s.Members, _ = members.(int64)
			s.Edges, _ = edges.(int64)
			stats = append(stats, s)
		}
		return stats, records.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph: community stats: %w", err)
	}
	return res.([]CommunityStat), nil
}

func (g *GraphTier) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return g.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: g.cfg.Database,
	})
}
