package coordinator

import (
	"time"

	"github.com/fieldlabs/patternfield/internal/tier"
)

// Status is a caller-facing health level for a tier or the whole coordinator.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// TierHealth is the per-tier slice of a HealthReport.
type TierHealth struct {
	Status Status `json:"status"`

	// Configured is false when the tier was constructed without
	// credentials and can never connect.
	Configured bool `json:"configured"`

	// LastMirrorError carries the most recent mirror-write failure for
	// this tier, if any. Cleared by a successful mirror.
	LastMirrorError string `json:"last_mirror_error,omitempty"`

	// LastMirrorAt is when the tier last completed a mirror write.
	LastMirrorAt time.Time `json:"last_mirror_at,omitzero"`
}

// HealthReport aggregates tier health. Overall is healthy only when every
// configured tier is connected; it is degraded otherwise, never failed
// outright, because the coordinate index always provides in-memory service.
type HealthReport struct {
	Overall Status                `json:"overall"`
	Tiers   map[string]TierHealth `json:"tiers"`
}

// statusOf maps a tier lifecycle state onto the caller-facing level.
func statusOf(s tier.State) Status {
	switch s {
	case tier.Connected:
		return StatusHealthy
	case tier.Degraded:
		return StatusDegraded
	default:
		return StatusUnavailable
	}
}

// MirrorResult is the outcome of one best-effort mirror write, the explicit
// per-tier result the fan-out step reports instead of swallowing failures.
type MirrorResult struct {
	Tier     string        `json:"tier"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}
