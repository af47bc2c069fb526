// Package tier implements the three optional persistence backends coordinated
// alongside the in-memory coordinate index: a durable graph store (Neo4j), a
// low-latency cache (Redis), and an analytics store (SQLite).
//
// Every tier sits behind the same Connect/HealthCheck/Disconnect contract and
// carries its own small state machine:
//
//	Disconnected -> Connecting -> Connected <-> Degraded -> Disconnected
//
// Degraded is entered on a failed health probe while the connection handle is
// retained; a later successful probe returns the tier to Connected without
// caller intervention. Disconnect is terminal and reachable from any state.
package tier

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
)

// Common errors for tier operations.
var (
	// ErrUnavailable is returned by tier-exclusive reads when the required
	// tier is not connected.
	ErrUnavailable = errors.New("tier unavailable")

	// ErrNotConfigured indicates the tier was constructed without
	// credentials and can never connect.
	ErrNotConfigured = errors.New("tier not configured")
)

// State is a tier's lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// Usable reports whether the tier holds a live connection handle.
// Degraded tiers are still usable; operations may succeed between probes.
func (s State) Usable() bool {
	return s == Connected || s == Degraded
}

// Tier is the uniform lifecycle contract shared by all persistence backends.
type Tier interface {
	// Name identifies the tier ("graph", "cache", "analytics").
	Name() string

	// Connect establishes the backend connection. A failure leaves the
	// tier Disconnected; it does not panic and may be retried.
	Connect(ctx context.Context) error

	// HealthCheck probes the live connection. A failure moves the tier to
	// Degraded; a success returns it to Connected.
	HealthCheck(ctx context.Context) error

	// Disconnect releases the connection. Idempotent and safe to call
	// when never connected.
	Disconnect(ctx context.Context) error

	// State returns the current lifecycle state.
	State() State
}

// lifecycle is the embedded state machine shared by the tier implementations.
type lifecycle struct {
	name   string
	state  atomic.Int32
	logger *zap.Logger
}

func newLifecycle(name string, logger *zap.Logger) lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return lifecycle{name: name, logger: logger.Named(name)}
}

func (l *lifecycle) Name() string { return l.name }

func (l *lifecycle) State() State { return State(l.state.Load()) }

// transition moves to the next state and records the change.
func (l *lifecycle) transition(next State) {
	prev := State(l.state.Swap(int32(next)))
	if prev == next {
		return
	}
	l.logger.Info("tier state changed",
		zap.String("from", prev.String()),
		zap.String("to", next.String()))
	TierStateGauge.WithLabelValues(l.name).Set(stateMetricValue(next))
}

// probeResult applies a health probe outcome to the state machine. It is a
// no-op for tiers without a connection handle.
func (l *lifecycle) probeResult(err error) {
	if !l.State().Usable() {
		return
	}
	if err != nil {
		l.transition(Degraded)
		return
	}
	l.transition(Connected)
}

func stateMetricValue(s State) float64 {
	switch s {
	case Connected:
		return 1
	case Degraded:
		return 0.5
	default:
		return 0
	}
}
