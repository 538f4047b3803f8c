// Package health enforces per-runtime ceilings on a timer and bounds how
// often a session's crashed runtime is restarted.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/caffeineduck/partybox/internal/logging"
	"github.com/caffeineduck/partybox/policy"
	"github.com/caffeineduck/partybox/protocol"
)

// DefaultInterval is how often live runtimes are polled.
const DefaultInterval = 10 * time.Second

// Sample is one runtime's counters at poll time.
type Sample struct {
	SessionID    string
	RuntimeID    string
	StartedAt    time.Time
	LastActivity time.Time
	Messages     int
	// MemoryFraction is only meaningful when HasMemory is set.
	MemoryFraction float64
	HasMemory      bool
}

// Target is the set of runtimes being watched.
type Target interface {
	Samples(ctx context.Context) []Sample
	// Kill ends the runtime with reason. It reports false when the runtime
	// is no longer the session's current one.
	Kill(ctx context.Context, sessionID, runtimeID string, reason protocol.Reason) bool
}

// Evaluate returns the first ceiling s breaches, in the order uptime,
// idleness, message count, memory.
func Evaluate(s Sample, now time.Time, pol *policy.Policy) (protocol.Reason, bool) {
	switch {
	case now.Sub(s.StartedAt) > pol.UptimeCeiling:
		return protocol.ReasonTimeout, true
	case now.Sub(s.LastActivity) > pol.IdleCeiling:
		return protocol.ReasonInactive, true
	case s.Messages > pol.MessageCeiling:
		return protocol.ReasonSpam, true
	case s.HasMemory && s.MemoryFraction > pol.MemoryFraction:
		return protocol.ReasonMemoryLimit, true
	}
	return "", false
}

// Monitor polls a Target and kills runtimes that breach the policy.
type Monitor struct {
	target   Target
	policy   *policy.Policy
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.interval = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

func NewMonitor(target Target, pol *policy.Policy, opts ...Option) *Monitor {
	m := &Monitor{
		target:   target,
		policy:   pol,
		interval: DefaultInterval,
		now:      time.Now,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evaluates every runtime once and returns how many were killed.
func (m *Monitor) Sweep(ctx context.Context) int {
	now := m.now()
	killed := 0
	for _, s := range m.target.Samples(ctx) {
		reason, breach := Evaluate(s, now, m.policy)
		if !breach {
			continue
		}
		m.logger.Info("runtime breached ceiling",
			"session", s.SessionID,
			"runtime", s.RuntimeID,
			"reason", reason,
			"uptime", now.Sub(s.StartedAt).Round(time.Second),
			"idle", now.Sub(s.LastActivity).Round(time.Second),
			"messages", s.Messages,
		)
		if m.target.Kill(ctx, s.SessionID, s.RuntimeID, reason) {
			killed++
		}
	}
	return killed
}
