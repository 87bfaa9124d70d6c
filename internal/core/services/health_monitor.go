package services

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/poyrazK/cardgate/internal/infrastructure/metrics"
)

// DependencyCheck tests one backend dependency.
type DependencyCheck func(ctx context.Context) error

// HealthMonitor polls the backend checks and takes the node out of rotation while any
// of them fails, so load balancers stop sending reader traffic to a node that can only
// answer 503.
type HealthMonitor struct {
	checks map[string]DependencyCheck
	logger *slog.Logger
	ready  atomic.Bool
	polled atomic.Bool
}

func NewHealthMonitor(checks map[string]DependencyCheck, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{checks: checks, logger: logger}
}

// Start checks immediately and then on every interval until ctx is canceled.
func (m *HealthMonitor) Start(ctx context.Context, interval time.Duration) {
	m.logger.Info("starting health monitor", "interval", interval, "dependencies", len(m.checks))

	m.TriggerCheck(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("shutting down health monitor, leaving rotation")
			m.ready.Store(false)
			metrics.Ready.Set(0)
			return
		case <-ticker.C:
			m.TriggerCheck(ctx)
		}
	}
}

// TriggerCheck runs every check once and updates the readiness state.
func (m *HealthMonitor) TriggerCheck(ctx context.Context) bool {
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	for _, name := range names {
		if err := m.checks[name](ctx); err != nil {
			m.logger.Warn("dependency unhealthy", "dependency", name, "error", err)
			metrics.DependencyUp.WithLabelValues(name).Set(0)
			healthy = false
			continue
		}
		metrics.DependencyUp.WithLabelValues(name).Set(1)
	}

	was := m.ready.Swap(healthy)
	first := !m.polled.Swap(true)
	switch {
	case healthy && (!was || first):
		m.logger.Info("node healthy, entering rotation")
		metrics.Ready.Set(1)
	case !healthy && (was || first):
		m.logger.Warn("node unhealthy, leaving rotation")
		metrics.Ready.Set(0)
	}
	return healthy
}

// Ready reports whether the last check passed. It is false until the first check runs.
func (m *HealthMonitor) Ready() bool {
	return m.ready.Load()
}
