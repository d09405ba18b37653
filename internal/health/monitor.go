package health

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ncecere/usage_tracker/internal/config"
	"github.com/ncecere/usage_tracker/internal/observability"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// DepthFunc reports the primary and dead-letter queue lengths.
type DepthFunc func(ctx context.Context) (primary, deadLetter int64, err error)

// Status is the latest result of one check.
type Status struct {
	Name      string    `json:"name"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
}

// Monitor periodically runs dependency checks and keeps the latest results.
type Monitor struct {
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *observability.Provider
	startOnce sync.Once

	checks map[string]Check
	depth  DepthFunc

	mu     sync.RWMutex
	status map[string]Status
}

// NewMonitor constructs a monitor using the health configuration.
func NewMonitor(cfg config.HealthConfig, logger *slog.Logger, metrics *observability.Provider) *Monitor {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := cfg.CheckTimeout
	if timeout <= 0 || timeout > interval {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
		checks:   make(map[string]Check),
		status:   make(map[string]Status),
	}
}

// Register adds a named check. It must be called before Start.
func (m *Monitor) Register(name string, check Check) *Monitor {
	m.checks[name] = check
	return m
}

// WithQueueDepth samples queue lengths into the queue_depth gauge on every sweep.
func (m *Monitor) WithQueueDepth(fn DepthFunc) *Monitor {
	m.depth = fn
	return m
}

// Start begins the monitoring loop until ctx is canceled. The first sweep
// runs before Start returns so readiness is known immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.CheckNow(ctx)
		go m.run(ctx)
	})
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow runs every check once, concurrently.
func (m *Monitor) CheckNow(ctx context.Context) {
	var wg sync.WaitGroup
	for name, check := range m.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			timeoutCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			start := time.Now()
			err := check(timeoutCtx)
			st := Status{Name: name, OK: err == nil, LatencyMS: time.Since(start).Milliseconds(), CheckedAt: time.Now().UTC()}
			if err != nil {
				st.Error = err.Error()
			}
			m.record(st)
		}()
	}
	wg.Wait()

	if m.depth != nil {
		timeoutCtx, cancel := context.WithTimeout(ctx, m.timeout)
		primary, dead, err := m.depth(timeoutCtx)
		cancel()
		if err == nil {
			m.metrics.RecordQueueDepth(primary, dead)
		}
	}
}

func (m *Monitor) record(st Status) {
	m.mu.Lock()
	prev, seen := m.status[st.Name]
	m.status[st.Name] = st
	m.mu.Unlock()

	m.metrics.RecordDependency(st.Name, st.OK)
	switch {
	case !st.OK && (!seen || prev.OK):
		m.logger.Warn("health: dependency down", slog.String("dependency", st.Name), slog.String("error", st.Error))
	case st.OK && seen && !prev.OK:
		m.logger.Info("health: dependency recovered", slog.String("dependency", st.Name))
	}
}

// Snapshot returns the latest status of every check, sorted by name.
func (m *Monitor) Snapshot() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.status))
	for _, st := range m.status {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b Status) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Ready reports whether every registered check has passed on its last run.
func (m *Monitor) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name := range m.checks {
		st, ok := m.status[name]
		if !ok || !st.OK {
			return false
		}
	}
	return true
}
