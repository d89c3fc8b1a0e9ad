package rotorpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"rotorpool/pkg/validator"
)

// HealthMonitorConfig bounds the periodic re-validation cycle.
type HealthMonitorConfig struct {
	CheckInterval              time.Duration // default 5m
	Level                      validator.Level
	ConsecutiveFailureThreshold int // default 3
}

// DefaultHealthMonitorConfig returns the package's stated defaults.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		CheckInterval:               5 * time.Minute,
		Level:                       validator.LevelStandard,
		ConsecutiveFailureThreshold: 3,
	}
}

// HealthMonitor periodically re-validates every pool member and folds the
// result back into the pool and breaker registry. Its start/stop
// lifecycle is adapted from jupiter's robfig/cron scheduler (cron.New +
// AddFunc("@every ...") + cron.Stop()'s drain-in-flight-jobs context),
// generalized from a daily prune job to a fixed-interval health sweep.
type HealthMonitor struct {
	cfg       HealthMonitorConfig
	pool      *Pool
	breakers  *BreakerRegistry
	validator *validator.Validator
	metrics   MetricsSink
	log       *zap.Logger

	mu               sync.Mutex
	cron             *cron.Cron
	running          bool
	consecutiveFails map[string]int
}

// NewHealthMonitor wires a monitor to its collaborators.
func NewHealthMonitor(cfg HealthMonitorConfig, pool *Pool, breakers *BreakerRegistry, v *validator.Validator, metrics MetricsSink, log *zap.Logger) *HealthMonitor {
	if metrics == nil {
		metrics = NoopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.ConsecutiveFailureThreshold <= 0 {
		cfg.ConsecutiveFailureThreshold = 3
	}
	return &HealthMonitor{
		cfg:              cfg,
		pool:             pool,
		breakers:         breakers,
		validator:        v,
		metrics:          metrics,
		log:              log.With(zap.String("component", "health_monitor")),
		consecutiveFails: make(map[string]int),
	}
}

// Start begins the periodic sweep. Calling
// Start on an already-running monitor is a no-op.
func (m *HealthMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	m.cron = cron.New()
	spec := fmt.Sprintf("@every %s", m.cfg.CheckInterval)
	if _, err := m.cron.AddFunc(spec, func() { m.runCycle(ctx) }); err != nil {
		return &InvalidConfigurationError{Field: "health.check_interval_seconds"}
	}
	m.cron.Start()
	m.running = true
	m.log.Info("health monitor started", zap.Duration("interval", m.cfg.CheckInterval))

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop ends the sweep, waiting for an in-flight cycle to complete. The
// cycle itself cancels on ctx.Done, while cron.Stop()'s returned context
// lets us wait for that cancellation to finish draining before returning.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	if !m.running || m.cron == nil {
		m.mu.Unlock()
		return
	}
	c := m.cron
	m.running = false
	// Released before waiting: an in-flight checkOne takes m.mu to record
	// its result, so the cycle could not finish while Stop held it.
	m.mu.Unlock()

	done := c.Stop()
	<-done.Done()
	m.log.Info("health monitor stopped")
}

// IsRunning reports whether the monitor's cron loop is active.
func (m *HealthMonitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *HealthMonitor) runCycle(ctx context.Context) {
	snaps := m.pool.IterAll()
	for _, snap := range snaps {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.checkOne(ctx, snap)
	}
}

func (m *HealthMonitor) checkOne(ctx context.Context, snap Snapshot) {
	// start_request/complete_request must bracket every counted request,
	// the monitor's own re-validation included, or requests_active drifts
	// negative (violating the pool's invariant).
	if err := m.pool.StartRequest(snap.ID); err != nil {
		return
	}

	cand := validator.Candidate{
		ProxyID: snap.ID,
		Host:    snap.Host,
		Port:    snap.Port,
		Scheme:  string(snap.Scheme),
	}
	result := m.validator.Check(ctx, cand, m.cfg.Level)

	m.mu.Lock()
	defer m.mu.Unlock()

	if result.Outcome == validator.OutcomePass {
		m.pool.CompleteRequest(snap.ID, true, result.LatencyMS)
		m.breakers.RecordSuccess(snap.ID)
		m.consecutiveFails[snap.ID] = 0
		m.metrics.IncCounter("rotorpool_health_check_total", map[string]string{"proxy_id": snap.ID, "outcome": "pass"})
		return
	}

	m.pool.CompleteRequest(snap.ID, false, nil)
	m.breakers.RecordFailure(snap.ID)
	m.consecutiveFails[snap.ID]++
	m.metrics.IncCounter("rotorpool_health_check_total", map[string]string{"proxy_id": snap.ID, "outcome": "fail"})

	if m.consecutiveFails[snap.ID] >= m.cfg.ConsecutiveFailureThreshold {
		m.pool.SetHealth(snap.ID, StatusUnhealthy)
		m.log.Warn("proxy marked unhealthy",
			zap.String("proxy_id", snap.ID),
			zap.Int("consecutive_failures", m.consecutiveFails[snap.ID]),
		)
	}
}
