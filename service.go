package rotorpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rotorpool/pkg/loader"
	"rotorpool/pkg/strategy"
	"rotorpool/pkg/validator"
)

// Service is the public pool API presentation layers call: add_proxy,
// remove_proxy, list, get, select, set_strategy, register_strategy,
// reset_breaker, get_breakers, get_retry_policy, set_retry_policy,
// fetch_proxies, validate_proxies, start_health_monitor,
// stop_health_monitor. Every method is safe for concurrent callers — it
// delegates to Pool/BreakerRegistry/SessionManager/Engine, each already
// internally synchronized, and holds no lock of its own across a call.
type Service struct {
	pool       *Pool
	breakers   *BreakerRegistry
	sessions   *SessionManager
	registry   *strategy.Registry
	engine     *strategy.Engine
	retry      *RetryExecutor
	validators *validator.Validator
	health     *HealthMonitor
	metrics    MetricsSink
	log        *zap.Logger

	retryPolicyMu sync.RWMutex
	retryPolicy   RetryPolicy
}

// NewService constructs a fully wired Service from a validated Config.
// Non-nil logger/metrics are used as given; either may be left nil to get
// the quiet defaults (zap.NewNop, NoopSink).
func NewService(cfg Config, metrics MetricsSink, log *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = NoopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	pool := NewPool()
	breakers := NewBreakerRegistry(cfg.breakerConfig())
	sessions := NewSessionManager(time.Duration(cfg.Session.DefaultTTLSeconds) * time.Second)
	pool.onRemove = func(id string) {
		breakers.Destroy(id)
		sessions.OnProxyRemoved(id)
	}

	reg := strategy.NewRegistry()
	active, err := cfg.buildStrategy(reg)
	if err != nil {
		return nil, &InvalidConfigurationError{Field: "strategy.name"}
	}
	engine := strategy.NewEngine(active)

	v := validator.New(cfg.validatorConfig())
	retryExec := NewRetryExecutor(pool, breakers, engine, sessions, metrics)
	monitor := NewHealthMonitor(cfg.healthConfig(), pool, breakers, v, metrics, log)

	return &Service{
		pool:        pool,
		breakers:    breakers,
		sessions:    sessions,
		registry:    reg,
		engine:      engine,
		retry:       retryExec,
		validators:  v,
		health:      monitor,
		metrics:     metrics,
		log:         log,
		retryPolicy: cfg.retryPolicy(),
	}, nil
}

// AddProxy constructs and inserts a proxy.
func (s *Service) AddProxy(host string, port int, scheme Scheme, opts ...ProxyOption) (*Proxy, error) {
	p, err := NewProxy(host, port, scheme, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.pool.Add(p); err != nil {
		return nil, err
	}
	s.metrics.SetGauge("rotorpool_pool_size", float64(s.pool.Len()), nil)
	return p, nil
}

// RemoveProxy drops a proxy and cascades breaker/session cleanup.
func (s *Service) RemoveProxy(id string) {
	s.pool.Remove(id)
	s.metrics.SetGauge("rotorpool_pool_size", float64(s.pool.Len()), nil)
}

// List returns every proxy's current snapshot.
func (s *Service) List() []Snapshot { return s.pool.IterAll() }

// Get returns a single proxy by id.
func (s *Service) Get(id string) (*Proxy, bool) { return s.pool.Get(id) }

// Select runs the active strategy over the current healthy snapshot
//).
func (s *Service) Select(ctx strategy.SelectionContext) (strategy.ProxyView, error) {
	start := time.Now()
	snaps := s.pool.SnapshotHealthy(nil)
	if len(snaps) == 0 && s.pool.Len() > 0 {
		s.metrics.ObserveHistogram("rotorpool_select_latency_ms", durationMS(time.Since(start)), nil)
		return nil, &ExhaustedPoolError{Reason: ReasonAllUnhealthy}
	}
	views := newProxyViews(s.pool, snaps)
	chosen, err := s.engine.Select(views, s.breakers, s.sessions, ctx)
	s.metrics.ObserveHistogram("rotorpool_select_latency_ms", durationMS(time.Since(start)), nil)
	if err != nil {
		return nil, translateStrategyError(err)
	}
	if err := s.pool.StartRequest(chosen.ID()); err != nil {
		return nil, translateStrategyError(err)
	}
	return chosen, nil
}

// SetStrategy hot-swaps the active strategy by name.
func (s *Service) SetStrategy(name string) error {
	next, err := s.registry.New(name)
	if err != nil {
		return &InvalidConfigurationError{Field: "strategy.name"}
	}
	s.engine.Swap(next)
	return nil
}

// RegisterStrategy adds a custom strategy constructor under name.
func (s *Service) RegisterStrategy(name string, ctor strategy.Factory) {
	s.registry.Register(name, ctor)
}

// ResetBreaker forces a proxy's breaker CLOSED.
func (s *Service) ResetBreaker(proxyID string) { s.breakers.Reset(proxyID) }

// GetBreakers returns every tracked breaker's state.
func (s *Service) GetBreakers() map[string]BreakerState { return s.breakers.All() }

// GetRetryPolicy returns the currently configured retry policy.
func (s *Service) GetRetryPolicy() RetryPolicy {
	s.retryPolicyMu.RLock()
	defer s.retryPolicyMu.RUnlock()
	return s.retryPolicy
}

// SetRetryPolicy replaces the retry policy used by Run.
func (s *Service) SetRetryPolicy(p RetryPolicy) {
	s.retryPolicyMu.Lock()
	s.retryPolicy = p
	s.retryPolicyMu.Unlock()
}

// Run executes op under the current retry policy.
func (s *Service) Run(ctx context.Context, requestID string, sctx strategy.SelectionContext, op Operation) ([]RetryAttempt, error) {
	return s.retry.Run(ctx, requestID, s.GetRetryPolicy(), sctx, op)
}

// FetchProxies runs every loader, dedups by (host,port,scheme), validates
// each survivor at level (or the configured default if level is ""), and
// adds the passing candidates to the pool.
func (s *Service) FetchProxies(ctx context.Context, loaders []loader.Loader, level validator.Level) (int, error) {
	var all []loader.CandidateProxy
	for _, l := range loaders {
		candidates, err := l.Load(ctx)
		if err != nil {
			s.log.Warn("loader failed", zap.Error(err))
			continue
		}
		all = append(all, candidates...)
	}
	all = loader.Dedup(all)

	if level == "" {
		level = s.health.cfg.Level
	}

	added := 0
	for _, c := range all {
		p, err := NewProxy(c.Host, c.Port, Scheme(c.Scheme), WithGeo(c.Country, c.Region), WithSourceTag(c.SourceTag))
		if err != nil {
			continue
		}
		result := s.validators.Check(ctx, validator.Candidate{
			ProxyID: p.ID(), Host: c.Host, Port: c.Port, Scheme: c.Scheme,
		}, level)
		if result.Outcome != validator.OutcomePass {
			continue
		}
		if err := s.pool.Add(p); err != nil {
			continue
		}
		p.setStatus(StatusHealthy)
		if result.Anonymity != "" {
			p.setAnonymity(Anonymity(result.Anonymity))
		}
		added++
	}
	return added, nil
}

// ValidateProxies re-runs the validator over every pool member at level,
// updating status accordingly.
func (s *Service) ValidateProxies(ctx context.Context, level validator.Level) int {
	checked := 0
	for _, snap := range s.pool.IterAll() {
		if err := s.pool.StartRequest(snap.ID); err != nil {
			continue
		}
		cand := validator.Candidate{ProxyID: snap.ID, Host: snap.Host, Port: snap.Port, Scheme: string(snap.Scheme)}
		result := s.validators.Check(ctx, cand, level)
		if result.Outcome == validator.OutcomePass {
			s.pool.CompleteRequest(snap.ID, true, result.LatencyMS)
			s.pool.SetHealth(snap.ID, StatusHealthy)
			if result.Anonymity != "" {
				s.pool.SetAnonymity(snap.ID, Anonymity(result.Anonymity))
			}
		} else {
			s.pool.CompleteRequest(snap.ID, false, nil)
		}
		checked++
	}
	return checked
}

// StartHealthMonitor begins the periodic re-validation sweep.
func (s *Service) StartHealthMonitor(ctx context.Context) error { return s.health.Start(ctx) }

// StopHealthMonitor ends the sweep.
func (s *Service) StopHealthMonitor() { s.health.Stop() }

func translateStrategyError(err error) error {
	switch e := err.(type) {
	case *strategy.ExhaustedError:
		return &ExhaustedPoolError{Reason: ExhaustedReason(e.Reason)}
	case *strategy.MissingMetadataError:
		return &MissingMetadataError{Fields: e.Fields}
	default:
		return err
	}
}
