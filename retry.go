package rotorpool

import (
	"context"
	"errors"
	"math/rand"
	"time"

	cenkaltibackoff "github.com/cenkalti/backoff/v5"

	"rotorpool/pkg/strategy"
)

// BackoffStrategy selects the inter-attempt delay curve.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "EXPONENTIAL"
	BackoffLinear      BackoffStrategy = "LINEAR"
	BackoffFixed       BackoffStrategy = "FIXED"
)

// RetryPolicy bounds a retry executor run.
type RetryPolicy struct {
	MaxAttempts        int // [1,10], default 3
	Backoff            BackoffStrategy
	BaseDelay          time.Duration
	Multiplier         float64 // exponential only, default 2.0
	MaxBackoff         time.Duration
	Jitter             bool
	RetryStatusCodes   map[int]struct{}
	TotalTimeout       time.Duration // 0 means unbounded
	RetryNonIdempotent bool
}

// DefaultRetryPolicy returns the package's stated defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      3,
		Backoff:          BackoffExponential,
		BaseDelay:        time.Second,
		Multiplier:       2.0,
		MaxBackoff:       30 * time.Second,
		Jitter:           false,
		RetryStatusCodes: map[int]struct{}{502: {}, 503: {}, 504: {}},
	}
}

// delay computes the pre-sleep duration before the given attempt
// (0-based) using the policy's EXPONENTIAL/LINEAR/FIXED formula, then
// multiplies by a uniform draw in [0.5, 1.5] if jitter is enabled.
//
// EXPONENTIAL defers its curve to cenkalti/backoff/v5's ExponentialBackOff
// rather than hand-rolling base*multiplier^attempt: a fresh curve is reset
// per call (delay must stay a pure function of attempt) and walked forward
// attempt+1 times with its own randomization disabled, since this policy's
// jitter is applied afterward per §4.6's [0.5, 1.5] rule instead of the
// library's.
func (p RetryPolicy) delay(attempt int) time.Duration {
	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = p.BaseDelay * time.Duration(attempt+1)
	case BackoffFixed:
		d = p.BaseDelay
	default: // EXPONENTIAL
		curve := cenkaltibackoff.NewExponentialBackOff()
		curve.InitialInterval = p.BaseDelay
		curve.Multiplier = p.Multiplier
		curve.MaxInterval = 365 * 24 * time.Hour // capped below, uniformly with the other two curves
		curve.RandomizationFactor = 0
		curve.Reset()
		for i := 0; i <= attempt; i++ {
			d = curve.NextBackOff()
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if p.Jitter && d > 0 {
		factor := 0.5 + rand.Float64()
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// Outcome classifies a single retry attempt's result for Retryable.
type Outcome struct {
	Timeout    bool
	NetworkErr bool
	StatusCode int  // 0 if not an HTTP attempt
	Method     string
}

// Retryable reports whether an outcome should trigger another attempt
//: TIMEOUT, network error, HTTP 429, or status in RetryStatusCodes; never for
// non-idempotent methods unless RetryNonIdempotent is set.
func (p RetryPolicy) Retryable(o Outcome) bool {
	if !p.RetryNonIdempotent && isNonIdempotent(o.Method) {
		return false
	}
	if o.Timeout || o.NetworkErr {
		return true
	}
	if o.StatusCode == 0 {
		return false
	}
	if o.StatusCode == 429 {
		return true
	}
	_, retryable := p.RetryStatusCodes[o.StatusCode]
	return retryable
}

func isNonIdempotent(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}

// RetryAttempt records one executor attempt.
type RetryAttempt struct {
	RequestID   string
	Attempt     int
	ProxyID     string
	Outcome     Outcome
	Success     bool
	LatencyMS   *float64
	DelayBefore time.Duration
}

// Operation performs a single attempt against the chosen proxy, returning
// the observed outcome, whether it ultimately succeeded, and the measured
// latency (nil if unavailable).
type Operation func(ctx context.Context, proxyID string) (Outcome, bool, *float64)

// RetryExecutor orchestrates "select → attempt → on failure: back off,
// avoid failed proxy, re-select".
type RetryExecutor struct {
	pool     *Pool
	breakers *BreakerRegistry
	engine   *strategy.Engine
	sessions *SessionManager
	metrics  MetricsSink
}

// NewRetryExecutor wires the executor to the collaborators it consults on
// every attempt.
func NewRetryExecutor(pool *Pool, breakers *BreakerRegistry, engine *strategy.Engine, sessions *SessionManager, metrics MetricsSink) *RetryExecutor {
	if metrics == nil {
		metrics = NoopSink{}
	}
	return &RetryExecutor{pool: pool, breakers: breakers, engine: engine, sessions: sessions, metrics: metrics}
}

// Run executes policy against op, returning the accumulated attempts and a
// terminal error if every attempt failed or the pool was exhausted
//.
func (e *RetryExecutor) Run(ctx context.Context, requestID string, policy RetryPolicy, sctx strategy.SelectionContext, op Operation) ([]RetryAttempt, error) {
	var deadline <-chan time.Time
	if policy.TotalTimeout > 0 {
		timer := time.NewTimer(policy.TotalTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	excluded := make(map[string]struct{}, policy.MaxAttempts)
	if sctx.ExcludedProxyIDs != nil {
		for id := range sctx.ExcludedProxyIDs {
			excluded[id] = struct{}{}
		}
	}

	attempts := make([]RetryAttempt, 0, policy.MaxAttempts)
	var delayBefore time.Duration

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return attempts, ctx.Err()
		case <-deadline:
			return attempts, &BudgetExceededError{}
		default:
		}

		attemptCtx := sctx
		attemptCtx.ExcludedProxyIDs = excluded

		snaps := e.pool.SnapshotHealthy(nil)
		if len(snaps) == 0 && e.pool.Len() > 0 {
			return attempts, &ExhaustedPoolError{Reason: ReasonAllUnhealthy}
		}
		views := newProxyViews(e.pool, snaps)
		candidate, err := e.engine.Select(views, e.breakers, e.sessions, attemptCtx)
		if err != nil {
			var exhausted *strategy.ExhaustedError
			if errors.As(err, &exhausted) {
				if exhausted.Reason == strategy.ReasonBreakersOpen {
					return attempts, &ServiceUnavailableError{}
				}
				return attempts, &ExhaustedPoolError{Reason: ExhaustedReason(exhausted.Reason)}
			}
			return attempts, err
		}

		proxyID := candidate.ID()
		if err := e.pool.StartRequest(proxyID); err != nil {
			excluded[proxyID] = struct{}{}
			continue
		}

		outcome, success, latencyMS := op(ctx, proxyID)
		e.pool.CompleteRequest(proxyID, success, latencyMS)
		if success {
			e.breakers.RecordSuccess(proxyID)
			e.metrics.IncCounter("rotorpool_retry_success_total", map[string]string{"proxy_id": proxyID})
		} else {
			e.breakers.RecordFailure(proxyID)
			e.metrics.IncCounter("rotorpool_retry_failure_total", map[string]string{"proxy_id": proxyID})
		}

		attempts = append(attempts, RetryAttempt{
			RequestID:   requestID,
			Attempt:     attempt,
			ProxyID:     proxyID,
			Outcome:     outcome,
			Success:     success,
			LatencyMS:   latencyMS,
			DelayBefore: delayBefore,
		})

		if success {
			return attempts, nil
		}
		if !policy.Retryable(outcome) {
			return attempts, &ValidationFailedError{Stage: "retry", Reason: "non-retryable outcome"}
		}

		excluded[proxyID] = struct{}{}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		d := policy.delay(attempt)
		delayBefore = d
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, ctx.Err()
		case <-deadline:
			timer.Stop()
			return attempts, &BudgetExceededError{}
		case <-timer.C:
		}
	}

	// Every attempt failed and each failing proxy was excluded in turn;
	// breakers may still be CLOSED here (scenario: repeated 503s), so this
	// is pool exhaustion by exclusion, not the all-breakers-OPEN case
	// ServiceUnavailableError is reserved for (handled above).
	return attempts, &ExhaustedPoolError{Reason: ReasonAllExcluded}
}
