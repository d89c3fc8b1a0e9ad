package rotorpool

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"rotorpool/pkg/strategy"
)

func TestRetry(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "retry")
}

var _ = Describe("RetryPolicy.delay", func() {
	It("computes EXPONENTIAL backoff with a cap", func() {
		p := RetryPolicy{Backoff: BackoffExponential, BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxBackoff: 100 * time.Millisecond}
		Expect(p.delay(0)).To(Equal(10 * time.Millisecond))
		Expect(p.delay(1)).To(Equal(20 * time.Millisecond))
		Expect(p.delay(2)).To(Equal(40 * time.Millisecond))
		Expect(p.delay(10)).To(Equal(100 * time.Millisecond)) // capped
	})

	It("computes LINEAR backoff", func() {
		p := RetryPolicy{Backoff: BackoffLinear, BaseDelay: 10 * time.Millisecond, MaxBackoff: time.Second}
		Expect(p.delay(0)).To(Equal(10 * time.Millisecond))
		Expect(p.delay(1)).To(Equal(20 * time.Millisecond))
		Expect(p.delay(2)).To(Equal(30 * time.Millisecond))
	})

	It("computes FIXED backoff regardless of attempt", func() {
		p := RetryPolicy{Backoff: BackoffFixed, BaseDelay: 15 * time.Millisecond}
		Expect(p.delay(0)).To(Equal(15 * time.Millisecond))
		Expect(p.delay(5)).To(Equal(15 * time.Millisecond))
	})

	It("applies jitter by multiplying the computed delay by a factor in [0.5, 1.5]", func() {
		p := RetryPolicy{Backoff: BackoffFixed, BaseDelay: 100 * time.Millisecond, Jitter: true}
		for i := 0; i < 50; i++ {
			d := p.delay(0)
			Expect(d).To(BeNumerically(">=", 50*time.Millisecond))
			Expect(d).To(BeNumerically("<=", 150*time.Millisecond))
		}
	})
})

var _ = Describe("RetryPolicy.Retryable", func() {
	p := DefaultRetryPolicy()

	It("retries on TIMEOUT", func() {
		Expect(p.Retryable(Outcome{Timeout: true, Method: "GET"})).To(BeTrue())
	})

	It("retries on network error", func() {
		Expect(p.Retryable(Outcome{NetworkErr: true, Method: "GET"})).To(BeTrue())
	})

	It("retries on a configured status code", func() {
		Expect(p.Retryable(Outcome{StatusCode: 503, Method: "GET"})).To(BeTrue())
	})

	It("retries on 429 even when not explicitly configured", func() {
		Expect(p.Retryable(Outcome{StatusCode: 429, Method: "GET"})).To(BeTrue())
	})

	It("does not retry other 4xx codes", func() {
		Expect(p.Retryable(Outcome{StatusCode: 404, Method: "GET"})).To(BeFalse())
	})

	It("does not retry a non-idempotent method by default", func() {
		Expect(p.Retryable(Outcome{StatusCode: 503, Method: "POST"})).To(BeFalse())
	})

	It("retries a non-idempotent method when explicitly enabled", func() {
		p2 := p
		p2.RetryNonIdempotent = true
		Expect(p2.Retryable(Outcome{StatusCode: 503, Method: "POST"})).To(BeTrue())
	})
})

func newTestService(n int) (*Pool, *BreakerRegistry, *strategy.Engine, *SessionManager, []*Proxy) {
	pool := NewPool()
	breakers := NewBreakerRegistry(DefaultBreakerConfig())
	sessions := NewSessionManager(time.Minute)
	engine := strategy.NewEngine(strategy.NewRoundRobin())

	proxies := make([]*Proxy, 0, n)
	for i := 0; i < n; i++ {
		p := mustProxy("host.example.com", 1000+i, SchemeHTTP)
		_ = pool.Add(p)
		pool.SetHealth(p.ID(), StatusHealthy)
		proxies = append(proxies, p)
	}
	return pool, breakers, engine, sessions, proxies
}

var _ = Describe("RetryExecutor.Run", func() {
	It("exhausts all distinct proxies on repeated failure (spec scenario 5)", func() {
		pool, breakers, engine, sessions, proxies := newTestService(3)
		exec := NewRetryExecutor(pool, breakers, engine, sessions, nil)

		policy := RetryPolicy{
			MaxAttempts: 3,
			Backoff:     BackoffExponential,
			BaseDelay:   1 * time.Millisecond,
			Multiplier:  2,
			MaxBackoff:  10 * time.Millisecond,
			RetryStatusCodes: map[int]struct{}{503: {}},
		}

		seen := map[string]bool{}
		op := func(ctx context.Context, proxyID string) (Outcome, bool, *float64) {
			seen[proxyID] = true
			return Outcome{StatusCode: 503, Method: "GET"}, false, nil
		}

		attempts, err := exec.Run(context.Background(), "req-1", policy, strategy.SelectionContext{}, op)
		Expect(err).To(HaveOccurred())
		exhausted, ok := err.(*ExhaustedPoolError)
		Expect(ok).To(BeTrue(), "expected *ExhaustedPoolError, got %T", err)
		Expect(exhausted.Reason).To(Equal(ReasonAllExcluded))
		Expect(attempts).To(HaveLen(3))
		Expect(seen).To(HaveLen(3))
		for _, p := range proxies {
			Expect(seen).To(HaveKey(p.ID()))
		}
	})

	It("returns immediately on success without further attempts", func() {
		pool, breakers, engine, sessions, _ := newTestService(3)
		exec := NewRetryExecutor(pool, breakers, engine, sessions, nil)

		calls := 0
		op := func(ctx context.Context, proxyID string) (Outcome, bool, *float64) {
			calls++
			return Outcome{StatusCode: 200, Method: "GET"}, true, nil
		}

		attempts, err := exec.Run(context.Background(), "req-2", DefaultRetryPolicy(), strategy.SelectionContext{}, op)
		Expect(err).NotTo(HaveOccurred())
		Expect(attempts).To(HaveLen(1))
		Expect(calls).To(Equal(1))
	})

	It("aborts with BudgetExceeded once total_timeout would be exceeded", func() {
		pool, breakers, engine, sessions, _ := newTestService(3)
		exec := NewRetryExecutor(pool, breakers, engine, sessions, nil)

		policy := RetryPolicy{
			MaxAttempts:  5,
			Backoff:      BackoffFixed,
			BaseDelay:    50 * time.Millisecond,
			TotalTimeout: 10 * time.Millisecond,
			RetryStatusCodes: map[int]struct{}{503: {}},
		}
		op := func(ctx context.Context, proxyID string) (Outcome, bool, *float64) {
			return Outcome{StatusCode: 503, Method: "GET"}, false, nil
		}

		_, err := exec.Run(context.Background(), "req-3", policy, strategy.SelectionContext{}, op)
		Expect(err).To(BeAssignableToTypeOf(&BudgetExceededError{}))
	})

	It("aborts immediately with ServiceUnavailable when every breaker is OPEN", func() {
		pool, breakers, engine, sessions, proxies := newTestService(1)
		for _, p := range proxies {
			for i := 0; i < 5; i++ {
				breakers.RecordFailure(p.ID())
			}
		}
		exec := NewRetryExecutor(pool, breakers, engine, sessions, nil)
		op := func(ctx context.Context, proxyID string) (Outcome, bool, *float64) {
			return Outcome{StatusCode: 200, Method: "GET"}, true, nil
		}

		_, err := exec.Run(context.Background(), "req-4", DefaultRetryPolicy(), strategy.SelectionContext{}, op)
		Expect(err).To(HaveOccurred())
		Expect(err).To(BeAssignableToTypeOf(&ServiceUnavailableError{}))
	})

	It("reports success/failure to the breaker registry as it goes", func() {
		pool, breakers, engine, sessions, proxies := newTestService(1)
		exec := NewRetryExecutor(pool, breakers, engine, sessions, nil)
		id := proxies[0].ID()

		op := func(ctx context.Context, proxyID string) (Outcome, bool, *float64) {
			return Outcome{StatusCode: 200, Method: "GET"}, true, nil
		}
		_, err := exec.Run(context.Background(), "req-5", DefaultRetryPolicy(), strategy.SelectionContext{}, op)
		Expect(err).NotTo(HaveOccurred())
		Expect(breakers.State(id)).To(Equal(BreakerClosed))
	})
})
