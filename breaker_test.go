package rotorpool

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestBreaker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "breaker")
}

var _ = Describe("CircuitBreaker", func() {
	var b *CircuitBreaker

	BeforeEach(func() {
		b = newCircuitBreaker(BreakerConfig{
			FailureThreshold: 5,
			RollingWindow:    10 * time.Second,
			Cooldown:         50 * time.Millisecond,
			MaxCooldown:      time.Second,
		})
	})

	It("starts CLOSED and admits traffic", func() {
		Expect(b.State()).To(Equal(BreakerClosed))
		Expect(b.Allows()).To(BeTrue())
	})

	It("opens on the Nth failure within the rolling window (spec scenario 2)", func() {
		for i := 0; i < 4; i++ {
			b.RecordFailure()
		}
		Expect(b.State()).To(Equal(BreakerClosed))

		b.RecordFailure() // 5th failure
		Expect(b.State()).To(Equal(BreakerOpen))
		Expect(b.Allows()).To(BeFalse())
	})

	It("transitions OPEN -> HALF_OPEN after cooldown, then HALF_OPEN -> CLOSED on success", func() {
		for i := 0; i < 5; i++ {
			b.RecordFailure()
		}
		Expect(b.State()).To(Equal(BreakerOpen))

		time.Sleep(60 * time.Millisecond) // > cooldown
		Expect(b.Allows()).To(BeTrue())
		Expect(b.State()).To(Equal(BreakerHalfOpen))

		b.RecordSuccess()
		Expect(b.State()).To(Equal(BreakerClosed))
	})

	It("does not admit before the cooldown elapses", func() {
		for i := 0; i < 5; i++ {
			b.RecordFailure()
		}
		Expect(b.Allows()).To(BeFalse())
		Expect(b.State()).To(Equal(BreakerOpen))
	})

	It("re-opens on the first failure observed in HALF_OPEN", func() {
		for i := 0; i < 5; i++ {
			b.RecordFailure()
		}
		time.Sleep(60 * time.Millisecond)
		Expect(b.Allows()).To(BeTrue()) // -> HALF_OPEN

		b.RecordFailure()
		Expect(b.State()).To(Equal(BreakerOpen))
	})

	It("does not restart the cooldown clock on a failure recorded while already OPEN", func() {
		for i := 0; i < 5; i++ {
			b.RecordFailure()
		}
		openUntilBefore := b.openUntil
		b.RecordFailure() // concurrent in-flight completion arriving late
		Expect(b.openUntil).To(Equal(openUntilBefore))
	})

	It("grows the cooldown exponentially on repeated HALF_OPEN failures, capped at MaxCooldown", func() {
		for i := 0; i < 5; i++ {
			b.RecordFailure()
		}
		Expect(b.currentCooldown).To(Equal(50 * time.Millisecond))

		time.Sleep(60 * time.Millisecond)
		b.Allows() // -> HALF_OPEN
		b.RecordFailure()
		Expect(b.currentCooldown).To(Equal(100 * time.Millisecond))

		// Drive it past the cap repeatedly.
		for i := 0; i < 10; i++ {
			time.Sleep(b.currentCooldown + time.Millisecond)
			b.Allows()
			b.RecordFailure()
		}
		Expect(b.currentCooldown).To(BeNumerically("<=", time.Second))
	})

	It("prunes failure timestamps older than the rolling window", func() {
		fast := newCircuitBreaker(BreakerConfig{
			FailureThreshold: 5,
			RollingWindow:    20 * time.Millisecond,
			Cooldown:         time.Second,
		})
		for i := 0; i < 4; i++ {
			fast.RecordFailure()
		}
		time.Sleep(30 * time.Millisecond)
		fast.RecordFailure() // old 4 should be pruned; this is now just 1
		Expect(fast.State()).To(Equal(BreakerClosed))
	})

	It("Reset forces CLOSED and clears the failure window", func() {
		for i := 0; i < 5; i++ {
			b.RecordFailure()
		}
		Expect(b.State()).To(Equal(BreakerOpen))
		b.Reset()
		Expect(b.State()).To(Equal(BreakerClosed))
		Expect(b.Allows()).To(BeTrue())
	})
})

var _ = Describe("BreakerRegistry", func() {
	var r *BreakerRegistry

	BeforeEach(func() {
		r = NewBreakerRegistry(DefaultBreakerConfig())
	})

	It("lazily creates a CLOSED breaker for a new id", func() {
		Expect(r.State("p1")).To(Equal(BreakerClosed))
		Expect(r.Allows("p1")).To(BeTrue())
	})

	It("Destroy removes the tracked breaker entirely", func() {
		r.RecordFailure("p1")
		r.Destroy("p1")
		Expect(r.State("p1")).To(Equal(BreakerClosed)) // re-created fresh
		Expect(r.All()).NotTo(HaveKey("p1"))
	})

	It("All reports every tracked breaker's current state", func() {
		r.RecordFailure("p1")
		r.RecordSuccess("p2")
		all := r.All()
		Expect(all).To(HaveKey("p1"))
		Expect(all).To(HaveKey("p2"))
	})

	It("Reset forces a specific breaker CLOSED", func() {
		cfg := BreakerConfig{FailureThreshold: 1, RollingWindow: time.Minute, Cooldown: time.Minute}
		r2 := NewBreakerRegistry(cfg)
		r2.RecordFailure("p1")
		Expect(r2.State("p1")).To(Equal(BreakerOpen))
		r2.Reset("p1")
		Expect(r2.State("p1")).To(Equal(BreakerClosed))
	})
})
