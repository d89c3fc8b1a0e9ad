package rotorpool

import (
	"container/list"
	"sync"
	"time"
)

// BreakerState is one of CLOSED/OPEN/HALF_OPEN.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig bounds a single breaker's behavior.
type BreakerConfig struct {
	FailureThreshold int           // default 5
	RollingWindow    time.Duration // default 60s
	Cooldown         time.Duration // default 30s
	// MaxCooldown caps the exponential-with-cap growth chosen for repeated
	// HALF_OPEN→OPEN transitions. Zero disables growth (fixed cooldown).
	MaxCooldown time.Duration
}

// DefaultBreakerConfig returns the package's stated defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RollingWindow:    60 * time.Second,
		Cooldown:         30 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

// CircuitBreaker is a single per-proxy state machine. Each breaker
// owns its own mutex; the registry's map lock is held only during
// create/destroy.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu               sync.Mutex
	state            BreakerState
	failureTimes     *list.List // deque of time.Time, oldest first
	openUntil        time.Time
	lastTransition   time.Time
	currentCooldown  time.Duration
	halfOpenEntered  bool
}

func newCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:             cfg,
		state:           BreakerClosed,
		failureTimes:    list.New(),
		lastTransition:  time.Now(),
		currentCooldown: cfg.Cooldown,
	}
}

func (b *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.RollingWindow)
	for e := b.failureTimes.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			b.failureTimes.Remove(e)
		}
		e = next
	}
}

// Allows is the admission check: CLOSED/HALF_OPEN admit; OPEN
// lazily attempts the OPEN→HALF_OPEN transition.
func (b *CircuitBreaker) Allows() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if !now.Before(b.openUntil) {
			b.state = BreakerHalfOpen
			b.halfOpenEntered = true
			b.lastTransition = now
			return true
		}
		return false
	}
	return false
}

func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RecordSuccess transitions HALF_OPEN→CLOSED on the first success observed
// after entering HALF_OPEN; otherwise it's a no-op beyond pruning.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.pruneLocked(now)

	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
		b.currentCooldown = b.cfg.Cooldown
		b.lastTransition = now
		b.failureTimes.Init()
	}
}

// RecordFailure appends a failure timestamp and evaluates the CLOSED→OPEN
// and HALF_OPEN→OPEN transitions. A failure observed while already
// OPEN is recorded to the window but does not restart the cooldown clock.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.failureTimes.PushBack(now)
	b.pruneLocked(now)

	switch b.state {
	case BreakerHalfOpen:
		b.openLocked(now, true)
	case BreakerClosed:
		if b.failureTimes.Len() >= b.cfg.FailureThreshold {
			b.openLocked(now, false)
		}
	case BreakerOpen:
		// already open; window updated above, cooldown clock untouched.
	}
}

// openLocked transitions to OPEN. growCooldown is true only for a
// HALF_OPEN→OPEN transition, which doubles the cooldown up to MaxCooldown.
func (b *CircuitBreaker) openLocked(now time.Time, growCooldown bool) {
	b.state = BreakerOpen
	b.lastTransition = now
	if growCooldown && b.cfg.MaxCooldown > 0 {
		next := b.currentCooldown * 2
		if next > b.cfg.MaxCooldown {
			next = b.cfg.MaxCooldown
		}
		b.currentCooldown = next
	} else {
		b.currentCooldown = b.cfg.Cooldown
	}
	b.openUntil = now.Add(b.currentCooldown)
}

// Reset forces CLOSED, clearing the failure window — used by the public
// API's reset_breaker.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.currentCooldown = b.cfg.Cooldown
	b.failureTimes.Init()
	b.lastTransition = time.Now()
}

// BreakerRegistry holds one CircuitBreaker per proxy_id. The map is
// guarded by its own RWMutex: write-locked only during create/destroy,
// read-locked for lookups.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      BreakerConfig
}

func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*CircuitBreaker), cfg: cfg}
}

// getOrCreate returns the breaker for id, creating one CLOSED on first use.
func (r *BreakerRegistry) getOrCreate(id string) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[id]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[id]; ok {
		return b
	}
	b = newCircuitBreaker(r.cfg)
	r.breakers[id] = b
	return b
}

// Destroy removes the breaker for a removed proxy.
func (r *BreakerRegistry) Destroy(id string) {
	r.mu.Lock()
	delete(r.breakers, id)
	r.mu.Unlock()
}

// Allows implements strategy.BreakerView.
func (r *BreakerRegistry) Allows(id string) bool {
	return r.getOrCreate(id).Allows()
}

func (r *BreakerRegistry) RecordSuccess(id string) {
	r.getOrCreate(id).RecordSuccess()
}

func (r *BreakerRegistry) RecordFailure(id string) {
	r.getOrCreate(id).RecordFailure()
}

func (r *BreakerRegistry) Reset(id string) {
	r.getOrCreate(id).Reset()
}

// State returns the breaker state for id, or BreakerClosed if no breaker
// has been created yet (equivalent to "never failed").
func (r *BreakerRegistry) State(id string) BreakerState {
	r.mu.RLock()
	b, ok := r.breakers[id]
	r.mu.RUnlock()
	if !ok {
		return BreakerClosed
	}
	return b.State()
}

// All returns a snapshot of every tracked breaker's state, keyed by
// proxy_id — backs the public API's get_breakers.
func (r *BreakerRegistry) All() map[string]BreakerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerState, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.State()
	}
	return out
}
