package strategy

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
)

// RoundRobin returns the next admitted candidate in a deterministic cycle
//. It is the direct descendant of the teacher's pkg/wlpb
// sortAliveProxies/bestServer pair, but instead of re-sorting by weight on
// every call it keeps a persisted index — a real round-robin rather than
// the teacher's alternating-direction weighted pick.
type RoundRobin struct {
	idx uint64 // atomic; index into the *sorted-by-id* admitted set
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (s *RoundRobin) Select(snapshot []ProxyView, breakers BreakerView, _ SessionView, ctx SelectionContext) (ProxyView, error) {
	cand := admitted(snapshot, breakers, ctx)
	if len(cand) == 0 {
		return nil, &ExhaustedError{Reason: exhaustedReason(snapshot, ctx)}
	}
	sort.Slice(cand, func(i, j int) bool { return cand[i].ID() < cand[j].ID() })
	i := atomic.AddUint64(&s.idx, 1) - 1
	return cand[int(i%uint64(len(cand)))], nil
}

func (s *RoundRobin) RecordResult(r ResultRecorder, id string, ok bool, lat *float64) error {
	return defaultRecordResult(r, id, ok, lat)
}
func (s *RoundRobin) ValidateRequirements([]ProxyView) error { return nil }
func (s *RoundRobin) DeclaredMetadata() Metadata             { return Metadata{Name: "round_robin"} }

// Random picks uniformly among admitted candidates.
type Random struct{}

func NewRandom() *Random { return &Random{} }

func (s *Random) Select(snapshot []ProxyView, breakers BreakerView, _ SessionView, ctx SelectionContext) (ProxyView, error) {
	cand := admitted(snapshot, breakers, ctx)
	if len(cand) == 0 {
		return nil, &ExhaustedError{Reason: exhaustedReason(snapshot, ctx)}
	}
	return cand[rand.Intn(len(cand))], nil
}

func (s *Random) RecordResult(r ResultRecorder, id string, ok bool, lat *float64) error {
	return defaultRecordResult(r, id, ok, lat)
}
func (s *Random) ValidateRequirements([]ProxyView) error { return nil }
func (s *Random) DeclaredMetadata() Metadata             { return Metadata{Name: "random"} }

// Weighted draws with probability proportional to a custom weight, falling
// back to success-rate when no weights map is supplied. This is the
// direct generalization of the teacher's pkg/wlpb computeCapacity, which
// used 1/latency as an ad-hoc weight; PerformanceBased below keeps that
// exact shape, while Weighted here implements the spec's separate
// weights-or-success-rate rule.
type Weighted struct {
	Weights map[string]float64 // proxy_id -> positive weight; nil uses success rate
}

func NewWeighted(weights map[string]float64) *Weighted { return &Weighted{Weights: weights} }

func (s *Weighted) weightOf(p ProxyView) float64 {
	if s.Weights != nil {
		if w, ok := s.Weights[p.ID()]; ok {
			return w
		}
		return 0
	}
	return p.SuccessRate()
}

func (s *Weighted) Select(snapshot []ProxyView, breakers BreakerView, _ SessionView, ctx SelectionContext) (ProxyView, error) {
	cand := admitted(snapshot, breakers, ctx)
	if len(cand) == 0 {
		return nil, &ExhaustedError{Reason: exhaustedReason(snapshot, ctx)}
	}
	return weightedPick(cand, s.weightOf)
}

// weightedPick draws a candidate with probability proportional to w(p),
// skipping zero/negative weights; if every candidate weighs zero it falls
// back to uniform random rather than failing.
func weightedPick(cand []ProxyView, w func(ProxyView) float64) (ProxyView, error) {
	total := 0.0
	weights := make([]float64, len(cand))
	for i, p := range cand {
		wt := w(p)
		if wt < 0 {
			wt = 0
		}
		weights[i] = wt
		total += wt
	}
	if total <= 0 {
		return cand[rand.Intn(len(cand))], nil
	}
	r := rand.Float64() * total
	acc := 0.0
	for i, wt := range weights {
		if wt <= 0 {
			continue
		}
		acc += wt
		if r <= acc {
			return cand[i], nil
		}
	}
	return cand[len(cand)-1], nil
}

func (s *Weighted) RecordResult(r ResultRecorder, id string, ok bool, lat *float64) error {
	return defaultRecordResult(r, id, ok, lat)
}
func (s *Weighted) ValidateRequirements([]ProxyView) error { return nil }
func (s *Weighted) DeclaredMetadata() Metadata             { return Metadata{Name: "weighted", RequiresWeights: true} }

// LeastUsed returns the admitted candidate with the fewest requests in its
// current sliding window, ties broken by lowest id.
type LeastUsed struct{}

func NewLeastUsed() *LeastUsed { return &LeastUsed{} }

func (s *LeastUsed) Select(snapshot []ProxyView, breakers BreakerView, _ SessionView, ctx SelectionContext) (ProxyView, error) {
	cand := admitted(snapshot, breakers, ctx)
	if len(cand) == 0 {
		return nil, &ExhaustedError{Reason: exhaustedReason(snapshot, ctx)}
	}
	best := cand[0]
	for _, p := range cand[1:] {
		if p.WindowRequests() < best.WindowRequests() ||
			(p.WindowRequests() == best.WindowRequests() && p.ID() < best.ID()) {
			best = p
		}
	}
	return best, nil
}

func (s *LeastUsed) RecordResult(r ResultRecorder, id string, ok bool, lat *float64) error {
	return defaultRecordResult(r, id, ok, lat)
}
func (s *LeastUsed) ValidateRequirements([]ProxyView) error { return nil }
func (s *LeastUsed) DeclaredMetadata() Metadata             { return Metadata{Name: "least_used"} }

// PerformanceBased draws with probability proportional to 1/ema_latency_ms
///Σ(1/L_j)) — the
// teacher's pkg/wlpb computeCapacity idiom, generalized from "sort and pick
// first under capacity" to a proper weighted draw so the distribution
// matches the spec exactly rather than approximating it via alternating
// sort direction. Proxies lacking an EMA sample are excluded; if that
// leaves nothing, Fallback (default nil, meaning fail) is consulted.
type PerformanceBased struct {
	Fallback Strategy
}

func NewPerformanceBased(fallback Strategy) *PerformanceBased {
	return &PerformanceBased{Fallback: fallback}
}

func (s *PerformanceBased) Select(snapshot []ProxyView, breakers BreakerView, sessions SessionView, ctx SelectionContext) (ProxyView, error) {
	cand := admitted(snapshot, breakers, ctx)
	withEMA := make([]ProxyView, 0, len(cand))
	for _, p := range cand {
		if _, ok := p.EMALatencyMS(); ok {
			withEMA = append(withEMA, p)
		}
	}
	if len(withEMA) == 0 {
		if s.Fallback != nil {
			return s.Fallback.Select(snapshot, breakers, sessions, ctx)
		}
		return nil, &MissingMetadataError{Fields: []string{"ema_latency_ms"}}
	}
	return weightedPick(withEMA, func(p ProxyView) float64 {
		lat, _ := p.EMALatencyMS()
		if lat <= 0 {
			return 0
		}
		return 1 / lat
	})
}

func (s *PerformanceBased) RecordResult(r ResultRecorder, id string, ok bool, lat *float64) error {
	return defaultRecordResult(r, id, ok, lat)
}
func (s *PerformanceBased) ValidateRequirements(snapshot []ProxyView) error {
	for _, p := range snapshot {
		if _, ok := p.EMALatencyMS(); ok {
			return nil
		}
	}
	if s.Fallback != nil {
		return nil
	}
	return &MissingMetadataError{Fields: []string{"ema_latency_ms"}}
}
func (s *PerformanceBased) DeclaredMetadata() Metadata {
	return Metadata{Name: "performance_based", RequiresEMA: true}
}

// SessionPersistence binds a session_id to a proxy_id and keeps returning
// that proxy while the binding is admitted, rebinding via Fallback
// (default RoundRobin) otherwise.
type SessionPersistence struct {
	Fallback Strategy
	mu       sync.Mutex
}

func NewSessionPersistence(fallback Strategy) *SessionPersistence {
	if fallback == nil {
		fallback = NewRoundRobin()
	}
	return &SessionPersistence{Fallback: fallback}
}

func (s *SessionPersistence) Select(snapshot []ProxyView, breakers BreakerView, sessions SessionView, ctx SelectionContext) (ProxyView, error) {
	byID := make(map[string]ProxyView, len(snapshot))
	for _, p := range snapshot {
		byID[p.ID()] = p
	}

	if ctx.SessionID != "" && sessions != nil {
		if proxyID, ok := sessions.Bound(ctx.SessionID); ok {
			if p, ok := byID[proxyID]; ok && !ctx.excludes(proxyID) && (breakers == nil || breakers.Allows(proxyID)) {
				return p, nil
			}
		}
	}

	chosen, err := s.Fallback.Select(snapshot, breakers, sessions, ctx)
	if err != nil {
		return nil, err
	}
	if ctx.SessionID != "" && sessions != nil {
		s.mu.Lock()
		sessions.Bind(ctx.SessionID, chosen.ID())
		s.mu.Unlock()
	}
	return chosen, nil
}

func (s *SessionPersistence) RecordResult(r ResultRecorder, id string, ok bool, lat *float64) error {
	return defaultRecordResult(r, id, ok, lat)
}
func (s *SessionPersistence) ValidateRequirements(snapshot []ProxyView) error {
	return s.Fallback.ValidateRequirements(snapshot)
}
func (s *SessionPersistence) DeclaredMetadata() Metadata { return Metadata{Name: "session_persistence"} }

// GeoTargeted filters to ctx.TargetCountry (country priority over region),
// falling back to the whole admitted set if GeoFallbackEnabled and the
// filter empties it, then applies Secondary (default RoundRobin).
type GeoTargeted struct {
	Secondary           Strategy
	GeoFallbackEnabled  bool
}

func NewGeoTargeted(secondary Strategy, geoFallback bool) *GeoTargeted {
	if secondary == nil {
		secondary = NewRoundRobin()
	}
	return &GeoTargeted{Secondary: secondary, GeoFallbackEnabled: geoFallback}
}

func (s *GeoTargeted) Select(snapshot []ProxyView, breakers BreakerView, sessions SessionView, ctx SelectionContext) (ProxyView, error) {
	cand := admitted(snapshot, breakers, ctx)
	if len(cand) == 0 {
		return nil, &ExhaustedError{Reason: exhaustedReason(snapshot, ctx)}
	}

	var filtered []ProxyView
	switch {
	case ctx.TargetCountry != "":
		for _, p := range cand {
			if p.Country() == ctx.TargetCountry {
				filtered = append(filtered, p)
			}
		}
	case ctx.TargetRegion != "":
		for _, p := range cand {
			if p.Region() == ctx.TargetRegion {
				filtered = append(filtered, p)
			}
		}
	default:
		filtered = cand
	}

	if len(filtered) == 0 {
		if !s.GeoFallbackEnabled {
			return nil, &ExhaustedError{Reason: ReasonFilters}
		}
		filtered = cand
	}

	filteredViews := make([]ProxyView, len(filtered))
	copy(filteredViews, filtered)
	return s.Secondary.Select(filteredViews, nil, sessions, SelectionContext{})
}

func (s *GeoTargeted) RecordResult(r ResultRecorder, id string, ok bool, lat *float64) error {
	return defaultRecordResult(r, id, ok, lat)
}
func (s *GeoTargeted) ValidateRequirements(snapshot []ProxyView) error { return nil }
func (s *GeoTargeted) DeclaredMetadata() Metadata {
	return Metadata{Name: "geo_targeted", RequiresGeo: true}
}

// Filter narrows a candidate set.
type Filter func([]ProxyView) []ProxyView

// Composite runs an ordered chain of filters then exactly one selector
//.
type Composite struct {
	Filters  []Filter
	Selector Strategy
	Fallback Strategy // consulted if the filter chain empties the set
}

func NewComposite(filters []Filter, selector Strategy, fallback Strategy) *Composite {
	return &Composite{Filters: filters, Selector: selector, Fallback: fallback}
}

func (s *Composite) Select(snapshot []ProxyView, breakers BreakerView, sessions SessionView, ctx SelectionContext) (ProxyView, error) {
	cand := admitted(snapshot, breakers, ctx)
	if len(cand) == 0 {
		return nil, &ExhaustedError{Reason: exhaustedReason(snapshot, ctx)}
	}
	for _, f := range s.Filters {
		cand = f(cand)
		if len(cand) == 0 {
			break
		}
	}
	if len(cand) == 0 {
		if s.Fallback != nil {
			return s.Fallback.Select(snapshot, breakers, sessions, ctx)
		}
		return nil, &ExhaustedError{Reason: ReasonFilters}
	}
	return s.Selector.Select(cand, nil, sessions, SelectionContext{})
}

func (s *Composite) RecordResult(r ResultRecorder, id string, ok bool, lat *float64) error {
	return defaultRecordResult(r, id, ok, lat)
}
func (s *Composite) ValidateRequirements(snapshot []ProxyView) error {
	return s.Selector.ValidateRequirements(snapshot)
}
func (s *Composite) DeclaredMetadata() Metadata { return Metadata{Name: "composite"} }
