package rotorpool

import "rotorpool/pkg/strategy"

// proxyView adapts a Snapshot (plus its window count, computed separately
// since Snapshot itself carries no clock) to strategy.ProxyView. Snapshot's
// fields and the interface's methods share names (ID, Weight, ...); Go lets
// the wrapper's own methods shadow the embedded struct's promoted fields, so
// this costs only a handful of one-line forwarders, not a field rename.
type proxyView struct {
	Snapshot
	windowRequests int
}

func (v proxyView) ID() string      { return v.Snapshot.ID }
func (v proxyView) Country() string { return v.Snapshot.CountryCode }
func (v proxyView) Region() string  { return v.Snapshot.Region }
func (v proxyView) Weight() float64 { return v.Snapshot.Weight }

func (v proxyView) SuccessRate() float64 { return v.Snapshot.SuccessRate() }

func (v proxyView) RequestsStarted() int64 { return v.Snapshot.RequestsStarted }

func (v proxyView) WindowRequests() int { return v.windowRequests }

func (v proxyView) EMALatencyMS() (float64, bool) {
	return v.Snapshot.EMALatencyMS, v.Snapshot.HasEMA
}

// newProxyViews converts a batch of snapshots to strategy.ProxyView,
// looking up each proxy's current window count through the pool. Snapshots
// of proxies removed between SnapshotHealthy and this call are skipped.
func newProxyViews(pool *Pool, snaps []Snapshot) []strategy.ProxyView {
	out := make([]strategy.ProxyView, 0, len(snaps))
	for _, s := range snaps {
		count, err := pool.WindowRequestCount(s.ID)
		if err != nil {
			continue
		}
		out = append(out, proxyView{Snapshot: s, windowRequests: count})
	}
	return out
}
