package rotorpool

import "time"

// slidingWindow counts requests within a window duration using 1-minute
// buckets — a generalization of the teacher's server.go l5 [5]bool "last
// five" ring into an arbitrary-length ring of minute buckets. Pruning is
// lazy: it only happens when the window is touched, never on a
// background timer, so an idle proxy costs nothing between accesses.
type slidingWindow struct {
	duration time.Duration
	started  time.Time
	buckets  map[int64]int // unix-minute -> count
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{
		duration: d,
		started:  time.Now(),
		buckets:  make(map[int64]int),
	}
}

func (w *slidingWindow) minuteKey(t time.Time) int64 {
	return t.Unix() / 60
}

func (w *slidingWindow) record(t time.Time) {
	w.buckets[w.minuteKey(t)]++
}

// prune discards buckets older than duration and resets the window's
// start if it has been untouched for longer than duration.
func (w *slidingWindow) prune(now time.Time) {
	if now.Sub(w.started) > w.duration && len(w.buckets) == 0 {
		w.started = now
	}
	cutoff := w.minuteKey(now.Add(-w.duration))
	for k := range w.buckets {
		if k < cutoff {
			delete(w.buckets, k)
		}
	}
	if len(w.buckets) == 0 {
		w.started = now
	}
}

func (w *slidingWindow) count() int {
	total := 0
	for _, c := range w.buckets {
		total += c
	}
	return total
}
