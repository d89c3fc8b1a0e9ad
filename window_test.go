package rotorpool

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestWindow(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "window")
}

var _ = Describe("slidingWindow", func() {
	It("counts records within the duration", func() {
		w := newSlidingWindow(time.Hour)
		now := time.Now()
		w.record(now)
		w.record(now)
		w.record(now)
		Expect(w.count()).To(Equal(3))
	})

	It("prunes buckets older than the window duration", func() {
		w := newSlidingWindow(time.Minute)
		now := time.Now()
		w.record(now.Add(-2 * time.Minute))
		w.record(now)
		w.prune(now)
		Expect(w.count()).To(Equal(1))
	})

	It("is a no-op prune when nothing is stale", func() {
		w := newSlidingWindow(time.Hour)
		now := time.Now()
		w.record(now)
		w.prune(now)
		Expect(w.count()).To(Equal(1))
	})

	It("buckets by minute, so requests in the same minute share a bucket", func() {
		w := newSlidingWindow(time.Hour)
		now := time.Now()
		w.record(now)
		w.record(now.Add(time.Second))
		Expect(w.buckets).To(HaveLen(1))
		Expect(w.count()).To(Equal(2))
	})
})
