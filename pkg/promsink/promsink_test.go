package promsink

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPromsink(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "promsink")
}

func gatherMetric(reg *prometheus.Registry, name string) *dto.MetricFamily {
	families, err := reg.Gather()
	Expect(err).NotTo(HaveOccurred())
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

var _ = Describe("Sink", func() {
	It("lazily registers a CounterVec on first use and increments it", func() {
		reg := prometheus.NewRegistry()
		s := New(reg, "rotorpool", "test")

		s.IncCounter("selects_total", map[string]string{"proxy_id": "p1"})
		s.IncCounter("selects_total", map[string]string{"proxy_id": "p1"})
		s.IncCounter("selects_total", map[string]string{"proxy_id": "p2"})

		fam := gatherMetric(reg, "rotorpool_test_selects_total")
		Expect(fam).NotTo(BeNil())
		Expect(fam.GetMetric()).To(HaveLen(2))
	})

	It("sets a gauge to the last observed value", func() {
		reg := prometheus.NewRegistry()
		s := New(reg, "rotorpool", "test")

		s.SetGauge("pool_size", 3, nil)
		s.SetGauge("pool_size", 5, nil)

		fam := gatherMetric(reg, "rotorpool_test_pool_size")
		Expect(fam).NotTo(BeNil())
		Expect(fam.GetMetric()[0].GetGauge().GetValue()).To(Equal(5.0))
	})

	It("observes histogram samples", func() {
		reg := prometheus.NewRegistry()
		s := New(reg, "rotorpool", "test")

		s.ObserveHistogram("latency_ms", 12.5, nil)
		s.ObserveHistogram("latency_ms", 20.0, nil)

		fam := gatherMetric(reg, "rotorpool_test_latency_ms")
		Expect(fam).NotTo(BeNil())
		Expect(fam.GetMetric()[0].GetHistogram().GetSampleCount()).To(Equal(uint64(2)))
	})

	It("drops a call whose label key set doesn't match the metric's first registration", func() {
		reg := prometheus.NewRegistry()
		s := New(reg, "rotorpool", "test")

		s.IncCounter("mixed_total", map[string]string{"a": "1"})
		Expect(func() { s.IncCounter("mixed_total", map[string]string{"b": "2"}) }).NotTo(Panic())

		fam := gatherMetric(reg, "rotorpool_test_mixed_total")
		Expect(fam.GetMetric()).To(HaveLen(1))
	})
})
