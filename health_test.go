package rotorpool

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"rotorpool/pkg/validator"
)

func TestHealth(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "health")
}

var _ = Describe("HealthMonitor", func() {
	It("Start is idempotent and Stop drains the cron loop", func() {
		pool := NewPool()
		breakers := NewBreakerRegistry(DefaultBreakerConfig())
		v := validator.New(validator.Config{TCPTimeout: time.Second, HTTPTimeout: time.Second, MaxConcurrency: 1})
		m := NewHealthMonitor(HealthMonitorConfig{CheckInterval: time.Hour, Level: validator.LevelBasic, ConsecutiveFailureThreshold: 3}, pool, breakers, v, nil, nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		Expect(m.Start(ctx)).To(Succeed())
		Expect(m.IsRunning()).To(BeTrue())
		Expect(m.Start(ctx)).To(Succeed()) // no-op on an already-running monitor

		m.Stop()
		Expect(m.IsRunning()).To(BeFalse())
	})

	It("marks a proxy UNHEALTHY after consecutive_failure_threshold failed checks", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		addr := ln.Addr().(*net.TCPAddr)
		ln.Close() // nothing answers: every check fails at the TCP stage

		pool := NewPool()
		breakers := NewBreakerRegistry(DefaultBreakerConfig())
		v := validator.New(validator.Config{TCPTimeout: 100 * time.Millisecond, HTTPTimeout: time.Second, MaxConcurrency: 1})
		m := NewHealthMonitor(HealthMonitorConfig{CheckInterval: time.Hour, Level: validator.LevelBasic, ConsecutiveFailureThreshold: 2}, pool, breakers, v, nil, nil)

		p, err := NewProxy("127.0.0.1", addr.Port, SchemeHTTP)
		Expect(err).NotTo(HaveOccurred())
		Expect(pool.Add(p)).To(Succeed())
		pool.SetHealth(p.ID(), StatusHealthy)

		ctx := context.Background()
		m.runCycle(ctx)
		Expect(p.snapshot().Status).To(Equal(StatusHealthy)) // only 1 failure so far

		m.runCycle(ctx)
		Expect(p.snapshot().Status).To(Equal(StatusUnhealthy))
	})

	It("resets the consecutive-failure counter after a passing check", func() {
		target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer target.Close()
		host, port := hostPortOf(target.URL)

		pool := NewPool()
		breakers := NewBreakerRegistry(DefaultBreakerConfig())
		v := validator.New(validator.Config{TCPTimeout: time.Second, HTTPTimeout: time.Second, MaxConcurrency: 1})
		m := NewHealthMonitor(HealthMonitorConfig{CheckInterval: time.Hour, Level: validator.LevelBasic, ConsecutiveFailureThreshold: 2}, pool, breakers, v, nil, nil)

		p, err := NewProxy(host, port, SchemeHTTP)
		Expect(err).NotTo(HaveOccurred())
		Expect(pool.Add(p)).To(Succeed())
		pool.SetHealth(p.ID(), StatusHealthy)

		m.runCycle(context.Background())
		Expect(m.consecutiveFails[p.ID()]).To(Equal(0))
		Expect(p.snapshot().Status).To(Equal(StatusHealthy))
	})

	It("keeps requests_active = requests_started - requests_completed across a cycle", func() {
		target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer target.Close()
		host, port := hostPortOf(target.URL)

		pool := NewPool()
		breakers := NewBreakerRegistry(DefaultBreakerConfig())
		v := validator.New(validator.Config{TCPTimeout: time.Second, HTTPTimeout: time.Second, MaxConcurrency: 1})
		m := NewHealthMonitor(HealthMonitorConfig{CheckInterval: time.Hour, Level: validator.LevelBasic, ConsecutiveFailureThreshold: 2}, pool, breakers, v, nil, nil)

		p, err := NewProxy(host, port, SchemeHTTP)
		Expect(err).NotTo(HaveOccurred())
		Expect(pool.Add(p)).To(Succeed())
		pool.SetHealth(p.ID(), StatusHealthy)

		m.runCycle(context.Background())
		snap := p.snapshot()
		Expect(snap.RequestsActive).To(Equal(int64(0)))
		Expect(snap.RequestsStarted - snap.RequestsCompleted).To(Equal(snap.RequestsActive))
	})
})
