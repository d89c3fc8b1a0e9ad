package validator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestValidator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "validator")
}

var _ = Describe("validateFormat", func() {
	It("rejects an empty host", func() {
		err := validateFormat(Candidate{Host: "", Port: 8080, Scheme: "HTTP"})
		Expect(err).To(HaveOccurred())
	})

	It("rejects an out-of-range port", func() {
		err := validateFormat(Candidate{Host: "1.2.3.4", Port: 0, Scheme: "HTTP"})
		Expect(err).To(HaveOccurred())
		err = validateFormat(Candidate{Host: "1.2.3.4", Port: 70000, Scheme: "HTTP"})
		Expect(err).To(HaveOccurred())
	})

	It("rejects an unsupported scheme", func() {
		err := validateFormat(Candidate{Host: "1.2.3.4", Port: 8080, Scheme: "FTP"})
		Expect(err).To(HaveOccurred())
	})

	It("accepts every supported scheme", func() {
		for _, scheme := range []string{"HTTP", "HTTPS", "SOCKS4", "SOCKS5", "http", "socks5"} {
			err := validateFormat(Candidate{Host: "1.2.3.4", Port: 8080, Scheme: scheme})
			Expect(err).NotTo(HaveOccurred())
		}
	})
})

var _ = Describe("classifyAnonymity", func() {
	It("is TRANSPARENT when the observed IP matches the caller's real IP", func() {
		Expect(classifyAnonymity("1.1.1.1", "1.1.1.1", "proxy.example.com")).To(Equal(AnonymityTransparent))
	})

	It("is ELITE when the observed IP is empty", func() {
		Expect(classifyAnonymity("", "1.1.1.1", "proxy.example.com")).To(Equal(AnonymityElite))
	})

	It("is ELITE when the observed IP is the proxy's own host", func() {
		Expect(classifyAnonymity("proxy.example.com", "1.1.1.1", "proxy.example.com")).To(Equal(AnonymityElite))
	})

	It("is ANONYMOUS otherwise", func() {
		Expect(classifyAnonymity("2.2.2.2", "1.1.1.1", "proxy.example.com")).To(Equal(AnonymityAnonymous))
	})
})

func hostPort(rawurl string) (string, int) {
	u, err := url.Parse(rawurl)
	Expect(err).NotTo(HaveOccurred())
	host, portStr, err := net.SplitHostPort(u.Host)
	Expect(err).NotTo(HaveOccurred())
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

var _ = Describe("Validator.Check", func() {
	It("fails at the format stage without ever dialing", func() {
		v := New(DefaultConfig())
		r := v.Check(context.Background(), Candidate{ProxyID: "p1", Host: "", Port: 80, Scheme: "HTTP"}, LevelBasic)
		Expect(r.StageReached).To(Equal(StageFormat))
		Expect(r.Outcome).To(Equal(OutcomeFail))
	})

	It("reports UNREACHABLE when nothing is listening on the target port", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		addr := ln.Addr().(*net.TCPAddr)
		ln.Close() // freed immediately: nothing answers the SYN

		v := New(Config{TCPTimeout: 500 * time.Millisecond, HTTPTimeout: time.Second, MaxConcurrency: 1})
		r := v.Check(context.Background(), Candidate{ProxyID: "p1", Host: "127.0.0.1", Port: addr.Port, Scheme: "HTTP"}, LevelBasic)
		Expect(r.StageReached).To(Equal(StageTCP))
		Expect(r.Outcome).To(Equal(OutcomeUnreachable))
	})

	It("passes BASIC level once TCP connects, without touching HTTP", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer ln.Close()
		go func() {
			for {
				c, err := ln.Accept()
				if err != nil {
					return
				}
				c.Close()
			}
		}()
		addr := ln.Addr().(*net.TCPAddr)

		v := New(DefaultConfig())
		r := v.Check(context.Background(), Candidate{ProxyID: "p1", Host: "127.0.0.1", Port: addr.Port, Scheme: "HTTP"}, LevelBasic)
		Expect(r.StageReached).To(Equal(StageTCP))
		Expect(r.Outcome).To(Equal(OutcomePass))
		Expect(r.LatencyMS).NotTo(BeNil())
	})

	It("passes STANDARD level through a working forward proxy", func() {
		proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("9.9.9.9"))
		}))
		defer proxy.Close()
		host, port := hostPort(proxy.URL)

		v := New(Config{TCPTimeout: time.Second, HTTPTimeout: time.Second, MaxConcurrency: 1, EchoEndpoints: []string{"http://echo.example.invalid/ip"}})
		r := v.Check(context.Background(), Candidate{ProxyID: "p1", Host: host, Port: port, Scheme: "HTTP"}, LevelStandard)
		Expect(r.StageReached).To(Equal(StageHTTP))
		Expect(r.Outcome).To(Equal(OutcomePass))
	})

	It("classifies anonymity at FULL level using the overridden local-IP lookup", func() {
		proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("9.9.9.9"))
		}))
		defer proxy.Close()
		host, port := hostPort(proxy.URL)

		v := New(Config{TCPTimeout: time.Second, HTTPTimeout: time.Second, MaxConcurrency: 1, EchoEndpoints: []string{"http://echo.example.invalid/ip"}})
		v.localIP = func(ctx context.Context) (string, error) { return "1.2.3.4", nil }

		r := v.Check(context.Background(), Candidate{ProxyID: "p1", Host: host, Port: port, Scheme: "HTTP"}, LevelFull)
		Expect(r.StageReached).To(Equal(StageAnonymity))
		Expect(r.Anonymity).To(Equal(AnonymityAnonymous))
	})

	It("reports FAIL with the upstream status when the proxy responds non-200", func() {
		proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer proxy.Close()
		host, port := hostPort(proxy.URL)

		v := New(Config{TCPTimeout: time.Second, HTTPTimeout: time.Second, MaxConcurrency: 1, EchoEndpoints: []string{"http://echo.example.invalid/ip"}})
		r := v.Check(context.Background(), Candidate{ProxyID: "p1", Host: host, Port: port, Scheme: "HTTP"}, LevelStandard)
		Expect(r.Outcome).To(Equal(OutcomeFail))
	})
})

var _ = Describe("Validator.CheckBatch", func() {
	It("returns one result per candidate, regardless of completion order", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer ln.Close()
		go func() {
			for {
				c, err := ln.Accept()
				if err != nil {
					return
				}
				c.Close()
			}
		}()
		addr := ln.Addr().(*net.TCPAddr)

		v := New(Config{TCPTimeout: time.Second, HTTPTimeout: time.Second, MaxConcurrency: 2})
		candidates := []Candidate{
			{ProxyID: "ok", Host: "127.0.0.1", Port: addr.Port, Scheme: "HTTP"},
			{ProxyID: "bad-format", Host: "", Port: 80, Scheme: "HTTP"},
		}
		results := v.CheckBatch(context.Background(), candidates, LevelBasic)
		Expect(results).To(HaveLen(2))

		byID := map[string]Result{}
		for _, r := range results {
			byID[r.ProxyID] = r.Result
		}
		Expect(byID["ok"].Outcome).To(Equal(OutcomePass))
		Expect(byID["bad-format"].Outcome).To(Equal(OutcomeFail))
	})

	It("returns nil for an empty batch", func() {
		v := New(DefaultConfig())
		Expect(v.CheckBatch(context.Background(), nil, LevelBasic)).To(BeNil())
	})
})
