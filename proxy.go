package rotorpool

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Scheme is the transport a proxy speaks.
type Scheme string

const (
	SchemeHTTP   Scheme = "HTTP"
	SchemeHTTPS  Scheme = "HTTPS"
	SchemeSOCKS4 Scheme = "SOCKS4"
	SchemeSOCKS5 Scheme = "SOCKS5"
)

func (s Scheme) valid() bool {
	switch s {
	case SchemeHTTP, SchemeHTTPS, SchemeSOCKS4, SchemeSOCKS5:
		return true
	}
	return false
}

// Status is the coarse lifecycle state of a proxy.
type Status string

const (
	StatusUnknown   Status = "UNKNOWN"
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
)

// Anonymity is how much a proxy reveals about the client.
type Anonymity string

const (
	AnonymityUnknown     Anonymity = "UNKNOWN"
	AnonymityTransparent Anonymity = "TRANSPARENT"
	AnonymityAnonymous   Anonymity = "ANONYMOUS"
	AnonymityElite       Anonymity = "ELITE"
)

// Proxy is the central pool entity. Every field mutation after
// construction goes through Pool's API under its locks; Proxy itself only
// holds the per-proxy mutex guarding counters/EMA/window.
type Proxy struct {
	id       string
	host     string
	port     int
	scheme   Scheme
	username string
	// credential is the secret never printed, logged, or serialized in the
	// clear. String() redacts it to "***", and Snapshot does not carry it.
	credential string

	countryCode string
	region      string

	sourceTag string
	firstSeen time.Time
	lastSeen  time.Time

	mu         sync.RWMutex
	status     Status
	anonymity  Anonymity
	weight     float64 // 0 means "unset"; surfaced as Snapshot.Weight, which the Weighted strategy does not read (it uses its own Weights map)

	requestsStarted   int64
	requestsCompleted int64
	successes         int64
	failures          int64
	requestsActive    int64

	emaLatencyMS float64
	hasEMA       bool
	emaAlpha     float64

	window *slidingWindow
}

// NewProxy constructs and validates a Proxy: an explicit constructor in
// place of pydantic-style field coercion. Normalization (country-code
// uppercasing) and validation both happen here, and a malformed
// candidate is rejected with a ValidationFailedError rather than
// silently coerced.
func NewProxy(host string, port int, scheme Scheme, opts ...ProxyOption) (*Proxy, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, &ValidationFailedError{Stage: "format", Reason: "empty host"}
	}
	if net.ParseIP(host) == nil && !isValidHostname(host) {
		return nil, &ValidationFailedError{Stage: "format", Reason: fmt.Sprintf("invalid hostname %q", host)}
	}
	if port < 1 || port > 65535 {
		return nil, &ValidationFailedError{Stage: "format", Reason: fmt.Sprintf("port %d out of range", port)}
	}
	if !scheme.valid() {
		return nil, &ValidationFailedError{Stage: "format", Reason: fmt.Sprintf("unsupported scheme %q", scheme)}
	}

	now := time.Now()
	p := &Proxy{
		id:        proxyID(host, port, scheme),
		host:      host,
		port:      port,
		scheme:    scheme,
		status:    StatusUnknown,
		anonymity: AnonymityUnknown,
		emaAlpha:  0.2,
		firstSeen: now,
		lastSeen:  now,
		window:    newSlidingWindow(time.Hour),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.emaAlpha <= 0 || p.emaAlpha > 1 {
		return nil, &InvalidConfigurationError{Field: "ema_alpha"}
	}
	if p.countryCode != "" {
		p.countryCode = strings.ToUpper(p.countryCode)
		if len(p.countryCode) != 2 {
			return nil, &ValidationFailedError{Stage: "format", Reason: "country_code must be ISO 3166-1 alpha-2"}
		}
	}
	return p, nil
}

// ProxyOption configures a Proxy at construction time.
type ProxyOption func(*Proxy)

func WithCredential(username, secret string) ProxyOption {
	return func(p *Proxy) { p.username = username; p.credential = secret }
}

func WithGeo(countryCode, region string) ProxyOption {
	return func(p *Proxy) { p.countryCode = countryCode; p.region = region }
}

func WithSourceTag(tag string) ProxyOption {
	return func(p *Proxy) { p.sourceTag = tag }
}

func WithEMAAlpha(alpha float64) ProxyOption {
	return func(p *Proxy) { p.emaAlpha = alpha }
}

func WithWeight(weight float64) ProxyOption {
	return func(p *Proxy) { p.weight = weight }
}

func WithWindowDuration(d time.Duration) ProxyOption {
	return func(p *Proxy) { p.window = newSlidingWindow(d) }
}

func proxyID(host string, port int, scheme Scheme) string {
	return fmt.Sprintf("%s://%s:%d", strings.ToLower(string(scheme)), strings.ToLower(host), port)
}

// ID is the stable host:port:scheme-derived identity.
func (p *Proxy) ID() string { return p.id }

func (p *Proxy) Host() string   { return p.host }
func (p *Proxy) Port() int      { return p.port }
func (p *Proxy) Scheme() Scheme { return p.scheme }

// String never includes the credential.
func (p *Proxy) String() string {
	auth := ""
	if p.username != "" {
		auth = p.username + ":***@"
	}
	return fmt.Sprintf("%s://%s%s:%d", strings.ToLower(string(p.scheme)), auth, p.host, p.port)
}

// Snapshot is an immutable, point-in-time copy of a Proxy's exported state,
// safe to pass to strategies without holding any pool lock.
type Snapshot struct {
	ID          string
	Host        string
	Port        int
	Scheme      Scheme
	CountryCode string
	Region      string
	SourceTag   string
	FirstSeen   time.Time
	LastSeen    time.Time
	Status      Status
	Anonymity   Anonymity

	RequestsStarted   int64
	RequestsCompleted int64
	Successes         int64
	Failures          int64
	RequestsActive    int64

	EMALatencyMS float64
	HasEMA       bool
	Weight       float64
}

// SuccessRate is successes/max(1,requests_completed), the Weighted
// strategy's success-rate fallback when no custom weight is set.
func (s Snapshot) SuccessRate() float64 {
	completed := s.RequestsCompleted
	if completed < 1 {
		completed = 1
	}
	return float64(s.Successes) / float64(completed)
}

func (p *Proxy) snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		ID:                p.id,
		Host:              p.host,
		Port:              p.port,
		Scheme:            p.scheme,
		CountryCode:       p.countryCode,
		Region:            p.region,
		SourceTag:         p.sourceTag,
		FirstSeen:         p.firstSeen,
		LastSeen:          p.lastSeen,
		Status:            p.status,
		Anonymity:         p.anonymity,
		RequestsStarted:   p.requestsStarted,
		RequestsCompleted: p.requestsCompleted,
		Successes:         p.successes,
		Failures:          p.failures,
		RequestsActive:    p.requestsActive,
		EMALatencyMS:      p.emaLatencyMS,
		HasEMA:            p.hasEMA,
		Weight:            p.weight,
	}
}

func (p *Proxy) startRequest() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.window.prune(time.Now())
	p.requestsStarted++
	p.requestsActive++
	p.lastSeen = time.Now()
	p.window.record(time.Now())
}

func (p *Proxy) completeRequest(success bool, latencyMS *float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requestsCompleted++
	p.requestsActive--
	if success {
		p.successes++
	} else {
		p.failures++
	}
	if latencyMS != nil {
		if !p.hasEMA {
			p.emaLatencyMS = *latencyMS
			p.hasEMA = true
		} else {
			p.emaLatencyMS = p.emaAlpha*(*latencyMS) + (1-p.emaAlpha)*p.emaLatencyMS
		}
	}
}

func (p *Proxy) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *Proxy) setAnonymity(a Anonymity) {
	p.mu.Lock()
	p.anonymity = a
	p.mu.Unlock()
}

func (p *Proxy) windowRequestCount(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.window.prune(now)
	return p.window.count()
}

// redactedCredential is "" when no credential is set, else always "***" —
// used by serializers so a credential is never emitted in the clear.
func (p *Proxy) redactedCredential() string {
	if p.credential == "" {
		return ""
	}
	return "***"
}

// Credential returns the proxy's plaintext username/secret pair, and false
// if none was set. It exists solely for collaborators that must encrypt
// the credential at a trust boundary (store.Cipher at persistence time) —
// nothing else in this package should call it.
func (p *Proxy) Credential() (username, secret string, ok bool) {
	if p.credential == "" {
		return "", "", false
	}
	return p.username, p.credential, true
}

// isValidHostname applies the classic DNS label rules (RFC 1123): letters,
// digits, hyphens, dots, no leading/trailing hyphen per label.
func isValidHostname(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	labels := strings.Split(host, ".")
	for _, l := range labels {
		if l == "" || len(l) > 63 {
			return false
		}
		if l[0] == '-' || l[len(l)-1] == '-' {
			return false
		}
		for _, r := range l {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return true
}
