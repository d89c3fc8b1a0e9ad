// Package validator implements the multi-stage candidate validation
// pipeline (C2): format, TCP reachability, HTTP reachability, and
// anonymity classification. Its per-proxy check and bounded-concurrency
// batch fan-out are adapted from the teacher repo's worker.go checkProxies
// (a semaphore channel of size Workers, one goroutine per candidate,
// results collected under a mutex) and helpers.go's doRequest (a
// per-request http.Client whose Transport routes through the candidate via
// http.ProxyURL).
package validator

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// Level selects the last pipeline stage executed.
type Level string

const (
	LevelBasic    Level = "BASIC"    // format + TCP
	LevelStandard Level = "STANDARD" // + HTTP
	LevelFull     Level = "FULL"     // + anonymity classification
)

// Stage names a pipeline step, reported in Result.StageReached.
type Stage string

const (
	StageFormat    Stage = "format"
	StageTCP       Stage = "tcp"
	StageHTTP      Stage = "http"
	StageAnonymity Stage = "anonymity"
)

// Outcome is the terminal verdict of a validation run.
type Outcome string

const (
	OutcomePass        Outcome = "PASS"
	OutcomeFail        Outcome = "FAIL"
	OutcomeTimeout     Outcome = "TIMEOUT"
	OutcomeUnreachable Outcome = "UNREACHABLE"
)

// Anonymity mirrors rotorpool.Anonymity without importing the root
// package, for the same reason pkg/strategy duplicates its small enum
// types: the root package will import validator to drive fetch_proxies and
// validate_proxies.
type Anonymity string

const (
	AnonymityUnknown     Anonymity = "UNKNOWN"
	AnonymityTransparent Anonymity = "TRANSPARENT"
	AnonymityAnonymous   Anonymity = "ANONYMOUS"
	AnonymityElite       Anonymity = "ELITE"
)

// Candidate is a proxy endpoint awaiting validation.
type Candidate struct {
	ProxyID  string
	Host     string
	Port     int
	Scheme   string // "HTTP", "HTTPS", "SOCKS4", "SOCKS5"
	Username string
	Password string
}

func (c Candidate) proxyURL() (*url.URL, error) {
	scheme := strings.ToLower(c.Scheme)
	if scheme == "socks4" {
		// net/http's ProxyURL dialer only understands socks5; SOCKS4 format
		// validation still runs, but HTTP/anonymity stages are skipped for it
		// (reported as UNREACHABLE at the http stage).
		scheme = "socks4"
	}
	u := &url.URL{Scheme: scheme, Host: net.JoinHostPort(c.Host, portString(c.Port))}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u, nil
}

func portString(p int) string { return fmt.Sprintf("%d", p) }

// Result is one candidate's outcome.
type Result struct {
	ProxyID       string
	StageReached  Stage
	Outcome       Outcome
	LatencyMS     *float64
	ErrorKind     string
	Anonymity     Anonymity
}

// Config bounds a Validator's timeouts and echo endpoint.
type Config struct {
	TCPTimeout    time.Duration // default 5s
	HTTPTimeout   time.Duration
	EchoEndpoints []string // GET targets that echo the caller's IP, configurable so a deployment can point at its own endpoint
	MaxConcurrency int      // default 50
}

// DefaultConfig returns the package's stated defaults.
func DefaultConfig() Config {
	return Config{
		TCPTimeout:     5 * time.Second,
		HTTPTimeout:    10 * time.Second,
		EchoEndpoints:  []string{"https://api.ipify.org?format=text"},
		MaxConcurrency: 50,
	}
}

// Validator runs the format→TCP→HTTP→anonymity pipeline.
type Validator struct {
	cfg     Config
	localIP func(ctx context.Context) (string, error)
	ua      *userAgents
}

// New constructs a Validator from cfg, defaulting zero fields.
func New(cfg Config) *Validator {
	if cfg.TCPTimeout <= 0 {
		cfg.TCPTimeout = 5 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 50
	}
	if len(cfg.EchoEndpoints) == 0 {
		cfg.EchoEndpoints = DefaultConfig().EchoEndpoints
	}
	v := &Validator{cfg: cfg, ua: defaultUserAgents()}
	v.localIP = v.fetchLocalIP
	return v
}

// Check runs the pipeline for one candidate up to level.
func (v *Validator) Check(ctx context.Context, c Candidate, level Level) Result {
	if err := validateFormat(c); err != nil {
		return Result{ProxyID: c.ProxyID, StageReached: StageFormat, Outcome: OutcomeFail, ErrorKind: err.Error()}
	}

	tcpCtx, cancel := context.WithTimeout(ctx, v.cfg.TCPTimeout)
	defer cancel()
	start := time.Now()
	conn, err := (&net.Dialer{}).DialContext(tcpCtx, "tcp", net.JoinHostPort(c.Host, portString(c.Port)))
	if err != nil {
		if tcpCtx.Err() == context.DeadlineExceeded {
			return Result{ProxyID: c.ProxyID, StageReached: StageTCP, Outcome: OutcomeTimeout}
		}
		return Result{ProxyID: c.ProxyID, StageReached: StageTCP, Outcome: OutcomeUnreachable, ErrorKind: err.Error()}
	}
	conn.Close()

	if level == LevelBasic {
		lat := durationMS(time.Since(start))
		return Result{ProxyID: c.ProxyID, StageReached: StageTCP, Outcome: OutcomePass, LatencyMS: &lat}
	}

	return v.checkHTTP(ctx, c, level)
}

func (v *Validator) checkHTTP(ctx context.Context, c Candidate, level Level) Result {
	proxyURL, err := c.proxyURL()
	if err != nil {
		return Result{ProxyID: c.ProxyID, StageReached: StageHTTP, Outcome: OutcomeFail, ErrorKind: err.Error()}
	}

	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   v.cfg.HTTPTimeout,
	}

	endpoint := v.cfg.EchoEndpoints[0]
	reqCtx, cancel := context.WithTimeout(ctx, v.cfg.HTTPTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{ProxyID: c.ProxyID, StageReached: StageHTTP, Outcome: OutcomeFail, ErrorKind: err.Error()}
	}
	req.Header.Set("User-Agent", v.ua.random())

	resp, err := client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return Result{ProxyID: c.ProxyID, StageReached: StageHTTP, Outcome: OutcomeTimeout}
		}
		return Result{ProxyID: c.ProxyID, StageReached: StageHTTP, Outcome: OutcomeUnreachable, ErrorKind: err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	lat := durationMS(time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return Result{ProxyID: c.ProxyID, StageReached: StageHTTP, Outcome: OutcomeFail, LatencyMS: &lat, ErrorKind: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	if level != LevelFull {
		return Result{ProxyID: c.ProxyID, StageReached: StageHTTP, Outcome: OutcomePass, LatencyMS: &lat}
	}

	observed := strings.TrimSpace(string(body))
	local, err := v.localIP(ctx)
	if err != nil {
		return Result{ProxyID: c.ProxyID, StageReached: StageHTTP, Outcome: OutcomePass, LatencyMS: &lat, Anonymity: AnonymityUnknown}
	}

	return Result{
		ProxyID:      c.ProxyID,
		StageReached: StageAnonymity,
		Outcome:      OutcomePass,
		LatencyMS:    &lat,
		Anonymity:    classifyAnonymity(observed, local, c.Host),
	}
}

// classifyAnonymity implements the anonymity stage's three-way split.
func classifyAnonymity(observedIP, localIP, proxyHost string) Anonymity {
	if observedIP == localIP {
		return AnonymityTransparent
	}
	if observedIP == "" || observedIP == proxyHost {
		return AnonymityElite
	}
	return AnonymityAnonymous
}

func (v *Validator) fetchLocalIP(ctx context.Context) (string, error) {
	endpoint := v.cfg.EchoEndpoints[0]
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(body))
	if _, err := netip.ParseAddr(ip); err != nil {
		return "", fmt.Errorf("validator: echo endpoint returned non-IP body")
	}
	return ip, nil
}

func validateFormat(c Candidate) error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("empty host")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch strings.ToUpper(c.Scheme) {
	case "HTTP", "HTTPS", "SOCKS4", "SOCKS5":
	default:
		return fmt.Errorf("unsupported scheme %q", c.Scheme)
	}
	return nil
}

func durationMS(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// BatchResult pairs a Candidate's id with its Result, keyed for the
// caller since batch results arrive in completion order, not submission
// order.
type BatchResult struct {
	ProxyID string
	Result  Result
}

// CheckBatch fans candidates out across up to cfg.MaxConcurrency concurrent
// checks (grounded on the teacher's checkProxies semaphore-channel idiom),
// returning as soon as every candidate has a result or ctx is cancelled.
// A single candidate's failure never aborts the batch.
func (v *Validator) CheckBatch(ctx context.Context, candidates []Candidate, level Level) []BatchResult {
	if len(candidates) == 0 {
		return nil
	}

	sem := make(chan struct{}, v.cfg.MaxConcurrency)
	results := make(chan BatchResult, len(candidates))

	for _, c := range candidates {
		c := c
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			results <- BatchResult{ProxyID: c.ProxyID, Result: Result{ProxyID: c.ProxyID, Outcome: OutcomeTimeout}}
			continue
		}
		go func() {
			defer func() { <-sem }()
			results <- BatchResult{ProxyID: c.ProxyID, Result: v.Check(ctx, c, level)}
		}()
	}

	out := make([]BatchResult, 0, len(candidates))
	for i := 0; i < len(candidates); i++ {
		out = append(out, <-results)
	}
	return out
}
