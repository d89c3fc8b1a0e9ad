// Package loader implements the ingestion side of the external interfaces
//: a Loader produces a finite, non-restartable sequence of
// CandidateProxy. The HTTP-fetch-then-parse shape of every adapter here is
// lifted directly from the teacher repo's worker.go fetchProxies (http.Get
// a source URL, read the body, split into host:port entries) — this
// package only generalizes the parsing step from "split on newline" to
// three concrete body formats (plain lines, JSON array, HTML table).
package loader

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// CandidateProxy is one ingested, not-yet-validated endpoint.
type CandidateProxy struct {
	Host          string
	Port          int
	Scheme        string
	Country       string
	Region        string
	SourceTag     string
	RawAttributes map[string]string
}

// Loader produces candidates from one source. Load is called at most once
// per Loader instance — the sequence is finite and non-restartable.
type Loader interface {
	Load(ctx context.Context) ([]CandidateProxy, error)
}

func fetchBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loader: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loader: fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// LinesLoader parses a body of "host:port" lines, one candidate per line,
// the teacher's exact source format, generalized to carry an explicit
// scheme and source tag per loader instance rather than per-source-map-key.
type LinesLoader struct {
	URL       string
	Scheme    string
	SourceTag string
}

func (l LinesLoader) Load(ctx context.Context) ([]CandidateProxy, error) {
	body, err := fetchBody(ctx, l.URL)
	if err != nil {
		return nil, err
	}

	var out []CandidateProxy
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		host, port, ok := splitHostPort(line)
		if !ok {
			continue
		}
		out = append(out, CandidateProxy{
			Host:      host,
			Port:      port,
			Scheme:    l.Scheme,
			SourceTag: l.SourceTag,
		})
	}
	return out, scanner.Err()
}

func splitHostPort(s string) (string, int, bool) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", 0, false
	}
	host := s[:idx]
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, false
	}
	return host, port, true
}

// jsonProxyRecord is the wire shape JSONLoader expects per array element.
type jsonProxyRecord struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Scheme  string `json:"scheme"`
	Country string `json:"country"`
	Region  string `json:"region"`
}

// JSONLoader parses a JSON array of proxy records, preserving each
// record's raw attributes verbatim for sources whose schema outgrows the
// fixed fields above.
type JSONLoader struct {
	URL       string
	SourceTag string
}

func (l JSONLoader) Load(ctx context.Context) ([]CandidateProxy, error) {
	body, err := fetchBody(ctx, l.URL)
	if err != nil {
		return nil, err
	}

	var rawRecords []map[string]json.RawMessage
	if err := json.Unmarshal(body, &rawRecords); err != nil {
		return nil, fmt.Errorf("loader: parse json: %w", err)
	}

	out := make([]CandidateProxy, 0, len(rawRecords))
	for _, raw := range rawRecords {
		var rec jsonProxyRecord
		merged, _ := json.Marshal(raw)
		if err := json.Unmarshal(merged, &rec); err != nil {
			continue
		}
		attrs := make(map[string]string, len(raw))
		for k, v := range raw {
			attrs[k] = string(v)
		}
		out = append(out, CandidateProxy{
			Host:          rec.Host,
			Port:          rec.Port,
			Scheme:        rec.Scheme,
			Country:       rec.Country,
			Region:        rec.Region,
			SourceTag:     l.SourceTag,
			RawAttributes: attrs,
		})
	}
	return out, nil
}

// HTMLTableLoader scrapes "host:port" pairs out of the text content of
// <td> cells in an HTML table, for the free proxy-list sites that publish
// only a rendered table rather than a raw or JSON feed.
type HTMLTableLoader struct {
	URL       string
	Scheme    string
	SourceTag string
}

func (l HTMLTableLoader) Load(ctx context.Context) ([]CandidateProxy, error) {
	body, err := fetchBody(ctx, l.URL)
	if err != nil {
		return nil, err
	}

	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("loader: parse html: %w", err)
	}

	var out []CandidateProxy
	var cellText strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			cellText.Reset()
			collectRowText(n, &cellText)
			if host, port, ok := splitHostPort(strings.TrimSpace(cellText.String())); ok {
				out = append(out, CandidateProxy{Host: host, Port: port, Scheme: l.Scheme, SourceTag: l.SourceTag})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out, nil
}

// collectRowText joins a <tr>'s first two <td> cells as "host:port" —
// the common shape of free-proxy-list tables (IP column, port column).
func collectRowText(n *html.Node, sb *strings.Builder) {
	var cells []string
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && node.Data == "td" {
			var text strings.Builder
			var collect func(*html.Node)
			collect = func(tn *html.Node) {
				if tn.Type == html.TextNode {
					text.WriteString(tn.Data)
				}
				for c := tn.FirstChild; c != nil; c = c.NextSibling {
					collect(c)
				}
			}
			collect(node)
			cells = append(cells, strings.TrimSpace(text.String()))
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	if len(cells) >= 2 {
		sb.WriteString(cells[0])
		sb.WriteString(":")
		sb.WriteString(cells[1])
	}
}

// Dedup removes candidates sharing a (host, port, scheme) identity,
// keeping the first occurrence.
func Dedup(candidates []CandidateProxy) []CandidateProxy {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]CandidateProxy, 0, len(candidates))
	for _, c := range candidates {
		key := fmt.Sprintf("%s://%s:%d", strings.ToLower(c.Scheme), strings.ToLower(c.Host), c.Port)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}
