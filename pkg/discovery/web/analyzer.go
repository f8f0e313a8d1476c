package web

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
)

// HTTPProber fetches a base URL and collects the evidence the technology,
// security header, misconfiguration and WAF families classify.
type HTTPProber struct {
	fetcher *Fetcher
	favicon bool
}

// NewHTTPProber creates a prober. When favicon is set the prober also
// fetches /favicon.ico and records its hash.
func NewHTTPProber(fetcher *Fetcher, favicon bool) *HTTPProber {
	return &HTTPProber{fetcher: fetcher, favicon: favicon}
}

// Probe implements probe.Func. The candidate value is a base URL such as
// https://example.com.
func (p *HTTPProber) Probe(ctx context.Context, c probe.Candidate) (probe.Evidence, error) {
	page, err := p.fetcher.Get(ctx, c.Value)
	if err != nil {
		return probe.Evidence{}, err
	}

	ev := probe.Evidence{
		Host:       HostOf(c.Value),
		URL:        page.URL,
		StatusCode: page.StatusCode,
		Headers:    page.Headers,
		Body:       string(page.Body),
	}
	ev.Title, ev.Generator = parseHead(page.Body)

	if p.favicon {
		ev.FaviconHash = p.faviconHash(ctx, c.Value)
	}

	return ev, nil
}

func (p *HTTPProber) faviconHash(ctx context.Context, base string) string {
	page, err := p.fetcher.Get(ctx, strings.TrimSuffix(base, "/")+"/favicon.ico")
	if err != nil || page.StatusCode != http.StatusOK || len(page.Body) == 0 {
		return ""
	}
	return FaviconHash(page.Body)
}

// parseHead extracts <title> and <meta name="generator"> from an HTML
// document. Non-HTML bodies yield empty strings.
func parseHead(body []byte) (title, generator string) {
	if len(body) == 0 {
		return "", ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", ""
	}

	title = strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		name, _ := s.Attr("name")
		if !strings.EqualFold(name, "generator") {
			return true
		}
		generator, _ = s.Attr("content")
		generator = strings.TrimSpace(generator)
		return false
	})
	return title, generator
}

// PathProber requests one path on each base URL in turn and reports the
// first response that is not a 404.
type PathProber struct {
	fetcher *Fetcher
	bases   []string
}

// NewPathProber creates a prober over bases, tried in order.
func NewPathProber(fetcher *Fetcher, bases []string) *PathProber {
	return &PathProber{fetcher: fetcher, bases: bases}
}

// Probe implements probe.Func for path candidates.
func (p *PathProber) Probe(ctx context.Context, c probe.Candidate) (probe.Evidence, error) {
	path := strings.TrimPrefix(c.Value, "/")

	var lastErr error
	for _, base := range p.bases {
		target := strings.TrimSuffix(base, "/") + "/" + path
		page, err := p.fetcher.Get(ctx, target)
		if err != nil {
			lastErr = err
			continue
		}
		if page.StatusCode == http.StatusNotFound {
			lastErr = probe.Negative(fmt.Sprintf("%s returned 404", target))
			continue
		}
		return probe.Evidence{
			Host:       HostOf(target),
			URL:        target,
			StatusCode: page.StatusCode,
			Headers:    page.Headers,
			Body:       string(page.Body),
		}, nil
	}

	if lastErr == nil {
		lastErr = probe.Negative("no base url")
	}
	return probe.Evidence{}, lastErr
}
