// Package waf sends detection and evasion payloads to the target so the
// signature engine can recognise the firewall in front of it.
package waf

import (
	"context"
	"net/http"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
)

// Prober requests base+payload on each base URL.
type Prober struct {
	fetcher *web.Fetcher
	bases   []string
}

// NewProber creates a prober over bases, tried in order.
func NewProber(fetcher *web.Fetcher, bases []string) *Prober {
	return &Prober{fetcher: fetcher, bases: bases}
}

// Probe implements probe.Func for waf and waf_bypass candidates. Detection
// payloads return the first response of any status. Evasion payloads
// prefer a 200 response and fall back to the last one seen, so the
// classifier can tell an accepted payload from a blocked one.
func (p *Prober) Probe(ctx context.Context, c probe.Candidate) (probe.Evidence, error) {
	var last *web.Page
	var lastErr error

	for _, base := range p.bases {
		page, err := p.fetcher.Get(ctx, web.JoinPayload(base, c.Value))
		if err != nil {
			lastErr = err
			continue
		}
		last = page
		if c.Kind != probe.KindWAFBypass || page.StatusCode == http.StatusOK {
			break
		}
	}

	if last == nil {
		if lastErr == nil {
			lastErr = probe.Negative("no base url")
		}
		return probe.Evidence{}, lastErr
	}

	return probe.Evidence{
		Host:       web.HostOf(last.URL),
		URL:        last.URL,
		StatusCode: last.StatusCode,
		Headers:    last.Headers,
		Body:       string(last.Body),
		Payload:    c.Value,
	}, nil
}
