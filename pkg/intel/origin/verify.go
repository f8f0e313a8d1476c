package origin

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/web"
)

// DefaultLengthTolerance is the largest body length difference, exclusive,
// between the direct and the fronted response of a verified origin.
const DefaultLengthTolerance = 1000

// Baseline maps each root URL of the target to the full body length of
// its fronted 200 response. URLs that did not answer 200, or whose body was
// too long to measure, are absent.
type Baseline map[string]int

// Verification is the result of asking one candidate for the target.
type Verification struct {
	Verified    bool
	Status      int
	LengthDelta int
}

// Verifier compares what a candidate address serves for the target's
// virtual host with what the target serves through its normal path.
type Verifier struct {
	fetcher   *web.Fetcher
	clientCfg httpclient.ClientConfig
	tolerance int
	userAgent string
	bases     func(target string) []string
}

// NewVerifier creates a verifier. fetcher is used for the fronted
// baseline; direct requests use a client pinned to each candidate. Both
// sides compare full body lengths.
func NewVerifier(fetcher *web.Fetcher, timeout time.Duration, tolerance int, userAgent string) *Verifier {
	cfg := httpclient.DefaultConfig()
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	if tolerance <= 0 {
		tolerance = DefaultLengthTolerance
	}
	return &Verifier{
		fetcher:   fetcher,
		clientCfg: cfg,
		tolerance: tolerance,
		userAgent: userAgent,
		bases:     web.BaseURLs,
	}
}

// Baseline fetches the target's roots through the normal path.
func (v *Verifier) Baseline(ctx context.Context, target string) Baseline {
	b := make(Baseline)
	for _, base := range v.bases(target) {
		page, err := v.fetcher.Measure(ctx, base+"/")
		if err != nil || page.StatusCode != http.StatusOK || page.Length < 0 {
			continue
		}
		b[base+"/"] = int(page.Length)
	}
	return b
}

// Verify requests every baseline URL from ip. The candidate is verified as
// soon as one URL answers 200 with a body length strictly within the
// tolerance of the baseline. Failures are never errors.
func (v *Verifier) Verify(ctx context.Context, ip string, baseline Baseline) Verification {
	var out Verification
	if len(baseline) == 0 {
		return out
	}

	urls := make([]string, 0, len(baseline))
	for u := range baseline {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	client := httpclient.NewPinnedClient(v.clientCfg, ip)
	for _, rawURL := range urls {
		want := baseline[rawURL]
		status, got, err := v.fetchDirect(ctx, client, rawURL)
		if err != nil || got < 0 {
			continue
		}

		delta := got - want
		if delta < 0 {
			delta = -delta
		}
		if out.Status == 0 || status == http.StatusOK {
			out.Status = status
			out.LengthDelta = delta
		}
		if status == http.StatusOK && delta < v.tolerance {
			out.Verified = true
			return out
		}
	}
	return out
}

func (v *Verifier) fetchDirect(ctx context.Context, client *http.Client, rawURL string) (int, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, 0, err
	}
	if v.userAgent != "" {
		req.Header.Set("User-Agent", v.userAgent)
	}

	resp, err := httpclient.DoWithContext(ctx, client, req)
	if err != nil {
		return 0, 0, err
	}
	defer httpclient.CloseBody(resp)

	_, length, err := httpclient.MeasureBody(resp, 0)
	if err != nil {
		return 0, 0, err
	}
	return resp.StatusCode, int(length), nil
}
