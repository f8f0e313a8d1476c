// Package web probes HTTP endpoints of the target: the root page for
// fingerprinting, paths for content discovery, and robots.txt.
package web

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/tarantula/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
)

const defaultBodyLimit = 512 * 1024

// Page is one fetched HTTP response with its body cut at the fetcher's
// limit. Length is the full body length for pages fetched with Measure,
// -1 when it was too long to count, and len(Body) otherwise.
type Page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Length     int64
}

// Fetcher issues paced GET requests with a fixed user agent.
type Fetcher struct {
	client    *http.Client
	limiter   *ratelimit.Limiter
	userAgent string
	maxBody   int64
}

// NewFetcher creates a fetcher. limiter may be nil.
func NewFetcher(client *http.Client, limiter *ratelimit.Limiter, userAgent string, maxBody int64) *Fetcher {
	if maxBody <= 0 {
		maxBody = defaultBodyLimit
	}
	return &Fetcher{
		client:    client,
		limiter:   limiter,
		userAgent: userAgent,
		maxBody:   maxBody,
	}
}

// MaxBody is the number of body bytes kept per response.
func (f *Fetcher) MaxBody() int64 { return f.maxBody }

// Get fetches rawURL. Connection level absences (refused, unresolvable,
// timed out) are reported as probe.ErrNegative.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*Page, error) {
	return f.fetch(ctx, rawURL, false)
}

// Measure is Get that also reads past the body limit to learn the full
// body length.
func (f *Fetcher) Measure(ctx context.Context, rawURL string) (*Page, error) {
	return f.fetch(ctx, rawURL, true)
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string, measure bool) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	if f.limiter != nil {
		if err := f.limiter.WaitForHost(ctx, req.URL.Host); err != nil {
			return nil, err
		}
	}

	resp, err := httpclient.DoWithContext(ctx, f.client, req)
	if err != nil {
		return nil, probe.NetError(err)
	}
	defer httpclient.CloseBody(resp)

	var (
		body   []byte
		length int64
	)
	if measure {
		body, length, err = httpclient.MeasureBody(resp, f.maxBody)
	} else {
		body, err = httpclient.ReadBody(resp, f.maxBody)
		length = int64(len(body))
	}
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", rawURL, err)
	}

	return &Page{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
		Length:     length,
	}, nil
}

// BaseURLs returns the http and https roots of host, http first.
func BaseURLs(host string) []string {
	return []string{"http://" + host, "https://" + host}
}

// HostOf returns the host name of rawURL, or rawURL itself if it does not
// parse.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Hostname()
}

var unsafeQuery = strings.NewReplacer(
	" ", "%20",
	"<", "%3C",
	">", "%3E",
	`"`, "%22",
	"`", "%60",
	"{", "%7B",
	"}", "%7D",
	"|", "%7C",
	"\\", "%5C",
	"^", "%5E",
)

// JoinPayload appends a raw request target such as "/?id=1' OR '1'='1" to
// base. Existing percent escapes are kept as sent, so double encoded
// payloads stay double encoded.
func JoinPayload(base, payload string) string {
	if !strings.HasPrefix(payload, "/") {
		payload = "/" + payload
	}
	return strings.TrimSuffix(base, "/") + unsafeQuery.Replace(payload)
}
