// Package certlogs finds subdomains in certificate transparency logs.
package certlogs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/web"
)

const (
	DefaultCrtSh       = "https://crt.sh"
	DefaultCertSpotter = "https://api.certspotter.com"

	// maxCrtShEntries bounds how many crt.sh certificates are read per
	// lookup; popular domains return tens of thousands.
	maxCrtShEntries = 100
)

// Client queries crt.sh and Cert Spotter. Either endpoint may be empty to
// skip that log search.
type Client struct {
	fetcher     *web.Fetcher
	crtsh       string
	certspotter string
}

func NewClient(fetcher *web.Fetcher, crtsh, certspotter string) *Client {
	return &Client{
		fetcher:     fetcher,
		crtsh:       strings.TrimSuffix(crtsh, "/"),
		certspotter: strings.TrimSuffix(certspotter, "/"),
	}
}

type crtshEntry struct {
	IssuerName   string `json:"issuer_name"`
	CommonName   string `json:"common_name"`
	NameValue    string `json:"name_value"`
	ID           int64  `json:"id"`
	NotBefore    string `json:"not_before"`
	NotAfter     string `json:"not_after"`
	SerialNumber string `json:"serial_number"`
}

type certspotterIssuance struct {
	ID       string   `json:"id"`
	DNSNames []string `json:"dns_names"`
}

// Lookup returns the names under domain found in either log, sorted and
// without wildcard prefixes. It fails only when every configured log
// search fails.
func (c *Client) Lookup(ctx context.Context, domain string) ([]string, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	var (
		names []string
		errs  []error
		tried int
	)
	if c.crtsh != "" {
		tried++
		found, err := c.searchCrtSh(ctx, domain)
		if err != nil {
			errs = append(errs, err)
		}
		names = append(names, found...)
	}
	if c.certspotter != "" {
		tried++
		found, err := c.searchCertSpotter(ctx, domain)
		if err != nil {
			errs = append(errs, err)
		}
		names = append(names, found...)
	}

	out := Under(names, domain)
	if tried > 0 && len(errs) == tried {
		return out, errors.Join(errs...)
	}
	return out, nil
}

func (c *Client) searchCrtSh(ctx context.Context, domain string) ([]string, error) {
	apiURL := fmt.Sprintf("%s/?q=%s&output=json", c.crtsh, url.QueryEscape("%."+domain))
	var entries []crtshEntry
	if err := c.getJSON(ctx, "crt.sh", apiURL, &entries); err != nil {
		return nil, err
	}

	if len(entries) > maxCrtShEntries {
		entries = entries[:maxCrtShEntries]
	}
	var names []string
	for _, e := range entries {
		names = append(names, strings.Split(e.NameValue, "\n")...)
		names = append(names, e.CommonName)
	}
	return names, nil
}

func (c *Client) searchCertSpotter(ctx context.Context, domain string) ([]string, error) {
	apiURL := fmt.Sprintf("%s/v1/issuances?domain=%s&include_subdomains=true&expand=dns_names",
		c.certspotter, url.QueryEscape(domain))
	var issuances []certspotterIssuance
	if err := c.getJSON(ctx, "certspotter", apiURL, &issuances); err != nil {
		return nil, err
	}

	var names []string
	for _, is := range issuances {
		names = append(names, is.DNSNames...)
	}
	return names, nil
}

func (c *Client) getJSON(ctx context.Context, name, apiURL string, v interface{}) error {
	page, err := c.fetcher.Get(ctx, apiURL)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if page.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", name, page.StatusCode)
	}
	if err := json.Unmarshal(page.Body, v); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", name, err)
	}
	return nil
}

// Under keeps the names strictly below domain, lower cased, with any
// wildcard label removed, sorted and deduplicated.
func Under(names []string, domain string) []string {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	suffix := "." + domain

	seen := make(map[string]bool)
	var out []string
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		n = strings.TrimSuffix(n, ".")
		for strings.HasPrefix(n, "*.") {
			n = n[2:]
		}
		if !strings.HasSuffix(n, suffix) || strings.ContainsAny(n, " */@") || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Labels strips domain from each name, leaving the part a subdomain
// prober prepends to it.
func Labels(names []string, domain string) []string {
	suffix := "." + strings.ToLower(strings.TrimSuffix(domain, "."))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if label := strings.TrimSuffix(n, suffix); label != n && label != "" {
			out = append(out, label)
		}
	}
	return out
}
