package origin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/cache"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/certlogs"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/dns"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/findings"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
)

// Candidate is one address proposed by a source.
type Candidate struct {
	IP       string
	Source   string
	Evidence string
}

// Source is one origin discovery heuristic. Lookup errors are reported
// but never stop the other sources.
type Source interface {
	Name() string
	Lookup(ctx context.Context, target string) ([]Candidate, error)
}

var ipv4Pattern = regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`)

// HistorySource queries a passive DNS service in the hackertarget format
// (hostsearch and reverseiplookup) and caches the addresses it returns.
type HistorySource struct {
	fetcher  *web.Fetcher
	endpoint string
	cache    cache.Cache
}

// NewHistorySource creates a history source. cache may be nil.
func NewHistorySource(fetcher *web.Fetcher, endpoint string, c cache.Cache) *HistorySource {
	return &HistorySource{
		fetcher:  fetcher,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		cache:    c,
	}
}

func (s *HistorySource) Name() string { return "history" }

func (s *HistorySource) Lookup(ctx context.Context, target string) ([]Candidate, error) {
	key := "history:" + target
	var ips []string

	if s.cache != nil {
		if found, err := s.cache.Get(ctx, key, &ips); err == nil && found {
			return toCandidates(ips, s.Name(), "passive DNS (cached)"), nil
		}
	}

	var lastErr error
	queried := 0
	seen := make(map[string]bool)
	for _, path := range []string{"/hostsearch/?q=", "/reverseiplookup/?q="} {
		page, err := s.fetcher.Get(ctx, s.endpoint+path+url.QueryEscape(target))
		if err != nil {
			lastErr = err
			continue
		}
		queried++
		if page.StatusCode != http.StatusOK || strings.Contains(string(page.Body), "No records found") {
			continue
		}
		for _, ip := range ipv4Pattern.FindAllString(string(page.Body), -1) {
			if !seen[ip] {
				seen[ip] = true
				ips = append(ips, ip)
			}
		}
	}

	if queried == 0 && lastErr != nil {
		return nil, fmt.Errorf("passive DNS lookup failed: %w", lastErr)
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, key, ips)
	}
	return toCandidates(ips, s.Name(), "passive DNS"), nil
}

func toCandidates(ips []string, source, evidence string) []Candidate {
	out := make([]Candidate, 0, len(ips))
	for _, ip := range ips {
		out = append(out, Candidate{IP: ip, Source: source, Evidence: evidence})
	}
	return out
}

// CorrelationSource promotes any IPv4 address shared by at least two
// distinct discovered subdomains.
type CorrelationSource struct {
	assets func() []findings.Asset
}

// NewCorrelationSource reads assets at lookup time, so it sees everything
// discovered before origin discovery starts.
func NewCorrelationSource(assets func() []findings.Asset) *CorrelationSource {
	return &CorrelationSource{assets: assets}
}

func (s *CorrelationSource) Name() string { return "correlation" }

func (s *CorrelationSource) Lookup(_ context.Context, _ string) ([]Candidate, error) {
	hosts := make(map[string]map[string]bool)
	for _, a := range s.assets() {
		for _, ip := range a.IPs {
			if !isIPv4(ip) {
				continue
			}
			if hosts[ip] == nil {
				hosts[ip] = make(map[string]bool)
			}
			hosts[ip][a.Host] = true
		}
	}

	var out []Candidate
	for ip, set := range hosts {
		if len(set) < 2 {
			continue
		}
		names := make([]string, 0, len(set))
		for h := range set {
			names = append(names, h)
		}
		sort.Strings(names)
		out = append(out, Candidate{
			IP:       ip,
			Source:   s.Name(),
			Evidence: fmt.Sprintf("shared by %d subdomains: %s", len(names), strings.Join(names, ", ")),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}

// maxCertificateNames bounds how many logged names are resolved per lookup.
const maxCertificateNames = 50

// CertificateSource resolves the names certificate transparency logs hold
// for the target. Hosts that were issued certificates but never put behind
// the CDN point straight at the origin. Without a log client it proposes
// nothing.
type CertificateSource struct {
	logs     *certlogs.Client
	resolver *dns.Resolver
}

func NewCertificateSource(logs *certlogs.Client, resolver *dns.Resolver) *CertificateSource {
	return &CertificateSource{logs: logs, resolver: resolver}
}

func (s *CertificateSource) Name() string { return "certificate" }

func (s *CertificateSource) Lookup(ctx context.Context, target string) ([]Candidate, error) {
	if s == nil || s.logs == nil || s.resolver == nil {
		return nil, nil
	}
	names, err := s.logs.Lookup(ctx, target)
	if len(names) > maxCertificateNames {
		names = names[:maxCertificateNames]
	}

	var out []Candidate
	seen := make(map[string]bool)
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		ips, _, rerr := s.resolver.Resolve(ctx, name)
		if rerr != nil {
			continue
		}
		for _, ip := range ips {
			if !isIPv4(ip) || seen[ip] {
				continue
			}
			seen[ip] = true
			out = append(out, Candidate{IP: ip, Source: s.Name(), Evidence: "certificate name " + name})
		}
	}
	return out, err
}

// LeakHeaders are response headers known to carry the backend address.
var LeakHeaders = []string{
	"X-Real-IP",
	"X-Forwarded-For",
	"X-Originating-IP",
	"X-Cluster-Client-IP",
	"X-Client-IP",
	"Client-IP",
	"X-Backend-Server",
}

// HeaderLeakSource requests the target directly and pulls IPv4 addresses
// out of LeakHeaders.
type HeaderLeakSource struct {
	fetcher *web.Fetcher
	bases   func(target string) []string
}

func NewHeaderLeakSource(fetcher *web.Fetcher) *HeaderLeakSource {
	return &HeaderLeakSource{fetcher: fetcher, bases: web.BaseURLs}
}

func (s *HeaderLeakSource) Name() string { return "headers" }

func (s *HeaderLeakSource) Lookup(ctx context.Context, target string) ([]Candidate, error) {
	var out []Candidate
	seen := make(map[string]bool)

	for _, base := range s.bases(target) {
		page, err := s.fetcher.Get(ctx, base+"/")
		if err != nil {
			continue
		}
		for _, h := range LeakHeaders {
			for _, value := range page.Headers.Values(h) {
				for _, ip := range ipv4Pattern.FindAllString(value, -1) {
					if seen[ip] {
						continue
					}
					seen[ip] = true
					out = append(out, Candidate{
						IP:       ip,
						Source:   s.Name(),
						Evidence: fmt.Sprintf("%s: %s", h, value),
					})
				}
			}
		}
	}
	return out, nil
}

// MailSource resolves the target's MX hosts; mail servers are rarely
// behind the CDN.
type MailSource struct {
	resolver *dns.Resolver
}

func NewMailSource(resolver *dns.Resolver) *MailSource {
	return &MailSource{resolver: resolver}
}

func (s *MailSource) Name() string { return "mail" }

func (s *MailSource) Lookup(ctx context.Context, target string) ([]Candidate, error) {
	hosts, err := s.resolver.LookupMX(ctx, target)
	if err != nil {
		if errors.Is(err, probe.ErrNegative) {
			return nil, nil
		}
		return nil, err
	}

	var out []Candidate
	for _, mx := range hosts {
		ips, _, err := s.resolver.Resolve(ctx, mx)
		if err != nil {
			continue
		}
		for _, ip := range ips {
			if isIPv4(ip) {
				out = append(out, Candidate{IP: ip, Source: s.Name(), Evidence: "MX " + mx})
			}
		}
	}
	return out, nil
}

func isIPv4(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	return err == nil && addr.Unmap().Is4()
}

// NoopSource proposes nothing. It stands in for a source switched off in
// configuration.
type NoopSource struct{ Label string }

func (s NoopSource) Name() string { return s.Label }

func (NoopSource) Lookup(context.Context, string) ([]Candidate, error) { return nil, nil }
