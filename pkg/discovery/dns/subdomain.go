package dns

import (
	"context"
	"net/http"
	"sync"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
)

const defaultBodyLimit = 512 * 1024

// SubdomainProber resolves "<label>.<domain>" candidates. When an HTTP
// client is set it also fetches the root page so takeover fingerprints
// can be matched against the body.
type SubdomainProber struct {
	resolver *Resolver
	domain   string
	http     *http.Client
	maxBody  int64

	mu       sync.RWMutex
	wildcard map[string]bool
}

// NewSubdomainProber creates a prober for labels under domain. client may be
// nil to skip the body fetch.
func NewSubdomainProber(resolver *Resolver, domain string, client *http.Client, maxBody int64) *SubdomainProber {
	if maxBody <= 0 {
		maxBody = defaultBodyLimit
	}
	return &SubdomainProber{
		resolver: resolver,
		domain:   domain,
		http:     client,
		maxBody:  maxBody,
		wildcard: make(map[string]bool),
	}
}

// SetWildcard records the addresses a wildcard record answers with. Hits
// resolving to any of them are reported as absent.
func (p *SubdomainProber) SetWildcard(ips []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ip := range ips {
		p.wildcard[ip] = true
	}
}

func (p *SubdomainProber) isWildcard(ips []string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ip := range ips {
		if p.wildcard[ip] {
			return true
		}
	}
	return false
}

// Probe implements probe.Func.
func (p *SubdomainProber) Probe(ctx context.Context, c probe.Candidate) (probe.Evidence, error) {
	host := c.Value + "." + p.domain

	ips, cname, err := p.resolver.Resolve(ctx, host)
	if err != nil {
		return probe.Evidence{}, err
	}
	if p.isWildcard(ips) {
		return probe.Evidence{}, probe.Negative("wildcard answer for " + host)
	}

	ev := probe.Evidence{Host: host, IPs: ips, CNAME: cname}
	if p.http != nil {
		p.fetchRoot(ctx, &ev)
	}
	return ev, nil
}

// fetchRoot is best effort; a dead web server does not make the subdomain
// any less resolvable.
func (p *SubdomainProber) fetchRoot(ctx context.Context, ev *probe.Evidence) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+ev.Host+"/", nil)
	if err != nil {
		return
	}

	resp, err := httpclient.DoWithContext(ctx, p.http, req)
	if err != nil {
		return
	}
	defer httpclient.CloseBody(resp)

	body, err := httpclient.ReadBody(resp, p.maxBody)
	if err != nil {
		return
	}
	ev.Body = string(body)
}
