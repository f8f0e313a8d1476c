package dns

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/logger"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
)

// Resolver sends questions to a fixed list of upstream servers, trying them
// in order until one answers.
type Resolver struct {
	servers []string
	client  *dns.Client
	logger  *logger.Logger
}

// NewResolver creates a resolver. Servers without a port get :53.
func NewResolver(servers []string, timeout time.Duration, log *logger.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}

	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if s == "" {
			continue
		}
		if !strings.Contains(s, ":") || strings.HasSuffix(s, "]") {
			s += ":53"
		}
		normalized = append(normalized, s)
	}

	return &Resolver{
		servers: normalized,
		client:  &dns.Client{Timeout: timeout},
		logger:  log.WithComponent("dns"),
	}
}

// Servers returns the upstream servers in query order.
func (r *Resolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

// Query asks one question. NXDOMAIN is reported as probe.ErrNegative.
func (r *Resolver) Query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			return resp, nil
		case dns.RcodeNameError:
			return nil, probe.Negative("nxdomain " + name)
		default:
			lastErr = fmt.Errorf("%s answered %s", server, dns.RcodeToString[resp.Rcode])
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no resolvers configured")
	}
	return nil, probe.NetError(fmt.Errorf("query %s %s: %w", name, dns.TypeToString[qtype], lastErr))
}

// Resolve returns the A and AAAA addresses of host and the first CNAME seen
// on the way.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]string, string, error) {
	var ips []string
	var cname string

	resp, err := r.Query(ctx, host, dns.TypeA)
	if err != nil {
		return nil, "", err
	}
	for _, ans := range resp.Answer {
		switch v := ans.(type) {
		case *dns.A:
			ips = append(ips, v.A.String())
		case *dns.CNAME:
			if cname == "" {
				cname = strings.TrimSuffix(v.Target, ".")
			}
		}
	}

	if resp, err := r.Query(ctx, host, dns.TypeAAAA); err == nil {
		for _, ans := range resp.Answer {
			if v, ok := ans.(*dns.AAAA); ok {
				ips = append(ips, v.AAAA.String())
			}
		}
	}

	if len(ips) == 0 {
		return nil, cname, probe.Negative("no address for " + host)
	}

	sort.Strings(ips)
	return ips, cname, nil
}

// LookupMX returns the mail exchangers of domain ordered by preference.
func (r *Resolver) LookupMX(ctx context.Context, domain string) ([]string, error) {
	resp, err := r.Query(ctx, domain, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	var mx []*dns.MX
	for _, ans := range resp.Answer {
		if v, ok := ans.(*dns.MX); ok {
			mx = append(mx, v)
		}
	}
	sort.SliceStable(mx, func(i, j int) bool { return mx[i].Preference < mx[j].Preference })

	hosts := make([]string, 0, len(mx))
	for _, v := range mx {
		hosts = append(hosts, strings.TrimSuffix(v.Mx, "."))
	}
	return hosts, nil
}

// DetectWildcard resolves a random label under domain. Any address it
// returns is a wildcard answer.
func (r *Resolver) DetectWildcard(ctx context.Context, domain string) []string {
	label := fmt.Sprintf("wildcard-test-%d.%s", time.Now().UnixNano(), domain)
	ips, _, err := r.Resolve(ctx, label)
	if err != nil {
		return nil
	}

	r.logger.Infow("Wildcard DNS detected", "domain", domain, "ips", ips)
	return ips
}
