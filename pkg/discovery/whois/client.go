package whois

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/logger"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

// QueryFunc returns the raw WHOIS answer for a domain or an address.
type QueryFunc func(query string) (string, error)

// WhoisClient performs cached WHOIS lookups
type WhoisClient struct {
	logger  *logger.Logger
	timeout time.Duration
	query   QueryFunc

	mu      sync.Mutex
	domains map[string]*WhoisResult
	ips     map[string]*IPWhoisResult
}

// NewWhoisClient creates a client backed by github.com/likexian/whois.
func NewWhoisClient(log *logger.Logger, timeout time.Duration) *WhoisClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := whois.NewClient().SetTimeout(timeout)
	return NewWhoisClientWithQuery(log, timeout, func(q string) (string, error) {
		return client.Whois(q)
	})
}

// NewWhoisClientWithQuery creates a client with a custom transport.
func NewWhoisClientWithQuery(log *logger.Logger, timeout time.Duration, query QueryFunc) *WhoisClient {
	if log == nil {
		log = logger.NewNop()
	}
	return &WhoisClient{
		logger:  log.WithComponent("whois"),
		timeout: timeout,
		query:   query,
		domains: make(map[string]*WhoisResult),
		ips:     make(map[string]*IPWhoisResult),
	}
}

// WhoisResult contains parsed WHOIS data
type WhoisResult struct {
	Domain        string
	Registrar     string
	RegistrantOrg string
	Country       string
	NameServers   []string
	CreatedDate   string
	ExpiresDate   string
	UpdatedDate   string
	Status        []string
	DNSSEC        bool
}

// IPWhoisResult contains IP WHOIS data
type IPWhoisResult struct {
	IP           string
	Organization string
	ASN          string
	NetBlock     string
	NetName      string
	Country      string
}

// run calls the blocking query in a goroutine so ctx can abandon it.
func (w *WhoisClient) run(ctx context.Context, q string) (string, error) {
	type answer struct {
		raw string
		err error
	}
	done := make(chan answer, 1)
	go func() {
		raw, err := w.query(q)
		done <- answer{raw, err}
	}()

	select {
	case a := <-done:
		if a.err != nil {
			return "", fmt.Errorf("whois lookup failed: %w", a.err)
		}
		return strings.ReplaceAll(a.raw, "\r\n", "\n"), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// LookupDomain performs WHOIS lookup for a domain
func (w *WhoisClient) LookupDomain(ctx context.Context, domain string) (*WhoisResult, error) {
	w.mu.Lock()
	cached, ok := w.domains[domain]
	w.mu.Unlock()
	if ok {
		return cached, nil
	}

	raw, err := w.run(ctx, domain)
	if err != nil {
		return nil, err
	}

	result, err := parseDomain(domain, raw)
	if err != nil {
		w.logger.Debugw("WHOIS parser failed, falling back to line scan", "domain", domain, "error", err)
		result = parseDomainManual(domain, raw)
	}

	w.mu.Lock()
	w.domains[domain] = result
	w.mu.Unlock()

	w.logger.Infow("WHOIS lookup completed",
		"domain", domain,
		"registrar", result.Registrar,
		"org", result.RegistrantOrg)

	return result, nil
}

// LookupIP performs WHOIS lookup for an IP
func (w *WhoisClient) LookupIP(ctx context.Context, ip string) (*IPWhoisResult, error) {
	w.mu.Lock()
	cached, ok := w.ips[ip]
	w.mu.Unlock()
	if ok {
		return cached, nil
	}

	raw, err := w.run(ctx, ip)
	if err != nil {
		return nil, err
	}

	result := parseIP(ip, raw)

	w.mu.Lock()
	w.ips[ip] = result
	w.mu.Unlock()

	w.logger.Debugw("IP WHOIS lookup completed",
		"ip", ip,
		"org", result.Organization,
		"netname", result.NetName)

	return result, nil
}

// parseDomain parses WHOIS data using whois-parser
func parseDomain(domain, raw string) (*WhoisResult, error) {
	parsed, err := whoisparser.Parse(raw)
	if err != nil {
		return nil, err
	}

	result := &WhoisResult{Domain: domain}
	if parsed.Registrar != nil {
		result.Registrar = parsed.Registrar.Name
	}
	if parsed.Registrant != nil {
		result.RegistrantOrg = parsed.Registrant.Organization
		result.Country = parsed.Registrant.Country
	}
	if parsed.Domain != nil {
		result.NameServers = parsed.Domain.NameServers
		result.CreatedDate = parsed.Domain.CreatedDate
		result.ExpiresDate = parsed.Domain.ExpirationDate
		result.UpdatedDate = parsed.Domain.UpdatedDate
		result.Status = parsed.Domain.Status
		result.DNSSEC = parsed.Domain.DNSSec
	}
	return result, nil
}

// parseDomainManual extracts the common keys line by line
func parseDomainManual(domain, raw string) *WhoisResult {
	result := &WhoisResult{Domain: domain}

	for _, line := range strings.Split(raw, "\n") {
		key, value, ok := splitLine(line)
		if !ok {
			continue
		}

		switch {
		case key == "registrar":
			result.Registrar = value
		case key == "registrant organization" || key == "org" || key == "organization":
			result.RegistrantOrg = value
		case key == "registrant country":
			result.Country = value
		case key == "name server" || key == "nserver":
			result.NameServers = append(result.NameServers, strings.ToLower(value))
		case key == "creation date" || key == "created":
			result.CreatedDate = value
		case strings.Contains(key, "expir"):
			result.ExpiresDate = value
		case key == "updated date" || key == "last-modified":
			result.UpdatedDate = value
		case key == "domain status" || key == "status":
			result.Status = append(result.Status, value)
		case key == "dnssec":
			result.DNSSEC = !strings.EqualFold(value, "unsigned")
		}
	}

	return result
}

// parseIP parses IP WHOIS data; RIR formats differ too much for whois-parser.
func parseIP(ip, raw string) *IPWhoisResult {
	result := &IPWhoisResult{IP: ip}

	for _, line := range strings.Split(raw, "\n") {
		key, value, ok := splitLine(line)
		if !ok {
			continue
		}

		switch key {
		case "orgname", "org-name", "organization", "owner", "descr":
			if result.Organization == "" {
				result.Organization = value
			}
		case "originas", "origin", "aut-num":
			if !strings.HasPrefix(strings.ToUpper(value), "AS") {
				value = "AS" + value
			}
			result.ASN = value
		case "cidr", "inetnum", "netrange", "inet6num":
			if result.NetBlock == "" {
				result.NetBlock = value
			}
		case "netname":
			result.NetName = value
		case "country":
			if result.Country == "" {
				result.Country = value
			}
		}
	}

	return result
}

func splitLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "%") || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(key)), value, true
}

// Finding renders a domain registration summary as an asset finding.
func (r *WhoisResult) Finding(tool string) types.Finding {
	meta := map[string]interface{}{
		"registrar":    r.Registrar,
		"organization": r.RegistrantOrg,
		"name_servers": r.NameServers,
		"created":      r.CreatedDate,
		"expires":      r.ExpiresDate,
		"dnssec":       r.DNSSEC,
	}
	if r.Country != "" {
		meta["country"] = r.Country
	}

	registrar := r.Registrar
	if registrar == "" {
		registrar = "unknown registrar"
	}

	return types.Finding{
		Target:    r.Domain,
		Kind:      types.KindAsset,
		Signature: "whois:registration",
		Tool:      tool,
		Type:      "WHOIS Registration",
		Severity:  types.SeverityInfo,
		Title:     fmt.Sprintf("%s registered with %s", r.Domain, registrar),
		Metadata:  meta,
	}
}
