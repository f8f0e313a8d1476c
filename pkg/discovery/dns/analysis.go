package dns

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

// RecordTypes are the record types collected for the apex domain.
var RecordTypes = []uint16{
	dns.TypeA, dns.TypeAAAA, dns.TypeMX, dns.TypeNS, dns.TypeTXT,
	dns.TypeCNAME, dns.TypeSOA, dns.TypeSRV, dns.TypeCAA,
}

var mailProviders = []struct {
	suffix   string
	provider string
}{
	{"google.com", "Google Workspace"},
	{"googlemail.com", "Google Workspace"},
	{"outlook.com", "Microsoft 365"},
	{"amazonses.com", "Amazon SES"},
	{"mailgun.org", "Mailgun"},
}

// Analysis is what the DNS phase learned about one domain.
type Analysis struct {
	Domain       string
	Records      map[string][]string
	SPF          string
	DMARC        string
	DNSSEC       bool
	MailProvider string
	// Nameservers that answered a full zone transfer.
	AXFRServers []string
	AXFRRecords int
}

// Analyze collects records, checks SPF/DMARC and DNSSEC and attempts a zone
// transfer against every nameserver. Individual lookup failures leave the
// corresponding field empty.
func (r *Resolver) Analyze(ctx context.Context, domain string) (*Analysis, error) {
	a := &Analysis{Domain: domain, Records: make(map[string][]string)}

	for _, qtype := range RecordTypes {
		if err := ctx.Err(); err != nil {
			return a, err
		}
		resp, err := r.Query(ctx, domain, qtype)
		if err != nil {
			continue
		}
		name := dns.TypeToString[qtype]
		for _, rr := range resp.Answer {
			if rr.Header().Rrtype != qtype {
				continue
			}
			a.Records[name] = append(a.Records[name], rdata(rr))
		}
	}

	for _, txt := range a.Records["TXT"] {
		if strings.HasPrefix(strings.ToLower(txt), "v=spf1") {
			a.SPF = txt
		}
	}

	if resp, err := r.Query(ctx, "_dmarc."+domain, dns.TypeTXT); err == nil {
		for _, rr := range resp.Answer {
			if t, ok := rr.(*dns.TXT); ok {
				if v := strings.Join(t.Txt, ""); strings.HasPrefix(strings.ToUpper(v), "V=DMARC1") {
					a.DMARC = v
				}
			}
		}
	}

	a.DNSSEC = r.hasDNSKEY(ctx, domain)
	a.MailProvider = mailProvider(a.Records["MX"])

	for _, ns := range a.Records["NS"] {
		n, err := r.ZoneTransfer(ctx, domain, ns)
		if err != nil || n == 0 {
			continue
		}
		a.AXFRServers = append(a.AXFRServers, ns)
		a.AXFRRecords += n
	}

	return a, nil
}

func (r *Resolver) hasDNSKEY(ctx context.Context, domain string) bool {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeDNSKEY)
	m.SetEdns0(4096, true)

	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			continue
		}
		for _, rr := range resp.Answer {
			if _, ok := rr.(*dns.DNSKEY); ok {
				return true
			}
		}
		return false
	}
	return false
}

// ZoneTransfer requests AXFR of domain from nameserver and returns the number
// of records received.
func (r *Resolver) ZoneTransfer(ctx context.Context, domain, nameserver string) (int, error) {
	addr := strings.TrimSuffix(nameserver, ".")
	if !strings.Contains(addr, ":") {
		addr += ":53"
	}

	m := new(dns.Msg)
	m.SetAxfr(dns.Fqdn(domain))

	tr := &dns.Transfer{
		DialTimeout:  r.client.Timeout,
		ReadTimeout:  r.client.Timeout,
		WriteTimeout: r.client.Timeout,
	}

	ch, err := tr.In(m, addr)
	if err != nil {
		return 0, fmt.Errorf("axfr %s from %s: %w", domain, addr, err)
	}

	count := 0
	deadline := time.After(4 * r.client.Timeout)
	for {
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		case <-deadline:
			return count, fmt.Errorf("axfr %s from %s: timed out", domain, addr)
		case env, ok := <-ch:
			if !ok {
				return count, nil
			}
			if env.Error != nil {
				return 0, fmt.Errorf("axfr %s from %s: %w", domain, addr, env.Error)
			}
			count += len(env.RR)
		}
	}
}

func rdata(rr dns.RR) string {
	switch v := rr.(type) {
	case *dns.A:
		return v.A.String()
	case *dns.AAAA:
		return v.AAAA.String()
	case *dns.MX:
		return strings.TrimSuffix(v.Mx, ".")
	case *dns.NS:
		return strings.TrimSuffix(v.Ns, ".")
	case *dns.CNAME:
		return strings.TrimSuffix(v.Target, ".")
	case *dns.TXT:
		return strings.Join(v.Txt, "")
	default:
		// "name ttl class type rdata"
		fields := strings.Fields(rr.String())
		if len(fields) > 4 {
			return strings.Join(fields[4:], " ")
		}
		return rr.String()
	}
}

func mailProvider(mx []string) string {
	for _, host := range mx {
		host = strings.ToLower(host)
		for _, p := range mailProviders {
			if strings.HasSuffix(host, p.suffix) {
				return p.provider
			}
		}
	}
	return ""
}

// Findings converts the analysis into findings against target.
func (a *Analysis) Findings(tool string) []types.Finding {
	var out []types.Finding

	records := make(map[string]interface{}, len(a.Records))
	for k, v := range a.Records {
		records[k] = v
	}
	meta := map[string]interface{}{
		"records": records,
		"dnssec":  a.DNSSEC,
	}
	if a.MailProvider != "" {
		meta["mail_provider"] = a.MailProvider
	}
	if a.SPF != "" {
		meta["spf"] = a.SPF
	}
	if a.DMARC != "" {
		meta["dmarc"] = a.DMARC
	}

	out = append(out, types.Finding{
		Target:    a.Domain,
		Kind:      types.KindAsset,
		Signature: "dns:records",
		Tool:      tool,
		Type:      "DNS Records",
		Severity:  types.SeverityInfo,
		Title:     fmt.Sprintf("DNS records for %s", a.Domain),
		Evidence:  summarizeRecords(a.Records),
		Metadata:  meta,
	})

	for _, ns := range a.AXFRServers {
		out = append(out, types.Finding{
			Target:      a.Domain,
			Kind:        types.KindVulnerability,
			Signature:   "dns:zone-transfer:" + ns,
			Tool:        tool,
			Type:        "DNS Zone Transfer",
			Severity:    types.SeverityHigh,
			Title:       "DNS Zone Transfer",
			Description: fmt.Sprintf("Zone transfer enabled on %s", ns),
			Solution:    "Restrict AXFR to authorized secondary nameservers.",
			Metadata:    map[string]interface{}{"nameserver": ns},
		})
	}

	if len(a.Records["MX"]) > 0 && a.DMARC == "" {
		out = append(out, types.Finding{
			Target:      a.Domain,
			Kind:        types.KindVulnerability,
			Signature:   "dns:missing-dmarc",
			Tool:        tool,
			Type:        "Email Security",
			Severity:    types.SeverityLow,
			Title:       "Missing DMARC Record",
			Description: fmt.Sprintf("%s receives mail but publishes no DMARC policy", a.Domain),
			Solution:    "Publish a DMARC record at _dmarc." + a.Domain + ".",
		})
	}

	return out
}

func summarizeRecords(records map[string][]string) string {
	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		for _, v := range records[name] {
			fmt.Fprintf(&b, "%s: %s\n", name, v)
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}
