package scan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/tarantula/internal/logger"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/candidates"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/certlogs"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/dns"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/portscan"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/tlscheck"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/waf"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/external"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/intel/origin"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/signature"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

const (
	// maxNestedDirs bounds how many discovered directories get the
	// sensitive file list probed beneath them.
	maxNestedDirs = 20
	tlsTimeout    = 10 * time.Second
	certLogBody   = 16 << 20
)

var tlsPorts = []int{443, 8443}

func (e *Engine) runSubdomains(ctx context.Context, s *Session) error {
	if s.Target.IsIP {
		logger.FromContext(ctx).Debugw("Skipping subdomain enumeration for IP target")
		return nil
	}

	pc := e.cfg.Probes.Subdomain
	sources := []candidates.Source{candidates.Subdomains()}
	if pc.Wordlist != "" {
		sources = append(sources, candidates.NewFile(probe.KindSubdomain, pc.Wordlist))
	}
	if logged := e.certLogNames(ctx, s.Target.Apex); len(logged) > 0 {
		sources = append(sources, candidates.NewList(probe.KindSubdomain, logged))
	}
	cands, err := candidates.Concat(sources...)
	if err != nil {
		return err
	}

	prober := dns.NewSubdomainProber(e.resolver, s.Target.Apex, httpclient.NewProbeClient(pc.Timeout), e.maxBody())
	prober.SetWildcard(e.resolver.DetectWildcard(ctx, s.Target.Apex))

	e.batch(ctx, s, "subdomains", cands, prober.Probe, pc)
	return nil
}

// certLogNames returns the labels under apex seen in certificate
// transparency logs. Log failures only cost the extra candidates.
func (e *Engine) certLogNames(ctx context.Context, apex string) []string {
	client := e.certLogClient()
	if client == nil {
		return nil
	}
	names, err := client.Lookup(ctx, apex)
	if err != nil {
		logger.FromContext(ctx).Warnw("Certificate transparency search failed", "domain", apex, "error", err)
	}
	logger.FromContext(ctx).Debugw("Certificate transparency names", "domain", apex, "count", len(names))
	return certlogs.Labels(names, apex)
}

// certLogClient is nil when certificate transparency search is off.
func (e *Engine) certLogClient() *certlogs.Client {
	cc := e.cfg.CertLogs
	if !cc.Enabled {
		return nil
	}
	fetcher := web.NewFetcher(httpclient.NewProbeClient(cc.Timeout), e.limiter, e.cfg.Scan.UserAgent, certLogBody)
	return certlogs.NewClient(fetcher, cc.CrtSh, cc.CertSpotter)
}

func (e *Engine) runDNS(ctx context.Context, s *Session) error {
	if s.Target.IsIP {
		logger.FromContext(ctx).Debugw("Skipping DNS analysis for IP target")
		return nil
	}
	apex := s.Target.Apex

	analysis, err := e.resolver.Analyze(ctx, apex)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.FromContext(ctx).Warnw("DNS analysis incomplete", "domain", apex, "error", err)
	}
	if analysis != nil {
		s.Aggregate.Merge(analysis.Findings(signature.ToolName))
	}

	pc := e.cfg.Probes.DNSBrute
	sources := []candidates.Source{candidates.DNSBrute(), candidates.NewPermutations(apex)}
	if pc.Wordlist != "" {
		sources = append(sources, candidates.NewFile(probe.KindDNSBrute, pc.Wordlist))
	}
	cands, err := candidates.Concat(sources...)
	if err != nil {
		return err
	}

	prober := dns.NewSubdomainProber(e.resolver, apex, nil, e.maxBody())
	prober.SetWildcard(e.resolver.DetectWildcard(ctx, apex))

	e.batch(ctx, s, "dns", cands, prober.Probe, pc)
	return nil
}

func (e *Engine) runPorts(ctx context.Context, s *Session) error {
	ports := candidates.CommonPorts()
	if spec := strings.TrimSpace(e.cfg.Probes.Ports); spec != "" {
		parsed, err := candidates.ParsePorts(spec)
		if err != nil {
			return err
		}
		ports = parsed
	}
	cands, err := ports.Candidates()
	if err != nil {
		return err
	}

	pc := e.cfg.Probes.Port
	scanner := portscan.NewPortScanner(s.Target.Host, pc.Timeout, pc.Timeout)
	e.batch(ctx, s, "ports", cands, scanner.Probe, pc)
	return nil
}

func (e *Engine) runHTTP(ctx context.Context, s *Session) error {
	var cands []probe.Candidate
	for _, base := range e.baseURLs(s.Target.Host) {
		cands = append(cands, probe.Candidate{Kind: probe.KindHTTP, Value: base})
	}

	pc := e.cfg.Probes.Directory
	prober := web.NewHTTPProber(e.fetcher(pc.Timeout), true)
	e.batch(ctx, s, "http", cands, prober.Probe, pc)
	return nil
}

// runDirectories probes the directory list, root files, robots.txt
// entries and root sensitive files, then the sensitive files beneath each
// discovered directory and backup copies of each discovered file.
func (e *Engine) runDirectories(ctx context.Context, s *Session) error {
	pc := e.cfg.Probes.Directory
	fetcher := e.fetcher(pc.Timeout)
	bases := e.baseURLs(s.Target.Host)

	dirSources := []candidates.Source{candidates.Directories()}
	if pc.Wordlist != "" {
		dirSources = append(dirSources, candidates.NewFile(probe.KindPath, pc.Wordlist))
	}
	dirs, err := candidates.Concat(dirSources...)
	if err != nil {
		return err
	}
	files, err := candidates.Concat(candidates.RootFiles(), candidates.SensitiveFiles())
	if err != nil {
		return err
	}

	isDir := make(map[string]bool, len(dirs))
	for _, c := range dirs {
		isDir[strings.Trim(c.Value, "/")] = true
	}

	cands := appendUnique(dirs, files)
	cands = appendUnique(cands, candidates.PathCandidates(web.RobotsPaths(ctx, fetcher, bases)))

	prober := web.NewPathProber(fetcher, bases)
	first := e.batch(ctx, s, "directories", cands, prober.Probe, pc)

	next := nestedPaths(first.Outcomes, isDir, files)
	if len(next) == 0 || ctx.Err() != nil {
		return nil
	}
	e.batch(ctx, s, "directories", candidates.PathCandidates(next), prober.Probe, pc)
	return nil
}

// nestedPaths derives the second round of path candidates from the first
// round's hits: sensitive files beneath reachable directories and backup
// copies of files served with 200.
func nestedPaths(outcomes []probe.Outcome, isDir map[string]bool, sensitive []probe.Candidate) []string {
	var out []string
	dirs := 0
	for _, o := range outcomes {
		if !reachable(o.Evidence.StatusCode) {
			continue
		}
		p := strings.Trim(o.Candidate.Value, "/")
		if p == "" {
			continue
		}
		if !isDir[p] {
			if o.Evidence.StatusCode == http.StatusOK {
				out = append(out, candidates.BackupVariants(p)...)
			}
			continue
		}
		if dirs >= maxNestedDirs {
			continue
		}
		dirs++
		for _, f := range sensitive {
			out = append(out, p+"/"+f.Value)
		}
	}
	return out
}

func reachable(status int) bool {
	switch status {
	case http.StatusOK, http.StatusMovedPermanently, http.StatusFound, http.StatusForbidden:
		return true
	}
	return false
}

func appendUnique(dst []probe.Candidate, extra []probe.Candidate) []probe.Candidate {
	seen := make(map[probe.Candidate]bool, len(dst))
	for _, c := range dst {
		seen[c] = true
	}
	for _, c := range extra {
		if seen[c] {
			continue
		}
		seen[c] = true
		dst = append(dst, c)
	}
	return dst
}

// runWAF sends the detection payloads and, once a firewall is recognised,
// the evasion payloads.
func (e *Engine) runWAF(ctx context.Context, s *Session) error {
	pc := e.cfg.Probes.WAF
	prober := waf.NewProber(e.fetcher(pc.Timeout), e.baseURLs(s.Target.Host))

	detect, err := candidates.WAFPayloads().Candidates()
	if err != nil {
		return err
	}
	e.batch(ctx, s, "waf", detect, prober.Probe, pc)

	if len(s.Aggregate.ByKind(types.KindWAF)) == 0 || ctx.Err() != nil {
		return nil
	}

	bypass, err := candidates.WAFBypassPayloads().Candidates()
	if err != nil {
		return err
	}
	e.batch(ctx, s, "waf", bypass, prober.Probe, pc)
	return nil
}

// runTLS inspects 443 and any other TLS port the port scan found open.
func (e *Engine) runTLS(ctx context.Context, s *Session) error {
	log := logger.FromContext(ctx)
	checker := tlscheck.NewChecker(tlsTimeout)

	for _, port := range e.tlsTargets(s) {
		if ctx.Err() != nil {
			return nil
		}
		report, err := checker.Check(ctx, s.Target.Host, port)
		if err != nil {
			log.Debugw("TLS endpoint not available", "port", port, "error", err)
			continue
		}
		s.Aggregate.Merge(checker.Findings(report, signature.ToolName))
	}
	return nil
}

func (e *Engine) tlsTargets(s *Session) []int {
	out := []int{tlsPorts[0]}
	open := make(map[int]bool)
	for _, p := range openPorts(s) {
		open[p] = true
	}
	for _, p := range tlsPorts[1:] {
		if open[p] {
			out = append(out, p)
		}
	}
	return out
}

// openPorts lists the ports the port scan found open, ascending.
func openPorts(s *Session) []int {
	var out []int
	seen := make(map[int]bool)
	for _, f := range s.Aggregate.ByKind(types.KindAsset) {
		if !strings.HasPrefix(f.Signature, "port:") {
			continue
		}
		p, err := strconv.Atoi(strings.TrimPrefix(f.Signature, "port:"))
		if err != nil || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// openEndpoints is the target paired with each open port, for tools that
// scan services rather than hosts.
func (e *Engine) openEndpoints(s *Session) []string {
	ports := openPorts(s)
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		out = append(out, net.JoinHostPort(s.Target.Host, strconv.Itoa(p)))
	}
	return out
}

func (e *Engine) runWhois(ctx context.Context, s *Session) error {
	if s.Target.IsIP {
		return nil
	}
	res, err := e.whois.LookupDomain(ctx, s.Target.Apex)
	if err != nil {
		logger.FromContext(ctx).Warnw("WHOIS lookup failed", "domain", s.Target.Apex, "error", err)
		return nil
	}
	s.Aggregate.Merge([]types.Finding{res.Finding(signature.ToolName)})
	return nil
}

func (e *Engine) runOrigin(ctx context.Context, s *Session) error {
	if s.Target.IsIP {
		logger.FromContext(ctx).Debugw("Skipping origin discovery for IP target")
		return nil
	}

	resolver, err := e.originResolver(s)
	if err != nil {
		return err
	}
	res, err := resolver.Resolve(ctx, s.Target.Host)
	if res != nil {
		s.Aggregate.SetOrigin(res)
		s.Aggregate.Merge(origin.Findings(res, signature.ToolName))
	}
	return err
}

// originResolver wires the sources named in configuration.
func (e *Engine) originResolver(s *Session) (*origin.Resolver, error) {
	oc := e.cfg.Origin
	fetcher := e.fetcher(oc.VerifyTimeout)

	var sources []origin.Source
	for _, name := range oc.Sources {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "history":
			sources = append(sources, origin.NewHistorySource(fetcher, oc.HistoryEndpoint, e.cache))
		case "correlation":
			sources = append(sources, origin.NewCorrelationSource(s.Aggregate.Assets))
		case "certificate":
			sources = append(sources, origin.NewCertificateSource(e.certLogClient(), e.resolver))
		case "headers":
			sources = append(sources, origin.NewHeaderLeakSource(fetcher))
		case "mail":
			sources = append(sources, origin.NewMailSource(e.resolver))
		case "shodan":
			if oc.Shodan.APIKey == "" {
				e.logger.Debugw("Shodan source has no API key, skipping")
				continue
			}
			sources = append(sources, origin.NewShodanSource(fetcher, oc.Shodan.Endpoint, oc.Shodan.APIKey))
		case "fofa":
			if oc.FOFA.Email == "" || oc.FOFA.Key == "" {
				e.logger.Debugw("FOFA source has no credentials, skipping")
				continue
			}
			sources = append(sources, origin.NewFOFASource(fetcher, oc.FOFA.Endpoint, oc.FOFA.Email, oc.FOFA.Key))
		case "":
		default:
			return nil, fmt.Errorf("unknown origin source %q", name)
		}
	}

	filter, err := origin.NewEdgeFilter(oc.EdgeRanges)
	if err != nil {
		return nil, err
	}

	verifier := origin.NewVerifier(fetcher, oc.VerifyTimeout, oc.LengthTolerance, e.cfg.Scan.UserAgent)
	whoisClient := e.whois
	if !oc.WhoisEnrichment {
		whoisClient = nil
	}
	return origin.NewResolver(sources, filter, verifier, whoisClient, e.logger), nil
}

// runExternal hands the target and its discovered subdomains to every
// enabled tool concurrently; service scanners get the open ports instead
// and are skipped when there are none. A tool that is missing or fails
// only loses its own findings.
func (e *Engine) runExternal(ctx context.Context, s *Session) error {
	log := logger.FromContext(ctx)

	adapters := e.adapters
	if !e.adaptersSet {
		runner := external.NewRunner(e.logger,
			external.WithMetrics(e.metrics),
			external.WithSkipRecorder(s.Aggregate.RecordSkipped),
		)
		var err error
		adapters, err = external.FromConfig(e.cfg.Tools, runner)
		if err != nil {
			return err
		}
	}
	if len(adapters) == 0 {
		return nil
	}

	targets := e.externalTargets(s)
	endpoints := e.openEndpoints(s)

	var g errgroup.Group
	for _, a := range adapters {
		in := targets
		if _, ok := a.(external.EndpointAdapter); ok {
			if len(endpoints) == 0 {
				log.Debugw("No open ports for tool", "tool", a.Name())
				continue
			}
			in = endpoints
		}
		g.Go(func() error {
			found, err := a.Invoke(ctx, in, 0)
			switch {
			case errors.Is(err, external.ErrToolUnavailable):
				e.warnOnce(log, "unavailable:"+a.Name(), "External tool not installed, skipping",
					"tool", a.Name(), "error", err)
			case err != nil:
				log.Warnw("External tool produced no results", "tool", a.Name(), "error", err)
			}

			s.Aggregate.Merge(found)
			return nil
		})
	}
	return g.Wait()
}

// externalTargets is the scan target plus every discovered subdomain the
// scope allows.
func (e *Engine) externalTargets(s *Session) []string {
	targets := []string{s.Target.Host}
	seen := map[string]bool{s.Target.Host: true}
	for _, a := range s.Aggregate.Assets() {
		if e.inScope != nil && !e.inScope(a.Host) {
			continue
		}
		if !seen[a.Host] {
			seen[a.Host] = true
			targets = append(targets, a.Host)
		}
	}
	return targets
}
