// Package origin looks for the real address of a target that sits behind a
// CDN or reverse proxy.
package origin

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/logger"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/whois"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/findings"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

const verifyWorkers = 10

// Resolver runs the origin sources, filters edge addresses and verifies
// what is left.
type Resolver struct {
	sources  []Source
	filter   *EdgeFilter
	verifier *Verifier
	whois    *whois.WhoisClient
	logger   *logger.Logger
	now      func() time.Time
}

// NewResolver creates a resolver. whoisClient may be nil to skip
// enrichment of verified candidates.
func NewResolver(sources []Source, filter *EdgeFilter, verifier *Verifier, whoisClient *whois.WhoisClient, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.NewNop()
	}
	return &Resolver{
		sources:  sources,
		filter:   filter,
		verifier: verifier,
		whois:    whoisClient,
		logger:   log.WithComponent("origin"),
		now:      time.Now,
	}
}

// Resolve returns the verified and unverified origin candidates for
// target. Source and verification failures only shrink the result.
func (r *Resolver) Resolve(ctx context.Context, target string) (*findings.OriginResult, error) {
	log := r.logger.WithTarget(target)
	ctx, span := log.StartOperation(ctx, "origin.Resolve")
	start := time.Now()

	merged := r.collect(ctx, target)

	result := &findings.OriginResult{Target: target}
	var survivors []*findings.OriginCandidate
	for _, c := range merged {
		if r.filter != nil && r.filter.Contains(c.IP) {
			result.Filtered = append(result.Filtered, c.IP)
			continue
		}
		survivors = append(survivors, c)
	}

	if len(survivors) > 0 && r.verifier != nil {
		baseline := r.verifier.Baseline(ctx, target)
		log.Debugw("Verifying origin candidates", "candidates", len(survivors), "baseline_urls", len(baseline))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(verifyWorkers)
		for _, c := range survivors {
			g.Go(func() error {
				v := r.verifier.Verify(gctx, c.IP, baseline)
				c.Verified = v.Verified
				c.DirectStatus = v.Status
				c.LengthDelta = v.LengthDelta
				if v.Verified {
					r.enrich(gctx, c)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, c := range survivors {
		if c.Verified {
			result.Verified = append(result.Verified, *c)
		} else {
			result.Unverified = append(result.Unverified, *c)
		}
	}
	result.Completed = r.now()

	log.FinishOperation(ctx, span, "origin.Resolve", start, ctx.Err(),
		"verified", len(result.Verified),
		"unverified", len(result.Unverified),
		"filtered", len(result.Filtered))

	return result, ctx.Err()
}

// collect runs every source concurrently and merges their candidates by
// address, sorted by address.
func (r *Resolver) collect(ctx context.Context, target string) []*findings.OriginCandidate {
	var mu sync.Mutex
	byIP := make(map[string]*findings.OriginCandidate)
	g, gctx := errgroup.WithContext(ctx)

	for _, src := range r.sources {
		g.Go(func() error {
			found, err := src.Lookup(gctx, target)
			if err != nil {
				r.logger.Warnw("Origin source failed", "source", src.Name(), "target", target, "error", err)
			}

			mu.Lock()
			defer mu.Unlock()
			for _, c := range found {
				ip := net.ParseIP(strings.TrimSpace(c.IP))
				if ip == nil {
					continue
				}
				key := ip.String()
				oc, ok := byIP[key]
				if !ok {
					oc = &findings.OriginCandidate{IP: key}
					byIP[key] = oc
				}
				if !contains(oc.Sources, c.Source) {
					oc.Sources = append(oc.Sources, c.Source)
				}
				if c.Evidence != "" && !contains(oc.Evidence, c.Evidence) {
					oc.Evidence = append(oc.Evidence, c.Evidence)
				}
			}

			r.logger.Debugw("Origin source finished", "source", src.Name(), "candidates", len(found))
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*findings.OriginCandidate, 0, len(byIP))
	for _, c := range byIP {
		sort.Strings(c.Sources)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

func (r *Resolver) enrich(ctx context.Context, c *findings.OriginCandidate) {
	if r.whois == nil {
		return
	}
	info, err := r.whois.LookupIP(ctx, c.IP)
	if err != nil {
		r.logger.Debugw("IP WHOIS enrichment failed", "ip", c.IP, "error", err)
		return
	}
	c.Organization = info.Organization
	c.NetworkName = info.NetName
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Findings renders an origin result as KindOriginIP findings. A verified
// origin is Medium: it lets an attacker bypass the CDN and its WAF.
func Findings(res *findings.OriginResult, tool string) []types.Finding {
	if res == nil {
		return nil
	}

	var out []types.Finding
	emit := func(c findings.OriginCandidate, sev types.Severity, title string) {
		meta := map[string]interface{}{
			"ip":       c.IP,
			"sources":  c.Sources,
			"verified": c.Verified,
		}
		if c.DirectStatus != 0 {
			meta["direct_status"] = c.DirectStatus
			meta["length_delta"] = c.LengthDelta
		}
		if c.Organization != "" {
			meta["organization"] = c.Organization
		}
		if c.NetworkName != "" {
			meta["network_name"] = c.NetworkName
		}

		out = append(out, types.Finding{
			Target:    res.Target,
			Kind:      types.KindOriginIP,
			Signature: "origin:" + c.IP,
			Tool:      tool,
			Type:      "Origin IP",
			Severity:  sev,
			Title:     title,
			Evidence:  strings.Join(c.Evidence, "; "),
			Metadata:  meta,
		})
	}

	for _, c := range res.Verified {
		emit(c, types.SeverityMedium, fmt.Sprintf("Origin server %s answers for %s directly", c.IP, res.Target))
	}
	for _, c := range res.Unverified {
		emit(c, types.SeverityInfo, fmt.Sprintf("Possible origin address %s", c.IP))
	}
	return out
}
