package signature

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

// ToolName is recorded on findings produced by the built-in classifiers.
const ToolName = "tarantula"

// Classify maps one probe outcome to zero or more findings. It is pure: the
// same outcome and table always yield the same findings, and IDs and
// timestamps are left for the aggregator to stamp. Every applicable family
// is evaluated; takeover and WAF vendor families stop at their first match.
func Classify(outcome probe.Outcome, table *Table) []types.Finding {
	if table == nil || !outcome.Success() || outcome.Evidence.Empty() {
		return nil
	}

	c := classifier{outcome: outcome, ev: outcome.Evidence, table: table}

	switch outcome.Candidate.Kind {
	case probe.KindSubdomain, probe.KindDNSBrute:
		c.subdomainAsset()
		c.takeover()
	case probe.KindPort:
		c.portAsset()
		c.serviceVulnerabilities()
	case probe.KindPath:
		c.pathAsset()
		c.sensitivePath()
	case probe.KindHTTP:
		c.technologies()
		c.favicon()
		c.securityHeaders()
		c.misconfigurations()
		c.wafVendor()
	case probe.KindWAF:
		c.wafVendor()
		c.wafGenericBlock()
	case probe.KindWAFBypass:
		c.wafBypass()
	}

	return c.out
}

type classifier struct {
	outcome probe.Outcome
	ev      probe.Evidence
	table   *Table
	out     []types.Finding

	lowerBody    string
	lowerHeaders string
	lowerCookies string
	lowered      bool
}

func (c *classifier) emit(f types.Finding) {
	if f.Tool == "" {
		f.Tool = ToolName
	}
	if f.Target == "" {
		f.Target = c.target()
	}
	c.out = append(c.out, f)
}

func (c *classifier) host() string {
	if c.ev.Host != "" {
		return c.ev.Host
	}
	return c.outcome.Candidate.Value
}

// target is the URL for HTTP evidence and the host otherwise.
func (c *classifier) target() string {
	if c.ev.URL != "" {
		return baseURL(c.ev.URL)
	}
	return c.host()
}

func baseURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	host, _, _ := strings.Cut(rest, "/")
	host, _, _ = strings.Cut(host, "?")
	return scheme + "://" + host
}

func (c *classifier) lower() {
	if c.lowered {
		return
	}
	c.lowered = true
	c.lowerBody = strings.ToLower(c.ev.Body)
	c.lowerHeaders = headerDump(c.ev.Headers)
	c.lowerCookies = cookieDump(c.ev.Headers)
}

// headerDump renders headers as "name: value" lines in lower case with keys
// sorted, so substring indicators such as "server: nginx" match.
func headerDump(h http.Header) string {
	if len(h) == 0 {
		return ""
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range h[k] {
			b.WriteString(strings.ToLower(k))
			b.WriteString(": ")
			b.WriteString(strings.ToLower(v))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func cookieDump(h http.Header) string {
	cookies := h.Values("Set-Cookie")
	if len(cookies) == 0 {
		return ""
	}
	return strings.ToLower(strings.Join(cookies, "\n"))
}

func containsAny(haystack string, needles []string) (string, bool) {
	if haystack == "" {
		return "", false
	}
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return n, true
		}
	}
	return "", false
}

func (c *classifier) subdomainAsset() {
	if len(c.ev.IPs) == 0 {
		return
	}
	host := c.host()
	ips := append([]string(nil), c.ev.IPs...)
	sort.Strings(ips)

	meta := map[string]interface{}{"ips": ips}
	if c.ev.CNAME != "" {
		meta["cname"] = c.ev.CNAME
	}

	c.emit(types.Finding{
		Target:    host,
		Kind:      types.KindAsset,
		Signature: "subdomain:" + host,
		Type:      "Discovered Subdomain",
		Severity:  types.SeverityInfo,
		Title:     fmt.Sprintf("Subdomain %s resolves to %s", host, strings.Join(ips, ", ")),
		Evidence:  strings.Join(ips, ","),
		Metadata:  meta,
	})
}

func (c *classifier) takeover() {
	if c.ev.Body == "" {
		return
	}
	for _, sig := range c.table.takeover {
		for _, fp := range sig.fingerprints {
			if !strings.Contains(c.ev.Body, fp) {
				continue
			}

			confidence := "medium"
			for _, re := range sig.cnames {
				if c.ev.CNAME != "" && re.MatchString(strings.ToLower(c.ev.CNAME)) {
					confidence = "high"
					break
				}
			}

			host := c.host()
			c.emit(types.Finding{
				Target:      host,
				Kind:        types.KindVulnerability,
				Signature:   "takeover:" + sig.service,
				Type:        "Subdomain Takeover",
				Severity:    types.SeverityHigh,
				Title:       fmt.Sprintf("Possible %s subdomain takeover", sig.service),
				Description: fmt.Sprintf("Possible %s subdomain takeover: %s", sig.service, fp),
				Evidence:    fp,
				Solution:    "Remove the dangling DNS record or reclaim the resource at the provider.",
				Metadata: map[string]interface{}{
					"service":    sig.service,
					"cname":      c.ev.CNAME,
					"confidence": confidence,
				},
			})
			return
		}
	}
}

func (c *classifier) portAsset() {
	port := c.ev.Port
	if port == 0 {
		port = c.outcome.Candidate.Port
	}
	if port == 0 {
		return
	}

	service := c.table.ServiceName(port)
	version := c.serviceVersion()
	target := fmt.Sprintf("%s:%d", c.host(), port)

	meta := map[string]interface{}{
		"port":    port,
		"service": service,
	}
	if version != "" {
		meta["version"] = version
	}

	title := fmt.Sprintf("Port %d/%s open", port, service)
	if version != "" {
		title += " (" + version + ")"
	}

	c.emit(types.Finding{
		Target:    target,
		Kind:      types.KindAsset,
		Signature: "port:" + strconv.Itoa(port),
		Type:      "Open Port",
		Severity:  types.SeverityInfo,
		Title:     title,
		Evidence:  truncate(c.ev.Banner, 200),
		Metadata:  meta,
	})
}

// serviceVersion returns "Name x.y.z" from the first matching banner
// pattern.
func (c *classifier) serviceVersion() string {
	if c.ev.Banner == "" {
		return ""
	}
	for _, v := range c.table.serviceVersions {
		if m := v.pattern.FindStringSubmatch(c.ev.Banner); len(m) > 1 {
			return v.name + " " + m[1]
		}
	}
	return ""
}

func (c *classifier) serviceVulnerabilities() {
	port := c.ev.Port
	if port == 0 {
		port = c.outcome.Candidate.Port
	}
	target := fmt.Sprintf("%s:%d", c.host(), port)

	for _, rule := range c.table.serviceRules {
		if !rule.ports[port] {
			continue
		}

		evidence := ""
		if rule.banner != nil {
			m := rule.banner.FindStringSubmatch(c.ev.Banner)
			if m == nil {
				continue
			}
			evidence = m[0]

			if rule.below != nil {
				found, err := parseVersion(m[1])
				if err != nil || compareVersions(found, rule.below) >= 0 {
					continue
				}
			}
		}

		c.emit(types.Finding{
			Target:      target,
			Kind:        types.KindVulnerability,
			Signature:   "service:" + rule.name,
			Type:        rule.name,
			Severity:    rule.severity,
			Title:       rule.name,
			Description: fmt.Sprintf("%s on port %d", rule.name, port),
			Evidence:    firstNonEmpty(evidence, truncate(c.ev.Banner, 200)),
			Solution:    rule.solution,
			Metadata: map[string]interface{}{
				"port":    port,
				"service": c.table.ServiceName(port),
			},
		})
	}
}

func (c *classifier) path() string {
	return "/" + strings.TrimPrefix(c.outcome.Candidate.Value, "/")
}

func (c *classifier) pathAsset() {
	if !c.table.paths.interesting[c.ev.StatusCode] {
		return
	}
	path := c.path()
	c.emit(types.Finding{
		Kind:      types.KindAsset,
		Signature: "path:" + path,
		Type:      "Discovered Path",
		Severity:  types.SeverityInfo,
		Title:     fmt.Sprintf("Path %s [%d]", path, c.ev.StatusCode),
		Evidence:  c.ev.URL,
		Metadata: map[string]interface{}{
			"path":        path,
			"status_code": c.ev.StatusCode,
			"size":        len(c.ev.Body),
		},
	})
}

func (c *classifier) sensitivePath() {
	if c.ev.StatusCode != http.StatusOK || c.ev.Body == "" {
		return
	}
	path := c.path()
	rel := strings.TrimPrefix(path, "/")

	for _, ext := range c.table.paths.backupExtensions {
		if strings.HasSuffix(rel, ext) && len(rel) > len(ext) {
			c.emit(types.Finding{
				Kind:        types.KindVulnerability,
				Signature:   "backup:" + path,
				Type:        "Backup File Exposure",
				Severity:    c.table.paths.backupSeverity,
				Title:       "Backup file accessible: " + path,
				Description: fmt.Sprintf("Backup file accessible: %s", rel),
				Evidence:    c.ev.URL,
				Solution:    "Remove backup copies from the web root.",
				Metadata:    map[string]interface{}{"path": path, "size": len(c.ev.Body)},
			})
			return
		}
	}

	name, sev, ok := c.table.paths.lookup(rel)
	if !ok {
		return
	}

	c.emit(types.Finding{
		Kind:        types.KindVulnerability,
		Signature:   "sensitive-file:" + path,
		Type:        "Sensitive File Exposure",
		Severity:    sev,
		Title:       "Sensitive file exposed: " + name,
		Description: fmt.Sprintf("Sensitive file exposed: %s", name),
		Evidence:    c.ev.URL,
		Solution:    "Block access to the file or remove it from the web root.",
		Metadata: map[string]interface{}{
			"path":         path,
			"size":         len(c.ev.Body),
			"content_type": c.ev.Headers.Get("Content-Type"),
		},
	})
}

// lookup matches rel or its trailing segments against the file table, so
// "admin/.env" matches ".env" and "x/.git/config" matches ".git/config".
func (p pathRules) lookup(rel string) (string, types.Severity, bool) {
	segments := strings.Split(rel, "/")
	for i := range segments {
		candidate := strings.Join(segments[i:], "/")
		if sev, ok := p.files[candidate]; ok {
			return candidate, sev, true
		}
	}
	return "", "", false
}

func (c *classifier) technologies() {
	c.lower()

	for _, sig := range c.table.technology {
		indicator, ok := c.matchTech(sig)
		if !ok {
			continue
		}

		meta := map[string]interface{}{"category": sig.category}
		version := c.techVersion(sig)
		if version != "" {
			meta["version"] = version
		}

		title := "Technology: " + sig.name
		if version != "" {
			title += " " + version
		}

		c.emit(types.Finding{
			Kind:      types.KindTechnology,
			Signature: "tech:" + sig.name,
			Type:      "Technology",
			Severity:  types.SeverityInfo,
			Title:     title,
			Evidence:  indicator,
			Metadata:  meta,
		})
	}
}

func (c *classifier) matchTech(sig techSig) (string, bool) {
	if ind, ok := containsAny(c.lowerHeaders, sig.headers); ok {
		return ind, true
	}
	if ind, ok := containsAny(c.lowerCookies, sig.cookies); ok {
		return ind, true
	}
	if c.ev.Generator != "" {
		for _, re := range sig.meta {
			if re.MatchString(c.ev.Generator) {
				return "generator: " + c.ev.Generator, true
			}
		}
	}
	if ind, ok := containsAny(c.lowerBody, sig.body); ok {
		return ind, true
	}
	return "", false
}

func (c *classifier) techVersion(sig techSig) string {
	sources := []string{c.ev.Generator, c.ev.Body}
	keys := make([]string, 0, len(c.ev.Headers))
	for k := range c.ev.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sources = append(sources, c.ev.Headers[k]...)
	}
	for _, re := range sig.versions {
		for _, src := range sources {
			if src == "" {
				continue
			}
			if m := re.FindStringSubmatch(src); len(m) > 1 {
				return m[1]
			}
		}
	}
	return ""
}

func (c *classifier) favicon() {
	if c.ev.FaviconHash == "" {
		return
	}
	name, ok := c.table.favicons[c.ev.FaviconHash]
	if !ok {
		return
	}
	c.emit(types.Finding{
		Kind:      types.KindTechnology,
		Signature: "tech:" + name,
		Type:      "Technology",
		Severity:  types.SeverityInfo,
		Title:     "Technology: " + name,
		Evidence:  "favicon mmh3 " + c.ev.FaviconHash,
		Metadata:  map[string]interface{}{"category": "favicon", "favicon_hash": c.ev.FaviconHash},
	})
}

func (c *classifier) securityHeaders() {
	if c.ev.StatusCode == 0 {
		return
	}
	for _, rule := range c.table.securityHeaders {
		if c.ev.Headers.Get(rule.header) != "" {
			continue
		}
		c.emit(types.Finding{
			Kind:        types.KindVulnerability,
			Signature:   "missing-header:" + strings.ToLower(rule.header),
			Type:        "Missing Security Header",
			Severity:    rule.severity,
			Title:       fmt.Sprintf("Missing %s header", rule.label),
			Description: fmt.Sprintf("Response does not set %s (%s)", rule.header, rule.label),
			Solution:    rule.solution,
			Metadata:    map[string]interface{}{"header": rule.header},
		})
	}
}

func (c *classifier) misconfigurations() {
	for _, rule := range c.table.misconfiguration {
		subject := c.ev.Body
		if rule.header != "" {
			subject = c.ev.Headers.Get(rule.header)
		}
		if subject == "" {
			continue
		}
		m := rule.pattern.FindString(subject)
		if m == "" {
			continue
		}
		evidence := m
		if rule.header != "" {
			evidence = rule.header + ": " + subject
		}
		c.emit(types.Finding{
			Kind:        types.KindVulnerability,
			Signature:   "misconfig:" + rule.name,
			Type:        "Security Misconfiguration",
			Severity:    rule.severity,
			Title:       rule.name,
			Description: rule.name,
			Evidence:    truncate(evidence, 200),
			Solution:    rule.solution,
		})
	}
}

func (c *classifier) wafVendor() {
	c.lower()

	for _, sig := range c.table.wafVendors {
		indicator, ok := containsAny(c.lowerHeaders, sig.headers)
		if !ok {
			indicator, ok = containsAny(c.lowerCookies, sig.cookies)
		}
		if !ok {
			indicator, ok = containsAny(c.lowerBody, sig.body)
		}
		if !ok {
			continue
		}

		c.emit(types.Finding{
			Target:    c.host(),
			Kind:      types.KindWAF,
			Signature: "waf:" + sig.name,
			Type:      "WAF Detected",
			Severity:  types.SeverityInfo,
			Title:     "WAF detected: " + sig.name,
			Evidence:  indicator,
			Metadata:  c.wafMeta(sig.name),
		})
		return
	}
}

func (c *classifier) wafGenericBlock() {
	g := c.table.wafGeneric
	if !g.statuses[c.ev.StatusCode] {
		return
	}
	c.lower()
	keyword, ok := containsAny(c.lowerBody, g.keywords)
	if !ok {
		return
	}
	c.emit(types.Finding{
		Target:    c.host(),
		Kind:      types.KindWAF,
		Signature: "waf:" + g.name,
		Type:      "WAF Detected",
		Severity:  types.SeverityInfo,
		Title:     "WAF detected: " + g.name,
		Evidence:  fmt.Sprintf("HTTP %d, %q", c.ev.StatusCode, keyword),
		Metadata:  c.wafMeta(g.name),
	})
}

func (c *classifier) wafMeta(vendor string) map[string]interface{} {
	meta := map[string]interface{}{"vendor": vendor}
	if c.ev.Payload != "" {
		meta["payload"] = c.ev.Payload
	}
	return meta
}

// wafBypass reports the best-effort "potential bypass" signal: HTTP 200 and
// none of the block keywords in the body. It is never marked verified.
func (c *classifier) wafBypass() {
	if c.ev.StatusCode != http.StatusOK {
		return
	}
	c.lower()
	if _, blocked := containsAny(c.lowerBody, c.table.bypass.blockKeywords); blocked {
		return
	}
	payload := firstNonEmpty(c.ev.Payload, c.outcome.Candidate.Value)
	c.emit(types.Finding{
		Target:      c.host(),
		Kind:        types.KindVulnerability,
		Signature:   "waf-bypass:" + payload,
		Type:        "Potential WAF Bypass",
		Severity:    c.table.bypass.severity,
		Title:       "Potential WAF bypass",
		Description: fmt.Sprintf("Evasion payload returned HTTP 200 without block indicators: %s", payload),
		Evidence:    payload,
		Solution:    c.table.bypass.solution,
		Metadata: map[string]interface{}{
			"payload":  payload,
			"verified": false,
		},
	})
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
