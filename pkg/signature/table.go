// Package signature classifies probe evidence into findings using a
// read-only table of patterns loaded from YAML.
package signature

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

//go:embed default_signatures.yaml
var defaultTableYAML []byte

// ErrMalformedTable is returned when a table contains entries that cannot be
// compiled. The table returned alongside it keeps the valid entries.
var ErrMalformedTable = errors.New("malformed signature table")

// MalformedError lists the entries skipped while loading a table.
type MalformedError struct {
	Entries []string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: %d invalid entries: %s", ErrMalformedTable, len(e.Entries), strings.Join(e.Entries, "; "))
}

func (e *MalformedError) Unwrap() error { return ErrMalformedTable }

// Table is a compiled signature table. It is never mutated after Load and is
// safe for concurrent reads.
type Table struct {
	takeover         []takeoverSig
	technology       []techSig
	wafVendors       []wafSig
	wafGeneric       genericWAF
	bypass           bypassRule
	securityHeaders  []headerRule
	misconfiguration []misconfigRule
	servicePorts     map[int]string
	serviceVersions  []versionSig
	serviceRules     []serviceRule
	paths            pathRules
	favicons         map[string]string

	skipped int
}

type takeoverSig struct {
	service      string
	fingerprints []string
	cnames       []*regexp.Regexp
}

type techSig struct {
	name     string
	category string
	body     []string
	headers  []string
	cookies  []string
	meta     []*regexp.Regexp
	versions []*regexp.Regexp
}

type wafSig struct {
	name    string
	headers []string
	cookies []string
	body    []string
}

type genericWAF struct {
	name     string
	statuses map[int]bool
	keywords []string
}

type bypassRule struct {
	blockKeywords []string
	severity      types.Severity
	solution      string
}

type headerRule struct {
	header   string
	label    string
	severity types.Severity
	solution string
}

type misconfigRule struct {
	name     string
	header   string
	pattern  *regexp.Regexp
	severity types.Severity
	solution string
}

type versionSig struct {
	name    string
	pattern *regexp.Regexp
}

type serviceRule struct {
	name     string
	ports    map[int]bool
	banner   *regexp.Regexp
	below    []int
	severity types.Severity
	solution string
}

type pathRules struct {
	interesting      map[int]bool
	defaultSeverity  types.Severity
	backupExtensions []string
	backupSeverity   types.Severity
	files            map[string]types.Severity
}

// raw YAML shapes

type rawTable struct {
	Version          int               `yaml:"version"`
	Takeover         []rawTakeover     `yaml:"takeover"`
	Technology       []rawTech         `yaml:"technology"`
	WAF              rawWAF            `yaml:"waf"`
	SecurityHeaders  []rawHeaderRule   `yaml:"security_headers"`
	Misconfiguration []rawMisconfig    `yaml:"misconfiguration"`
	Services         rawServices       `yaml:"services"`
	SensitivePaths   rawSensitivePaths `yaml:"sensitive_paths"`
	Favicon          []rawFavicon      `yaml:"favicon"`
}

type rawTakeover struct {
	Service      string   `yaml:"service"`
	Fingerprints []string `yaml:"fingerprints"`
	CNAMEs       []string `yaml:"cnames"`
}

type rawTech struct {
	Name     string   `yaml:"name"`
	Category string   `yaml:"category"`
	Body     []string `yaml:"body"`
	Headers  []string `yaml:"headers"`
	Cookies  []string `yaml:"cookies"`
	Meta     []string `yaml:"meta"`
	Version  []string `yaml:"version"`
}

type rawWAF struct {
	Vendors []rawWAFVendor `yaml:"vendors"`
	Generic struct {
		Name     string   `yaml:"name"`
		Statuses []int    `yaml:"statuses"`
		Keywords []string `yaml:"keywords"`
	} `yaml:"generic"`
	Bypass struct {
		BlockKeywords []string `yaml:"block_keywords"`
		Severity      string   `yaml:"severity"`
		Solution      string   `yaml:"solution"`
	} `yaml:"bypass"`
}

type rawWAFVendor struct {
	Name    string   `yaml:"name"`
	Headers []string `yaml:"headers"`
	Cookies []string `yaml:"cookies"`
	Body    []string `yaml:"body"`
}

type rawHeaderRule struct {
	Header   string `yaml:"header"`
	Label    string `yaml:"label"`
	Severity string `yaml:"severity"`
	Solution string `yaml:"solution"`
}

type rawMisconfig struct {
	Name     string `yaml:"name"`
	Body     string `yaml:"body"`
	Header   string `yaml:"header"`
	Pattern  string `yaml:"pattern"`
	Severity string `yaml:"severity"`
	Solution string `yaml:"solution"`
}

type rawServices struct {
	Ports    map[int]string `yaml:"ports"`
	Versions []struct {
		Name    string `yaml:"name"`
		Pattern string `yaml:"pattern"`
	} `yaml:"versions"`
	Rules []rawServiceRule `yaml:"rules"`
}

type rawServiceRule struct {
	Name     string `yaml:"name"`
	Ports    []int  `yaml:"ports"`
	Banner   string `yaml:"banner"`
	Below    string `yaml:"below"`
	Severity string `yaml:"severity"`
	Solution string `yaml:"solution"`
}

type rawSensitivePaths struct {
	InterestingStatuses []int             `yaml:"interesting_statuses"`
	DefaultSeverity     string            `yaml:"default_severity"`
	BackupExtensions    []string          `yaml:"backup_extensions"`
	BackupSeverity      string            `yaml:"backup_severity"`
	Files               map[string]string `yaml:"files"`
}

type rawFavicon struct {
	Hash string `yaml:"hash"`
	Name string `yaml:"name"`
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
)

// Default returns the embedded table. It panics if the embedded table does
// not compile, which is a build defect.
func Default() *Table {
	defaultOnce.Do(func() {
		t, err := Load(strings.NewReader(string(defaultTableYAML)))
		if err != nil {
			panic(fmt.Sprintf("embedded signature table: %v", err))
		}
		defaultTable = t
	})
	return defaultTable
}

// LoadFile loads a table from path.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open signature table: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses and compiles a table. Entries that fail to compile are
// skipped and reported through a *MalformedError; the returned table is
// usable either way. A document that is not valid YAML returns a nil table.
func Load(r io.Reader) (*Table, error) {
	var raw rawTable
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return &Table{servicePorts: map[int]string{}, favicons: map[string]string{}}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedTable, err)
	}

	c := &compiler{}
	t := c.compile(raw)
	t.skipped = len(c.bad)

	if len(c.bad) > 0 {
		return t, &MalformedError{Entries: c.bad}
	}
	return t, nil
}

// Skipped returns the number of entries dropped while loading.
func (t *Table) Skipped() int { return t.skipped }

// Counts returns the number of compiled entries per family.
func (t *Table) Counts() map[string]int {
	return map[string]int{
		"takeover":         len(t.takeover),
		"technology":       len(t.technology),
		"waf":              len(t.wafVendors),
		"security_headers": len(t.securityHeaders),
		"misconfiguration": len(t.misconfiguration),
		"services":         len(t.serviceRules),
		"sensitive_paths":  len(t.paths.files),
		"favicon":          len(t.favicons),
	}
}

// ServiceName returns the service registered for port, or "Unknown".
func (t *Table) ServiceName(port int) string {
	if name, ok := t.servicePorts[port]; ok {
		return name
	}
	return "Unknown"
}

// Families lists family names in a stable order.
func (t *Table) Families() []string {
	counts := t.Counts()
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type compiler struct {
	bad []string
}

func (c *compiler) fail(family string, idx int, name string, err error) {
	c.bad = append(c.bad, fmt.Sprintf("%s[%d] %q: %v", family, idx, name, err))
}

func (c *compiler) severity(raw string) (types.Severity, error) {
	sev, ok := types.LookupSeverity(raw)
	if !ok {
		return "", fmt.Errorf("unknown severity %q", raw)
	}
	return sev, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *compiler) compile(raw rawTable) *Table {
	t := &Table{
		servicePorts: make(map[int]string),
		favicons:     make(map[string]string),
	}

	for i, e := range raw.Takeover {
		if e.Service == "" || len(e.Fingerprints) == 0 {
			c.fail("takeover", i, e.Service, errors.New("service and fingerprints are required"))
			continue
		}
		cnames, err := compileAll(e.CNAMEs)
		if err != nil {
			c.fail("takeover", i, e.Service, err)
			continue
		}
		t.takeover = append(t.takeover, takeoverSig{service: e.Service, fingerprints: e.Fingerprints, cnames: cnames})
	}

	for i, e := range raw.Technology {
		if e.Name == "" {
			c.fail("technology", i, e.Name, errors.New("name is required"))
			continue
		}
		meta, err := compileAll(e.Meta)
		if err != nil {
			c.fail("technology", i, e.Name, err)
			continue
		}
		versions, err := compileAll(e.Version)
		if err != nil {
			c.fail("technology", i, e.Name, err)
			continue
		}
		sig := techSig{
			name:     e.Name,
			category: e.Category,
			body:     lowerAll(e.Body),
			headers:  lowerAll(e.Headers),
			cookies:  lowerAll(e.Cookies),
			meta:     meta,
			versions: versions,
		}
		if len(sig.body)+len(sig.headers)+len(sig.cookies)+len(sig.meta) == 0 {
			c.fail("technology", i, e.Name, errors.New("no indicators"))
			continue
		}
		t.technology = append(t.technology, sig)
	}

	for i, e := range raw.WAF.Vendors {
		sig := wafSig{name: e.Name, headers: lowerAll(e.Headers), cookies: lowerAll(e.Cookies), body: lowerAll(e.Body)}
		if e.Name == "" || len(sig.headers)+len(sig.cookies)+len(sig.body) == 0 {
			c.fail("waf", i, e.Name, errors.New("name and at least one indicator are required"))
			continue
		}
		t.wafVendors = append(t.wafVendors, sig)
	}

	t.wafGeneric = genericWAF{
		name:     raw.WAF.Generic.Name,
		statuses: make(map[int]bool),
		keywords: lowerAll(raw.WAF.Generic.Keywords),
	}
	if t.wafGeneric.name == "" {
		t.wafGeneric.name = "Generic WAF"
	}
	for _, s := range raw.WAF.Generic.Statuses {
		t.wafGeneric.statuses[s] = true
	}

	t.bypass = bypassRule{
		blockKeywords: lowerAll(raw.WAF.Bypass.BlockKeywords),
		severity:      types.SeverityLow,
		solution:      raw.WAF.Bypass.Solution,
	}
	if raw.WAF.Bypass.Severity != "" {
		if sev, err := c.severity(raw.WAF.Bypass.Severity); err != nil {
			c.fail("waf.bypass", 0, "bypass", err)
		} else {
			t.bypass.severity = sev
		}
	}

	for i, e := range raw.SecurityHeaders {
		sev, err := c.severity(e.Severity)
		if err != nil || e.Header == "" {
			if err == nil {
				err = errors.New("header is required")
			}
			c.fail("security_headers", i, e.Header, err)
			continue
		}
		label := e.Label
		if label == "" {
			label = e.Header
		}
		t.securityHeaders = append(t.securityHeaders, headerRule{header: e.Header, label: label, severity: sev, solution: e.Solution})
	}

	for i, e := range raw.Misconfiguration {
		sev, err := c.severity(e.Severity)
		if err != nil {
			c.fail("misconfiguration", i, e.Name, err)
			continue
		}
		pattern := e.Body
		if e.Header != "" {
			pattern = e.Pattern
		}
		if e.Name == "" || pattern == "" {
			c.fail("misconfiguration", i, e.Name, errors.New("name and pattern are required"))
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			c.fail("misconfiguration", i, e.Name, err)
			continue
		}
		t.misconfiguration = append(t.misconfiguration, misconfigRule{name: e.Name, header: e.Header, pattern: re, severity: sev, solution: e.Solution})
	}

	for port, name := range raw.Services.Ports {
		t.servicePorts[port] = name
	}

	for i, e := range raw.Services.Versions {
		re, err := regexp.Compile(e.Pattern)
		if err != nil || re.NumSubexp() < 1 {
			if err == nil {
				err = errors.New("pattern needs a version group")
			}
			c.fail("services.versions", i, e.Name, err)
			continue
		}
		t.serviceVersions = append(t.serviceVersions, versionSig{name: e.Name, pattern: re})
	}

	for i, e := range raw.Services.Rules {
		rule, err := c.serviceRule(e)
		if err != nil {
			c.fail("services.rules", i, e.Name, err)
			continue
		}
		t.serviceRules = append(t.serviceRules, rule)
	}

	t.paths = c.pathRules(raw.SensitivePaths)

	for i, e := range raw.Favicon {
		if e.Hash == "" || e.Name == "" {
			c.fail("favicon", i, e.Name, errors.New("hash and name are required"))
			continue
		}
		t.favicons[e.Hash] = e.Name
	}

	return t
}

func (c *compiler) serviceRule(e rawServiceRule) (serviceRule, error) {
	sev, err := c.severity(e.Severity)
	if err != nil {
		return serviceRule{}, err
	}
	if e.Name == "" || len(e.Ports) == 0 {
		return serviceRule{}, errors.New("name and ports are required")
	}

	rule := serviceRule{name: e.Name, ports: make(map[int]bool), severity: sev, solution: e.Solution}
	for _, p := range e.Ports {
		rule.ports[p] = true
	}

	if e.Banner != "" {
		if rule.banner, err = regexp.Compile(e.Banner); err != nil {
			return serviceRule{}, err
		}
	}

	if e.Below != "" {
		if rule.banner == nil || rule.banner.NumSubexp() < 1 {
			return serviceRule{}, errors.New("below requires a banner pattern with a version group")
		}
		if rule.below, err = parseVersion(e.Below); err != nil {
			return serviceRule{}, err
		}
	}

	return rule, nil
}

func (c *compiler) pathRules(raw rawSensitivePaths) pathRules {
	rules := pathRules{
		interesting:      make(map[int]bool),
		defaultSeverity:  types.SeverityMedium,
		backupExtensions: raw.BackupExtensions,
		backupSeverity:   types.SeverityMedium,
		files:            make(map[string]types.Severity),
	}

	for _, s := range raw.InterestingStatuses {
		rules.interesting[s] = true
	}
	if raw.DefaultSeverity != "" {
		if sev, err := c.severity(raw.DefaultSeverity); err == nil {
			rules.defaultSeverity = sev
		} else {
			c.fail("sensitive_paths", 0, "default_severity", err)
		}
	}
	if raw.BackupSeverity != "" {
		if sev, err := c.severity(raw.BackupSeverity); err == nil {
			rules.backupSeverity = sev
		} else {
			c.fail("sensitive_paths", 0, "backup_severity", err)
		}
	}

	names := make([]string, 0, len(raw.Files))
	for name := range raw.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		sev, err := c.severity(raw.Files[name])
		if err != nil {
			c.fail("sensitive_paths.files", i, name, err)
			continue
		}
		rules.files[name] = sev
	}

	return rules
}
