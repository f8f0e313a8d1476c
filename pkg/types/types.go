package types

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities from info (0) to critical (4).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ParseSeverity maps a tool supplied severity string onto the vulnerability
// scale. Matching is case-insensitive; informational ratings become Low and
// anything unrecognised becomes Medium.
func ParseSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium", "moderate":
		return SeverityMedium
	case "low":
		return SeverityLow
	case "info", "informational":
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// LookupSeverity parses one of the canonical severity names, including
// info. It reports false for anything else.
func LookupSeverity(raw string) (Severity, bool) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(raw))); sev {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return sev, true
	default:
		return "", false
	}
}

// FindingKind is the category a finding is stored under.
type FindingKind string

const (
	KindAsset         FindingKind = "asset"
	KindVulnerability FindingKind = "vulnerability"
	KindTechnology    FindingKind = "technology"
	KindWAF           FindingKind = "waf"
	KindOriginIP      FindingKind = "origin_ip"
)

type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "pending"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
	ScanStatusCancelled ScanStatus = "cancelled"
)

// Key identifies a finding inside a result aggregate.
type Key struct {
	Target    string
	Kind      FindingKind
	Signature string
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Target, k.Kind, k.Signature)
}

type Finding struct {
	ID          string                 `json:"id"`
	ScanID      string                 `json:"scan_id"`
	Target      string                 `json:"target"`
	Kind        FindingKind            `json:"kind"`
	Signature   string                 `json:"signature"`
	Tool        string                 `json:"tool"`
	Type        string                 `json:"type"`
	Severity    Severity               `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	Evidence    string                 `json:"evidence,omitempty"`
	Solution    string                 `json:"solution,omitempty"`
	References  []string               `json:"references,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Key returns the uniqueness key of the finding.
func (f Finding) Key() Key {
	return Key{Target: f.Target, Kind: f.Kind, Signature: f.Signature}
}

type Summary struct {
	Total      int                 `json:"total"`
	BySeverity map[Severity]int    `json:"by_severity"`
	ByKind     map[FindingKind]int `json:"by_kind"`
	ByTool     map[string]int      `json:"by_tool"`
}

// Target is the host under assessment. It never changes once a scan starts.
type Target struct {
	Host string `json:"host"`
	Apex string `json:"apex"`
	IsIP bool   `json:"is_ip"`
}

func (t Target) String() string {
	return t.Host
}

// ParseTarget normalises user input such as "https://Example.com:8443/path"
// into a bare lowercase host and derives its registrable domain.
func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("target cannot be empty")
	}

	host := raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Target{}, fmt.Errorf("invalid target %q: %w", raw, err)
		}
		host = u.Host
	}
	host = strings.SplitN(host, "/", 2)[0]
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	host = strings.Trim(host, "[]")
	if host == "" {
		return Target{}, fmt.Errorf("invalid target %q: no host", raw)
	}

	if ip := net.ParseIP(host); ip != nil {
		return Target{Host: ip.String(), Apex: ip.String(), IsIP: true}, nil
	}

	apex, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		apex = host
	}

	return Target{Host: host, Apex: apex}, nil
}
