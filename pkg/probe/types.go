// Package probe runs one probe function per candidate under a concurrency
// ceiling and a per-probe timeout, and collects the typed outcomes.
package probe

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind names the kind of work a candidate feeds.
type Kind string

const (
	KindSubdomain Kind = "subdomain"
	KindDNSBrute  Kind = "dns_brute"
	KindPort      Kind = "port"
	KindPath      Kind = "path"
	KindHTTP      Kind = "http"
	KindWAF       Kind = "waf"
	KindWAFBypass Kind = "waf_bypass"
	KindOrigin    Kind = "origin"
)

// Candidate is one unit of probe input: a subdomain label, a port, a path or
// a payload string.
type Candidate struct {
	Kind  Kind
	Value string
	Port  int
}

func (c Candidate) String() string {
	if c.Port > 0 && c.Value == "" {
		return fmt.Sprintf("%s:%d", c.Kind, c.Port)
	}
	if c.Port > 0 {
		return fmt.Sprintf("%s:%s:%d", c.Kind, c.Value, c.Port)
	}
	return fmt.Sprintf("%s:%s", c.Kind, c.Value)
}

// Label returns the discriminating value of the candidate.
func (c Candidate) Label() string {
	if c.Value == "" && c.Port > 0 {
		return strconv.Itoa(c.Port)
	}
	return c.Value
}

// Status is the typed result of one probe execution.
type Status int

const (
	StatusSuccess Status = iota
	// StatusNegative means the candidate is absent (NXDOMAIN, refused, 404).
	StatusNegative
	StatusFailure
	StatusTimeout
	// StatusCancelled means the batch was cancelled before the probe started.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNegative:
		return "negative"
	case StatusFailure:
		return "failure"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Evidence is the raw observation made by a probe.
type Evidence struct {
	// Host is the name or address the probe actually contacted.
	Host       string
	URL        string
	StatusCode int
	Headers    http.Header
	// Body is an excerpt capped by the probe.
	Body   string
	Banner string

	Port int
	// Open is set when a TCP connection was established.
	Open bool

	IPs   []string
	CNAME string

	Title       string
	Generator   string
	FaviconHash string

	// Payload is the request payload for WAF probes.
	Payload string
}

// Empty reports whether nothing was observed, for example when the
// connection failed before any bytes were read.
func (e Evidence) Empty() bool {
	return e.StatusCode == 0 &&
		len(e.Headers) == 0 &&
		e.Body == "" &&
		e.Banner == "" &&
		len(e.IPs) == 0 &&
		!e.Open
}

// Outcome is the result of executing one candidate.
type Outcome struct {
	Candidate Candidate
	Status    Status
	Evidence  Evidence
	Err       error
	Latency   time.Duration
}

// Success reports whether the probe observed the candidate.
func (o Outcome) Success() bool {
	return o.Status == StatusSuccess
}
