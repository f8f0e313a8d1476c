package core

import (
	"net/http"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/scan"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

// ScanStore is the read side of the live session registry.
type ScanStore interface {
	Get(id string) (*scan.Session, bool)
	List() []*scan.Session
}

// MetricsHandler exposes collected metrics over HTTP.
type MetricsHandler interface {
	Handler() http.Handler
}

// FindingFilter narrows a finding listing.
type FindingFilter struct {
	Kind     types.FindingKind
	Severity types.Severity
	Tool     string
	Limit    int
}

// Match reports whether f passes the filter. Severity is a floor: a
// "medium" filter keeps medium, high and critical findings.
func (q FindingFilter) Match(f types.Finding) bool {
	if q.Kind != "" && f.Kind != q.Kind {
		return false
	}
	if q.Tool != "" && f.Tool != q.Tool {
		return false
	}
	if q.Severity != "" && f.Severity.Rank() < q.Severity.Rank() {
		return false
	}
	return true
}
