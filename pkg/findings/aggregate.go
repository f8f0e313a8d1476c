// Package findings holds the deduplicated result set of one scan.
package findings

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

// Aggregate is the only state shared between concurrent probes. All
// mutations go through Merge, which is linearizable per key.
type Aggregate struct {
	scanID string
	now    func() time.Time
	onAdd  func(types.Finding)

	mu      sync.RWMutex
	byKey   map[types.Key]int
	items   []types.Finding
	origin  *OriginResult
	skipped map[string]int
}

// Option configures an Aggregate.
type Option func(*Aggregate)

// WithOnAdd registers a hook called once per newly stored finding, outside
// the lock.
func WithOnAdd(fn func(types.Finding)) Option {
	return func(a *Aggregate) { a.onAdd = fn }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregate) { a.now = now }
}

// New creates an empty aggregate for scanID.
func New(scanID string, opts ...Option) *Aggregate {
	a := &Aggregate{
		scanID:  scanID,
		now:     time.Now,
		byKey:   make(map[types.Key]int),
		skipped: make(map[string]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ScanID returns the owning scan id.
func (a *Aggregate) ScanID() string { return a.scanID }

// Merge stores every finding whose key is not yet present and returns how
// many were added. Re-inserting an existing key is a silent no-op.
func (a *Aggregate) Merge(findings []types.Finding) int {
	if len(findings) == 0 {
		return 0
	}

	// Stamp outside the lock; no I/O happens while it is held.
	stamped := make([]types.Finding, len(findings))
	now := a.now()
	for i, f := range findings {
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		if f.ScanID == "" {
			f.ScanID = a.scanID
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		stamped[i] = f
	}

	added := make([]types.Finding, 0, len(stamped))

	a.mu.Lock()
	for _, f := range stamped {
		key := f.Key()
		if _, exists := a.byKey[key]; exists {
			continue
		}
		a.byKey[key] = len(a.items)
		a.items = append(a.items, f)
		added = append(added, f)
	}
	a.mu.Unlock()

	if a.onAdd != nil {
		for _, f := range added {
			a.onAdd(f)
		}
	}

	return len(added)
}

// Has reports whether key is stored.
func (a *Aggregate) Has(key types.Key) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.byKey[key]
	return ok
}

// Len returns the number of stored findings.
func (a *Aggregate) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.items)
}

// Snapshot returns a copy of every stored finding in insertion order.
func (a *Aggregate) Snapshot() []types.Finding {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]types.Finding, len(a.items))
	copy(out, a.items)
	return out
}

// ByKind returns the stored findings of one kind.
func (a *Aggregate) ByKind(kind types.FindingKind) []types.Finding {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []types.Finding
	for _, f := range a.items {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// Summary counts stored findings by severity, kind and tool.
func (a *Aggregate) Summary() types.Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := types.Summary{
		Total:      len(a.items),
		BySeverity: make(map[types.Severity]int),
		ByKind:     make(map[types.FindingKind]int),
		ByTool:     make(map[string]int),
	}
	for _, f := range a.items {
		s.BySeverity[f.Severity]++
		s.ByKind[f.Kind]++
		s.ByTool[f.Tool]++
	}
	return s
}

// Asset is a discovered subdomain and the addresses it resolved to.
type Asset struct {
	Host string
	IPs  []string
}

// Assets returns the subdomain to IP pairs recorded as asset findings,
// sorted by host.
func (a *Aggregate) Assets() []Asset {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Asset
	for _, f := range a.items {
		if f.Kind != types.KindAsset || !strings.HasPrefix(f.Signature, "subdomain:") {
			continue
		}
		ips := metadataStrings(f.Metadata["ips"])
		if len(ips) == 0 {
			continue
		}
		out = append(out, Asset{Host: f.Target, IPs: ips})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func metadataStrings(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return append([]string(nil), vals...)
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, x := range vals {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// RecordSkipped counts items dropped by a component, for example corrupt
// tool output lines or malformed signature entries.
func (a *Aggregate) RecordSkipped(component string, n int) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.skipped[component] += n
}

// Skipped returns the skipped item counts per component.
func (a *Aggregate) Skipped() map[string]int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]int, len(a.skipped))
	for k, v := range a.skipped {
		out[k] = v
	}
	return out
}
