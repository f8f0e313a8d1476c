// Package scan runs the reconnaissance phases against one target and keeps
// the live state of every scan started by the process.
package scan

import (
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/findings"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

// PhaseStats is what one phase did.
type PhaseStats struct {
	Phase    string        `json:"phase"`
	Batches  int           `json:"batches"`
	Stats    probe.Stats   `json:"stats"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Session is one scan of one target. The aggregate is the only state the
// probes write to; everything else is owned by the engine.
type Session struct {
	ID        string
	Target    types.Target
	Aggregate *findings.Aggregate

	mu       sync.RWMutex
	status   types.ScanStatus
	phase    string
	started  time.Time
	finished time.Time
	err      error
	phases   []PhaseStats
}

func newSession(id string, target types.Target, agg *findings.Aggregate) *Session {
	return &Session{
		ID:        id,
		Target:    target,
		Aggregate: agg,
		status:    types.ScanStatusPending,
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() types.ScanStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Err returns the error that ended the scan, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Phases returns the statistics of every phase run so far.
func (s *Session) Phases() []PhaseStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PhaseStats, len(s.phases))
	copy(out, s.phases)
	return out
}

func (s *Session) start(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = types.ScanStatusRunning
	s.started = now
}

func (s *Session) finish(status types.ScanStatus, err error, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.err = err
	s.phase = ""
	s.finished = now
}

func (s *Session) enterPhase(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = name
	s.phases = append(s.phases, PhaseStats{Phase: name})
}

// addStats folds one batch into the stats of the current phase.
func (s *Session) addStats(st probe.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.phases) == 0 {
		return
	}
	p := &s.phases[len(s.phases)-1]
	p.Batches++
	p.Stats.Total += st.Total
	p.Stats.Attempted += st.Attempted
	p.Stats.Succeeded += st.Succeeded
	p.Stats.Negative += st.Negative
	p.Stats.Failed += st.Failed
	p.Stats.TimedOut += st.TimedOut
	p.Stats.NotStarted += st.NotStarted
	p.Stats.Elapsed += st.Elapsed
}

func (s *Session) leavePhase(d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.phases) == 0 {
		return
	}
	p := &s.phases[len(s.phases)-1]
	p.Duration = d
	if err != nil {
		p.Error = err.Error()
	}
}

// Info is a point-in-time view of a session, safe to serialise.
type Info struct {
	ID         string                 `json:"id"`
	Target     string                 `json:"target"`
	Status     types.ScanStatus       `json:"status"`
	Phase      string                 `json:"phase,omitempty"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Summary    types.Summary          `json:"summary"`
	Phases     []PhaseStats           `json:"phases"`
	Skipped    map[string]int         `json:"skipped,omitempty"`
	Origin     *findings.OriginResult `json:"origin,omitempty"`
}

// Info snapshots the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	info := Info{
		ID:     s.ID,
		Target: s.Target.Host,
		Status: s.status,
		Phase:  s.phase,
		Phases: append([]PhaseStats(nil), s.phases...),
	}
	if !s.started.IsZero() {
		t := s.started
		info.StartedAt = &t
	}
	if !s.finished.IsZero() {
		t := s.finished
		info.FinishedAt = &t
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	s.mu.RUnlock()

	info.Summary = s.Aggregate.Summary()
	info.Skipped = s.Aggregate.Skipped()
	info.Origin = s.Aggregate.Origin()
	return info
}
