package progress

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/scan"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

// Source is anything that can report the state of a running scan.
type Source interface {
	Info() scan.Info
}

// Tracker renders a one-line progress bar for a running scan by polling
// its session.
type Tracker struct {
	out     io.Writer
	phases  []string
	enabled bool
	now     func() time.Time

	mu    sync.Mutex
	start time.Time
}

// New creates a tracker for the given phase list. A disabled tracker
// renders nothing.
func New(out io.Writer, phases []string, enabled bool) *Tracker {
	return &Tracker{
		out:     out,
		phases:  phases,
		enabled: enabled,
		now:     time.Now,
	}
}

// Watch redraws the bar every interval until ctx is done or the scan
// leaves the running state, then clears the line.
func (t *Tracker) Watch(ctx context.Context, src Source, interval time.Duration) {
	if !t.enabled || interval <= 0 {
		return
	}

	t.mu.Lock()
	t.start = t.now()
	t.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.clear()
			return
		case <-ticker.C:
			info := src.Info()
			if info.Status != types.ScanStatusRunning && info.Status != types.ScanStatusPending {
				t.clear()
				return
			}
			t.render(info)
		}
	}
}

// Percent estimates overall completion: whole phases done plus the share
// of probes attempted in the current phase.
func (t *Tracker) Percent(info scan.Info) int {
	total := len(t.phases)
	if total == 0 || len(info.Phases) == 0 {
		return 0
	}

	done := len(info.Phases) - 1
	current := info.Phases[len(info.Phases)-1]
	if info.Phase == "" {
		done = len(info.Phases)
	}

	overall := done * 100 / total
	if info.Phase != "" && current.Stats.Total > 0 {
		attempted := current.Stats.Attempted + current.Stats.NotStarted
		overall += attempted * 100 / current.Stats.Total / total
	}
	if overall > 100 {
		overall = 100
	}
	return overall
}

func (t *Tracker) render(info scan.Info) {
	t.mu.Lock()
	defer t.mu.Unlock()

	percent := t.Percent(info)

	barWidth := 30
	filled := percent * barWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	phase := info.Phase
	if phase == "" {
		phase = "starting"
	}

	elapsed := t.now().Sub(t.start)
	eta := "calculating..."
	if percent > 0 && percent < 100 {
		totalEstimated := elapsed * 100 / time.Duration(percent)
		eta = formatDuration(totalEstimated - elapsed)
	}

	fmt.Fprint(t.out, "\r\033[K")
	fmt.Fprintf(t.out, "[%s] %d%% | %s | %d findings | ETA: %s",
		bar,
		percent,
		phase,
		info.Summary.Total,
		eta,
	)
}

func (t *Tracker) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.out, "\r\033[K")
}

// formatDuration formats a duration in human-readable form
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
