package progress

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/scan"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

func TestPercent(t *testing.T) {
	tr := New(&bytes.Buffer{}, []string{"ports", "http", "directories", "waf"}, true)

	tests := []struct {
		name string
		info scan.Info
		want int
	}{
		{"not started", scan.Info{Status: types.ScanStatusRunning}, 0},
		{
			"first phase half done",
			scan.Info{Phase: "ports", Phases: []scan.PhaseStats{
				{Phase: "ports", Stats: probe.Stats{Total: 100, Attempted: 50}},
			}},
			12,
		},
		{
			"second phase just entered",
			scan.Info{Phase: "http", Phases: []scan.PhaseStats{{Phase: "ports"}, {Phase: "http"}}},
			25,
		},
		{
			"all phases left",
			scan.Info{Phases: []scan.PhaseStats{{}, {}, {}, {}}},
			100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tr.Percent(tt.info))
		})
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "< 1s", formatDuration(300*time.Millisecond))
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "3m 5s", formatDuration(3*time.Minute+5*time.Second))
	assert.Equal(t, "2h 10m", formatDuration(2*time.Hour+10*time.Minute))
}

type fakeSource struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSource) Info() scan.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls >= 3 {
		return scan.Info{Status: types.ScanStatusCompleted}
	}
	return scan.Info{
		Status: types.ScanStatusRunning,
		Phase:  "http",
		Phases: []scan.PhaseStats{{Phase: "http"}},
	}
}

func TestWatchStopsWhenScanEnds(t *testing.T) {
	var out bytes.Buffer
	tr := New(&out, []string{"http"}, true)

	done := make(chan struct{})
	go func() {
		tr.Watch(context.Background(), &fakeSource{}, time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after the scan finished")
	}
	assert.Contains(t, out.String(), "| http |")
}

func TestDisabledTrackerIsSilent(t *testing.T) {
	var out bytes.Buffer
	New(&out, []string{"http"}, false).Watch(context.Background(), &fakeSource{}, time.Millisecond)
	assert.Empty(t, out.String())
}
