package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeCandidates(n int) []Candidate {
	out := make([]Candidate, n)
	for i := range out {
		out[i] = Candidate{Kind: KindSubdomain, Value: fmt.Sprintf("sub%d", i)}
	}
	return out
}

func TestRun_InvokesEveryCandidateOnce(t *testing.T) {
	for _, tc := range []struct {
		n           int
		concurrency int
	}{
		{n: 1, concurrency: 1},
		{n: 100, concurrency: 1},
		{n: 500, concurrency: 7},
		{n: 1000, concurrency: 250},
		{n: 3, concurrency: 50},
	} {
		t.Run(fmt.Sprintf("n=%d/c=%d", tc.n, tc.concurrency), func(t *testing.T) {
			var mu sync.Mutex
			seen := make(map[string]int)

			fn := func(ctx context.Context, c Candidate) (Evidence, error) {
				mu.Lock()
				seen[c.Value]++
				mu.Unlock()
				return Evidence{IPs: []string{"1.2.3.4"}}, nil
			}

			batch := Run(context.Background(), makeCandidates(tc.n), fn, Options{
				MaxConcurrency: tc.concurrency,
				Timeout:        time.Second,
			})

			assert.Len(t, seen, tc.n)
			for value, count := range seen {
				assert.Equal(t, 1, count, "candidate %s", value)
			}
			assert.Equal(t, tc.n, batch.Stats.Attempted)
			assert.Equal(t, tc.n, batch.Stats.Succeeded)
			assert.Len(t, batch.Outcomes, tc.n)
		})
	}
}

func TestRun_RespectsConcurrencyCeiling(t *testing.T) {
	const ceiling = 8

	var live, peak int64
	fn := func(ctx context.Context, c Candidate) (Evidence, error) {
		n := atomic.AddInt64(&live, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt64(&live, -1)
		return Evidence{}, nil
	}

	Run(context.Background(), makeCandidates(200), fn, Options{
		MaxConcurrency: ceiling,
		Timeout:        time.Second,
	})

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(ceiling))
	assert.Greater(t, atomic.LoadInt64(&peak), int64(1), "probes should overlap")
}

func TestRun_AbandonsHungProbe(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	fn := func(ctx context.Context, c Candidate) (Evidence, error) {
		if c.Value == "sub0" {
			<-block // ignores ctx on purpose
		}
		return Evidence{StatusCode: 200}, nil
	}

	start := time.Now()
	batch := Run(context.Background(), makeCandidates(10), fn, Options{
		MaxConcurrency: 4,
		Timeout:        100 * time.Millisecond,
	})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 1, batch.Stats.TimedOut)
	assert.Equal(t, 9, batch.Stats.Succeeded)
	assert.Equal(t, 10, batch.Stats.Attempted)
	assert.Empty(t, batch.Failures)
}

func TestRun_DiscardsNegatives(t *testing.T) {
	fn := func(ctx context.Context, c Candidate) (Evidence, error) {
		if c.Value == "sub1" {
			return Evidence{}, Negative("NXDOMAIN")
		}
		if c.Value == "sub2" {
			return Evidence{}, NetError(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED})
		}
		return Evidence{IPs: []string{"1.2.3.4"}}, nil
	}

	batch := Run(context.Background(), makeCandidates(3), fn, Options{MaxConcurrency: 2})

	require.Len(t, batch.Outcomes, 1)
	assert.Equal(t, "sub0", batch.Outcomes[0].Candidate.Value)
	assert.Equal(t, 2, batch.Stats.Negative)
	assert.Empty(t, batch.Failures)
}

func TestRun_IsolatesFailuresAndPanics(t *testing.T) {
	fn := func(ctx context.Context, c Candidate) (Evidence, error) {
		switch c.Value {
		case "sub0":
			panic("boom")
		case "sub1":
			return Evidence{}, errors.New("protocol error")
		}
		return Evidence{Banner: "SSH-2.0-OpenSSH_8.9"}, nil
	}

	batch := Run(context.Background(), makeCandidates(5), fn, Options{MaxConcurrency: 5})

	assert.Equal(t, 3, batch.Stats.Succeeded)
	assert.Equal(t, 2, batch.Stats.Failed)
	require.Len(t, batch.Failures, 2)

	var panicked bool
	for _, f := range batch.Failures {
		if errors.Is(f.Err, ErrPanic) {
			panicked = true
		}
	}
	assert.True(t, panicked)
}

func TestRun_CancellationStopsNewProbes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls int64
	fn := func(pctx context.Context, c Candidate) (Evidence, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			cancel()
		}
		time.Sleep(5 * time.Millisecond)
		return Evidence{}, nil
	}

	batch := Run(ctx, makeCandidates(100), fn, Options{
		MaxConcurrency: 1,
		Timeout:        time.Second,
	})

	assert.Less(t, atomic.LoadInt64(&calls), int64(100))
	assert.Equal(t, 100, batch.Stats.Attempted+batch.Stats.NotStarted)
	assert.Positive(t, batch.Stats.NotStarted)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int64
	fn := func(ctx context.Context, c Candidate) (Evidence, error) {
		atomic.AddInt64(&calls, 1)
		return Evidence{}, nil
	}

	batch := Run(ctx, makeCandidates(20), fn, Options{})

	assert.Zero(t, atomic.LoadInt64(&calls))
	assert.Equal(t, 20, batch.Stats.NotStarted)
}

func TestRun_ThrottlesProgress(t *testing.T) {
	var calls int64
	fn := func(ctx context.Context, c Candidate) (Evidence, error) {
		time.Sleep(time.Millisecond)
		return Evidence{}, nil
	}

	start := time.Now()
	Run(context.Background(), makeCandidates(200), fn, Options{
		MaxConcurrency:   4,
		Timeout:          time.Second,
		ProgressInterval: 50 * time.Millisecond,
		Progress: func(p Progress) {
			atomic.AddInt64(&calls, 1)
			assert.LessOrEqual(t, p.Done, p.Total)
		},
	})
	elapsed := time.Since(start)

	maxCalls := int64(elapsed/(50*time.Millisecond)) + 1
	assert.Positive(t, atomic.LoadInt64(&calls))
	assert.LessOrEqual(t, atomic.LoadInt64(&calls), maxCalls)
}

type countingObserver struct {
	mu       sync.Mutex
	started  int
	finished map[string]int
}

func (o *countingObserver) ProbeStarted(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *countingObserver) ProbeFinished(kind, status string, latency time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished == nil {
		o.finished = make(map[string]int)
	}
	o.finished[status]++
}

func TestRun_ReportsToObserver(t *testing.T) {
	obs := &countingObserver{}
	fn := func(ctx context.Context, c Candidate) (Evidence, error) {
		if c.Value == "sub0" {
			return Evidence{}, Negative("refused")
		}
		return Evidence{Open: true}, nil
	}

	Run(context.Background(), makeCandidates(4), fn, Options{Observer: obs})

	assert.Equal(t, 4, obs.started)
	assert.Equal(t, 3, obs.finished["success"])
	assert.Equal(t, 1, obs.finished["negative"])
}

func TestRun_EmptyCandidates(t *testing.T) {
	batch := Run(context.Background(), nil, func(ctx context.Context, c Candidate) (Evidence, error) {
		t.Fatal("probe must not run")
		return Evidence{}, nil
	}, Options{})

	assert.Empty(t, batch.Outcomes)
	assert.Zero(t, batch.Stats.Total)
}

func TestEvidenceEmpty(t *testing.T) {
	assert.True(t, Evidence{}.Empty())
	assert.True(t, Evidence{URL: "http://example.com"}.Empty())
	assert.False(t, Evidence{StatusCode: 404}.Empty())
	assert.False(t, Evidence{Open: true, Port: 22}.Empty())
}

func TestNetError(t *testing.T) {
	notFound := &net.DNSError{Err: "no such host", Name: "x.example.com", IsNotFound: true}
	assert.ErrorIs(t, NetError(notFound), ErrNegative)

	other := errors.New("tls: handshake failure")
	assert.Equal(t, other, NetError(other))
	assert.NoError(t, NetError(nil))
}
