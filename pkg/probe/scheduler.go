package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Func executes one candidate. It returns ErrNegative (see Negative and
// NetError) when the candidate is absent, and must honour ctx.
type Func func(ctx context.Context, c Candidate) (Evidence, error)

// Observer receives probe lifecycle events. *metrics.Metrics satisfies it.
type Observer interface {
	ProbeStarted(kind string)
	ProbeFinished(kind, status string, latency time.Duration)
}

// Progress is a snapshot passed to a ProgressFunc.
type Progress struct {
	Done      int
	Total     int
	Succeeded int
}

// ProgressFunc is called from the collector goroutine, never from a probe.
type ProgressFunc func(Progress)

// Options tune one batch.
type Options struct {
	MaxConcurrency int
	Timeout        time.Duration

	Progress         ProgressFunc
	ProgressInterval time.Duration

	Observer Observer
}

const (
	defaultConcurrency      = 10
	defaultTimeout          = 10 * time.Second
	defaultProgressInterval = time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = defaultConcurrency
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = defaultProgressInterval
	}
	return o
}

// Stats counts what happened to each candidate of a batch.
type Stats struct {
	Total      int
	Attempted  int
	Succeeded  int
	Negative   int
	Failed     int
	TimedOut   int
	NotStarted int
	Elapsed    time.Duration
}

// Batch is the result of Run. Outcomes holds successful outcomes only;
// Failures holds probes that failed for reasons other than absence or
// timeout. Order is unspecified.
type Batch struct {
	Outcomes []Outcome
	Failures []Outcome
	Stats    Stats
}

// Run executes fn once per candidate with at most opts.MaxConcurrency probes
// in flight. A probe that outlives opts.Timeout is abandoned and counted as
// timed out. Once ctx is cancelled no new probe starts; probes already
// running finish or hit their timeout. Run returns after every worker it
// started has returned.
func Run(ctx context.Context, candidates []Candidate, fn Func, opts Options) *Batch {
	opts = opts.withDefaults()
	start := time.Now()

	batch := &Batch{Stats: Stats{Total: len(candidates)}}
	if len(candidates) == 0 {
		return batch
	}

	results := make(chan Outcome, opts.MaxConcurrency)

	var collector sync.WaitGroup
	collector.Add(1)
	go func() {
		defer collector.Done()
		collect(results, batch, opts)
	}()

	g := new(errgroup.Group)
	g.SetLimit(opts.MaxConcurrency)

	skipped := 0
	for i, c := range candidates {
		if ctx.Err() != nil {
			skipped = len(candidates) - i
			break
		}
		c := c
		g.Go(func() error {
			results <- execute(ctx, c, fn, opts)
			return nil
		})
	}

	_ = g.Wait()
	close(results)
	collector.Wait()

	batch.Stats.NotStarted += skipped
	batch.Stats.Elapsed = time.Since(start)
	return batch
}

type result struct {
	evidence Evidence
	err      error
}

func execute(ctx context.Context, c Candidate, fn Func, opts Options) Outcome {
	if err := ctx.Err(); err != nil {
		return Outcome{Candidate: c, Status: StatusCancelled, Err: err}
	}

	kind := string(c.Kind)
	if opts.Observer != nil {
		opts.Observer.ProbeStarted(kind)
	}

	start := time.Now()

	// Started probes run to completion or their own timeout even when the
	// batch is cancelled.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.Timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		ev, err := fn(pctx, c)
		done <- result{evidence: ev, err: err}
	}()

	var out Outcome
	select {
	case r := <-done:
		out = outcomeOf(c, r)
	case <-pctx.Done():
		select {
		case r := <-done:
			out = outcomeOf(c, r)
		default:
			// The probe goroutine is abandoned; its buffered send never blocks.
			out = Outcome{Candidate: c, Status: StatusTimeout, Err: pctx.Err()}
		}
	}
	out.Latency = time.Since(start)

	if opts.Observer != nil {
		opts.Observer.ProbeFinished(kind, out.Status.String(), out.Latency)
	}
	return out
}

func outcomeOf(c Candidate, r result) Outcome {
	out := Outcome{Candidate: c, Evidence: r.evidence, Err: r.err}
	switch {
	case r.err == nil:
		out.Status = StatusSuccess
	case errors.Is(r.err, ErrNegative):
		out.Status = StatusNegative
	case errors.Is(r.err, context.DeadlineExceeded):
		out.Status = StatusTimeout
	default:
		out.Status = StatusFailure
	}
	return out
}

func collect(results <-chan Outcome, batch *Batch, opts Options) {
	limiter := rate.NewLimiter(rate.Every(opts.ProgressInterval), 1)
	done := 0

	for out := range results {
		switch out.Status {
		case StatusSuccess:
			batch.Stats.Attempted++
			batch.Stats.Succeeded++
			batch.Outcomes = append(batch.Outcomes, out)
		case StatusNegative:
			batch.Stats.Attempted++
			batch.Stats.Negative++
		case StatusTimeout:
			batch.Stats.Attempted++
			batch.Stats.TimedOut++
		case StatusFailure:
			batch.Stats.Attempted++
			batch.Stats.Failed++
			batch.Failures = append(batch.Failures, out)
		case StatusCancelled:
			batch.Stats.NotStarted++
		}
		done++

		if opts.Progress != nil && limiter.Allow() {
			opts.Progress(Progress{
				Done:      done,
				Total:     batch.Stats.Total,
				Succeeded: batch.Stats.Succeeded,
			})
		}
	}
}
