// Package external runs third party scanners as bounded subprocesses and
// maps their output onto findings.
package external

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/logger"
	"github.com/CodeMonkeyCybersecurity/tarantula/internal/metrics"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

var (
	// ErrToolUnavailable means the executable could not be found. Callers
	// treat it as a skipped tool, not a failed scan.
	ErrToolUnavailable = errors.New("tool unavailable")
	// ErrToolTimeout means the tool hit its deadline before producing any
	// parseable output.
	ErrToolTimeout = errors.New("tool timed out")
	// ErrToolFailed means the tool exited non-zero without output.
	ErrToolFailed = errors.New("tool failed")
)

const (
	waitDelay    = 5 * time.Second
	maxStdout    = 8 << 20
	defaultLimit = 10 * time.Minute
)

// Adapter is one external scanner.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, targets []string, timeout time.Duration) ([]types.Finding, error)
}

// Paths are the files prepared for one invocation.
type Paths struct {
	Dir     string
	Targets string
	Output  string
}

// Command describes one subprocess run.
type Command struct {
	Tool    string
	Binary  string
	Targets []string
	Args    func(p Paths) []string
	Timeout time.Duration
}

// Output is what a finished, failed or killed run left behind.
type Output struct {
	Stdout   []byte
	File     []byte
	ExitCode int
	TimedOut bool
}

// Runner executes commands with a hard deadline.
type Runner struct {
	logger  *logger.Logger
	metrics *metrics.Metrics
	skipped func(component string, n int)
}

type RunnerOption func(*Runner)

// WithMetrics counts invocations per tool and result.
func WithMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithSkipRecorder receives the number of unparseable output records per
// tool.
func WithSkipRecorder(fn func(component string, n int)) RunnerOption {
	return func(r *Runner) { r.skipped = fn }
}

func NewRunner(log *logger.Logger, opts ...RunnerOption) *Runner {
	if log == nil {
		log = logger.NewNop()
	}
	r := &Runner{logger: log.WithComponent("external")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the command and waits for it or its deadline. Partial output
// is returned on timeout. A missing executable is ErrToolUnavailable.
func (r *Runner) Run(ctx context.Context, c Command) (*Output, error) {
	log := r.logger.WithTool(c.Tool)

	bin, err := exec.LookPath(c.Binary)
	if err != nil {
		r.metrics.ToolInvoked(c.Tool, "unavailable")
		return nil, fmt.Errorf("%s (%s): %w", c.Tool, c.Binary, ErrToolUnavailable)
	}

	dir, err := os.MkdirTemp("", "tarantula-"+c.Tool+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	paths := Paths{
		Dir:     dir,
		Targets: filepath.Join(dir, "targets.txt"),
		Output:  filepath.Join(dir, "output"),
	}
	if len(c.Targets) > 0 {
		data := strings.Join(c.Targets, "\n") + "\n"
		if err := os.WriteFile(paths.Targets, []byte(data), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write target list: %w", err)
		}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultLimit
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := c.Args(paths)
	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, limit: maxStdout}
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: 64 << 10}

	log.Infow("Running external tool", "binary", bin, "args", args, "targets", len(c.Targets), "timeout", timeout)
	start := time.Now()
	runErr := cmd.Run()

	out := &Output{Stdout: stdout.Bytes()}
	if data, err := os.ReadFile(paths.Output); err == nil {
		out.File = data
	}

	scanner := bufio.NewScanner(&stderr)
	for scanner.Scan() {
		log.Debugw("tool stderr", "output", scanner.Text())
	}

	switch {
	case runCtx.Err() != nil:
		out.TimedOut = true
		log.Warnw("External tool hit its deadline, parsing partial output",
			"duration", time.Since(start), "output_bytes", len(out.File)+len(out.Stdout))
		r.metrics.ToolInvoked(c.Tool, "timeout")
		return out, nil
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			log.Debugw("External tool exited non-zero", "exit_code", out.ExitCode)
			r.metrics.ToolInvoked(c.Tool, "exit_error")
			return out, nil
		}
		r.metrics.ToolInvoked(c.Tool, "error")
		log.LogError(ctx, runErr, "external.Run", "binary", bin)
		return nil, fmt.Errorf("failed to run %s: %w", c.Tool, runErr)
	}

	r.metrics.ToolInvoked(c.Tool, "ok")
	log.Debugw("External tool finished", "duration", time.Since(start))
	return out, nil
}

// sweep runs one command per URL, each under its own deadline. A URL that
// times out or exits non-zero does not stop the rest; only the overall
// context does. Findings gathered before a run error are returned with it.
func (r *Runner) sweep(ctx context.Context, tool string, urls []string,
	command func(u string) Command, parse func(u string, out *Output) ([]types.Finding, int),
) ([]types.Finding, error) {
	var (
		all     []types.Finding
		skipped int
		state   Output
		ran     bool
	)
	for _, u := range urls {
		if ctx.Err() != nil {
			state.TimedOut = true
			break
		}
		out, err := r.Run(ctx, command(u))
		if err != nil {
			r.recordSkipped(tool, skipped)
			return all, err
		}
		ran = true

		found, bad := parse(u, out)
		all = append(all, found...)
		skipped += bad

		if out.TimedOut {
			state.TimedOut = true
		}
		if out.ExitCode != 0 {
			state.ExitCode = out.ExitCode
		}
	}

	if !ran {
		if state.TimedOut {
			return nil, fmt.Errorf("%s: %w", tool, ErrToolTimeout)
		}
		return nil, nil
	}
	return r.settle(tool, &state, all, skipped)
}

func (r *Runner) recordSkipped(tool string, n int) {
	if n <= 0 {
		return
	}
	r.logger.Warnw("Skipped unparseable tool output", "tool", tool, "records", n)
	if r.skipped != nil {
		r.skipped(tool, n)
	}
}

// settle turns an output and what was parsed from it into the adapter
// result. Anything parsed wins over a timeout or an exit status.
func (r *Runner) settle(tool string, out *Output, found []types.Finding, skipped int) ([]types.Finding, error) {
	r.recordSkipped(tool, skipped)

	if len(found) > 0 {
		return found, nil
	}
	switch {
	case out.TimedOut:
		return nil, fmt.Errorf("%s: %w", tool, ErrToolTimeout)
	case out.ExitCode != 0:
		return nil, fmt.Errorf("%s exited with status %d: %w", tool, out.ExitCode, ErrToolFailed)
	}
	return nil, nil
}

// limitedWriter keeps the first limit bytes and discards the rest without
// failing the writer.
type limitedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

// httpTargets expands hosts to http and https URLs, keeping at most max
// hosts. Entries that already carry a scheme are kept as is.
func httpTargets(hosts []string, max int) []string {
	if max > 0 && len(hosts) > max {
		hosts = hosts[:max]
	}
	out := make([]string, 0, 2*len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if strings.Contains(h, "://") {
			out = append(out, h)
			continue
		}
		out = append(out, "http://"+h, "https://"+h)
	}
	return out
}
