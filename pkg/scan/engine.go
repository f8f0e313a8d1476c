package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/config"
	"github.com/CodeMonkeyCybersecurity/tarantula/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/tarantula/internal/logger"
	"github.com/CodeMonkeyCybersecurity/tarantula/internal/metrics"
	"github.com/CodeMonkeyCybersecurity/tarantula/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/cache"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/dns"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/whois"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/external"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/findings"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/signature"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

const whoisTimeout = 15 * time.Second

// Engine runs scan sessions. One engine may run many sessions; each
// session owns its aggregate.
type Engine struct {
	cfg      *config.Config
	logger   *logger.Logger
	metrics  *metrics.Metrics
	table    *signature.Table
	store    *Store
	cache    cache.Cache
	whois    *whois.WhoisClient
	resolver *dns.Resolver
	limiter  *ratelimit.Limiter

	adapters    []external.Adapter
	adaptersSet bool
	inScope     func(host string) bool

	// baseURLs maps a host to the web roots probed for it.
	baseURLs func(host string) []string
	now      func() time.Time

	warned sync.Map
}

type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTable replaces the signature table loaded from configuration.
func WithTable(t *signature.Table) Option {
	return func(e *Engine) { e.table = t }
}

func WithStore(s *Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithAdapters replaces the external tools named in configuration.
func WithAdapters(adapters ...external.Adapter) Option {
	return func(e *Engine) {
		e.adapters = adapters
		e.adaptersSet = true
	}
}

func WithCache(c cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithWhois(w *whois.WhoisClient) Option {
	return func(e *Engine) { e.whois = w }
}

// WithScope limits which discovered hosts are handed to external tools.
func WithScope(allow func(host string) bool) Option {
	return func(e *Engine) { e.inScope = allow }
}

// NewEngine validates cfg and prepares the shared clients. The signature
// table comes from cfg.Scan.SignaturesFile when set; a file with some
// malformed entries is used with those entries dropped.
func NewEngine(cfg *config.Config, log *logger.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}

	e := &Engine{
		cfg:      cfg,
		logger:   log.WithComponent("scan"),
		limiter:  ratelimit.NewLimiter(ratelimit.FromConfig(cfg.RateLimit)),
		baseURLs: web.BaseURLs,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.table == nil {
		table, err := loadTable(cfg.Scan.SignaturesFile, e.logger)
		if err != nil {
			return nil, err
		}
		e.table = table
	}
	if e.store == nil {
		e.store = NewStore()
	}
	if e.cache == nil {
		e.cache = cache.New(cfg.Redis, log)
	}
	if e.whois == nil {
		e.whois = whois.NewWhoisClient(log, whoisTimeout)
	}
	e.resolver = dns.NewResolver(cfg.Probes.Resolvers, cfg.Probes.DNSBrute.Timeout, log)

	return e, nil
}

func loadTable(path string, log *logger.Logger) (*signature.Table, error) {
	if path == "" {
		return signature.Default(), nil
	}
	table, err := signature.LoadFile(path)
	if err != nil {
		if table != nil && errors.Is(err, signature.ErrMalformedTable) {
			log.Warnw("Signature table has malformed entries",
				"file", path,
				"skipped", table.Skipped(),
				"error", err,
			)
			return table, nil
		}
		return nil, fmt.Errorf("failed to load signatures: %w", err)
	}
	return table, nil
}

// Store returns the session store the engine registers sessions in.
func (e *Engine) Store() *Store { return e.store }

// Table returns the signature table in use.
func (e *Engine) Table() *signature.Table { return e.table }

// Close releases the cache connection.
func (e *Engine) Close() error {
	return e.cache.Close()
}

// NewSession normalises rawTarget and registers a pending session for it.
func (e *Engine) NewSession(rawTarget string) (*Session, error) {
	target, err := types.ParseTarget(rawTarget)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	log := e.logger.WithScanID(id).WithTarget(target.Host)

	agg := findings.New(id, findings.WithOnAdd(func(f types.Finding) {
		e.metrics.FindingAdded(string(f.Kind), string(f.Severity))
		if f.Kind == types.KindVulnerability {
			log.LogVulnerability(context.Background(), f)
			return
		}
		log.LogDiscoveryEvent(context.Background(), string(f.Kind), f.Signature, map[string]interface{}{
			"target":   f.Target,
			"severity": string(f.Severity),
		})
	}))

	s := newSession(id, target, agg)
	e.store.Add(s)
	return s, nil
}

// Phases returns the configured phases in execution order.
func (e *Engine) Phases() []string {
	enabled := make(map[string]bool, len(e.cfg.Scan.Phases))
	for _, p := range e.cfg.Scan.Phases {
		enabled[strings.ToLower(strings.TrimSpace(p))] = true
	}

	var out []string
	for _, p := range config.AllPhases() {
		if enabled[p] {
			out = append(out, p)
		}
	}
	return out
}

// Run executes every configured phase against the session target. A
// phase that cannot be set up (for example an unreadable wordlist) ends
// the scan with an error; probe failures never do. Cancelling ctx stops
// the scan between probes and marks the session cancelled; findings
// gathered so far stay in the aggregate.
func (e *Engine) Run(ctx context.Context, s *Session) error {
	if e.cfg.Scan.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Scan.Timeout)
		defer cancel()
	}

	start := e.now()
	s.start(start)
	log := e.logger.WithScanID(s.ID).WithTarget(s.Target.Host)
	ctx = logger.WithLogger(ctx, log)

	ctx, span := log.StartOperation(ctx, "scan.Run", "phases", e.Phases())

	log.Infow("Scan started",
		"scan_id", s.ID,
		"target", s.Target.Host,
		"phases", e.Phases(),
	)

	var runErr error
	for _, phase := range e.Phases() {
		if ctx.Err() != nil {
			break
		}
		if err := e.runPhase(ctx, s, phase); err != nil {
			runErr = fmt.Errorf("%s phase: %w", phase, err)
			break
		}
	}

	status := types.ScanStatusCompleted
	switch {
	case runErr != nil && ctx.Err() == nil:
		status = types.ScanStatusFailed
	case ctx.Err() != nil:
		status = types.ScanStatusCancelled
		if runErr == nil {
			runErr = ctx.Err()
		}
	}
	s.finish(status, runErr, e.now())

	summary := s.Aggregate.Summary()
	log.Infow("Scan finished",
		"scan_id", s.ID,
		"status", string(status),
		"findings", summary.Total,
		"duration", e.now().Sub(start).String(),
	)
	log.FinishOperation(ctx, span, "scan.Run", start, runErr, "status", string(status))

	return runErr
}

func (e *Engine) runPhase(ctx context.Context, s *Session, phase string) error {
	log := logger.FromContext(ctx).WithFields("phase", phase)
	start, wall := e.now(), time.Now()
	s.enterPhase(phase)

	ctx, span := log.StartOperation(ctx, "scan.phase."+phase)
	log.Infow("Executing scan phase")

	var err error
	switch phase {
	case "subdomains":
		err = e.runSubdomains(ctx, s)
	case "dns":
		err = e.runDNS(ctx, s)
	case "ports":
		err = e.runPorts(ctx, s)
	case "http":
		err = e.runHTTP(ctx, s)
	case "directories":
		err = e.runDirectories(ctx, s)
	case "waf":
		err = e.runWAF(ctx, s)
	case "tls":
		err = e.runTLS(ctx, s)
	case "whois":
		err = e.runWhois(ctx, s)
	case "origin":
		err = e.runOrigin(ctx, s)
	case "external":
		err = e.runExternal(ctx, s)
	default:
		err = fmt.Errorf("unknown phase %q", phase)
	}

	duration := e.now().Sub(start)
	s.leavePhase(duration, err)
	log.FinishOperation(ctx, span, "scan.phase."+phase, start, err)
	if err == nil {
		log.LogDuration(ctx, "scan.phase."+phase, wall, "findings", s.Aggregate.Len())
	}
	return err
}

// batch runs one probe batch and merges the classified outcomes.
func (e *Engine) batch(ctx context.Context, s *Session, phase string, cands []probe.Candidate, fn probe.Func, pc config.ProbeConfig) *probe.Batch {
	log := logger.FromContext(ctx)

	opts := probe.Options{
		MaxConcurrency:   pc.Concurrency,
		Timeout:          pc.Timeout,
		ProgressInterval: e.cfg.Scan.ProgressInterval,
		Progress: func(p probe.Progress) {
			log.LogScanProgress(ctx, s.ID, phase, p.Done, p.Total)
		},
	}
	if e.metrics != nil {
		opts.Observer = e.metrics
	}

	b := probe.Run(ctx, cands, fn, opts)
	for _, o := range b.Outcomes {
		s.Aggregate.Merge(signature.Classify(o, e.table))
	}
	for _, o := range b.Failures {
		log.Debugw("Probe failed",
			"candidate", o.Candidate.String(),
			"error", o.Err,
		)
	}
	s.addStats(b.Stats)

	log.Debugw("Probe batch finished",
		"candidates", b.Stats.Total,
		"succeeded", b.Stats.Succeeded,
		"negative", b.Stats.Negative,
		"failed", b.Stats.Failed,
		"timed_out", b.Stats.TimedOut,
		"not_started", b.Stats.NotStarted,
		"elapsed", b.Stats.Elapsed.String(),
	)
	return b
}

func (e *Engine) maxBody() int64 {
	if e.cfg.Probes.MaxBodyKiB <= 0 {
		return 512 * 1024
	}
	return int64(e.cfg.Probes.MaxBodyKiB) * 1024
}

func (e *Engine) fetcher(timeout time.Duration) *web.Fetcher {
	return web.NewFetcher(httpclient.NewProbeClient(timeout), e.limiter, e.cfg.Scan.UserAgent, e.maxBody())
}

// warnOnce logs msg at warn level the first time key is seen.
func (e *Engine) warnOnce(log *logger.Logger, key, msg string, fields ...interface{}) {
	if _, loaded := e.warned.LoadOrStore(key, true); loaded {
		log.Debugw(msg, fields...)
		return
	}
	log.Warnw(msg, fields...)
}
