package external

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/config"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

const wpscanMaxURLs = 5

type wpscanScanner struct {
	cfg    config.WPScanConfig
	runner *Runner
}

type wpscanVuln struct {
	Title      string              `json:"title"`
	FixedIn    string              `json:"fixed_in"`
	References map[string][]string `json:"references"`
}

type wpscanComponent struct {
	Number          string       `json:"number"`
	Status          string       `json:"status"`
	Vulnerabilities []wpscanVuln `json:"vulnerabilities"`
}

type wpscanReport struct {
	Version         *wpscanComponent           `json:"version"`
	MainTheme       *wpscanComponent           `json:"main_theme"`
	Plugins         map[string]wpscanComponent `json:"plugins"`
	Vulnerabilities []wpscanVuln               `json:"vulnerabilities"`
}

// NewWPScan creates the WPScan adapter. Each target is scanned over http
// and https, at most five URLs per invocation, each URL under its own
// deadline.
func NewWPScan(cfg config.WPScanConfig, runner *Runner) Adapter {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "wpscan"
	}
	return &wpscanScanner{cfg: cfg, runner: runner}
}

func (s *wpscanScanner) Name() string { return "wpscan" }

func (s *wpscanScanner) Invoke(ctx context.Context, targets []string, timeout time.Duration) ([]types.Finding, error) {
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	perURL := s.cfg.URLTimeout
	if perURL <= 0 || (timeout > 0 && perURL > timeout) {
		perURL = timeout
	}

	urls := httpTargets(targets, 0)
	if len(urls) > wpscanMaxURLs {
		urls = urls[:wpscanMaxURLs]
	}

	return s.runner.sweep(ctx, s.Name(), urls,
		func(u string) Command {
			return Command{
				Tool:    s.Name(),
				Binary:  s.cfg.BinaryPath,
				Args:    func(p Paths) []string { return s.args(u, p) },
				Timeout: perURL,
			}
		},
		func(u string, out *Output) ([]types.Finding, int) { return parseWPScan(out.File, u) },
	)
}

func (s *wpscanScanner) args(url string, p Paths) []string {
	args := []string{
		"--url", url,
		"--format", "json",
		"--output", p.Output,
		"--random-user-agent",
		"--max-threads", "5",
		"--request-timeout", "10",
		"--connect-timeout", "5",
	}
	if s.cfg.APIToken != "" {
		args = append(args, "--api-token", s.cfg.APIToken)
	}
	return args
}

// parseWPScan maps one JSON report. An empty file is no result; a
// document that does not decode counts as one skipped record.
func parseWPScan(data []byte, url string) ([]types.Finding, int) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, 0
	}

	var report wpscanReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, 1
	}

	host := web.HostOf(url)
	var out []types.Finding

	if v := report.Version; v != nil && v.Number != "" {
		out = append(out, types.Finding{
			Target:    host,
			Kind:      types.KindTechnology,
			Signature: "wordpress-version:" + v.Number,
			Tool:      "wpscan",
			Type:      "Technology",
			Severity:  types.SeverityInfo,
			Title:     "WordPress " + v.Number,
			Metadata:  map[string]interface{}{"status": v.Status, "url": url},
		})
	}

	add := func(component string, vulns []wpscanVuln) {
		for _, v := range vulns {
			if v.Title == "" {
				continue
			}
			f := types.Finding{
				Target:      host,
				Kind:        types.KindVulnerability,
				Signature:   "wpscan:" + v.Title,
				Tool:        "wpscan",
				Type:        "WordPress Vulnerability",
				Severity:    types.SeverityHigh,
				Title:       "WordPress: " + v.Title,
				Description: fmt.Sprintf("%s is affected by %s", component, v.Title),
				Metadata:    map[string]interface{}{"component": component, "url": url},
			}
			if v.FixedIn != "" {
				f.Solution = "Update to " + v.FixedIn + " or later"
			}
			f.References = v.References["url"]
			out = append(out, f)
		}
	}

	add("WordPress core", report.Vulnerabilities)
	if report.Version != nil {
		add("WordPress core", report.Version.Vulnerabilities)
	}
	if report.MainTheme != nil {
		add("main theme", report.MainTheme.Vulnerabilities)
	}

	names := make([]string, 0, len(report.Plugins))
	for name := range report.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		add("plugin "+name, report.Plugins[name].Vulnerabilities)
	}

	return out, 0
}
