package external

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/config"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

const sqlmapMaxURLs = 10

var sqlmapParameter = regexp.MustCompile(`(?m)^\s*Parameter:\s*(\S+)`)

type sqlmapScanner struct {
	cfg    config.SQLMapConfig
	runner *Runner
}

// NewSQLMap creates the sqlmap adapter. It probes a fixed set of
// injectable looking URLs per target.
func NewSQLMap(cfg config.SQLMapConfig, runner *Runner) Adapter {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "sqlmap"
	}
	if cfg.Level <= 0 {
		cfg.Level = 1
	}
	if cfg.Risk <= 0 {
		cfg.Risk = 1
	}
	return &sqlmapScanner{cfg: cfg, runner: runner}
}

func (s *sqlmapScanner) Name() string { return "sqlmap" }

// TestURLs are the URLs sqlmap is pointed at for each host.
func TestURLs(hosts []string) []string {
	var out []string
	for _, h := range hosts {
		out = append(out,
			"http://"+h+"/?id=1",
			"https://"+h+"/?id=1",
			"http://"+h+"/login.php",
			"https://"+h+"/admin.php",
		)
	}
	if len(out) > sqlmapMaxURLs {
		out = out[:sqlmapMaxURLs]
	}
	return out
}

func (s *sqlmapScanner) Invoke(ctx context.Context, targets []string, timeout time.Duration) ([]types.Finding, error) {
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

	return s.runner.sweep(ctx, s.Name(), TestURLs(targets),
		func(u string) Command {
			return Command{
				Tool:    s.Name(),
				Binary:  s.cfg.BinaryPath,
				Args:    func(p Paths) []string { return s.args(u, p) },
				Timeout: perURL,
			}
		},
		func(u string, out *Output) ([]types.Finding, int) {
			if f, ok := parseSQLMap(out.Stdout, u); ok {
				return []types.Finding{f}, 0
			}
			return nil, 0
		},
	)
}

func (s *sqlmapScanner) args(target string, p Paths) []string {
	return []string{
		"-u", target,
		"--batch",
		"--random-agent",
		"--timeout", "10",
		"--retries", "2",
		"--level", strconv.Itoa(s.cfg.Level),
		"--risk", strconv.Itoa(s.cfg.Risk),
		"--output-dir", p.Dir,
	}
}

// parseSQLMap reports an injection when stdout names a parameter and
// says it is vulnerable.
func parseSQLMap(stdout []byte, target string) (types.Finding, bool) {
	if !bytes.Contains(stdout, []byte("Parameter:")) || !bytes.Contains(stdout, []byte("is vulnerable")) {
		return types.Finding{}, false
	}

	param := "unknown"
	if m := sqlmapParameter.FindSubmatch(stdout); m != nil {
		param = string(m[1])
	}

	host, path := target, "/"
	if u, err := url.Parse(target); err == nil {
		host = u.Hostname()
		if u.Path != "" {
			path = u.Path
		}
	}

	var evidence bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	for scanner.Scan() && evidence.Len() < 2048 {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "Parameter:") ||
			strings.HasPrefix(trimmed, "Type:") ||
			strings.HasPrefix(trimmed, "Payload:") {
			evidence.WriteString(line)
			evidence.WriteByte('\n')
		}
	}

	return types.Finding{
		Target:      host,
		Kind:        types.KindVulnerability,
		Signature:   fmt.Sprintf("sqlmap:%s:%s", path, param),
		Tool:        "sqlmap",
		Type:        "sql_injection",
		Severity:    types.SeverityCritical,
		Title:       "SQL Injection",
		Description: fmt.Sprintf("SQL injection vulnerability found in %s", target),
		Evidence:    evidence.String(),
		Solution:    "Use parameterized queries and validate input",
		Metadata:    map[string]interface{}{"url": target, "parameter": param},
	}, true
}
