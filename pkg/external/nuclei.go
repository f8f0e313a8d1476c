package external

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/config"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

type nucleiScanner struct {
	cfg    config.NucleiConfig
	runner *Runner
}

type NucleiOutput struct {
	TemplateID       string     `json:"template-id"`
	TemplatePath     string     `json:"template-path"`
	Info             NucleiInfo `json:"info"`
	Type             string     `json:"type"`
	Host             string     `json:"host"`
	Matched          string     `json:"matched-at"`
	MatcherName      string     `json:"matcher-name,omitempty"`
	ExtractedResults []string   `json:"extracted-results,omitempty"`
	Timestamp        string     `json:"timestamp"`
	CurlCommand      string     `json:"curl-command,omitempty"`
}

type NucleiInfo struct {
	Name        string                 `json:"name"`
	Author      []string               `json:"author"`
	Tags        []string               `json:"tags"`
	Description string                 `json:"description"`
	Reference   []string               `json:"reference,omitempty"`
	Severity    string                 `json:"severity"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// NewNuclei creates the nuclei adapter.
func NewNuclei(cfg config.NucleiConfig, runner *Runner) Adapter {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "nuclei"
	}
	if len(cfg.Templates) == 0 {
		cfg.Templates = []string{"cves", "vulnerabilities", "exposures", "misconfiguration"}
	}
	if cfg.Severity == "" {
		cfg.Severity = "critical,high,medium"
	}
	if cfg.MaxTargets <= 0 {
		cfg.MaxTargets = 50
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 2
	}
	return &nucleiScanner{cfg: cfg, runner: runner}
}

func (s *nucleiScanner) Name() string {
	return "nuclei"
}

func (s *nucleiScanner) Invoke(ctx context.Context, targets []string, timeout time.Duration) ([]types.Finding, error) {
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}

	out, err := s.runner.Run(ctx, Command{
		Tool:    s.Name(),
		Binary:  s.cfg.BinaryPath,
		Targets: httpTargets(targets, s.cfg.MaxTargets),
		Args:    s.buildNucleiArgs,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	findings, skipped := s.parseNucleiOutput(out.File)
	return s.runner.settle(s.Name(), out, findings, skipped)
}

func (s *nucleiScanner) buildNucleiArgs(p Paths) []string {
	return []string{
		"-l", p.Targets,
		"-t", strings.Join(s.cfg.Templates, ","),
		"-severity", s.cfg.Severity,
		"-jsonl",
		"-o", p.Output,
		"-silent",
		"-timeout", "10",
		"-retries", strconv.Itoa(s.cfg.Retries),
	}
}

// parseNucleiOutput reads JSON lines. Lines that do not decode are
// counted, not fatal.
func (s *nucleiScanner) parseNucleiOutput(data []byte) ([]types.Finding, int) {
	var findings []types.Finding
	skipped := 0

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var output NucleiOutput
		if err := json.Unmarshal(line, &output); err != nil || output.TemplateID == "" {
			skipped++
			continue
		}
		findings = append(findings, s.convertToFinding(output))
	}
	if scanner.Err() != nil {
		skipped++
	}

	return findings, skipped
}

func (s *nucleiScanner) convertToFinding(output NucleiOutput) types.Finding {
	target := output.Host
	if target == "" {
		target = output.Matched
	}
	target = web.HostOf(target)

	signature := "nuclei:" + output.TemplateID
	if output.MatcherName != "" {
		signature += ":" + output.MatcherName
	}

	name := output.Info.Name
	if name == "" {
		name = output.TemplateID
	}

	finding := types.Finding{
		Target:      target,
		Kind:        types.KindVulnerability,
		Signature:   signature,
		Tool:        "nuclei",
		Type:        s.determineVulnType(output),
		Severity:    types.ParseSeverity(output.Info.Severity),
		Title:       "Nuclei: " + name,
		Description: s.buildDescription(output),
		Evidence:    s.buildEvidence(output),
		Solution:    s.buildSolution(output),
		References:  output.Info.Reference,
		Metadata: map[string]interface{}{
			"template_id": output.TemplateID,
			"matched_at":  output.Matched,
			"tags":        output.Info.Tags,
		},
	}

	if output.MatcherName != "" {
		finding.Metadata["matcher_name"] = output.MatcherName
	}
	if len(output.ExtractedResults) > 0 {
		finding.Metadata["extracted_results"] = output.ExtractedResults
	}

	return finding
}

func (s *nucleiScanner) determineVulnType(output NucleiOutput) string {
	for _, tag := range output.Info.Tags {
		switch strings.ToLower(tag) {
		case "sqli", "sql":
			return "sql_injection"
		case "xss":
			return "cross_site_scripting"
		case "xxe":
			return "xml_external_entity"
		case "ssrf":
			return "server_side_request_forgery"
		case "rce":
			return "remote_code_execution"
		case "lfi":
			return "local_file_inclusion"
		case "misconfig", "misconfiguration":
			return "misconfiguration"
		case "exposure", "disclosure":
			return "information_disclosure"
		}
	}

	if output.Type != "" {
		return output.Type
	}
	return "vulnerability"
}

func (s *nucleiScanner) buildDescription(output NucleiOutput) string {
	desc := output.Info.Description
	if desc == "" {
		desc = fmt.Sprintf("Detected by nuclei template %s", output.TemplateID)
	}
	if output.Matched != "" {
		desc += fmt.Sprintf("\n\nDetected at: %s", output.Matched)
	}
	return desc
}

func (s *nucleiScanner) buildEvidence(output NucleiOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Template: %s\n", output.TemplateID)
	fmt.Fprintf(&b, "Matched at: %s\n", output.Matched)
	if output.Timestamp != "" {
		fmt.Fprintf(&b, "Timestamp: %s\n", output.Timestamp)
	}

	for i, result := range output.ExtractedResults {
		fmt.Fprintf(&b, "  [%d] %s\n", i+1, result)
	}
	if output.CurlCommand != "" {
		fmt.Fprintf(&b, "\nReproduction:\n%s", output.CurlCommand)
	}
	return b.String()
}

func (s *nucleiScanner) buildSolution(output NucleiOutput) string {
	if remediation, ok := output.Info.Metadata["remediation"]; ok {
		return fmt.Sprintf("%v", remediation)
	}

	for _, tag := range output.Info.Tags {
		switch strings.ToLower(tag) {
		case "sqli":
			return "Use parameterized queries and validate input"
		case "xss":
			return "Encode output and deploy a Content Security Policy"
		case "xxe":
			return "Disable external entity processing in XML parsers"
		case "ssrf":
			return "Validate outbound URLs against an allowlist"
		case "rce":
			return "Remove the vulnerable component or patch it"
		case "exposure":
			return "Remove the exposed resource from the web root"
		}
	}

	return ""
}
