package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/findings"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/scan"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

func colorStatus(status types.ScanStatus) string {
	switch status {
	case types.ScanStatusCompleted:
		return color.New(color.FgGreen).Sprint("✓ " + string(status))
	case types.ScanStatusRunning:
		return color.New(color.FgYellow).Sprint("⟳ " + string(status))
	case types.ScanStatusFailed:
		return color.New(color.FgRed).Sprint("✗ " + string(status))
	case types.ScanStatusCancelled:
		return color.New(color.FgYellow).Sprint("■ " + string(status))
	default:
		return string(status)
	}
}

func colorSeverity(severity types.Severity) string {
	switch severity {
	case types.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint("CRITICAL")
	case types.SeverityHigh:
		return color.New(color.FgRed).Sprint("HIGH")
	case types.SeverityMedium:
		return color.New(color.FgYellow).Sprint("MEDIUM")
	case types.SeverityLow:
		return color.New(color.FgCyan).Sprint("LOW")
	case types.SeverityInfo:
		return color.New(color.FgWhite).Sprint("INFO")
	default:
		return string(severity)
	}
}

// sortBySeverity orders findings critical first, then by kind and signature
// so repeated runs print the same way.
func sortBySeverity(in []types.Finding) []types.Finding {
	out := make([]types.Finding, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank(); ri != rj {
			return ri > rj
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Signature < out[j].Signature
	})
	return out
}

func printScanSummary(w io.Writer, s *scan.Session, top int) {
	info := s.Info()

	fmt.Fprintf(w, "\n%s %s\n", color.New(color.Bold).Sprint("Target:"), info.Target)
	fmt.Fprintf(w, "%s %s\n", color.New(color.Bold).Sprint("Scan ID:"), info.ID)
	fmt.Fprintf(w, "%s %s\n", color.New(color.Bold).Sprint("Status:"), colorStatus(info.Status))
	if info.Error != "" {
		fmt.Fprintf(w, "%s %s\n", color.New(color.Bold).Sprint("Error:"), color.RedString(info.Error))
	}

	if len(info.Phases) > 0 {
		fmt.Fprintf(w, "\n%s\n", color.CyanString("Phases"))
		for _, p := range info.Phases {
			line := fmt.Sprintf("  %-12s %4d probes  %4d hits  %4d failed  %s",
				p.Phase, p.Stats.Attempted, p.Stats.Succeeded, p.Stats.Failed+p.Stats.TimedOut,
				p.Duration.Round(time.Millisecond))
			if p.Error != "" {
				line += "  " + color.RedString(p.Error)
			}
			fmt.Fprintln(w, line)
		}
	}

	fmt.Fprintf(w, "\n%s %d\n", color.CyanString("Findings:"), info.Summary.Total)
	for _, sev := range []types.Severity{
		types.SeverityCritical,
		types.SeverityHigh,
		types.SeverityMedium,
		types.SeverityLow,
		types.SeverityInfo,
	} {
		if n := info.Summary.BySeverity[sev]; n > 0 {
			fmt.Fprintf(w, "  %-18s %d\n", colorSeverity(sev), n)
		}
	}

	if len(info.Skipped) > 0 {
		var parts []string
		for component, n := range info.Skipped {
			parts = append(parts, fmt.Sprintf("%s=%d", component, n))
		}
		sort.Strings(parts)
		fmt.Fprintf(w, "  %s %s\n", color.YellowString("skipped:"), strings.Join(parts, " "))
	}

	if info.Origin != nil {
		printOrigin(w, info.Origin)
	}

	displayTopFindings(w, s.Aggregate.Snapshot(), top)
}

func displayTopFindings(w io.Writer, all []types.Finding, limit int) {
	count := 0
	for _, finding := range sortBySeverity(all) {
		if count >= limit {
			break
		}
		if finding.Severity == types.SeverityInfo {
			break
		}

		fmt.Fprintf(w, "\n%s - %s\n", colorSeverity(finding.Severity), finding.Title)
		fmt.Fprintf(w, "  Target: %s | Tool: %s | Signature: %s\n", finding.Target, finding.Tool, finding.Signature)

		if finding.Evidence != "" {
			evidence := finding.Evidence
			if len(evidence) > 100 {
				evidence = evidence[:97] + "..."
			}
			fmt.Fprintf(w, "  Evidence: %s\n", evidence)
		}

		count++
	}
}

func printOrigin(w io.Writer, res *findings.OriginResult) {
	fmt.Fprintf(w, "\n%s\n", color.CyanString("Origin candidates"))
	if len(res.Verified) == 0 && len(res.Unverified) == 0 {
		fmt.Fprintln(w, "  none found")
	}
	for _, c := range res.Verified {
		fmt.Fprintf(w, "  %s %-39s %s%s\n", color.GreenString("✓"), c.IP, strings.Join(c.Sources, ","), orgSuffix(c))
	}
	for _, c := range res.Unverified {
		fmt.Fprintf(w, "  %s %-39s %s%s\n", color.YellowString("?"), c.IP, strings.Join(c.Sources, ","), orgSuffix(c))
	}
	if len(res.Filtered) > 0 {
		fmt.Fprintf(w, "  %d edge address(es) filtered\n", len(res.Filtered))
	}
}

func orgSuffix(c findings.OriginCandidate) string {
	if c.Organization == "" {
		return ""
	}
	return " (" + c.Organization + ")"
}
