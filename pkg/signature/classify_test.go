package signature

import (
	"net/http"
	"strconv"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

func success(kind probe.Kind, value string, ev probe.Evidence) probe.Outcome {
	return probe.Outcome{
		Candidate: probe.Candidate{Kind: kind, Value: value},
		Status:    probe.StatusSuccess,
		Evidence:  ev,
	}
}

func signatures(findings []types.Finding) []string {
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.Signature
	}
	return out
}

func hardenedHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Strict-Transport-Security", "max-age=31536000")
	h.Set("Content-Security-Policy", "default-src 'self'")
	h.Set("X-Content-Type-Options", "nosniff")
	return h
}

func TestClassify_WordPressAndMissingFrameOptions(t *testing.T) {
	outcome := success(probe.KindHTTP, "/", probe.Evidence{
		Host:       "example.com",
		URL:        "https://example.com/",
		StatusCode: 200,
		Headers:    hardenedHeaders(),
		Body:       `<html><link rel="stylesheet" href="/wp-content/themes/twenty/style.css"></html>`,
	})

	findings := Classify(outcome, Default())

	require.Len(t, findings, 2)
	assert.ElementsMatch(t, []string{"tech:WordPress", "missing-header:x-frame-options"}, signatures(findings))

	for _, f := range findings {
		assert.Equal(t, "https://example.com", f.Target)
		assert.Equal(t, ToolName, f.Tool)
		assert.Empty(t, f.ID, "ids are stamped by the aggregator")
		switch f.Kind {
		case types.KindTechnology:
			assert.Equal(t, types.SeverityInfo, f.Severity)
		case types.KindVulnerability:
			assert.Equal(t, types.SeverityMedium, f.Severity)
			assert.NotEmpty(t, f.Solution)
		default:
			t.Errorf("unexpected kind %s", f.Kind)
		}
	}
}

func TestClassify_IsDeterministic(t *testing.T) {
	h := hardenedHeaders()
	h.Set("Server", "nginx/1.18.0")
	h.Set("X-Powered-By", "PHP/7.4.3")
	h.Add("Set-Cookie", "PHPSESSID=abc")

	outcome := success(probe.KindHTTP, "/", probe.Evidence{
		URL:        "http://example.com/",
		StatusCode: 200,
		Headers:    h,
		Body:       `<script src="/js/jquery-3.6.0.min.js"></script> Index of /`,
		Generator:  "WordPress 6.4.2",
	})

	first := Classify(outcome, Default())
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Classify(outcome, Default()))
	}

	sigs := signatures(first)
	assert.Contains(t, sigs, "tech:nginx")
	assert.Contains(t, sigs, "tech:PHP")
	assert.Contains(t, sigs, "tech:jQuery")
	assert.Contains(t, sigs, "tech:WordPress")
	assert.Contains(t, sigs, "misconfig:Directory Listing Enabled")
	assert.Contains(t, sigs, "misconfig:Server Version Disclosure")

	for _, f := range first {
		if f.Signature == "tech:WordPress" {
			assert.Equal(t, "6.4.2", f.Metadata["version"])
		}
		if f.Signature == "tech:nginx" {
			assert.Equal(t, "1.18.0", f.Metadata["version"])
		}
	}
}

func TestClassify_EmptyEvidence(t *testing.T) {
	for _, kind := range []probe.Kind{probe.KindHTTP, probe.KindPort, probe.KindSubdomain, probe.KindPath, probe.KindWAF, probe.KindWAFBypass} {
		assert.Empty(t, Classify(success(kind, "x", probe.Evidence{}), Default()), "kind %s", kind)
	}
}

func TestClassify_IgnoresUnsuccessfulOutcomes(t *testing.T) {
	outcome := success(probe.KindHTTP, "/", probe.Evidence{StatusCode: 200, Body: "wp-content"})
	outcome.Status = probe.StatusFailure
	assert.Empty(t, Classify(outcome, Default()))
	assert.Empty(t, Classify(success(probe.KindHTTP, "/", probe.Evidence{StatusCode: 200}), nil))
}

func TestClassify_SubdomainAsset(t *testing.T) {
	findings := Classify(success(probe.KindSubdomain, "www", probe.Evidence{
		Host: "www.example.com",
		IPs:  []string{"1.2.3.4"},
	}), Default())

	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, types.KindAsset, f.Kind)
	assert.Equal(t, "www.example.com", f.Target)
	assert.Equal(t, "subdomain:www.example.com", f.Signature)
	assert.Equal(t, []string{"1.2.3.4"}, f.Metadata["ips"])
}

func TestClassify_TakeoverFirstMatchWins(t *testing.T) {
	// Body carries fingerprints of two services; only the first in table
	// order is reported.
	body := "There isn't a GitHub Pages site here. NoSuchBucket"
	findings := Classify(success(probe.KindSubdomain, "docs", probe.Evidence{
		Host:       "docs.example.com",
		IPs:        []string{"185.199.108.153"},
		CNAME:      "example.github.io.",
		StatusCode: 404,
		Body:       body,
	}), Default())

	var takeovers []types.Finding
	for _, f := range findings {
		if f.Type == "Subdomain Takeover" {
			takeovers = append(takeovers, f)
		}
	}

	require.Len(t, takeovers, 1)
	assert.Equal(t, "takeover:GitHub Pages", takeovers[0].Signature)
	assert.Equal(t, types.SeverityHigh, takeovers[0].Severity)
	assert.Equal(t, "high", takeovers[0].Metadata["confidence"])
}

func TestClassify_PortServices(t *testing.T) {
	tests := []struct {
		name     string
		port     int
		banner   string
		wantVuln string
		severity types.Severity
	}{
		{name: "old openssh", port: 22, banner: "SSH-2.0-OpenSSH_7.2p2 Ubuntu", wantVuln: "service:Outdated SSH Version", severity: types.SeverityMedium},
		{name: "new openssh", port: 22, banner: "SSH-2.0-OpenSSH_8.9p1"},
		{name: "telnet", port: 23, wantVuln: "service:Insecure Telnet Service", severity: types.SeverityHigh},
		{name: "mysql", port: 3306, banner: "5.7.33", wantVuln: "service:Exposed Database Service", severity: types.SeverityHigh},
		{name: "anonymous ftp", port: 21, banner: "220 FTP ready", wantVuln: "service:Anonymous FTP Access", severity: types.SeverityMedium},
		{name: "old apache", port: 80, banner: "HTTP/1.1 200 OK\r\nServer: Apache/2.2.34 (Unix)", wantVuln: "service:Outdated Apache Version", severity: types.SeverityMedium},
		{name: "current apache", port: 80, banner: "Server: Apache/2.4.57"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := probe.Outcome{
				Candidate: probe.Candidate{Kind: probe.KindPort, Port: tt.port},
				Status:    probe.StatusSuccess,
				Evidence:  probe.Evidence{Host: "example.com", Port: tt.port, Open: true, Banner: tt.banner},
			}
			findings := Classify(outcome, Default())
			require.NotEmpty(t, findings)

			assert.Equal(t, types.KindAsset, findings[0].Kind)
			assert.Equal(t, "example.com:"+strconv.Itoa(tt.port), findings[0].Target)

			var vulns []types.Finding
			for _, f := range findings {
				if f.Kind == types.KindVulnerability {
					vulns = append(vulns, f)
				}
			}
			if tt.wantVuln == "" {
				assert.Empty(t, vulns)
				return
			}
			require.Len(t, vulns, 1)
			assert.Equal(t, tt.wantVuln, vulns[0].Signature)
			assert.Equal(t, tt.severity, vulns[0].Severity)
		})
	}
}

func TestClassify_ServiceVersionMetadata(t *testing.T) {
	outcome := probe.Outcome{
		Candidate: probe.Candidate{Kind: probe.KindPort, Port: 6379},
		Status:    probe.StatusSuccess,
		Evidence:  probe.Evidence{Host: "10.0.0.5", Port: 6379, Open: true, Banner: "# Server\r\nRedis server v=6.2.6 sha=0"},
	}
	findings := Classify(outcome, Default())
	require.NotEmpty(t, findings)
	assert.Equal(t, "Redis 6.2.6", findings[0].Metadata["version"])
	assert.Equal(t, "Redis", findings[0].Metadata["service"])
}

func TestClassify_SensitivePaths(t *testing.T) {
	tests := []struct {
		path     string
		status   int
		wantSig  string
		severity types.Severity
	}{
		{path: ".env", status: 200, wantSig: "sensitive-file:/.env", severity: types.SeverityCritical},
		{path: "admin/.git/config", status: 200, wantSig: "sensitive-file:/admin/.git/config", severity: types.SeverityHigh},
		{path: "composer.json", status: 200, wantSig: "sensitive-file:/composer.json", severity: types.SeverityMedium},
		{path: "admin.bak", status: 200, wantSig: "backup:/admin.bak", severity: types.SeverityMedium},
		{path: ".env", status: 403},
		{path: "about", status: 200},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			findings := Classify(success(probe.KindPath, tt.path, probe.Evidence{
				Host:       "example.com",
				URL:        "https://example.com/" + tt.path,
				StatusCode: tt.status,
				Body:       "SECRET=1",
			}), Default())

			require.NotEmpty(t, findings)
			assert.Equal(t, types.KindAsset, findings[0].Kind)
			assert.Equal(t, "path:/"+tt.path, findings[0].Signature)

			if tt.wantSig == "" {
				assert.Len(t, findings, 1)
				return
			}
			require.Len(t, findings, 2)
			assert.Equal(t, tt.wantSig, findings[1].Signature)
			assert.Equal(t, tt.severity, findings[1].Severity)
		})
	}
}

func TestClassify_UninterestingPathStatus(t *testing.T) {
	findings := Classify(success(probe.KindPath, "admin", probe.Evidence{StatusCode: 404, Body: "not found"}), Default())
	assert.Empty(t, findings)
}

func TestClassify_WAFVendorExclusive(t *testing.T) {
	h := http.Header{}
	h.Set("Server", "cloudflare")
	h.Set("CF-Ray", "8a1b2c3d4e5f-AMS")
	h.Set("X-Amzn-RequestId", "abc")

	findings := Classify(success(probe.KindWAF, "/?id=1' OR '1'='1", probe.Evidence{
		Host:       "example.com",
		URL:        "https://example.com/?id=1",
		StatusCode: 403,
		Headers:    h,
		Body:       "Access denied",
		Payload:    "/?id=1' OR '1'='1",
	}), Default())

	assert.ElementsMatch(t, []string{"waf:Cloudflare", "waf:Generic WAF"}, signatures(findings))
	for _, f := range findings {
		assert.Equal(t, types.KindWAF, f.Kind)
		assert.Equal(t, "example.com", f.Target)
	}
}

func TestClassify_WAFBypassSignal(t *testing.T) {
	bypass := func(status int, body string) []types.Finding {
		return Classify(success(probe.KindWAFBypass, "/?id=1' UnIoN sElEcT * FrOm users--", probe.Evidence{
			Host:       "example.com",
			StatusCode: status,
			Body:       body,
		}), Default())
	}

	findings := bypass(200, "<html>results</html>")
	require.Len(t, findings, 1)
	assert.Equal(t, types.SeverityLow, findings[0].Severity)
	assert.Equal(t, false, findings[0].Metadata["verified"])

	assert.Empty(t, bypass(200, "Request blocked by policy"))
	assert.Empty(t, bypass(403, "<html>results</html>"))
}

func TestClassify_Favicon(t *testing.T) {
	findings := Classify(success(probe.KindHTTP, "/", probe.Evidence{
		StatusCode:  200,
		Headers:     hardenedHeaders(),
		FaviconHash: "81586312",
	}), Default())

	assert.Contains(t, signatures(findings), "tech:Jenkins")
}

func TestClassify_BannerEvidenceStaysValidUTF8(t *testing.T) {
	banner := strings.Repeat("a", 199) + strings.Repeat("é", 10)
	outcome := probe.Outcome{
		Candidate: probe.Candidate{Kind: probe.KindPort, Port: 2323},
		Status:    probe.StatusSuccess,
		Evidence:  probe.Evidence{Host: "example.com", Port: 2323, Open: true, Banner: banner},
	}
	findings := Classify(outcome, Default())
	require.NotEmpty(t, findings)
	for _, f := range findings {
		assert.True(t, utf8.ValidString(f.Evidence), f.Signature)
	}
	assert.Equal(t, strings.Repeat("a", 199), findings[0].Evidence)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))
	assert.Equal(t, "ab", truncate("abé", 3))
	assert.Equal(t, "", truncate("日本", 2))
	assert.Equal(t, "日", truncate("日本", 3))
}
