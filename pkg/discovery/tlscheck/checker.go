// Package tlscheck inspects the TLS endpoint of the target with the
// platform crypto/tls stack: negotiated protocol, legacy protocol
// acceptance and certificate validity.
package tlscheck

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

// ExpiryWarning is how close to NotAfter a certificate is reported.
const ExpiryWarning = 30 * 24 * time.Hour

var weakCiphers = []string{"RC4", "3DES", "DES", "MD5"}

// Report is what one TLS inspection found.
type Report struct {
	Host          string
	Port          int
	Version       string
	Cipher        string
	Subject       string
	Issuer        string
	NotBefore     time.Time
	NotAfter      time.Time
	DNSNames      []string
	LegacyVersion string
}

// Checker dials host:port and performs the handshakes.
type Checker struct {
	timeout time.Duration
	now     func() time.Time
}

// NewChecker creates a checker whose handshakes are bounded by timeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Checker{timeout: timeout, now: time.Now}
}

// Check handshakes with host on port, then tries again restricted to
// TLS 1.0/1.1 to see whether the server still accepts them.
func (c *Checker) Check(ctx context.Context, host string, port int) (*Report, error) {
	state, err := c.handshake(ctx, host, port, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, // the certificate is inspected, not trusted
	})
	if err != nil {
		return nil, fmt.Errorf("tls handshake with %s:%d: %w", host, port, err)
	}

	r := &Report{
		Host:    host,
		Port:    port,
		Version: tls.VersionName(state.Version),
		Cipher:  tls.CipherSuiteName(state.CipherSuite),
	}
	if len(state.PeerCertificates) > 0 {
		fillCertificate(r, state.PeerCertificates[0])
	}

	legacy, err := c.handshake(ctx, host, port, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS10,
		MaxVersion:         tls.VersionTLS11,
	})
	if err == nil {
		r.LegacyVersion = tls.VersionName(legacy.Version)
	}

	return r, nil
}

func (c *Checker) handshake(ctx context.Context, host string, port int, cfg *tls.Config) (tls.ConnectionState, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.timeout},
		Config:    cfg,
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return tls.ConnectionState{}, err
	}
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return tls.ConnectionState{}, errors.New("unexpected connection type")
	}
	return tlsConn.ConnectionState(), nil
}

func fillCertificate(r *Report, cert *x509.Certificate) {
	r.Subject = cert.Subject.String()
	r.Issuer = cert.Issuer.String()
	r.NotBefore = cert.NotBefore
	r.NotAfter = cert.NotAfter
	r.DNSNames = cert.DNSNames
}

// Findings converts the report. The TLS summary is an asset; legacy
// protocols, weak ciphers and expiring certificates are vulnerabilities.
func (c *Checker) Findings(r *Report, tool string) []types.Finding {
	target := net.JoinHostPort(r.Host, strconv.Itoa(r.Port))

	out := []types.Finding{{
		Target:    target,
		Kind:      types.KindAsset,
		Signature: "tls:summary",
		Tool:      tool,
		Type:      "TLS Configuration",
		Severity:  types.SeverityInfo,
		Title:     fmt.Sprintf("TLS %s with %s", strings.TrimPrefix(r.Version, "TLS "), r.Cipher),
		Metadata: map[string]interface{}{
			"protocol":   r.Version,
			"cipher":     r.Cipher,
			"subject":    r.Subject,
			"issuer":     r.Issuer,
			"not_before": r.NotBefore,
			"not_after":  r.NotAfter,
			"dns_names":  r.DNSNames,
		},
	}}

	if r.LegacyVersion != "" {
		out = append(out, types.Finding{
			Target:      target,
			Kind:        types.KindVulnerability,
			Signature:   "tls:legacy-protocol",
			Tool:        tool,
			Type:        "Outdated SSL Protocol",
			Severity:    types.SeverityHigh,
			Title:       "Outdated protocol accepted: " + r.LegacyVersion,
			Description: fmt.Sprintf("The server completes a %s handshake", r.LegacyVersion),
			Solution:    "Disable TLS 1.0 and TLS 1.1; require TLS 1.2 or later.",
		})
	}

	for _, weak := range weakCiphers {
		if strings.Contains(r.Cipher, weak) {
			out = append(out, types.Finding{
				Target:      target,
				Kind:        types.KindVulnerability,
				Signature:   "tls:weak-cipher",
				Tool:        tool,
				Type:        "Weak SSL Cipher",
				Severity:    types.SeverityMedium,
				Title:       "Weak cipher: " + r.Cipher,
				Description: fmt.Sprintf("Weak cipher: %s", r.Cipher),
				Solution:    "Remove RC4, DES and 3DES suites from the server configuration.",
			})
			break
		}
	}

	if !r.NotAfter.IsZero() {
		now := c.now()
		switch {
		case now.After(r.NotAfter):
			out = append(out, expiryFinding(target, tool, types.SeverityMedium, "TLS certificate expired",
				fmt.Sprintf("Certificate expired on %s", r.NotAfter.Format(time.RFC3339))))
		case r.NotAfter.Sub(now) < ExpiryWarning:
			out = append(out, expiryFinding(target, tool, types.SeverityLow, "TLS certificate expires soon",
				fmt.Sprintf("Certificate expires on %s", r.NotAfter.Format(time.RFC3339))))
		}
	}

	return out
}

func expiryFinding(target, tool string, sev types.Severity, title, desc string) types.Finding {
	return types.Finding{
		Target:      target,
		Kind:        types.KindVulnerability,
		Signature:   "tls:certificate-expiry",
		Tool:        tool,
		Type:        "Certificate Expiry",
		Severity:    sev,
		Title:       title,
		Description: desc,
		Solution:    "Renew the certificate and automate renewal.",
	}
}
