package portscan

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
)

const (
	bannerSize = 2048

	// maxBannerSlack is how much of the caller's deadline the banner read
	// leaves unused, so a silent open port is still reported before the
	// caller gives up on the probe.
	maxBannerSlack = 250 * time.Millisecond
)

// PortScanner connects to TCP ports on one host and grabs a banner from the
// ones that accept.
type PortScanner struct {
	host          string
	dialTimeout   time.Duration
	bannerTimeout time.Duration
	dialer        net.Dialer
}

// NewPortScanner creates a scanner for host. dialTimeout bounds the connect,
// bannerTimeout bounds the read that follows.
func NewPortScanner(host string, dialTimeout, bannerTimeout time.Duration) *PortScanner {
	if dialTimeout <= 0 {
		dialTimeout = 3 * time.Second
	}
	if bannerTimeout <= 0 {
		bannerTimeout = 2 * time.Second
	}
	return &PortScanner{
		host:          host,
		dialTimeout:   dialTimeout,
		bannerTimeout: bannerTimeout,
		dialer:        net.Dialer{Timeout: dialTimeout},
	}
}

// Probe implements probe.Func for port candidates. A refused or filtered
// port is reported as absent.
func (p *PortScanner) Probe(ctx context.Context, c probe.Candidate) (probe.Evidence, error) {
	if c.Port <= 0 || c.Port > 65535 {
		return probe.Evidence{}, fmt.Errorf("invalid port %d", c.Port)
	}

	target := net.JoinHostPort(p.host, strconv.Itoa(c.Port))
	conn, err := p.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return probe.Evidence{}, probe.NetError(err)
	}
	defer conn.Close()

	return probe.Evidence{
		Host:   p.host,
		Port:   c.Port,
		Open:   true,
		Banner: p.grabBanner(ctx, conn, c.Port),
	}, nil
}

// grabBanner sends a port appropriate nudge and reads whatever comes back.
// Errors only mean there is no banner.
func (p *PortScanner) grabBanner(ctx context.Context, conn net.Conn, port int) string {
	_ = conn.SetDeadline(bannerDeadline(ctx, time.Now(), p.bannerTimeout))

	switch port {
	case 443:
		return "HTTPS Service"
	case 80:
		req := "GET / HTTP/1.1\r\nHost: " + p.host + "\r\nConnection: close\r\n\r\n"
		if _, err := conn.Write([]byte(req)); err != nil {
			return ""
		}
	default:
		if _, err := conn.Write([]byte("\r\n")); err != nil {
			return ""
		}
	}

	buf := make([]byte, bannerSize)
	n, _ := conn.Read(buf)
	return strings.TrimSpace(strings.ToValidUTF8(string(buf[:n]), ""))
}

// bannerDeadline ends the banner read after timeout, and in any case a
// little before the ctx deadline.
func bannerDeadline(ctx context.Context, now time.Time, timeout time.Duration) time.Time {
	deadline := now.Add(timeout)
	d, ok := ctx.Deadline()
	if !ok {
		return deadline
	}
	slack := d.Sub(now) / 4
	if slack > maxBannerSlack {
		slack = maxBannerSlack
	}
	if slack < 0 {
		slack = 0
	}
	if cut := d.Add(-slack); cut.Before(deadline) {
		deadline = cut
	}
	return deadline
}
