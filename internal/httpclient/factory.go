// Package httpclient builds the HTTP clients used by probes
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

// ClientConfig configures a probe HTTP client
type ClientConfig struct {
	Timeout         time.Duration
	EnableSSRF      bool // If true, blocks requests to private IPs
	FollowRedirects bool
	MaxRedirects    int
	// InsecureTLS skips certificate verification. Recon targets routinely
	// serve self-signed or mismatched certificates.
	InsecureTLS bool
}

// DefaultConfig returns the configuration used for target probing
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:         10 * time.Second,
		EnableSSRF:      false,
		FollowRedirects: false,
		MaxRedirects:    0,
		InsecureTLS:     true,
	}
}

// New creates an HTTP client from the configuration
func New(config ClientConfig) *http.Client {
	return newClient(config, nil)
}

// NewPinnedClient creates a client that sends every connection to ip while
// keeping the URL host for the Host header and TLS server name. It is how an
// origin candidate is asked for the target's virtual host.
func NewPinnedClient(config ClientConfig, ip string) *http.Client {
	return newClient(config, func(addr string) string {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			port = "80"
		}
		return net.JoinHostPort(ip, port)
	})
}

// NewProbeClient creates a client for short lived probes: no redirects,
// no certificate verification
func NewProbeClient(timeout time.Duration) *http.Client {
	cfg := DefaultConfig()
	cfg.Timeout = timeout
	return New(cfg)
}

func newClient(config ClientConfig, rewrite func(addr string) string) *http.Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if rewrite != nil {
				addr = rewrite(addr)
			}

			if config.EnableSSRF {
				if err := validateAddress(ctx, addr); err != nil {
					return nil, fmt.Errorf("SSRF protection: %w", err)
				}
			}

			var dialer net.Dialer
			return dialer.DialContext(ctx, network, addr)
		},

		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.InsecureTLS, //nolint:gosec // targets often use self-signed certs
		},

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
	}

	if !config.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if config.MaxRedirects > 0 {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= config.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", config.MaxRedirects)
			}
			return nil
		}
	}

	return client
}

// validateAddress checks if an address points to a private IP
func validateAddress(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", host, err)
	}

	for _, ip := range ips {
		if IsPrivateIP(ip) {
			return fmt.Errorf("blocked private IP: %s (%s)", ip, host)
		}
	}

	return nil
}

// IsPrivateIP reports whether ip is private, loopback, link-local or
// unspecified
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified()
}

// DoWithContext performs an HTTP request with context enforcement
func DoWithContext(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return nil, err
	}

	return resp, nil
}

// ReadBody reads at most limit bytes of the response body. A body cut at
// the limit is not an error.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// maxMeasuredBody bounds how many body bytes MeasureBody reads in total.
var maxMeasuredBody int64 = 64 << 20

// MeasureBody keeps at most keep bytes of the body and returns the length
// of the whole body. The length is -1 when the body is longer than the
// measuring bound.
func MeasureBody(resp *http.Response, keep int64) ([]byte, int64, error) {
	if resp == nil || resp.Body == nil {
		return nil, 0, nil
	}
	if keep < 0 {
		keep = 0
	}
	if keep > maxMeasuredBody {
		keep = maxMeasuredBody
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, keep))
	if err != nil {
		return nil, 0, err
	}

	rest, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxMeasuredBody-int64(len(body))+1))
	if err != nil {
		return body, 0, err
	}
	total := int64(len(body)) + rest
	if total > maxMeasuredBody {
		return body, -1, nil
	}
	return body, total, nil
}

// CloseBody drains and closes an HTTP response body so the connection can
// be reused.
//
// Usage:
//
//	defer httpclient.CloseBody(resp)
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if err := resp.Body.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close HTTP response body: %v\n", err)
	}
}
