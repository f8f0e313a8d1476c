package origin

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/cache"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/certlogs"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/dns"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/findings"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

type staticSource struct {
	name  string
	cands []Candidate
	err   error
}

func (s staticSource) Name() string { return s.name }

func (s staticSource) Lookup(context.Context, string) ([]Candidate, error) {
	return s.cands, s.err
}

func newFetcher() *web.Fetcher {
	return web.NewFetcher(httpclient.NewProbeClient(2*time.Second), nil, "tarantula-test", 0)
}

func closedURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "http://" + addr + "/"
}

func TestEdgeFilter(t *testing.T) {
	f, err := NewEdgeFilter(nil)
	require.NoError(t, err)

	tests := []struct {
		ip   string
		edge bool
	}{
		{"8.8.8.8", false},
		{"104.16.1.1", true},
		{"172.67.10.10", true},
		{"2606:4700::6810:84e5", true},
		{"2001:db8::1", false},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.edge, f.Contains(tt.ip))
		})
	}

	_, err = NewEdgeFilter([]string{"10.0.0.0/33"})
	assert.Error(t, err)
}

func TestCorrelationSource(t *testing.T) {
	src := NewCorrelationSource(func() []findings.Asset {
		return []findings.Asset{
			{Host: "blog.example.com", IPs: []string{"5.6.7.8"}},
			{Host: "mail.example.com", IPs: []string{"1.2.3.4"}},
			{Host: "www.example.com", IPs: []string{"1.2.3.4", "9.9.9.9", "2001:db8::1"}},
			{Host: "api.example.com", IPs: []string{"2001:db8::1"}},
		}
	})

	got, err := src.Lookup(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1.2.3.4", got[0].IP)
	assert.Equal(t, "correlation", got[0].Source)
	assert.Contains(t, got[0].Evidence, "mail.example.com, www.example.com")
}

func TestHistorySourceUsesCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/hostsearch/":
			assert.Equal(t, "example.com", r.URL.Query().Get("q"))
			fmt.Fprint(w, "www.example.com,1.2.3.4\nmail.example.com,5.6.7.8\nold.example.com,1.2.3.4\n")
		default:
			fmt.Fprint(w, "No records found")
		}
	}))
	defer srv.Close()

	src := NewHistorySource(newFetcher(), srv.URL+"/", cache.NewMemory(time.Hour))

	got, err := src.Lookup(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1.2.3.4", got[0].IP)
	assert.Equal(t, "5.6.7.8", got[1].IP)
	assert.EqualValues(t, 2, hits.Load())

	got, err = src.Lookup(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.EqualValues(t, 2, hits.Load())
}

func TestHistorySourceUnreachable(t *testing.T) {
	src := NewHistorySource(newFetcher(), closedURL(t), nil)
	_, err := src.Lookup(context.Background(), "example.com")
	assert.Error(t, err)
}

func TestHeaderLeakSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Real-IP", "10.1.2.3")
		w.Header().Set("X-Forwarded-For", "203.0.113.9, 104.16.0.1")
		w.Header().Set("Server", "cloudflare")
	}))
	defer srv.Close()

	src := NewHeaderLeakSource(newFetcher())
	src.bases = func(string) []string { return []string{srv.URL, srv.URL} }

	got, err := src.Lookup(context.Background(), "example.com")
	require.NoError(t, err)

	ips := make([]string, 0, len(got))
	for _, c := range got {
		ips = append(ips, c.IP)
	}
	assert.ElementsMatch(t, []string{"10.1.2.3", "203.0.113.9", "104.16.0.1"}, ips)
}

func TestVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello world")
	}))
	defer srv.Close()

	v := NewVerifier(newFetcher(), time.Second, 0, "tarantula-test")
	v.bases = func(string) []string { return []string{srv.URL} }

	baseline := v.Baseline(context.Background(), "example.com")
	assert.Equal(t, Baseline{srv.URL + "/": 11}, baseline)

	res := v.Verify(context.Background(), "127.0.0.1", baseline)
	assert.True(t, res.Verified)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Zero(t, res.LengthDelta)

	res = v.Verify(context.Background(), "127.0.0.1", Baseline{srv.URL + "/": 1011})
	assert.False(t, res.Verified)
	assert.Equal(t, 1000, res.LengthDelta)

	res = v.Verify(context.Background(), "127.0.0.1", Baseline{srv.URL + "/": 1010})
	assert.True(t, res.Verified)

	res = v.Verify(context.Background(), "127.0.0.1", Baseline{closedURL(t): 11})
	assert.False(t, res.Verified)
	assert.Zero(t, res.Status)

	assert.False(t, v.Verify(context.Background(), "127.0.0.1", nil).Verified)
}

func TestVerifierComparesFullBodies(t *testing.T) {
	fronted := strings.Repeat("a", 2<<20)
	direct := strings.Repeat("a", 700<<10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "direct" {
			fmt.Fprint(w, direct)
			return
		}
		fmt.Fprint(w, fronted)
	}))
	defer srv.Close()

	v := NewVerifier(newFetcher(), 5*time.Second, 0, "direct")
	v.bases = func(string) []string { return []string{srv.URL} }

	baseline := v.Baseline(context.Background(), "example.com")
	assert.Equal(t, Baseline{srv.URL + "/": len(fronted)}, baseline)

	res := v.Verify(context.Background(), "127.0.0.1", baseline)
	assert.False(t, res.Verified)
	assert.Equal(t, len(fronted)-len(direct), res.LengthDelta)

	res = v.Verify(context.Background(), "127.0.0.1", Baseline{srv.URL + "/": len(direct) + 999})
	assert.True(t, res.Verified)
}

func TestResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>origin</html>")
	}))
	defer srv.Close()

	filter, err := NewEdgeFilter(nil)
	require.NoError(t, err)

	v := NewVerifier(newFetcher(), 500*time.Millisecond, 0, "")
	v.bases = func(string) []string { return []string{srv.URL} }

	sources := []Source{
		staticSource{name: "headers", cands: []Candidate{{IP: "127.0.0.1", Source: "headers", Evidence: "X-Real-IP: 127.0.0.1"}}},
		staticSource{name: "correlation", cands: []Candidate{
			{IP: "127.0.0.1", Source: "correlation"},
			{IP: "104.16.1.1", Source: "correlation"},
			{IP: "bogus", Source: "correlation"},
		}},
		staticSource{name: "history", err: errors.New("rate limited")},
		&CertificateSource{},
		NoopSource{Label: "mail"},
	}

	r := NewResolver(sources, filter, v, nil, nil)
	res, err := r.Resolve(context.Background(), "example.com")
	require.NoError(t, err)

	assert.Equal(t, "example.com", res.Target)
	assert.Equal(t, []string{"104.16.1.1"}, res.Filtered)
	require.Len(t, res.Verified, 1)
	assert.Empty(t, res.Unverified)
	assert.Equal(t, "127.0.0.1", res.Verified[0].IP)
	assert.Equal(t, []string{"correlation", "headers"}, res.Verified[0].Sources)
	assert.Equal(t, []string{"X-Real-IP: 127.0.0.1"}, res.Verified[0].Evidence)
	assert.False(t, res.Completed.IsZero())

	fs := Findings(res, "tarantula")
	require.Len(t, fs, 1)
	assert.Equal(t, types.KindOriginIP, fs[0].Kind)
	assert.Equal(t, "origin:127.0.0.1", fs[0].Signature)
	assert.Equal(t, types.SeverityMedium, fs[0].Severity)
	assert.Equal(t, true, fs[0].Metadata["verified"])
}

func TestResolveWithoutBaselineLeavesCandidatesUnverified(t *testing.T) {
	v := NewVerifier(newFetcher(), 500*time.Millisecond, 0, "")
	v.bases = func(string) []string { return []string{closedURL(t)} }

	r := NewResolver([]Source{
		staticSource{name: "mail", cands: []Candidate{{IP: "8.8.8.8", Source: "mail", Evidence: "MX mx.example.com"}}},
	}, nil, v, nil, nil)

	res, err := r.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Empty(t, res.Verified)
	require.Len(t, res.Unverified, 1)
	assert.Equal(t, "8.8.8.8", res.Unverified[0].IP)

	fs := Findings(res, "tarantula")
	require.Len(t, fs, 1)
	assert.Equal(t, types.SeverityInfo, fs[0].Severity)
}

func TestShodanSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/shodan/host/search", r.URL.Path)
		assert.Equal(t, "secret-key", r.URL.Query().Get("key"))
		assert.Equal(t, "hostname:example.com", r.URL.Query().Get("query"))
		_, _ = w.Write([]byte(`{"matches":[
			{"ip_str":"198.51.100.4","port":443,"product":"nginx","version":"1.18.0","org":"Example Hosting"},
			{"ip_str":"198.51.100.4","port":80},
			{"ip_str":"2001:db8::4","port":443}
		]}`))
	}))
	defer srv.Close()

	cands, err := NewShodanSource(newFetcher(), srv.URL, "secret-key").Lookup(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "198.51.100.4", cands[0].IP)
	assert.Equal(t, "shodan", cands[0].Source)
	assert.Equal(t, "shodan hostname:example.com port 443 nginx 1.18.0 (Example Hosting)", cands[0].Evidence)
}

func TestShodanSourceDoesNotLeakKey(t *testing.T) {
	_, err := NewShodanSource(newFetcher(), strings.TrimSuffix(closedURL(t), "/"), "secret-key").
		Lookup(context.Background(), "example.com")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-key")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Invalid API key"}`))
	}))
	defer srv.Close()
	_, err = NewShodanSource(newFetcher(), srv.URL, "secret-key").Lookup(context.Background(), "example.com")
	assert.Error(t, err)
}

func TestFOFASource(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/api/v1/search/all", r.URL.Path)
		assert.Equal(t, "me@example.org", q.Get("email"))
		assert.Equal(t, "100", q.Get("size"))
		decoded, err := base64.StdEncoding.DecodeString(q.Get("qbase64"))
		assert.NoError(t, err)
		queries = append(queries, string(decoded))

		switch {
		case strings.HasPrefix(string(decoded), "domain="):
			_, _ = w.Write([]byte(`{"error":false,"results":[["example.com","198.51.100.9","443","https"],["x","not-an-ip","80"]]}`))
		case strings.HasPrefix(string(decoded), "cert="):
			_, _ = w.Write([]byte(`{"error":false,"results":[["example.com","198.51.100.9","8443"],["example.com","203.0.113.30","443"]]}`))
		default:
			_, _ = w.Write([]byte(`{"error":true,"errmsg":"quota exceeded"}`))
		}
	}))
	defer srv.Close()

	cands, err := NewFOFASource(newFetcher(), srv.URL, "me@example.org", "k").Lookup(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, FOFAQueries("example.com"), queries)
	require.Len(t, cands, 2)
	assert.Equal(t, "198.51.100.9", cands[0].IP)
	assert.Equal(t, `fofa domain="example.com"`, cands[0].Evidence)
	assert.Equal(t, "203.0.113.30", cands[1].IP)
}

func TestFOFASourceFailsWhenEveryQueryFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":true,"errmsg":"401 Unauthorized"}`))
	}))
	defer srv.Close()

	_, err := NewFOFASource(newFetcher(), srv.URL, "me@example.org", "k").Lookup(context.Background(), "example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401 Unauthorized")
}

// zone answers A queries from a fixed map and NXDOMAIN otherwise.
type zone map[string]string

func startZone(t *testing.T, z zone) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := mdns.HandlerFunc(func(w mdns.ResponseWriter, r *mdns.Msg) {
		m := new(mdns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		ip, ok := z[strings.ToLower(q.Name)]
		switch {
		case !ok:
			m.SetRcode(r, mdns.RcodeNameError)
		case q.Qtype == mdns.TypeA:
			if rr, err := mdns.NewRR(fmt.Sprintf("%s 60 IN A %s", q.Name, ip)); err == nil {
				m.Answer = append(m.Answer, rr)
			}
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &mdns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestCertificateSourceResolvesLoggedNames(t *testing.T) {
	addr := startZone(t, zone{
		"legacy.example.com.": "198.51.100.77",
		"www.example.com.":    "104.16.1.1",
	})
	logs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"dns_names":["legacy.example.com","www.example.com","gone.example.com"]}]`))
	}))
	defer logs.Close()

	src := NewCertificateSource(
		certlogs.NewClient(newFetcher(), "", logs.URL),
		dns.NewResolver([]string{addr}, time.Second, nil),
	)
	cands, err := src.Lookup(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, Candidate{IP: "198.51.100.77", Source: "certificate", Evidence: "certificate name legacy.example.com"}, cands[0])
	assert.Equal(t, "104.16.1.1", cands[1].IP)

	none, err := NewCertificateSource(nil, nil).Lookup(context.Background(), "example.com")
	assert.NoError(t, err)
	assert.Empty(t, none)
}
