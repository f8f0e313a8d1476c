package certlogs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/web"
)

func newFetcher() *web.Fetcher {
	return web.NewFetcher(httpclient.NewProbeClient(2*time.Second), nil, "tarantula-test", 1<<20)
}

func TestLookupMergesBothLogs(t *testing.T) {
	var crtQuery string
	crt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		crtQuery = r.URL.Query().Get("q")
		assert.Equal(t, "json", r.URL.Query().Get("output"))
		_, _ = w.Write([]byte(`[
			{"common_name":"example.com","name_value":"example.com\n*.example.com\nwww.example.com"},
			{"common_name":"API.example.com","name_value":"api.example.com\nmail.other.org"}
		]`))
	}))
	defer crt.Close()

	spotter := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/issuances", r.URL.Path)
		assert.Equal(t, "example.com", r.URL.Query().Get("domain"))
		assert.Equal(t, "true", r.URL.Query().Get("include_subdomains"))
		_, _ = w.Write([]byte(`[{"id":"1","dns_names":["*.dev.example.com","www.example.com","notexample.com"]}]`))
	}))
	defer spotter.Close()

	names, err := NewClient(newFetcher(), crt.URL, spotter.URL).Lookup(context.Background(), "Example.com.")
	require.NoError(t, err)
	assert.Equal(t, "%.example.com", crtQuery)
	assert.Equal(t, []string{"api.example.com", "dev.example.com", "www.example.com"}, names)
	assert.Equal(t, []string{"api", "dev", "www"}, Labels(names, "example.com"))
}

func TestLookupToleratesOneFailingLog(t *testing.T) {
	crt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer crt.Close()
	spotter := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"dns_names":["vpn.example.com"]}]`))
	}))
	defer spotter.Close()

	names, err := NewClient(newFetcher(), crt.URL, spotter.URL).Lookup(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"vpn.example.com"}, names)
}

func TestLookupFailsWhenEveryLogFails(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>busy</html>`))
	}))
	defer bad.Close()

	names, err := NewClient(newFetcher(), bad.URL, "").Lookup(context.Background(), "example.com")
	assert.Error(t, err)
	assert.Empty(t, names)

	names, err = NewClient(newFetcher(), "", "").Lookup(context.Background(), "example.com")
	assert.NoError(t, err)
	assert.Empty(t, names)
}

func TestCrtShEntriesAreCapped(t *testing.T) {
	crt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("["))
		for i := 0; i < maxCrtShEntries+5; i++ {
			if i > 0 {
				_, _ = w.Write([]byte(","))
			}
			_, _ = w.Write([]byte(`{"name_value":"h` + string(rune('a'+i%26)) + string(rune('a'+i/26)) + `.example.com"}`))
		}
		_, _ = w.Write([]byte("]"))
	}))
	defer crt.Close()

	names, err := NewClient(newFetcher(), crt.URL, "").Lookup(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Len(t, names, maxCrtShEntries)
}

func TestUnder(t *testing.T) {
	got := Under([]string{
		"WWW.Example.com.", "*.*.cdn.example.com", "example.com", "bad name.example.com",
		"x.example.com.evil.net", "www.example.com",
	}, "example.com")
	assert.Equal(t, []string{"cdn.example.com", "www.example.com"}, got)
}
