package origin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/discovery/web"
)

const (
	DefaultShodanEndpoint = "https://api.shodan.io"
	DefaultFOFAEndpoint   = "https://fofa.info"

	fofaPageSize = 100
	fofaFields   = "host,ip,port,protocol,country,os,server,title"
)

// ShodanSource asks Shodan which hosts answer for the target's hostname.
type ShodanSource struct {
	fetcher  *web.Fetcher
	endpoint string
	apiKey   string
}

func NewShodanSource(fetcher *web.Fetcher, endpoint, apiKey string) *ShodanSource {
	if endpoint == "" {
		endpoint = DefaultShodanEndpoint
	}
	return &ShodanSource{fetcher: fetcher, endpoint: strings.TrimSuffix(endpoint, "/"), apiKey: apiKey}
}

func (s *ShodanSource) Name() string { return "shodan" }

type shodanSearch struct {
	Matches []struct {
		IP        string   `json:"ip_str"`
		Port      int      `json:"port"`
		Product   string   `json:"product"`
		Version   string   `json:"version"`
		Org       string   `json:"org"`
		Hostnames []string `json:"hostnames"`
	} `json:"matches"`
	Error string `json:"error"`
}

func (s *ShodanSource) Lookup(ctx context.Context, target string) ([]Candidate, error) {
	q := url.Values{}
	q.Set("key", s.apiKey)
	q.Set("query", "hostname:"+target)

	var res shodanSearch
	if err := getJSON(ctx, s.fetcher, s.endpoint+"/shodan/host/search?"+q.Encode(), &res, s.apiKey); err != nil {
		return nil, fmt.Errorf("shodan search: %w", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("shodan search: %s", res.Error)
	}

	var out []Candidate
	seen := make(map[string]bool)
	for _, m := range res.Matches {
		if !isIPv4(m.IP) || seen[m.IP] {
			continue
		}
		seen[m.IP] = true

		evidence := "shodan hostname:" + target + " port " + strconv.Itoa(m.Port)
		if product := strings.TrimSpace(m.Product + " " + m.Version); product != "" {
			evidence += " " + product
		}
		if m.Org != "" {
			evidence += " (" + m.Org + ")"
		}
		out = append(out, Candidate{IP: m.IP, Source: s.Name(), Evidence: evidence})
	}
	return out, nil
}

// FOFASource runs the domain, certificate and Host header searches of the
// FOFA engine.
type FOFASource struct {
	fetcher  *web.Fetcher
	endpoint string
	email    string
	key      string
}

func NewFOFASource(fetcher *web.Fetcher, endpoint, email, key string) *FOFASource {
	if endpoint == "" {
		endpoint = DefaultFOFAEndpoint
	}
	return &FOFASource{fetcher: fetcher, endpoint: strings.TrimSuffix(endpoint, "/"), email: email, key: key}
}

func (s *FOFASource) Name() string { return "fofa" }

type fofaSearch struct {
	Error   bool       `json:"error"`
	ErrMsg  string     `json:"errmsg"`
	Results [][]string `json:"results"`
}

// FOFAQueries are the searches run for target, in order.
func FOFAQueries(target string) []string {
	return []string{
		fmt.Sprintf(`domain="%s"`, target),
		fmt.Sprintf(`cert="%s"`, target),
		fmt.Sprintf(`header="Host: %s"`, target),
	}
}

func (s *FOFASource) Lookup(ctx context.Context, target string) ([]Candidate, error) {
	var (
		out     []Candidate
		lastErr error
		queried int
	)
	seen := make(map[string]bool)
	for _, query := range FOFAQueries(target) {
		q := url.Values{}
		q.Set("email", s.email)
		q.Set("key", s.key)
		q.Set("qbase64", base64.StdEncoding.EncodeToString([]byte(query)))
		q.Set("size", strconv.Itoa(fofaPageSize))
		q.Set("fields", fofaFields)

		var res fofaSearch
		if err := getJSON(ctx, s.fetcher, s.endpoint+"/api/v1/search/all?"+q.Encode(), &res, s.key, s.email); err != nil {
			lastErr = err
			continue
		}
		if res.Error {
			lastErr = errors.New(res.ErrMsg)
			continue
		}
		queried++

		// Rows follow fofaFields: ip is the second column.
		for _, row := range res.Results {
			if len(row) < 2 || !isIPv4(row[1]) || seen[row[1]] {
				continue
			}
			seen[row[1]] = true
			out = append(out, Candidate{IP: row[1], Source: s.Name(), Evidence: "fofa " + query})
		}
	}

	if queried == 0 && lastErr != nil {
		return nil, fmt.Errorf("fofa search: %w", lastErr)
	}
	return out, nil
}

// getJSON decodes one API response. secrets are masked in transport
// errors, which quote the request URL.
func getJSON(ctx context.Context, fetcher *web.Fetcher, rawURL string, v interface{}, secrets ...string) error {
	page, err := fetcher.Get(ctx, rawURL)
	if err != nil {
		msg := err.Error()
		for _, secret := range secrets {
			if secret != "" {
				msg = strings.ReplaceAll(msg, url.QueryEscape(secret), "REDACTED")
				msg = strings.ReplaceAll(msg, secret, "REDACTED")
			}
		}
		return errors.New(msg)
	}
	if page.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", page.StatusCode)
	}
	return json.Unmarshal(page.Body, v)
}
