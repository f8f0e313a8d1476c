package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		raw  string
		want Target
	}{
		{"example.com", Target{Host: "example.com", Apex: "example.com"}},
		{"  Example.COM.  ", Target{Host: "example.com", Apex: "example.com"}},
		{"https://www.Example.com:8443/login?x=1", Target{Host: "www.example.com", Apex: "example.com"}},
		{"api.staging.example.co.uk/path", Target{Host: "api.staging.example.co.uk", Apex: "example.co.uk"}},
		{"shop.example.com:8080", Target{Host: "shop.example.com", Apex: "example.com"}},
		{"192.0.2.10", Target{Host: "192.0.2.10", Apex: "192.0.2.10", IsIP: true}},
		{"http://[2001:db8::1]:8080/", Target{Host: "2001:db8::1", Apex: "2001:db8::1", IsIP: true}},
		{"localhost", Target{Host: "localhost", Apex: "localhost"}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseTarget(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTargetRejectsEmpty(t *testing.T) {
	for _, raw := range []string{"", "   ", "https://", "https:///path"} {
		_, err := ParseTarget(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseSeverityIsLenient(t *testing.T) {
	assert.Equal(t, SeverityCritical, ParseSeverity("CRITICAL"))
	assert.Equal(t, SeverityHigh, ParseSeverity(" high "))
	assert.Equal(t, SeverityMedium, ParseSeverity("moderate"))
	assert.Equal(t, SeverityLow, ParseSeverity("low"))
	assert.Equal(t, SeverityLow, ParseSeverity("info"))
	assert.Equal(t, SeverityLow, ParseSeverity("informational"))
	assert.Equal(t, SeverityMedium, ParseSeverity("unknown"))
	assert.Equal(t, SeverityMedium, ParseSeverity(""))
}

func TestLookupSeverityIsStrict(t *testing.T) {
	sev, ok := LookupSeverity("Info")
	assert.True(t, ok)
	assert.Equal(t, SeverityInfo, sev)

	sev, ok = LookupSeverity("critical")
	assert.True(t, ok)
	assert.Equal(t, SeverityCritical, sev)

	for _, raw := range []string{"", "moderate", "urgent"} {
		_, ok := LookupSeverity(raw)
		assert.False(t, ok, raw)
	}
}

func TestSeverityRank(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.Greater(t, SeverityLow.Rank(), SeverityInfo.Rank())
}

func TestFindingKey(t *testing.T) {
	f := Finding{Target: "https://example.com", Kind: KindWAF, Signature: "waf:Cloudflare", Title: "ignored"}
	assert.Equal(t, Key{Target: "https://example.com", Kind: KindWAF, Signature: "waf:Cloudflare"}, f.Key())
	assert.Equal(t, "https://example.com|waf|waf:Cloudflare", f.Key().String())
}
