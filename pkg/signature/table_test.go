package signature

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
)

func TestDefaultTableCompiles(t *testing.T) {
	table, err := Load(strings.NewReader(string(defaultTableYAML)))
	require.NoError(t, err)
	assert.Zero(t, table.Skipped())

	counts := table.Counts()
	assert.Equal(t, 13, counts["takeover"])
	assert.Equal(t, 10, counts["waf"])
	assert.Equal(t, 4, counts["security_headers"])
	assert.Equal(t, 5, counts["services"])
	assert.Positive(t, counts["technology"])
	assert.Positive(t, counts["sensitive_paths"])

	assert.Same(t, Default(), Default())
	assert.Equal(t, "SSH", Default().ServiceName(22))
	assert.Equal(t, "Unknown", Default().ServiceName(31337))
}

const partlyBroken = `
takeover:
  - service: Good
    fingerprints: ["gone"]
  - service: BadRegex
    fingerprints: ["x"]
    cnames: ['([unclosed']
technology:
  - name: Missing
  - name: Thing
    body: ["thing-js"]
security_headers:
  - header: X-Frame-Options
    severity: catastrophic
  - header: Content-Security-Policy
    severity: medium
`

func TestLoadKeepsValidEntries(t *testing.T) {
	table, err := Load(strings.NewReader(partlyBroken))

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedTable))

	var malformed *MalformedError
	require.True(t, errors.As(err, &malformed))
	assert.Len(t, malformed.Entries, 3)
	assert.Contains(t, err.Error(), "BadRegex")

	require.NotNil(t, table)
	assert.Equal(t, 3, table.Skipped())
	assert.Equal(t, 1, table.Counts()["takeover"])
	assert.Equal(t, 1, table.Counts()["technology"])
	assert.Equal(t, 1, table.Counts()["security_headers"])

	findings := Classify(probe.Outcome{
		Candidate: probe.Candidate{Kind: probe.KindSubdomain, Value: "old"},
		Status:    probe.StatusSuccess,
		Evidence:  probe.Evidence{Host: "old.example.com", IPs: []string{"1.1.1.1"}, Body: "it is gone"},
	}, table)
	assert.Equal(t, []string{"subdomain:old.example.com", "takeover:Good"}, signatures(findings))
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	table, err := Load(strings.NewReader("takeover: [unbalanced"))
	assert.Nil(t, table)
	assert.ErrorIs(t, err, ErrMalformedTable)
}

func TestLoadEmptyDocument(t *testing.T) {
	table, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, Classify(probe.Outcome{
		Candidate: probe.Candidate{Kind: probe.KindHTTP},
		Status:    probe.StatusSuccess,
		Evidence:  probe.Evidence{StatusCode: 200, Body: "wp-content"},
	}, table))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sigs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("favicon:\n  - hash: \"42\"\n    name: Thing\n"), 0o600))

	table, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, table.Counts()["favicon"])

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"7.2", "7.4", -1},
		{"7.4", "7.4", 0},
		{"8.0", "7.4", 1},
		{"2.2.34", "2.4", -1},
		{"2.4.0", "2.4", 0},
		{"10.0", "9.9", 1},
	}

	for _, tt := range tests {
		a, err := parseVersion(tt.a)
		require.NoError(t, err)
		b, err := parseVersion(tt.b)
		require.NoError(t, err)
		assert.Equal(t, tt.want, compareVersions(a, b), "%s vs %s", tt.a, tt.b)
	}

	_, err := parseVersion("7.x")
	assert.Error(t, err)
}
