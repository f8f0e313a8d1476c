package validation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

const sampleScope = `# Description: Acme public program
[in-scope]
example.com
*.example.org
203.0.113.0/24
198.51.100.7
https://api.example.net/v1

[out-of-scope]
legacy.example.com
203.0.113.128/25
`

func TestParseScope(t *testing.T) {
	scope, err := ParseScope(strings.NewReader(sampleScope))
	require.NoError(t, err)

	assert.Equal(t, "Acme public program", scope.Description)
	require.Len(t, scope.InScope, 5)
	require.Len(t, scope.OutOfScope, 2)
	assert.Equal(t, Entry{Value: "example.org", Type: EntryWildcard}, scope.InScope[1])
	assert.Equal(t, EntryIPRange, scope.InScope[2].Type)
	assert.Equal(t, "api.example.net", scope.InScope[4].Value)
}

func TestScopeAllows(t *testing.T) {
	scope, err := ParseScope(strings.NewReader(sampleScope))
	require.NoError(t, err)

	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"https://www.example.com/login", true},
		{"legacy.example.com", false},
		{"a.legacy.example.com", false},
		{"notexample.com", false},
		{"example.org", false},
		{"shop.example.org", true},
		{"badexample.org", false},
		{"203.0.113.10", true},
		{"203.0.113.200", false},
		{"198.51.100.7", true},
		{"198.51.100.8", false},
		{"api.example.net", true},
		{"www.example.net", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, scope.Allows(tt.host))
		})
	}
}

func TestParseScopeRejectsGarbage(t *testing.T) {
	_, err := ParseScope(strings.NewReader("[in-scope]\nexample.com\nnot a host!\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestLoadScopeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "program.scope")
	require.NoError(t, os.WriteFile(path, []byte(sampleScope), 0o600))

	scope, err := LoadScopeFile(path)
	require.NoError(t, err)
	assert.True(t, scope.Allows("example.com"))

	_, err = LoadScopeFile(filepath.Join(t.TempDir(), "missing.scope"))
	assert.Error(t, err)
}

func mustTarget(t *testing.T, raw string) types.Target {
	t.Helper()
	target, err := types.ParseTarget(raw)
	require.NoError(t, err)
	return target
}

func TestIsPrivate(t *testing.T) {
	for _, raw := range []string{
		"localhost",
		"127.0.0.1",
		"http://127.0.0.1:8080",
		"::1",
		"0.0.0.0",
		"10.0.0.1",
		"172.16.0.1",
		"https://192.168.1.1/api",
		"169.254.169.254",
		"myserver.local",
		"server.internal",
	} {
		assert.True(t, IsPrivate(mustTarget(t, raw)), raw)
	}

	for _, raw := range []string{"example.com", "8.8.8.8", "https://www.example.co.uk", "2606:4700::1111"} {
		assert.False(t, IsPrivate(mustTarget(t, raw)), raw)
	}
}

func TestCheckTarget(t *testing.T) {
	scope, err := ParseScope(strings.NewReader(sampleScope))
	require.NoError(t, err)

	assert.NoError(t, CheckTarget(mustTarget(t, "example.com"), nil, false))
	assert.NoError(t, CheckTarget(mustTarget(t, "www.example.com"), scope, false))

	err = CheckTarget(mustTarget(t, "127.0.0.1"), nil, false)
	assert.ErrorIs(t, err, ErrPrivateTarget)
	assert.NoError(t, CheckTarget(mustTarget(t, "127.0.0.1"), nil, true))

	err = CheckTarget(mustTarget(t, "legacy.example.com"), scope, false)
	assert.ErrorIs(t, err, ErrOutOfScope)
}
