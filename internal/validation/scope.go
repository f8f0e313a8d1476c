package validation

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

// EntryType is the kind of a scope entry.
type EntryType string

const (
	EntryDomain   EntryType = "domain"
	EntryWildcard EntryType = "wildcard"
	EntryIP       EntryType = "ip"
	EntryIPRange  EntryType = "ip_range"
)

// Scope is a parsed scope file. A host is allowed when it matches an
// in-scope entry and no out-of-scope entry.
type Scope struct {
	InScope     []Entry
	OutOfScope  []Entry
	Description string
}

// Entry is one line of a scope file. Domain entries also cover their
// subdomains; wildcard entries cover subdomains only.
type Entry struct {
	Value string
	Type  EntryType

	prefix netip.Prefix
}

// LoadScopeFile loads and parses a scope file.
func LoadScopeFile(path string) (*Scope, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scope file: %w", err)
	}
	defer file.Close()
	return ParseScope(file)
}

// ParseScope reads the scope format:
//
//	# Description: Acme bug bounty
//	[in-scope]
//	example.com
//	*.example.org
//	203.0.113.0/24
//	[out-of-scope]
//	legacy.example.com
//
// Lines that are not a domain, wildcard, address or CIDR are rejected.
func ParseScope(r io.Reader) (*Scope, error) {
	scope := &Scope{}
	scanner := bufio.NewScanner(r)
	inScopeSection := true
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			if strings.HasPrefix(line, "# Description:") {
				scope.Description = strings.TrimSpace(strings.TrimPrefix(line, "# Description:"))
			}
			continue
		}

		switch strings.ToLower(line) {
		case "[in-scope]", "[inscope]":
			inScopeSection = true
			continue
		case "[out-of-scope]", "[outofscope]":
			inScopeSection = false
			continue
		}

		entry, err := parseEntry(line)
		if err != nil {
			return nil, fmt.Errorf("scope line %d: %w", lineNo, err)
		}
		if inScopeSection {
			scope.InScope = append(scope.InScope, entry)
		} else {
			scope.OutOfScope = append(scope.OutOfScope, entry)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading scope file: %w", err)
	}
	return scope, nil
}

func parseEntry(line string) (Entry, error) {
	if strings.Contains(line, "/") && !strings.Contains(line, "://") {
		if prefix, err := netip.ParsePrefix(line); err == nil {
			return Entry{Value: prefix.Masked().String(), Type: EntryIPRange, prefix: prefix.Masked()}, nil
		}
	}

	if strings.HasPrefix(line, "*.") {
		domain := strings.ToLower(strings.TrimPrefix(line, "*."))
		if !isDomain(domain) {
			return Entry{}, fmt.Errorf("invalid wildcard %q", line)
		}
		return Entry{Value: domain, Type: EntryWildcard}, nil
	}

	t, err := types.ParseTarget(line)
	if err != nil {
		return Entry{}, err
	}
	if t.IsIP {
		return Entry{Value: t.Host, Type: EntryIP}, nil
	}
	if !isDomain(t.Host) {
		return Entry{}, fmt.Errorf("invalid scope entry %q", line)
	}
	return Entry{Value: t.Host, Type: EntryDomain}, nil
}

// Allows reports whether host, a bare host or a URL, is in scope.
func (s *Scope) Allows(host string) bool {
	t, err := types.ParseTarget(host)
	if err != nil {
		return false
	}
	if matchesAny(t, s.OutOfScope) {
		return false
	}
	return matchesAny(t, s.InScope)
}

func matchesAny(t types.Target, entries []Entry) bool {
	for _, e := range entries {
		if e.matches(t) {
			return true
		}
	}
	return false
}

func (e Entry) matches(t types.Target) bool {
	switch e.Type {
	case EntryDomain:
		return !t.IsIP && (t.Host == e.Value || strings.HasSuffix(t.Host, "."+e.Value))
	case EntryWildcard:
		return !t.IsIP && strings.HasSuffix(t.Host, "."+e.Value)
	case EntryIP:
		return t.IsIP && t.Host == e.Value
	case EntryIPRange:
		addr, err := netip.ParseAddr(t.Host)
		return t.IsIP && err == nil && e.prefix.Contains(addr.Unmap())
	}
	return false
}

func isDomain(s string) bool {
	if len(s) > 253 || !strings.Contains(s, ".") {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
				return false
			}
		}
	}
	return true
}
