package candidates

import (
	"fmt"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
)

// Permutations derives environment and region style labels from the first
// label of domain ("example" -> "example-dev", "dev-example", ...).
type Permutations struct {
	domain string
	now    func() time.Time
}

// NewPermutations creates a permutation source for domain.
func NewPermutations(domain string) *Permutations {
	return &Permutations{domain: domain, now: time.Now}
}

func (p *Permutations) Kind() probe.Kind { return probe.KindDNSBrute }

func (p *Permutations) Candidates() ([]probe.Candidate, error) {
	parts := strings.Split(p.domain, ".")
	if len(parts) < 2 || parts[0] == "" {
		return nil, nil
	}

	baseName := parts[0]

	patterns := []string{
		"%s-dev", "%s-staging", "%s-prod", "%s-test",
		"%s-api", "%s-admin", "%s-portal", "%s-app",
		"dev-%s", "staging-%s", "prod-%s", "test-%s",
		"api-%s", "admin-%s", "portal-%s", "app-%s",
		"%s1", "%s2", "%s3", "%s01", "%s02", "%s03",
		"new-%s", "old-%s", "legacy-%s", "beta-%s",
		"%s-backup", "%s-temp", "%s-cdn", "%s-assets",
		"%s-us", "%s-eu", "%s-asia", "%s-uk",
	}

	var labels []string
	for _, pattern := range patterns {
		labels = append(labels, fmt.Sprintf(pattern, baseName))
	}

	currentYear := p.now().Year()
	for year := currentYear - 2; year <= currentYear; year++ {
		labels = append(labels, fmt.Sprintf("%s%d", baseName, year))
		labels = append(labels, fmt.Sprintf("%s-%d", baseName, year))
	}

	return fromValues(probe.KindDNSBrute, labels), nil
}
