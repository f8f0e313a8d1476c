package candidates

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
)

// Ports is a source of TCP port candidates.
type Ports struct {
	ports []int
}

// CommonPorts returns the default port set.
func CommonPorts() *Ports {
	return &Ports{ports: commonPorts}
}

// ParsePorts parses a list like "22,80,443,8000-8100". An empty spec yields
// the common port set.
func ParsePorts(spec string) (*Ports, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return CommonPorts(), nil
	}

	var ports []int
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := parsePort(lo)
			if err != nil {
				return nil, err
			}
			end, err := parsePort(hi)
			if err != nil {
				return nil, err
			}
			if start > end {
				return nil, fmt.Errorf("invalid port range %q", part)
			}
			for p := start; p <= end; p++ {
				ports = append(ports, p)
			}
			continue
		}

		p, err := parsePort(part)
		if err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}

	return &Ports{ports: ports}, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}

func (p *Ports) Kind() probe.Kind { return probe.KindPort }

func (p *Ports) Candidates() ([]probe.Candidate, error) {
	out := make([]probe.Candidate, 0, len(p.ports))
	seen := make(map[int]bool, len(p.ports))
	for _, port := range p.ports {
		if seen[port] {
			continue
		}
		seen[port] = true
		out = append(out, probe.Candidate{Kind: probe.KindPort, Port: port})
	}
	return out, nil
}

var commonPorts = []int{
	21, 22, 23, 25, 53, 80, 110, 111, 135, 139, 143, 443, 993, 995, 1723, 3306,
	3389, 5432, 5900, 8080, 8443, 8888, 9000, 9001, 9090, 6379, 27017, 11211,
	389, 636, 88, 464, 749, 1433, 1521, 3268, 5985, 5986, 445, 137, 138,
	161, 162, 69, 123, 514, 515, 631, 548, 554, 1900, 5353, 5060, 5061,
	8000, 8001, 8008, 8009, 8010, 8081, 8082, 8083, 8089, 8090, 8091, 8092,
	9200, 9300, 5601, 2181, 2379, 4001, 6443, 10250, 10251, 10252, 10255,
	3000, 3001, 4000, 5000, 5001, 7000, 7001, 9999, 10000, 50000,
}
