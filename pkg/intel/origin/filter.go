package origin

import (
	"fmt"
	"net/netip"
)

// CloudflareRanges are the published Cloudflare edge networks.
var CloudflareRanges = []string{
	"173.245.48.0/20",
	"103.21.244.0/22",
	"103.22.200.0/22",
	"103.31.4.0/22",
	"141.101.64.0/18",
	"108.162.192.0/18",
	"190.93.240.0/20",
	"188.114.96.0/20",
	"197.234.240.0/22",
	"198.41.128.0/17",
	"162.158.0.0/15",
	"104.16.0.0/13",
	"104.24.0.0/14",
	"172.64.0.0/13",
	"131.0.72.0/22",
	"2400:cb00::/32",
	"2606:4700::/32",
	"2803:f800::/32",
	"2405:b500::/32",
	"2405:8100::/32",
	"2a06:98c0::/29",
	"2c0f:f248::/32",
}

// EdgeFilter recognises addresses owned by a CDN edge network. It is
// immutable after construction.
type EdgeFilter struct {
	prefixes []netip.Prefix
}

// NewEdgeFilter parses cidrs. An empty list selects CloudflareRanges.
func NewEdgeFilter(cidrs []string) (*EdgeFilter, error) {
	if len(cidrs) == 0 {
		cidrs = CloudflareRanges
	}

	f := &EdgeFilter{prefixes: make([]netip.Prefix, 0, len(cidrs))}
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid edge range %q: %w", c, err)
		}
		f.prefixes = append(f.prefixes, p.Masked())
	}
	return f, nil
}

// Contains reports whether ip is inside an edge range. Unparseable input
// is not.
func (f *EdgeFilter) Contains(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
