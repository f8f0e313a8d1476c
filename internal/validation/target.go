package validation

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

// ErrPrivateTarget is returned for loopback, private and local-only targets
// when they have not been explicitly allowed.
var ErrPrivateTarget = errors.New("scanning private/local targets is not allowed without explicit authorization")

// ErrOutOfScope is returned for targets the scope file does not authorise.
var ErrOutOfScope = errors.New("target is not in scope")

var privateSuffixes = []string{
	".local",
	".internal",
	".lan",
	".test",
	".localhost",
}

// CheckTarget rejects targets on private or local networks unless
// allowPrivate is set, and targets outside scope when scope is non-nil.
func CheckTarget(t types.Target, scope *Scope, allowPrivate bool) error {
	if !allowPrivate && IsPrivate(t) {
		return fmt.Errorf("%s: %w", t.Host, ErrPrivateTarget)
	}
	if scope != nil && !scope.Allows(t.Host) {
		return fmt.Errorf("%s: %w", t.Host, ErrOutOfScope)
	}
	return nil
}

// IsPrivate reports whether the target is localhost, a private or
// link-local address, or uses a local-only suffix.
func IsPrivate(t types.Target) bool {
	if t.IsIP {
		addr, err := netip.ParseAddr(t.Host)
		if err != nil {
			return false
		}
		return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
	}

	if t.Host == "localhost" {
		return true
	}
	for _, suffix := range privateSuffixes {
		if strings.HasSuffix(t.Host, suffix) {
			return true
		}
	}
	return false
}
