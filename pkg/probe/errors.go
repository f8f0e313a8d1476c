package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

var (
	// ErrNegative marks an expected absence: the candidate does not exist.
	// Outcomes carrying it are discarded without logging.
	ErrNegative = errors.New("candidate absent")

	// ErrPanic marks a probe function that panicked.
	ErrPanic = errors.New("probe panicked")
)

// Negative wraps reason as an expected absence.
func Negative(reason string) error {
	return fmt.Errorf("%w: %s", ErrNegative, reason)
}

// NetError maps a network error to ErrNegative when it only says the
// candidate is not there: DNS not found, connection refused, dial timeout.
// Other errors are returned unchanged.
func NetError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNegative) {
		return err
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsNotFound || dnsErr.IsTimeout) {
		return fmt.Errorf("%w: %v", ErrNegative, err)
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrNegative, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrNegative, err)
	}

	return err
}
