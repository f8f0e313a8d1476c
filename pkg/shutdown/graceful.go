package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/logger"
)

// Handler cancels a scan on SIGINT or SIGTERM and runs cleanup functions
// once the scan has unwound. A second signal, or a scan that does not stop
// within the grace period, exits the process.
type Handler struct {
	shutdownFuncs []func() error
	mu            sync.Mutex
	logger        *logger.Logger
	grace         time.Duration

	// replaced in tests
	notify func(chan<- os.Signal)
	exit   func(code int)
}

// NewHandler creates a handler. A zero grace period never forces an exit.
func NewHandler(log *logger.Logger, grace time.Duration) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		logger: log.WithComponent("shutdown"),
		grace:  grace,
		notify: func(c chan<- os.Signal) { signal.Notify(c, syscall.SIGINT, syscall.SIGTERM) },
		exit:   os.Exit,
	}
}

// RegisterShutdownFunc registers a function to be called during shutdown.
func (h *Handler) RegisterShutdownFunc(fn func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdownFuncs = append(h.shutdownFuncs, fn)
}

// Context returns a child of parent that is cancelled on the first signal.
// Call the returned stop function once the work is done to release the
// signal watcher.
func (h *Handler) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 2)
	h.notify(sigChan)

	stopped := make(chan struct{})
	go func() {
		select {
		case sig := <-sigChan:
			h.logger.Infow("Received signal, stopping scan", "signal", sig.String())
			cancel()
		case <-stopped:
			return
		}

		var force <-chan time.Time
		if h.grace > 0 {
			timer := time.NewTimer(h.grace)
			defer timer.Stop()
			force = timer.C
		}

		select {
		case sig := <-sigChan:
			h.logger.Warnw("Second signal, exiting immediately", "signal", sig.String())
			h.exit(1)
		case <-force:
			h.logger.Warnw("Graceful shutdown timed out, exiting", "grace", h.grace.String())
			h.exit(1)
		case <-stopped:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigChan)
			close(stopped)
			cancel()
		})
	}
}

// Shutdown runs the registered functions in reverse order and returns
// their joined errors.
func (h *Handler) Shutdown() error {
	h.mu.Lock()
	funcs := h.shutdownFuncs
	h.shutdownFuncs = nil
	h.mu.Unlock()

	var errs []error
	for i := len(funcs) - 1; i >= 0; i-- {
		if err := funcs[i](); err != nil {
			h.logger.Errorw("Error during shutdown", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
