// Package api serves the live status of running scans: session state,
// findings and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/config"
	"github.com/CodeMonkeyCybersecurity/tarantula/internal/core"
	"github.com/CodeMonkeyCybersecurity/tarantula/internal/logger"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

const shutdownTimeout = 10 * time.Second

// Server wires the gin router to a session store.
type Server struct {
	store   core.ScanStore
	metrics core.MetricsHandler
	logger  *logger.Logger
	version string
	router  *gin.Engine
}

// NewServer builds the router. metrics may be nil, in which case /metrics
// is not registered.
func NewServer(store core.ScanStore, metrics core.MetricsHandler, rl config.RateLimitConfig, log *logger.Logger, version string) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		store:   store,
		metrics: metrics,
		logger:  log.WithComponent("api"),
		version: version,
		router:  gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.GET("/health", s.health)
	if metrics != nil {
		s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	scans := s.router.Group("/api/scans")
	scans.Use(RateLimitMiddleware(rl))
	{
		scans.GET("", s.listScans)
		scans.GET("/:id", s.getScan)
		scans.GET("/:id/findings", s.getFindings)
	}

	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Infow("Status API listening", "address", addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status API: %w", err)

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status API shutdown failed: %w", err)
		}
		s.logger.Infow("Status API stopped")
		return nil
	}
}

func (s *Server) health(c *gin.Context) {
	running := 0
	for _, sess := range s.store.List() {
		if sess.Status() == types.ScanStatusRunning {
			running++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"healthy":       true,
		"version":       s.version,
		"running_scans": running,
		"timestamp":     time.Now().Unix(),
	})
}

func (s *Server) listScans(c *gin.Context) {
	sessions := s.store.List()
	out := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		info := sess.Info()
		out = append(out, gin.H{
			"id":       info.ID,
			"target":   info.Target,
			"status":   info.Status,
			"phase":    info.Phase,
			"findings": info.Summary.Total,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getScan(c *gin.Context) {
	sess, ok := s.store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Scan not found"})
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

// getFindings lists the findings of one scan. Query parameters kind, tool,
// min_severity and limit narrow the result.
func (s *Server) getFindings(c *gin.Context) {
	sess, ok := s.store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Scan not found"})
		return
	}

	filter, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out := []types.Finding{}
	for _, f := range sess.Aggregate.Snapshot() {
		if !filter.Match(f) {
			continue
		}
		out = append(out, f)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"scan_id":  sess.ID,
		"status":   sess.Status(),
		"count":    len(out),
		"findings": out,
	})
}

func parseFilter(c *gin.Context) (core.FindingFilter, error) {
	var f core.FindingFilter

	if kind := strings.TrimSpace(c.Query("kind")); kind != "" {
		f.Kind = types.FindingKind(strings.ToLower(kind))
	}
	f.Tool = strings.TrimSpace(c.Query("tool"))

	if raw := c.Query("min_severity"); raw != "" {
		sev, ok := types.LookupSeverity(raw)
		if !ok {
			return f, fmt.Errorf("unknown severity %q", raw)
		}
		f.Severity = sev
	}

	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", raw)
		}
		f.Limit = n
	}

	return f, nil
}
