package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultReadinessTimeout = 2 * time.Second

// ReadinessCheck probes one dependency.
type ReadinessCheck func(ctx context.Context) error

// HealthOption customises a HealthHandler.
type HealthOption func(*HealthHandler)

// WithReadinessCheck registers a named probe reported by /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) HealthOption {
	return func(h *HealthHandler) {
		if name == "" || check == nil {
			return
		}
		h.names = append(h.names, name)
		h.checks[name] = check
	}
}

// WithReadinessTimeout bounds each probe.
func WithReadinessTimeout(timeout time.Duration) HealthOption {
	return func(h *HealthHandler) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// HealthHandler exposes liveness and readiness information.
type HealthHandler struct {
	startedAt time.Time
	names     []string
	checks    map[string]ReadinessCheck
	timeout   time.Duration
}

// NewHealthHandler builds a new health handler instance.
func NewHealthHandler(opts ...HealthOption) *HealthHandler {
	h := &HealthHandler{
		startedAt: time.Now().UTC(),
		checks:    make(map[string]ReadinessCheck),
		timeout:   defaultReadinessTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Status reports liveness.
func (h *HealthHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		StartedAt: h.startedAt,
	})
}

// Ready runs every probe concurrently. The service stays ready while at least
// one session tier answers, reporting "degraded" if any probe failed.
func (h *HealthHandler) Ready(c *gin.Context) {
	results := h.probe(c.Request.Context())

	up := 0
	for _, state := range results {
		if state == "up" {
			up++
		}
	}

	resp := HealthResponse{StartedAt: h.startedAt, Checks: results}
	switch {
	case len(results) == 0 || up == len(results):
		resp.Status = "ok"
		c.JSON(http.StatusOK, resp)
	case up > 0:
		resp.Status = "degraded"
		c.JSON(http.StatusOK, resp)
	default:
		resp.Status = "unavailable"
		c.JSON(http.StatusServiceUnavailable, resp)
	}
}

func (h *HealthHandler) probe(ctx context.Context) map[string]string {
	results := make(map[string]string, len(h.names))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, name := range h.names {
		wg.Add(1)
		go func(name string, check ReadinessCheck) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			state := "up"
			if err := check(probeCtx); err != nil {
				state = "down"
			}
			mu.Lock()
			results[name] = state
			mu.Unlock()
		}(name, h.checks[name])
	}

	wg.Wait()
	return results
}
