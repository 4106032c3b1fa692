package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Checker probes one external dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// Critical marks checkers whose failure makes the whole service unhealthy
// rather than degraded.
type Critical interface {
	Critical() bool
}

// CheckResult is the status of one dependency.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// HealthResponse is the aggregate health report.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc struct {
	CheckName  string
	Fn         func(ctx context.Context) error
	IsCritical bool
}

func (c CheckFunc) Name() string                    { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }
func (c CheckFunc) Critical() bool                  { return c.IsCritical }

func handleHealth(logger *slog.Logger, checkers []Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		var mu sync.Mutex
		checks := make(map[string]CheckResult, len(checkers))
		anyCriticalDown, anyDown := false, false

		var wg sync.WaitGroup
		for _, c := range checkers {
			wg.Add(1)
			go func(c Checker) {
				defer wg.Done()
				start := time.Now()
				err := c.Check(ctx)
				critical := false
				if crit, ok := c.(Critical); ok {
					critical = crit.Critical()
				}

				// Each check reports the same tri-state as the aggregate: a
				// failing critical dependency is unhealthy, a failing
				// optional one only degrades.
				res := CheckResult{Status: "healthy", LatencyMs: time.Since(start).Milliseconds()}
				if err != nil {
					logger.Error("health check failed", "name", c.Name(), "error", err)
					res.Status = "degraded"
					if critical {
						res.Status = "unhealthy"
					}
					res.Error = err.Error()
				}

				mu.Lock()
				checks[c.Name()] = res
				if err != nil {
					anyDown = true
					if critical {
						anyCriticalDown = true
					}
				}
				mu.Unlock()
			}(c)
		}
		wg.Wait()

		status, httpStatus := "healthy", http.StatusOK
		switch {
		case anyCriticalDown:
			status, httpStatus = "unhealthy", http.StatusServiceUnavailable
		case anyDown:
			// Still serving sessions, but a non-critical collaborator is out.
			status = "degraded"
		}

		writeJSON(w, httpStatus, HealthResponse{Status: status, Checks: checks})
	}
}
