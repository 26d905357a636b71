package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/filterstream/internal/metrics"
	"github.com/sawpanic/filterstream/stream"
)

// CheckFunc probes one dependency; nil means healthy
type CheckFunc func(ctx context.Context) error

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Stream    metrics.Snapshot       `json:"stream"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status     string `json:"status"` // "pass", "fail"
	Message    string `json:"message,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

const checkTimeout = 2 * time.Second

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   s.version,
		Stream:    s.metrics.Snapshot(),
		Checks:    s.runChecks(r.Context()),
	}

	switch response.Stream.State {
	case stream.StateStopped.String():
		response.Status = "unhealthy"
	case stream.StateAwaitingRetry.String():
		response.Status = "degraded"
	}
	if response.Status == "healthy" {
		for _, check := range response.Checks {
			if check.Status != "pass" {
				response.Status = "degraded"
				break
			}
		}
	}

	status := http.StatusOK
	if response.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, status, response)
}

func (s *Server) runChecks(ctx context.Context) map[string]CheckResult {
	s.mu.RLock()
	checks := make(map[string]CheckFunc, len(s.checks))
	for name, fn := range s.checks {
		checks[name] = fn
	}
	s.mu.RUnlock()
	if len(checks) == 0 {
		return nil
	}

	results := make(map[string]CheckResult, len(checks))
	for name, fn := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		start := time.Now()
		err := fn(checkCtx)
		cancel()

		result := CheckResult{Status: "pass", DurationMS: time.Since(start).Milliseconds()}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
		}
		results[name] = result
	}
	return results
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode monitor response")
	}
}
