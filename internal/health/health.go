// Package health serves the monitoring endpoint for the voice server.
//
// GET /health reports the supervised llama.cpp subprocess state:
//
//	{"status":"ok","llama_running":true,"llama_healthy":true}
//
// The status field turns "degraded" (with a 503) when the supervised process
// is down, which covers both an unexpected exit awaiting restart and a
// supervisor that gave up after hitting its restart cap.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds the subprocess health probe per request.
const checkTimeout = 5 * time.Second

// LlamaReporter is the supervisor view the handler needs.
type LlamaReporter interface {
	// IsRunning reports whether the subprocess is alive.
	IsRunning() bool

	// HealthCheck probes the subprocess HTTP endpoint. It must respect
	// context cancellation.
	HealthCheck(ctx context.Context) error
}

// Status is the GET /health response body.
type Status struct {
	// Status is "ok", or "degraded" when the supervised process is down.
	Status string `json:"status"`

	// LlamaRunning reports subprocess liveness.
	LlamaRunning bool `json:"llama_running"`

	// LlamaHealthy reports whether the subprocess answered its health probe.
	LlamaHealthy bool `json:"llama_healthy"`
}

// Handler serves GET /health. Safe for concurrent use; the reporter is fixed
// at construction time.
type Handler struct {
	llama LlamaReporter
}

// New creates a [Handler]. A nil reporter means no subprocess is supervised:
// the endpoint then always reports "ok" with both llama fields false.
func New(llama LlamaReporter) *Handler {
	return &Handler{llama: llama}
}

// ServeHTTP answers the health probe. A degraded server responds 503 so load
// balancers and probes can react without parsing the body.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res := Status{Status: "ok"}

	if h.llama != nil {
		res.LlamaRunning = h.llama.IsRunning()
		if res.LlamaRunning {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			res.LlamaHealthy = h.llama.HealthCheck(ctx) == nil
			cancel()
		} else {
			res.Status = "degraded"
		}
	}

	code := http.StatusOK
	if res.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

// Register adds the /health route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /health", h)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
