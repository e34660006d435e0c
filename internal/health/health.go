// Package health serves the liveness and readiness probes.
//
//   - GET /healthz reports that the process can serve HTTP, plus any
//     registered details such as the number of open practice sessions.
//   - GET /readyz runs every registered check concurrently and answers 503
//     when one fails or the server is draining.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCheckTimeout bounds a single readiness check.
const DefaultCheckTimeout = 5 * time.Second

// CheckFunc probes one dependency. It must respect ctx.
type CheckFunc func(ctx context.Context) error

// Option configures a [Handler].
type Option func(*Handler)

// WithCheck adds a readiness check under name.
func WithCheck(name string, fn CheckFunc) Option {
	return func(h *Handler) {
		h.checks = append(h.checks, namedCheck{name: name, fn: fn})
	}
}

// WithDetail adds a value reported by /healthz. fn is called per request.
func WithDetail(name string, fn func() any) Option {
	return func(h *Handler) {
		h.details = append(h.details, namedDetail{name: name, fn: fn})
	}
}

// WithCheckTimeout overrides [DefaultCheckTimeout].
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

type namedCheck struct {
	name string
	fn   CheckFunc
}

type namedDetail struct {
	name string
	fn   func() any
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Report is the JSON body of both probes.
type Report struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Details map[string]any         `json:"details,omitempty"`
}

const (
	statusOK       = "ok"
	statusFail     = "fail"
	statusDraining = "draining"
)

// Handler serves /healthz and /readyz. Safe for concurrent use.
type Handler struct {
	checks   []namedCheck
	details  []namedDetail
	timeout  time.Duration
	draining atomic.Bool
}

// New returns a Handler with the given checks and details.
func New(opts ...Option) *Handler {
	h := &Handler{timeout: DefaultCheckTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetDraining marks the server as shutting down. /readyz then fails without
// running checks so load balancers stop routing new sessions here.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	rep := Report{Status: statusOK}
	if len(h.details) > 0 {
		rep.Details = make(map[string]any, len(h.details))
		for _, d := range h.details {
			rep.Details[d.name] = d.fn()
		}
	}
	writeJSON(w, http.StatusOK, rep)
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, Report{Status: statusDraining})
		return
	}

	rep := h.Run(r.Context())
	status := http.StatusOK
	if rep.Status != statusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Run executes every check concurrently and collects the results.
func (h *Handler) Run(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checks))

	var wg sync.WaitGroup
	for i, c := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := c.fn(cctx)
			res := CheckResult{Status: statusOK, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = statusFail
				res.Error = err.Error()
			}
			results[i] = res
		}()
	}
	wg.Wait()

	rep := Report{Status: statusOK, Checks: make(map[string]CheckResult, len(h.checks))}
	for i, c := range h.checks {
		rep.Checks[c.name] = results[i]
		if results[i].Status != statusOK {
			rep.Status = statusFail
		}
	}
	return rep
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
