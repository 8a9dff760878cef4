// Package health provides readiness probes and the startup checks of both
// binaries.
//
// The HTTP side exposes two endpoints:
//
//   - /healthz: liveness; always 200 OK.
//   - /readyz: 200 only when every registered [Checker] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
//
// [Startup] runs the same checkers once before the main loop: a failing
// critical checker aborts startup, any other failure is logged as a warning.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single check may take before its
// context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check.
type Checker struct {
	// Name appears as a key in the JSON response (e.g. "bus", "renderer").
	Name string

	// Check returns nil when the dependency is healthy. It must respect
	// context cancellation.
	Check func(ctx context.Context) error

	// Critical marks a dependency the process cannot run without.
	Critical bool
}

// Flag returns a checker that fails with reason while ok reports false.
func Flag(name string, ok func() bool, reason string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if ok() {
				return nil
			}
			return errors.New(reason)
		},
	}
}

// Result is the outcome of one checker.
type Result struct {
	Name     string
	Err      error
	Critical bool
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers sequentially on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Evaluate runs every checker once, each under a [checkTimeout] deadline
// derived from ctx.
func (h *Handler) Evaluate(ctx context.Context) []Result {
	out := make([]Result, 0, len(h.checkers))
	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()
		out = append(out, Result{Name: c.Name, Err: err, Critical: c.Critical})
	}
	return out
}

// Startup evaluates the checkers, logs every non-critical failure and
// returns the joined errors of the critical ones.
func (h *Handler) Startup(ctx context.Context) error {
	var errs []error
	for _, r := range h.Evaluate(ctx) {
		switch {
		case r.Err == nil:
			slog.Debug("health: startup check passed", "check", r.Name)
		case r.Critical:
			errs = append(errs, fmt.Errorf("health: %s: %w", r.Name, r.Err))
		default:
			slog.Warn("health: startup check failed, continuing", "check", r.Name, "err", r.Err)
		}
	}
	return errors.Join(errs...)
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := h.Evaluate(r.Context())
	checks := make(map[string]string, len(results))
	allOK := true
	for _, res := range results {
		if res.Err != nil {
			checks[res.Name] = "fail: " + res.Err.Error()
			allOK = false
		} else {
			checks[res.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
