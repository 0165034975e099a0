// Package health serves the probe endpoints on the metrics listener.
//
// /healthz answers 200 as long as the process serves HTTP. /readyz runs the
// registered dependency checks (Redis, provider breakers) and answers 503
// with a per-check breakdown when any of them fails, which keeps the PBX
// from routing new calls at a bridge that cannot take them.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds one dependency probe.
const checkTimeout = 5 * time.Second

// Checker probes one dependency the bridge needs before it can take calls.
type Checker struct {
	// Name keys the check's entry in the /readyz response body.
	Name string

	// Check reports nil when the dependency is usable. It must honor ctx.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The check list is fixed at
// construction, so concurrent requests need no locking.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given checks. /readyz runs them in order.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz answers the liveness probe. Serving the request is the proof.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, result{Status: "ok"})
}

// Readyz answers the readiness probe: 200 when every check passes, 503
// naming the failing checks otherwise. A hung dependency costs at most
// checkTimeout per check.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}

	respond(w, status, res)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
