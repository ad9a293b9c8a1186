// Package health serves the liveness and readiness endpoints of yomiage.
//
//   - /healthz: liveness; always 200 while the process can serve HTTP.
//   - /readyz: readiness; 200 only when every registered [Checker] passes.
//
// Readiness covers the synthesis engine, the settings database, the Discord
// gateway and the engine circuit breaker. Responses are JSON objects with a
// top-level "status" ("ok" or "fail") and a "checks" map keyed by checker
// name. /readyz also reports how many guilds are connected.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/yomiage/internal/resilience"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Versioner is implemented by the VOICEVOX client.
type Versioner interface {
	Version(ctx context.Context) (string, error)
}

// Pinger is implemented by pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BreakerState is implemented by resilience.CircuitBreaker.
type BreakerState interface {
	State() resilience.State
}

// Engine reports the engine as ready when it answers /version.
func Engine(v Versioner) Checker {
	return Checker{Name: "voicevox", Check: func(ctx context.Context) error {
		if _, err := v.Version(ctx); err != nil {
			return err
		}
		return nil
	}}
}

// Database pings the settings database.
func Database(p Pinger) Checker {
	return Checker{Name: "database", Check: p.Ping}
}

// Gateway reports the Discord session as ready once the READY event arrived
// and no disconnect has been seen since.
func Gateway(ready func() bool) Checker {
	return Checker{Name: "discord", Check: func(context.Context) error {
		if !ready() {
			return errors.New("gateway not ready")
		}
		return nil
	}}
}

// Breaker fails while the engine circuit breaker is open. Half-open counts as
// ready so probes can reach the engine.
func Breaker(b BreakerState) Checker {
	return Checker{Name: "breaker", Check: func(context.Context) error {
		if s := b.State(); s == resilience.StateOpen {
			return fmt.Errorf("circuit %s", s)
		}
		return nil
	}}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Guilds *int              `json:"guilds,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	guilds   func() int
}

// Option configures a [Handler].
type Option func(*Handler)

// WithGuildCount adds the number of connected guilds to /readyz.
func WithGuildCount(fn func() int) Option {
	return func(h *Handler) { h.guilds = fn }
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently, each with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
	)

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	if h.guilds != nil {
		n := h.guilds()
		res.Guilds = &n
	}
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

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
