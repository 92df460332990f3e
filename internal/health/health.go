// Package health serves the liveness and readiness probes of the forja ops
// endpoint.
//
//   - /healthz answers 200 while the process can serve HTTP.
//   - /readyz answers 200 only when every [Checker] passes: the cache and
//     ledger store is reachable and today's budget still has headroom.
//
// Both respond with {"status": "ok"|"fail", "checks": {name: result}}.
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

	"github.com/doumen/vana-forja/internal/oracle"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrNoHeadroom is reported by [BudgetCheck] when a spending cap is reached.
var ErrNoHeadroom = errors.New("health: budget exhausted")

// Checker is a named readiness probe. Check returns nil when the dependency
// is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each under [checkTimeout], and
// answers 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		failed bool
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
				failed = true
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if failed {
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

// Pinger is satisfied by every store backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck reports whether the cache and ledger store answers.
func StoreCheck(p Pinger) Checker {
	return Checker{Name: "store", Check: p.Ping}
}

// BudgetReporter is satisfied by [oracle.Ledger].
type BudgetReporter interface {
	Summary(ctx context.Context) (oracle.Summary, error)
}

// BudgetCheck fails once either spending cap is reached. A non-positive cap
// never fails.
func BudgetCheck(b BudgetReporter) Checker {
	return Checker{Name: "budget", Check: func(ctx context.Context) error {
		s, err := b.Summary(ctx)
		if err != nil {
			return err
		}
		if s.LimitDay > 0 && s.TodayUSD >= s.LimitDay {
			return fmt.Errorf("%w: day %.4f of %.2f", ErrNoHeadroom, s.TodayUSD, s.LimitDay)
		}
		if s.LimitMonth > 0 && s.MonthUSD >= s.LimitMonth {
			return fmt.Errorf("%w: month %.4f of %.2f", ErrNoHeadroom, s.MonthUSD, s.LimitMonth)
		}
		return nil
	}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
