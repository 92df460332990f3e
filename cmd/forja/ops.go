package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/doumen/vana-forja/internal/app"
	"github.com/doumen/vana-forja/internal/health"
	"github.com/doumen/vana-forja/internal/observe"
)

// opsServer serves the health probes and the metrics endpoint.
type opsServer struct {
	srv  *http.Server
	ln   net.Listener
	done chan error
}

// opsHandler routes /healthz, /readyz and /metrics. Every request is
// recorded by m.
func opsHandler(a *app.App, metrics http.Handler, m *observe.Metrics) http.Handler {
	mux := http.NewServeMux()
	health.New(
		health.StoreCheck(a.Store()),
		health.BudgetCheck(a.Ledger()),
	).Register(mux)
	mux.Handle("GET /metrics", metrics)
	return observe.Middleware(m)(mux)
}

// startOps listens on addr and serves h in the background.
func startOps(addr string, h http.Handler) (*opsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ops server: listen %q: %w", addr, err)
	}
	o := &opsServer{
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:   ln,
		done: make(chan error, 1),
	}
	go func() {
		err := o.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		o.done <- err
	}()
	slog.Info("ops server listening", "addr", ln.Addr().String())
	return o, nil
}

// Addr returns the bound address.
func (o *opsServer) Addr() string { return o.ln.Addr().String() }

// Shutdown stops accepting requests and waits for in-flight ones.
func (o *opsServer) Shutdown(ctx context.Context) error {
	if err := o.srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-o.done
}
