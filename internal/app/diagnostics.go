package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/murmur/internal/health"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/statusfeed"
)

const diagnosticsShutdownTimeout = 5 * time.Second

// NewDiagnostics returns the diagnostics server: /healthz and /readyz,
// /metrics when metrics is non-nil and the /ws/status feed when feed is
// non-nil. Every route is instrumented with m.
func NewDiagnostics(addr string, h *health.Handler, metrics http.Handler, feed *statusfeed.Feed, m *observe.Metrics) *http.Server {
	mux := http.NewServeMux()
	if h != nil {
		h.Register(mux)
	}
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	if feed != nil {
		mux.Handle("GET /ws/status", feed)
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ServeDiagnostics runs srv until ctx ends, then shuts it down gracefully.
func ServeDiagnostics(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		slog.Info("app: diagnostics listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), diagnosticsShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Warn("app: diagnostics shutdown", "err", err)
	}
	return nil
}
