package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bigbio/pride_downloader/internal/logctx"
)

// NewRouter exposes /metrics and /health.
func NewRouter(t *Telemetry) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", t.Handler())

	return r
}

// Serve runs a metrics server on addr until ctx is done.
func Serve(ctx context.Context, addr string, t *Telemetry) error {
	logger := logctx.LoggerFromContext(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(t),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "err", err)
		}
	}()

	logger.Info("metrics server listening", "addr", addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
