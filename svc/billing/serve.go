package billing

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/logger"
)

var (
	// ErrServerStart indicates the billing HTTP server failed to start.
	ErrServerStart = errors.New("failed to start billing HTTP server")
	// ErrServerShutdown indicates graceful shutdown did not complete in time.
	ErrServerShutdown = errors.New("failed to shutdown billing HTTP server gracefully")
)

// ServerConfig holds the listener settings for the standalone billing server.
type ServerConfig struct {
	Addr            string        `env:"BILLING_HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"BILLING_HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"BILLING_HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"BILLING_HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"BILLING_HTTP_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// Serve runs the billing API as a standalone HTTP server with graceful
// shutdown. It blocks until the context is cancelled or an interrupt/TERM
// signal arrives, then drains in-flight requests within the shutdown timeout.
//
// The readiness checks are probed by GET /healthz: backend healthcheck
// functions (pkg/redis.Healthcheck, pkg/pg.Healthcheck, pkg/mongo.Healthcheck)
// plug in here so the platform's orchestrator only routes traffic once the
// ledger backends answer.
func (s *Service) Serve(ctx context.Context, cfg ServerConfig, readiness ...func(context.Context) error) error {
	r := s.Router()
	r.Get("/healthz", s.healthHandler(readiness...))

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	s.log.InfoContext(ctx, "billing server listening", "addr", cfg.Addr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Join(ErrServerStart, err)
		}
		return nil
	case <-ctx.Done():
	case <-stop:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	s.log.InfoContext(ctx, "billing server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Join(ErrServerShutdown, err)
	}
	return nil
}

// healthHandler doubles as liveness probe (no readiness checks configured)
// and readiness probe (every check must pass).
func (s *Service) healthHandler(readiness ...func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(readiness) == 0 {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ALIVE"))
			return
		}

		for _, check := range readiness {
			if err := check(r.Context()); err != nil {
				s.log.ErrorContext(r.Context(), "readiness check failed", logger.Error(err))
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte("NOT_READY"))
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	}
}
