package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	oauth "github.com/giantswarm/mcp-authserver"
	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/security"
)

const shutdownTimeout = 10 * time.Second

func runServe(cctx *cli.Context) error {
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsEnabled := cctx.Bool("metrics")
	exporter := instrumentation.MetricsExporterNone
	if metricsEnabled {
		exporter = instrumentation.MetricsExporterPrometheus
	}
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceVersion:  version,
		Enabled:         metricsEnabled,
		MetricsExporter: exporter,
	})
	if err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}
	defer func() {
		if err := inst.Shutdown(context.Background()); err != nil {
			logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}()

	b, err := openBackend(ctx, backendOptionsFromCLI(cctx), inst, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	srv, err := oauth.NewServer(b.store, &oauth.ServerConfig{
		AccessTokenTTL:           int64(cctx.Duration("access-token-ttl").Seconds()),
		RefreshTokenTTL:          int64(cctx.Duration("refresh-token-ttl").Seconds()),
		CascadeRefreshRevocation: cctx.Bool("cascade-revocation"),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Shutdown()

	srv.SetInstrumentation(inst)
	srv.SetAuditor(security.NewAuditor(logger, cctx.Bool("audit")))
	if b.limiter != nil {
		srv.SetRegistrationLimiter(b.limiter)
	}

	var identity oauth.IdentityResolver
	if header := cctx.String("user-header"); header != "" {
		identity = headerIdentity(header)
	} else {
		logger.Warn("No user header configured; authorization requests will fail")
	}

	handler := oauth.NewHandler(srv, &oauth.Config{
		Issuer: cctx.String("issuer"),
		RateLimit: oauth.RateLimitConfig{
			Rate:  cctx.Float64("rate-limit"),
			Burst: cctx.Int("rate-limit-burst"),
		},
		TrustProxy: cctx.Bool("trust-proxy"),
		Logger:     logger,
	}, identity)
	defer handler.Close()

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if metricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	httpServer := &http.Server{
		Addr:              cctx.String("listen"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Authorization server listening",
			"addr", httpServer.Addr,
			"issuer", cctx.String("issuer"),
			"backend", cctx.String("backend"))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// headerIdentity trusts a user ID header set by an authenticating reverse proxy
func headerIdentity(header string) oauth.IdentityResolver {
	return oauth.IdentityResolverFunc(func(r *http.Request) (string, error) {
		return r.Header.Get(header), nil
	})
}
