package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
	"github.com/giantswarm/mcp-authserver/storage/memory"
	"github.com/giantswarm/mcp-authserver/storage/postgres"
	"github.com/giantswarm/mcp-authserver/storage/valkey"
)

type backendOptions struct {
	Backend              string
	DatabaseURL          string
	AutoMigrate          bool
	SweepInterval        time.Duration
	ValkeyAddr           string
	ValkeyPassword       string
	ValkeyPrefix         string
	Limiter              string
	RegistrationsPerHour int
}

func backendOptionsFromCLI(cctx *cli.Context) backendOptions {
	return backendOptions{
		Backend:              cctx.String("backend"),
		DatabaseURL:          cctx.String("database-url"),
		AutoMigrate:          cctx.Bool("migrate"),
		SweepInterval:        cctx.Duration("sweep-interval"),
		ValkeyAddr:           cctx.String("valkey-addr"),
		ValkeyPassword:       cctx.String("valkey-password"),
		ValkeyPrefix:         cctx.String("valkey-prefix"),
		Limiter:              cctx.String("limiter"),
		RegistrationsPerHour: cctx.Int("registrations-per-hour"),
	}
}

// backend is an opened store plus the registration limiter to install
type backend struct {
	store   storage.Store
	limiter security.RegistrationLimiter
	closers []func()
}

// Close releases everything opened by openBackend, in reverse order
func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, opts backendOptions, inst *instrumentation.Instrumentation, logger *slog.Logger) (*backend, error) {
	b := &backend{}

	var valkeyStore *valkey.Store
	openValkey := func() (*valkey.Store, error) {
		if valkeyStore != nil {
			return valkeyStore, nil
		}
		if opts.ValkeyAddr == "" {
			return nil, fmt.Errorf("--valkey-addr is required")
		}
		s, err := valkey.New(valkey.Config{
			Address:   opts.ValkeyAddr,
			Password:  opts.ValkeyPassword,
			KeyPrefix: opts.ValkeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		valkeyStore = s
		b.closers = append(b.closers, s.Close)
		return s, nil
	}

	switch opts.Backend {
	case backendMemory:
		s := memory.New()
		s.SetLogger(logger)
		s.SetInstrumentation(inst)
		b.store = s
		b.closers = append(b.closers, s.Stop)

	case backendPostgres:
		if opts.DatabaseURL == "" {
			return nil, fmt.Errorf("--database-url is required for the postgres backend")
		}
		if opts.AutoMigrate {
			if err := postgres.Migrate(opts.DatabaseURL); err != nil {
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		pool, err := postgres.Connect(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)

		s := postgres.New(pool, logger)
		b.store = s

		sweepCtx, cancel := context.WithCancel(context.Background())
		b.closers = append(b.closers, cancel)
		go sweepLoop(sweepCtx, s, opts.SweepInterval, logger)

	case backendValkey:
		s, err := openValkey()
		if err != nil {
			return nil, err
		}
		b.store = s

	default:
		b.Close()
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}

	switch opts.Limiter {
	case backendMemory:
		// server.New installs a process-local limiter; replace it only to change the quota.
		limiter := security.NewClientRegistrationRateLimiterWithConfig(security.RegistrationLimiterConfig{
			MaxPerWindow: opts.RegistrationsPerHour,
			Window:       time.Hour,
			Logger:       logger,
		})
		b.limiter = limiter
		b.closers = append(b.closers, limiter.Stop)
	case backendValkey:
		s, err := openValkey()
		if err != nil {
			b.Close()
			return nil, err
		}
		b.limiter = s.NewRegistrationLimiter(opts.RegistrationsPerHour, time.Hour)
	default:
		b.Close()
		return nil, fmt.Errorf("unknown registration limiter %q", opts.Limiter)
	}

	return b, nil
}

// sweepLoop periodically deletes expired rows from stores without native expiry
func sweepLoop(ctx context.Context, sweeper storage.Sweeper, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := sweeper.DeleteExpired(ctx, now)
			if err != nil {
				logger.Warn("Failed to delete expired rows", "error", err)
				continue
			}
			if removed > 0 {
				logger.Debug("Deleted expired rows", "count", removed)
			}
		}
	}
}
