// Command authserver runs the MCP OAuth 2.1 authorization server.
//
// Settings come from flags or the matching environment variables; a .env file
// in the working directory is loaded first when present.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/giantswarm/mcp-authserver/storage/postgres"
)

// version is set at build time
var version = "dev"

const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
	backendValkey   = "valkey"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	if err := newApp().Run(os.Args); err != nil {
		slog.Error("authserver failed", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "authserver",
		Usage:   "OAuth 2.1 authorization server for MCP",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level: debug, info, warn, error",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "log format: text or json",
				Value:   "text",
				EnvVars: []string{"LOG_FORMAT"},
			},
		},
		Before: func(cctx *cli.Context) error {
			logger, err := newLogger(cctx.String("log-level"), cctx.String("log-format"))
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the authorization server",
		Action: runServe,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "HTTP listen address",
				Value:   ":8080",
				EnvVars: []string{"LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:     "issuer",
				Usage:    "public base URL of this server",
				Required: true,
				EnvVars:  []string{"OAUTH_ISSUER"},
			},
			&cli.StringFlag{
				Name:    "backend",
				Usage:   "storage backend: memory, postgres or valkey",
				Value:   backendMemory,
				EnvVars: []string{"STORAGE_BACKEND"},
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "PostgreSQL connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.BoolFlag{
				Name:    "migrate",
				Usage:   "apply database migrations before serving (postgres backend)",
				EnvVars: []string{"DATABASE_AUTO_MIGRATE"},
			},
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Usage:   "how often expired rows are deleted (postgres backend)",
				Value:   10 * time.Minute,
				EnvVars: []string{"SWEEP_INTERVAL"},
			},
			&cli.StringFlag{
				Name:    "valkey-addr",
				Usage:   "Valkey address for the valkey backend or the shared registration limiter",
				EnvVars: []string{"VALKEY_ADDR"},
			},
			&cli.StringFlag{
				Name:    "valkey-password",
				EnvVars: []string{"VALKEY_PASSWORD"},
			},
			&cli.StringFlag{
				Name:    "valkey-prefix",
				Usage:   "key prefix in Valkey",
				Value:   "mcp:",
				EnvVars: []string{"VALKEY_KEY_PREFIX"},
			},
			&cli.StringFlag{
				Name:    "limiter",
				Usage:   "client registration limiter: memory (per instance) or valkey (shared)",
				Value:   backendMemory,
				EnvVars: []string{"REGISTRATION_LIMITER"},
			},
			&cli.IntFlag{
				Name:    "registrations-per-hour",
				Usage:   "client registrations allowed per IP per hour",
				Value:   10,
				EnvVars: []string{"REGISTRATIONS_PER_HOUR"},
			},
			&cli.Float64Flag{
				Name:    "rate-limit",
				Usage:   "requests per second per IP, negative disables",
				Value:   10,
				EnvVars: []string{"RATE_LIMIT"},
			},
			&cli.IntFlag{
				Name:    "rate-limit-burst",
				Value:   20,
				EnvVars: []string{"RATE_LIMIT_BURST"},
			},
			&cli.BoolFlag{
				Name:    "trust-proxy",
				Usage:   "trust X-Forwarded-For from a reverse proxy",
				EnvVars: []string{"TRUST_PROXY"},
			},
			&cli.StringFlag{
				Name:    "user-header",
				Usage:   "request header carrying the user ID set by an authenticating proxy",
				EnvVars: []string{"USER_HEADER"},
			},
			&cli.DurationFlag{
				Name:    "access-token-ttl",
				Value:   time.Hour,
				EnvVars: []string{"ACCESS_TOKEN_TTL"},
			},
			&cli.DurationFlag{
				Name:    "refresh-token-ttl",
				Value:   30 * 24 * time.Hour,
				EnvVars: []string{"REFRESH_TOKEN_TTL"},
			},
			&cli.BoolFlag{
				Name:    "cascade-revocation",
				Usage:   "revoking a refresh token also revokes its access tokens",
				EnvVars: []string{"CASCADE_REVOCATION"},
			},
			&cli.BoolFlag{
				Name:    "metrics",
				Usage:   "expose Prometheus metrics on /metrics",
				EnvVars: []string{"METRICS_ENABLED"},
			},
			&cli.BoolFlag{
				Name:    "audit",
				Usage:   "log security audit events",
				Value:   true,
				EnvVars: []string{"AUDIT_ENABLED"},
			},
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply PostgreSQL migrations and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "PostgreSQL connection URL",
				Required: true,
				EnvVars:  []string{"DATABASE_URL"},
			},
		},
		Action: func(cctx *cli.Context) error {
			if err := postgres.Migrate(cctx.String("database-url")); err != nil {
				return err
			}
			slog.Info("Database migrations applied")
			return nil
		},
	}
}

// newLogger builds the process logger
func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
