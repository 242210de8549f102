package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-authserver/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "mcp:"

	// DefaultExpiredRetention is how long code and token rows outlive their
	// expiry before Valkey drops them
	DefaultExpiredRetention = time.Minute

	// tokenIDLogLength is the number of characters to include when logging codes
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// minKeyTTL keeps PX arguments positive for rows inserted already expired
	minKeyTTL = time.Millisecond
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "mcp:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// ExpiredRetention keeps expired rows readable for a while so callers can
	// tell "expired" from "unknown". Default: 1 minute
	ExpiredRetention time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
// Codes and tokens carry a PX expiry, so the store does not implement
// storage.Sweeper.
type Store struct {
	client    valkeygo.Client
	prefix    string
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Compile-time interface checks
var (
	_ storage.Store              = (*Store)(nil)
	_ storage.AccessTokenRevoker = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.ExpiredRetention
	if retention <= 0 {
		retention = DefaultExpiredRetention
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:    client,
		prefix:    prefix,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// ============================================================
// Key Helpers
// ============================================================

// clientKey returns {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// codeKey returns {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// codeUsedKey returns {prefix}code:used:{code}
func (s *Store) codeUsedKey(code string) string {
	return fmt.Sprintf("%scode:used:%s", s.prefix, code)
}

// tokenKey returns {prefix}token:{hash}
func (s *Store) tokenKey(tokenHash string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, tokenHash)
}

// tokenRevokedKey returns {prefix}token:revoked:{hash}
func (s *Store) tokenRevokedKey(tokenHash string) string {
	return fmt.Sprintf("%stoken:revoked:%s", s.prefix, tokenHash)
}

// refreshAccessKey returns {prefix}refresh:access:{refreshTokenID}, the set of
// access token hashes minted from a refresh token
func (s *Store) refreshAccessKey(refreshTokenID string) string {
	return fmt.Sprintf("%srefresh:access:%s", s.prefix, refreshTokenID)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaSetMarkerOnce writes a marker key next to an existing row, only if the
// marker is absent. The marker inherits the row's remaining TTL. Rows are
// never rewritten, so used_at and revoked_at live in the marker value.
//
// KEYS[1] = row key
// KEYS[2] = marker key
// ARGV[1] = marker value (RFC 3339 timestamp)
//
// Returns 1 if the marker was written, 0 if the row is missing or the marker
// already exists.
const luaSetMarkerOnce = `
local ttl = redis.call('PTTL', KEYS[1])
if ttl == -2 then
    return 0
end

local ok
if ttl > 0 then
    ok = redis.call('SET', KEYS[2], ARGV[1], 'NX', 'PX', ttl)
else
    ok = redis.call('SET', KEYS[2], ARGV[1], 'NX')
end

if ok then
    return 1
end
return 0
`

// luaInsertToken stores a token row only if its hash is new. For access rows
// the hash is also added to the refresh token's access set, whose TTL is
// extended to cover the new row.
//
// KEYS[1] = token key
// KEYS[2] = refresh access set key (optional)
// ARGV[1] = JSON row
// ARGV[2] = TTL in milliseconds
// ARGV[3] = token hash (when KEYS[2] is set)
//
// Returns 1 on insert, 0 if the key already exists.
const luaInsertToken = `
if not redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
    return 0
end

if #KEYS > 1 then
    redis.call('SADD', KEYS[2], ARGV[3])
    if redis.call('PTTL', KEYS[2]) < tonumber(ARGV[2]) then
        redis.call('PEXPIRE', KEYS[2], ARGV[2])
    end
end

return 1
`

// setMarkerOnce runs luaSetMarkerOnce and reports whether the marker was written
func (s *Store) setMarkerOnce(ctx context.Context, rowKey, markerKey string, at time.Time) (bool, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSetMarkerOnce).
			Numkeys(2).
			Key(rowKey, markerKey).
			Arg(at.UTC().Format(time.RFC3339Nano)).
			Build(),
	).AsInt64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// getRowAndMarker fetches a JSON row and its marker in one round trip.
// A missing row returns found=false; a missing marker returns a nil time.
func (s *Store) getRowAndMarker(ctx context.Context, rowKey, markerKey string) (row string, marker *time.Time, found bool, err error) {
	values, err := s.client.Do(ctx, s.client.B().Mget().Key(rowKey, markerKey).Build()).ToArray()
	if err != nil {
		return "", nil, false, err
	}
	if len(values) != 2 {
		return "", nil, false, fmt.Errorf("unexpected MGET reply length %d", len(values))
	}

	row, err = values[0].ToString()
	if err != nil {
		if isNilError(err) {
			return "", nil, false, nil
		}
		return "", nil, false, err
	}

	raw, err := values[1].ToString()
	if err != nil {
		if isNilError(err) {
			return row, nil, true, nil
		}
		return "", nil, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", nil, false, fmt.Errorf("failed to parse marker %q: %w", raw, err)
	}
	return row, &at, true, nil
}

// rowTTL is the key TTL for a row expiring at expiresAt
func (s *Store) rowTTL(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(s.now()) + s.retention
	if ttl < minKeyTTL {
		return minKeyTTL
	}
	return ttl
}

// isNilError checks if the error is a Valkey nil response (key not found)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
