package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/storage"
)

// tokenIDLogLength is the number of characters logged from codes and digests
const tokenIDLogLength = 8

// Store is an in-memory implementation of storage.Store.
// A single mutex makes every conditional update atomic.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client            // client ID -> client
	codes   map[string]*storage.AuthorizationCode // code -> row
	tokens  map[string]*storage.Token             // token hash -> row
	tokenID map[string]string                     // token row ID -> token hash

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.Store              = (*Store)(nil)
	_ storage.AccessTokenRevoker = (*Store)(nil)
	_ storage.Sweeper            = (*Store)(nil)
)

// New creates a new in-memory store that sweeps expired rows every minute.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a store with a custom sweep interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		codes:           make(map[string]*storage.AuthorizationCode),
		tokens:          make(map[string]*storage.Token),
		tokenID:         make(map[string]string),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock overrides the clock used by the background sweep
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.mu.Unlock()

	if inst == nil {
		return
	}

	err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.count(func() int { return len(s.clients) }) },
		func() int64 { return s.count(func() int { return len(s.codes) }) },
		func() int64 { return s.count(func() int { return len(s.tokens) }) },
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

func (s *Store) count(fn func() int) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(fn())
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// ClientStore
// ============================================================

// InsertClient stores a new client
func (s *Store) InsertClient(ctx context.Context, client *storage.Client) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "insert_client")
	defer span.End()
	start := time.Now()

	if client == nil || client.ClientID == "" {
		err := fmt.Errorf("client ID is required")
		s.recordStorageOperation(ctx, span, "insert_client", err, start)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		err := fmt.Errorf("%w: client %s", storage.ErrAlreadyExists, client.ClientID)
		s.recordStorageOperation(ctx, span, "insert_client", err, start)
		return nil, err
	}

	stored := cloneClient(client)
	s.clients[client.ClientID] = stored

	s.logger.Debug("Inserted client", "client_id", client.ClientID)
	s.recordStorageOperation(ctx, span, "insert_client", nil, start)
	return cloneClient(stored), nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	start := time.Now()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		s.recordStorageOperation(ctx, span, "get_client", nil, start)
		return nil, storage.ErrClientNotFound
	}

	s.recordStorageOperation(ctx, span, "get_client", nil, start)
	return cloneClient(client), nil
}

// ============================================================
// CodeStore
// ============================================================

// InsertAuthorizationCode stores a new authorization code
func (s *Store) InsertAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "insert_code")
	defer span.End()
	start := time.Now()

	if code == nil || code.Code == "" {
		err := fmt.Errorf("authorization code is required")
		s.recordStorageOperation(ctx, span, "insert_code", err, start)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; exists {
		err := fmt.Errorf("%w: authorization code", storage.ErrAlreadyExists)
		s.recordStorageOperation(ctx, span, "insert_code", err, start)
		return nil, err
	}

	stored := cloneCode(code)
	s.codes[code.Code] = stored

	s.logger.Debug("Inserted authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	s.recordStorageOperation(ctx, span, "insert_code", nil, start)
	return cloneCode(stored), nil
}

// GetAuthorizationCode retrieves an authorization code
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "get_code")
	defer span.End()
	start := time.Now()

	s.mu.RLock()
	row, ok := s.codes[code]
	s.mu.RUnlock()

	s.recordStorageOperation(ctx, span, "get_code", nil, start)
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	return cloneCode(row), nil
}

// MarkAuthorizationCodeUsed sets UsedAt if it is unset. The check and the write
// happen under the same write lock.
func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, code string, usedAt time.Time) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "mark_code_used")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.codes[code]
	if !ok || row.UsedAt != nil {
		s.recordStorageOperation(ctx, span, "mark_code_used", nil, start)
		return false, nil
	}

	t := usedAt
	row.UsedAt = &t

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	s.recordStorageOperation(ctx, span, "mark_code_used", nil, start)
	return true, nil
}

// ============================================================
// TokenStore
// ============================================================

// InsertToken stores a token and assigns its row ID
func (s *Store) InsertToken(ctx context.Context, token *storage.Token) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "insert_token")
	defer span.End()
	start := time.Now()

	if token == nil || token.TokenHash == "" {
		err := fmt.Errorf("token hash is required")
		s.recordStorageOperation(ctx, span, "insert_token", err, start)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.TokenHash]; exists {
		err := fmt.Errorf("%w: token", storage.ErrAlreadyExists)
		s.recordStorageOperation(ctx, span, "insert_token", err, start)
		return nil, err
	}

	stored := cloneToken(token)
	stored.ID = uuid.NewString()
	s.tokens[stored.TokenHash] = stored
	s.tokenID[stored.ID] = stored.TokenHash

	s.logger.Debug("Inserted token",
		"token_id", stored.ID,
		"token_type", stored.TokenType,
		"client_id", stored.ClientID)
	s.recordStorageOperation(ctx, span, "insert_token", nil, start)
	return cloneToken(stored), nil
}

// GetTokenByHash retrieves a token by its digest
func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()
	start := time.Now()

	s.mu.RLock()
	row, ok := s.tokens[tokenHash]
	s.mu.RUnlock()

	s.recordStorageOperation(ctx, span, "get_token", nil, start)
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return cloneToken(row), nil
}

// RevokeToken sets RevokedAt if it is unset
func (s *Store) RevokeToken(ctx context.Context, tokenHash string, revokedAt time.Time) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.tokens[tokenHash]
	if !ok || row.RevokedAt != nil {
		s.recordStorageOperation(ctx, span, "revoke_token", nil, start)
		return false, nil
	}

	t := revokedAt
	row.RevokedAt = &t

	s.logger.Debug("Revoked token", "token_id", row.ID, "token_type", row.TokenType)
	s.recordStorageOperation(ctx, span, "revoke_token", nil, start)
	return true, nil
}

// RevokeAccessTokensForRefresh revokes unrevoked ACCESS rows linked to refreshTokenID
func (s *Store) RevokeAccessTokensForRefresh(ctx context.Context, refreshTokenID string, revokedAt time.Time) (int64, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_access_for_refresh")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked int64
	for _, row := range s.tokens {
		if row.TokenType == storage.TokenTypeAccess && row.RefreshTokenID == refreshTokenID && row.RevokedAt == nil {
			t := revokedAt
			row.RevokedAt = &t
			revoked++
		}
	}

	s.recordStorageOperation(ctx, span, "revoke_access_for_refresh", nil, start)
	return revoked, nil
}

// ============================================================
// Cleanup
// ============================================================

// DeleteExpired removes codes and tokens whose expiry is before now.
// Expired REFRESH rows are kept while unexpired ACCESS rows still reference them.
func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64

	for code, row := range s.codes {
		if row.ExpiresAt.Before(now) {
			delete(s.codes, code)
			removed++
		}
	}

	referenced := make(map[string]bool)
	for hash, row := range s.tokens {
		if !row.ExpiresAt.Before(now) {
			if row.RefreshTokenID != "" {
				referenced[row.RefreshTokenID] = true
			}
			continue
		}
		if row.TokenType == storage.TokenTypeAccess {
			delete(s.tokens, hash)
			delete(s.tokenID, row.ID)
			removed++
		}
	}
	for hash, row := range s.tokens {
		if row.TokenType == storage.TokenTypeRefresh && row.ExpiresAt.Before(now) && !referenced[row.ID] {
			delete(s.tokens, hash)
			delete(s.tokenID, row.ID)
			removed++
		}
	}

	return removed, nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.mu.RLock()
			now := s.now()
			logger := s.logger
			s.mu.RUnlock()

			if removed, _ := s.DeleteExpired(context.Background(), now); removed > 0 {
				logger.Debug("Removed expired rows", "count", removed)
			}
		}
	}
}

// ============================================================
// Helpers
// ============================================================

func cloneClient(c *storage.Client) *storage.Client {
	out := *c
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	out.GrantTypes = append([]string(nil), c.GrantTypes...)
	return &out
}

func cloneCode(c *storage.AuthorizationCode) *storage.AuthorizationCode {
	out := *c
	if c.UsedAt != nil {
		t := *c.UsedAt
		out.UsedAt = &t
	}
	return &out
}

func cloneToken(t *storage.Token) *storage.Token {
	out := *t
	if t.RevokedAt != nil {
		r := *t.RevokedAt
		out.RevokedAt = &r
	}
	return &out
}

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
