// Package memory provides an in-memory implementation of the storage interfaces.
//
// Store implements ClientStore, CodeStore and TokenStore using maps guarded by a
// single sync.RWMutex, so MarkAuthorizationCodeUsed and RevokeToken are atomic
// within one process. It also implements AccessTokenRevoker and Sweeper, and
// runs a background goroutine that removes expired codes and tokens.
//
// It is suitable for development, tests and single-instance deployments. Use
// storage/postgres or storage/valkey when rows must survive restarts or be
// shared between instances.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, &server.Config{}, logger)
package memory
