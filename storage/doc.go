// Package storage defines the rows persisted by the authorization server and the
// store contracts that back them.
//
// Every store exposes exactly three kinds of primitives:
//   - point lookups by a unique key (GetClient, GetAuthorizationCode, GetTokenByHash)
//   - atomic conditional updates that report whether a row changed
//     (MarkAuthorizationCodeUsed, RevokeToken)
//   - inserts that return the stored row (InsertClient, InsertAuthorizationCode, InsertToken)
//
// Single-use semantics for codes and revocation depend only on the conditional
// update being atomic in the backing engine, never on a read followed by a write.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process storage for development, tests and single instances
//   - storage/postgres: PostgreSQL storage via pgx with goose migrations
//   - storage/valkey: Valkey/Redis-compatible storage using Lua scripts for atomicity
package storage
