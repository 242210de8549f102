// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// Store implements [storage.Store] and [storage.AccessTokenRevoker], making it
// suitable for deployments that run several server instances against shared state.
//
// # Key Schema
//
// All keys use a configurable prefix (default "mcp:"):
//
//	{prefix}client:{clientID}              -> JSON(Client), no TTL
//	{prefix}client:ip:{ip}                 -> registration count (window TTL)
//	{prefix}code:{code}                    -> JSON(AuthorizationCode)
//	{prefix}code:used:{code}               -> used_at (RFC 3339)
//	{prefix}token:{hash}                   -> JSON(Token)
//	{prefix}token:revoked:{hash}           -> revoked_at (RFC 3339)
//	{prefix}refresh:access:{refreshID}     -> SET of access token hashes
//
// Code and token keys expire a short retention period after the row's own
// expiry, so the store needs no sweeper.
//
// # Atomic Operations
//
// Rows are written once and never rewritten. MarkAuthorizationCodeUsed and
// RevokeToken set a marker key with SET NX inside a Lua script that first
// checks the row exists, so only ONE concurrent caller observes true.
//
// # Registration Limits
//
// [Store.NewRegistrationLimiter] returns a [security.RegistrationLimiter] whose
// fixed-window counters live in Valkey, giving one quota across instances.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "mcp:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
