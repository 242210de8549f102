// Package server implements the core of the OAuth 2.1 authorization server.
//
// The Server type covers two groups of operations over a storage.Store:
//   - Client registry: dynamic client registration (RFC 7591) with a per-IP
//     registration limit, client lookup, and constant-time secret verification.
//   - Codes and tokens: PKCE-bound authorization codes, token pair issuance,
//     access token verification, refresh and revocation.
//
// Every transition that may happen at most once (redeeming a code, revoking a
// token) is a single conditional update in the store. The affected row count
// decides the outcome; there is no read-then-write.
//
// Authorization failures are deliberately undifferentiated. Exchange and
// refresh return ErrInvalidGrant, verification returns ErrInvalidToken, and
// RevokeToken returns false, whatever the underlying cause. Storage failures
// are wrapped and returned as-is.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, &server.Config{}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Shutdown()
//
//	reg, err := srv.RegisterClient(ctx, server.RegistrationRequest{
//	    ClientName:   "CLI",
//	    RedirectURIs: []string{"http://localhost:8080/callback"},
//	}, clientIP)
package server
