// Package testutil provides testing utilities and fixtures for the authorization
// server: a controllable clock, PKCE pairs, row fixtures, assertion helpers and
// an HTTP request builder.
package testutil
