// Package oauth provides OAuth authentication functionality for MCP servers.
package oauth

import "errors"

// OAuth-specific sentinel errors for consistent error handling across the codebase.
var (
	// ErrServerNotOAuth indicates server doesn't use OAuth authentication.
	// The Coordinator does not currently return it.
	ErrServerNotOAuth = errors.New("server does not use OAuth")

	// ErrTokenExpired indicates OAuth token has expired.
	// The Coordinator does not currently return it.
	ErrTokenExpired = errors.New("OAuth token has expired")

	// ErrRefreshFailed indicates the single refresh-token grant attempt
	// failed. This typically requires manual re-authentication via browser.
	ErrRefreshFailed = errors.New("OAuth token refresh failed")

	// ErrNoRefreshToken indicates refresh token is not available.
	// Some OAuth providers don't issue refresh tokens. The Coordinator does
	// not currently return it.
	ErrNoRefreshToken = errors.New("no refresh token available")
)
