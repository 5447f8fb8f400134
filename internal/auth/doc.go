// Package auth protects the relay's admin HTTP API.
//
// Callers present an HS256 JWT in the Authorization header:
//
//	Authorization: Bearer <token>
//
// The token's "sub" claim names the caller and its "role" claim is either
// "viewer" (read conversations and their events) or "admin" (also release
// conversations back to the bot). Tokens are minted with the
// `coven-relay token` command using the configured auth.jwt_secret, which
// must be at least MinSecretLength bytes.
package auth
