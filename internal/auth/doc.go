// Package auth provides optional bearer-token authentication for the
// wabridge HTTP API.
//
// When auth.jwt_secret is configured, every /api/* route requires
//
//	Authorization: Bearer <token>
//
// Tokens are HS256 JWTs with "iss" = "wabridge", a free-form "sub" naming
// the integration that holds the token, and an expiry. Mint one with
//
//	wabridge token --subject crm --ttl 720h
//
// Authentication is layered on top of the network allowlist, never instead
// of it.
package auth
