// Package mockapi is a self-contained implementation of the IoT security API
// surface the gateway client talks to: login, registration, renewal, identity,
// the domain collections and the protected evidence files.
//
// Users live in SQLite, tokens are HS256 JWTs. Tests drive expiry explicitly
// with ExpireAccessTokens and RevokeRefreshTokens instead of waiting for
// clocks, and inspect traffic through Requests and Hits.
package mockapi
