// Package session holds the authenticated session shared by the gateway client
// and every consumer that needs auth state.
//
// A Store is constructed once at startup and passed to whoever needs it. It is
// the only place tokens live; nothing outside the gateway layer mutates them.
//
// # Invariants
//
//   - A session is authenticated if and only if it carries an access token.
//   - A session carries a user if and only if it is authenticated.
//   - Readers never observe a half-updated session.
//
// Callers must not assume the session is unchanged between two reads that are
// separated by network I/O: a concurrent renewal or logout may have replaced it.
// Re-read with Get after every blocking call instead of reusing a captured value.
package session
