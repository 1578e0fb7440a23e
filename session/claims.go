package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiresAt reads the exp claim of the session's access token without
// verifying its signature. The client cannot verify server-issued tokens; the
// value is informational only and the server stays the authority on expiry.
func (s Session) ExpiresAt() (time.Time, bool) {
	return TokenExpiry(s.AccessToken)
}

// TokenExpiry returns the exp claim of an unverified JWT.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
