package mockapi

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var errWrongTokenType = errors.New("wrong token type")

// tokenClaims are the claims of both token kinds. Epoch ties a token to the
// server's current revocation generation for its kind.
type tokenClaims struct {
	jwt.RegisteredClaims
	Type  string `json:"type"`
	Epoch int64  `json:"epoch"`
}

func (s *Server) issueToken(userID int64, tokenType string, epoch int64, ttl time.Duration) (string, error) {
	now := s.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type:  tokenType,
		Epoch: epoch,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT token: %w", err)
	}
	return tokenString, nil
}

// parseToken validates signature, expiry and kind, returning the user ID and
// the epoch the token was issued in.
func (s *Server) parseToken(tokenString, tokenType string) (int64, int64, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return 0, 0, err
	}
	if claims.Type != tokenType {
		return 0, 0, errWrongTokenType
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid subject: %w", err)
	}
	return userID, claims.Epoch, nil
}
