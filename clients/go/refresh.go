package iotguardgo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/tomyedwab/iotguard/session"
)

// DefaultRenewalTimeout bounds a single renewal call.
const DefaultRenewalTimeout = 15 * time.Second

// AccessTokenResponse represents the renewal endpoint's response
type AccessTokenResponse struct {
	AccessToken string `json:"access_token"`
	Error       string `json:"error"`
}

// renewer exchanges the refresh token for a new access token. Concurrent
// callers presenting the same refresh token share one in-flight call.
type renewer struct {
	endpoint string
	base     http.RoundTripper
	store    *session.Store
	timeout  time.Duration
	group    singleflight.Group
	logger   *slog.Logger
	metrics  *Metrics
	audit    auditTrail
}

// renew returns a renewed access token that has already been installed in
// the store. The call itself is detached from ctx so one waiter giving up does
// not fail the others; ctx only bounds how long this caller waits.
func (r *renewer) renew(ctx context.Context, refreshToken string) (string, error) {
	ch := r.group.DoChan(refreshToken, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.exchange(rctx, refreshToken)
	})

	select {
	case res := <-ch:
		if res.Shared {
			r.metrics.renewalWaiter()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *renewer) exchange(ctx context.Context, refreshToken string) (string, error) {
	before := r.store.Get()
	var userID int64
	if before.User != nil {
		userID = before.User.ID
	}

	token, err := r.call(ctx, refreshToken)
	if err != nil {
		r.metrics.renewal("failure")
		r.audit.record("refresh_failure", func(a Auditor) error {
			return a.LogRefreshFailure(userID, refreshToken, err.Error())
		})
		return "", err
	}

	if !r.store.ReplaceAccessToken(refreshToken, token) {
		// Logout or re-login won the race; the new token belongs to nobody.
		r.metrics.renewal("discarded")
		r.logger.Info("discarding renewed access token for a session that no longer exists")
		return "", renewalError("session changed during renewal", 0, nil)
	}

	r.metrics.renewal("success")
	logArgs := []any{"user_id", userID}
	if exp, ok := session.TokenExpiry(token); ok {
		logArgs = append(logArgs, "expires_at", exp)
	}
	r.logger.Info("access token renewed", logArgs...)
	r.audit.record("access_token_refresh", func(a Auditor) error {
		return a.LogAccessTokenRefresh(userID, refreshToken, before.AccessToken, token)
	})
	return token, nil
}

// call performs POST /auth/refresh authenticated with the refresh token. It
// goes straight to the base transport so it can never be intercepted itself.
func (r *renewer) call(ctx context.Context, refreshToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, nil)
	if err != nil {
		return "", renewalError("failed to create renewal request", 0, err)
	}
	AuthorizeRequest(req, refreshToken)
	req.Header.Set(RequestIDHeader, uuid.NewString())

	r.logger.Debug("renewing access token")
	resp, err := r.base.RoundTrip(req)
	if err != nil {
		return "", &Error{
			Type:    ErrorTypeNetwork,
			Message: "renewal request failed",
			Cause:   fmt.Errorf("%w: %w", ErrRenewalFailed, err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		httpErr := WrapHTTPError(resp, "renewal rejected")
		return "", renewalError(httpErr.Message, resp.StatusCode, nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", renewalError("failed to read renewal response", resp.StatusCode, err)
	}

	var tokenResp AccessTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", renewalError("failed to parse renewal response", resp.StatusCode, err)
	}
	if tokenResp.Error != "" {
		return "", renewalError(tokenResp.Error, resp.StatusCode, nil)
	}
	if tokenResp.AccessToken == "" {
		return "", renewalError("empty access token received", resp.StatusCode, nil)
	}
	return tokenResp.AccessToken, nil
}

func renewalError(message string, statusCode int, cause error) *Error {
	wrapped := ErrRenewalFailed
	if cause != nil {
		wrapped = fmt.Errorf("%w: %w", ErrRenewalFailed, cause)
	}
	return &Error{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: statusCode,
		Cause:      wrapped,
	}
}
