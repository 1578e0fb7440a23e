package iotguardgo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/tomyedwab/iotguard/session"
)

// RequestIDHeader correlates a request with its replay in server logs.
const RequestIDHeader = "X-Request-ID"

// Session clear reasons, used in logs, metrics and the audit trail.
const (
	ReasonNoRefreshToken       = "no_refresh_token"
	ReasonRenewalFailed        = "renewal_failed"
	ReasonRejectedAfterRenewal = "rejected_after_renewal"
)

// AuthorizeRequest stamps token into the Authorization header as a bearer
// credential. An empty token leaves the request unauthenticated.
func AuthorizeRequest(req *http.Request, token string) {
	if token == "" {
		req.Header.Del("Authorization")
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

type retriedKey struct{}

// withRetried marks a request context as already replayed once.
func withRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

func isRetried(ctx context.Context) bool {
	retried, _ := ctx.Value(retriedKey{}).(bool)
	return retried
}

// Transport is an http.RoundTripper that attaches the current access token to
// every request and recovers from expired tokens.
//
// A 401 on a request that has not been replayed yet triggers at most one
// renewal through the refresh token; the request is then replayed once with
// the new token and the caller sees only the replay's outcome. A 401 that
// cannot be recovered ends the session and is returned to the caller as-is.
// Every other response and every transport error passes through unchanged.
type Transport struct {
	base    http.RoundTripper
	store   *session.Store
	renewer *renewer
	logger  *slog.Logger
	metrics *Metrics
	audit   auditTrail
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	out, err := prepareRequest(req)
	if err != nil {
		return nil, err
	}
	return t.dispatch(out)
}

// prepareRequest clones req so the caller's request is never modified and
// makes the body re-readable for the single replay.
func prepareRequest(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, NewNetworkError("failed to buffer request body", err)
		}
		out.Body = io.NopCloser(bytes.NewReader(data))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}
	if out.Header.Get(RequestIDHeader) == "" {
		out.Header.Set(RequestIDHeader, uuid.NewString())
	}
	return out, nil
}

// dispatch runs the request interceptor with the token current at this
// moment, sends req and hands 401s to recoverUnauthorized.
func (t *Transport) dispatch(req *http.Request) (*http.Response, error) {
	token := t.store.AccessToken()
	AuthorizeRequest(req, token)

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	return t.recoverUnauthorized(req, token, resp)
}

func (t *Transport) recoverUnauthorized(req *http.Request, sentToken string, resp *http.Response) (*http.Response, error) {
	ctx := req.Context()
	logger := t.logger.With("method", req.Method, "url", req.URL.Redacted(), "request_id", req.Header.Get(RequestIDHeader))

	if isRetried(ctx) {
		logger.Warn("request rejected again after renewal")
		t.endSession(sentToken, ReasonRejectedAfterRenewal)
		return resp, nil
	}

	refreshToken := t.store.RefreshToken()
	if refreshToken == "" {
		logger.Debug("unauthorized without refresh token")
		t.endSession(sentToken, ReasonNoRefreshToken)
		return resp, nil
	}

	// Re-read after the network wait: a concurrent request may already have
	// renewed the token this request was sent with.
	trigger := "concurrent"
	if current := t.store.AccessToken(); current == "" || current == sentToken {
		trigger = "renewal"
		if _, err := t.renewer.renew(ctx, refreshToken); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				drainAndClose(resp.Body)
				return nil, ctxErr
			}
			logger.Warn("access token renewal failed", "error", err)
			t.endSession(sentToken, ReasonRenewalFailed)
			return resp, nil
		}
	}

	// Never replay unauthenticated: if the session ended while we waited the
	// original 401 is the answer.
	if t.store.AccessToken() == "" {
		return resp, nil
	}

	replay, err := replayRequest(req)
	if err != nil {
		logger.Warn("request cannot be replayed", "error", err)
		return resp, nil
	}
	drainAndClose(resp.Body)

	t.metrics.replay(trigger)
	logger.Debug("replaying request with renewed token", "trigger", trigger)
	return t.dispatch(replay)
}

// replayRequest clones req for its single replay with a fresh body.
func replayRequest(req *http.Request) (*http.Request, error) {
	replay := req.Clone(withRetried(req.Context()))
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, fmt.Errorf("request body is not replayable")
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to reopen request body: %w", err)
		}
		replay.Body = body
	}
	return replay, nil
}

// endSession clears the session if it is still the one the failed request
// was authorized with. A session established by a login that completed while
// the request was in flight is left alone.
func (t *Transport) endSession(sentToken, reason string) {
	removed, ok := t.store.ClearIfAccessToken(sentToken)
	if !ok {
		return
	}

	var userID int64
	if removed.User != nil {
		userID = removed.User.ID
	}
	t.metrics.sessionCleared(reason)
	t.logger.Info("session cleared", "reason", reason, "user_id", userID)
	t.audit.record("session_cleared", func(a Auditor) error {
		return a.LogSessionCleared(userID, removed.AccessToken, reason)
	})
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	body.Close()
}
