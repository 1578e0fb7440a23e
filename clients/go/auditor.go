package iotguardgo

import "log/slog"

// Auditor receives session transitions. audit.Logger implements it.
type Auditor interface {
	LogLogin(userID int64, refreshToken string) error
	LogRegister(userID int64, refreshToken string) error
	LogLogout(userID int64, refreshToken string) error
	LogAccessTokenRefresh(userID int64, refreshToken, oldAccessToken, newAccessToken string) error
	LogRefreshFailure(userID int64, refreshToken, reason string) error
	LogSessionCleared(userID int64, accessToken, reason string) error
}

// auditTrail forwards to an optional Auditor and logs, never returns, its
// failures: an unwritable audit database must not break authentication.
type auditTrail struct {
	auditor Auditor
	logger  *slog.Logger
}

func (a auditTrail) record(event string, fn func(Auditor) error) {
	if a.auditor == nil {
		return
	}
	if err := fn(a.auditor); err != nil {
		a.logger.Warn("failed to write audit event", "event", event, "error", err)
	}
}
