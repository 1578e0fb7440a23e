package iotguardgo

import (
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/iotguard/audit"
	"github.com/tomyedwab/iotguard/session"
)

func TestLoginPopulatesSession(t *testing.T) {
	g := newGateway(t, nil)
	_, err := g.api.CreateUser("alice", "secret", "alice@example.com")
	require.NoError(t, err)

	user, err := g.client.Login(t.Context(), " alice ", "secret")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	s := g.store.Get()
	assert.True(t, s.Authenticated())
	assert.NotEmpty(t, s.RefreshToken)
	require.NotNil(t, s.User)
	assert.Equal(t, user.ID, s.User.ID)
	require.NotNil(t, s.User.Email)
	assert.Equal(t, "alice@example.com", *s.User.Email)
	assert.Equal(t, []string{"login"}, g.audit.Events())
}

func TestLoginWithBadCredentials(t *testing.T) {
	g := newGateway(t, nil)
	_, err := g.api.CreateUser("alice", "secret", "")
	require.NoError(t, err)

	_, err = g.client.Login(t.Context(), "alice", "wrong")
	require.Error(t, err)
	assert.True(t, IsAuthenticationError(err))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
	assert.Contains(t, err.Error(), "invalid credentials")
	assert.False(t, g.client.IsAuthenticated())
	assert.Zero(t, g.api.Hits(http.MethodPost, "/auth/refresh"), "login 401s are not renewal triggers")
}

func TestLoginValidatesInput(t *testing.T) {
	g := newGateway(t, nil)
	_, err := g.client.Login(t.Context(), "  ", "secret")
	assert.True(t, IsValidationError(err))
	_, err = g.client.Register(t.Context(), "bob", "", "")
	assert.True(t, IsValidationError(err))
	assert.Empty(t, g.api.Requests())
}

func TestRegister(t *testing.T) {
	g := newGateway(t, nil)

	user, err := g.client.Register(t.Context(), "bob", "secret", "")
	require.NoError(t, err)
	assert.Equal(t, "bob", user.Username)
	assert.Nil(t, user.Email)
	assert.True(t, g.client.IsAuthenticated())

	_, err = g.client.Register(t.Context(), "bob", "secret", "")
	require.Error(t, err)
	assert.True(t, IsAPIError(err))
	assert.Equal(t, http.StatusConflict, StatusCode(err))
	assert.Equal(t, []string{"register"}, g.audit.Events())
}

func TestMe(t *testing.T) {
	g := newGateway(t, nil)
	g.login(t)

	user, err := g.client.Me(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, g.store.Get().User.ID, user.ID)
}

func TestUpdateMeReplacesSessionUser(t *testing.T) {
	g := newGateway(t, nil)
	g.login(t)
	before := g.store.Get()

	var notified []session.Session
	unsubscribe := g.store.Subscribe(func(s session.Session) { notified = append(notified, s) })
	defer unsubscribe()

	email := "alice@new.example.com"
	user, err := g.client.UpdateMe(t.Context(), &email, "")
	require.NoError(t, err)
	require.NotNil(t, user.Email)
	assert.Equal(t, email, *user.Email)

	after := g.store.Get()
	assert.Equal(t, before.AccessToken, after.AccessToken)
	assert.Equal(t, before.RefreshToken, after.RefreshToken)
	require.NotNil(t, after.User.Email)
	assert.Equal(t, email, *after.User.Email)

	require.Len(t, notified, 1)
	assert.Equal(t, email, *notified[0].User.Email)
	assert.Equal(t, 1, g.api.Hits(http.MethodPut, "/auth/me"))
}

func TestUpdateMeGoesThroughRenewal(t *testing.T) {
	g := newGateway(t, nil)
	g.login(t)
	refreshToken := g.store.RefreshToken()
	g.api.ExpireAccessTokens()

	_, err := g.client.UpdateMe(t.Context(), nil, "changed")
	require.NoError(t, err)
	assert.Equal(t, 1, g.api.Hits(http.MethodPost, "/auth/refresh"))
	assert.Equal(t, 2, g.api.Hits(http.MethodPut, "/auth/me"))
	assert.Equal(t, refreshToken, g.store.RefreshToken())

	// The new password is what logs in now.
	require.NoError(t, g.client.Logout(t.Context()))
	_, err = g.client.Login(t.Context(), "alice", "changed")
	require.NoError(t, err)
}

func TestUpdateMeValidatesInput(t *testing.T) {
	g := newGateway(t, nil)

	_, err := g.client.UpdateMe(t.Context(), nil, "")
	assert.True(t, IsValidationError(err))

	email := "x@example.com"
	_, err = g.client.UpdateMe(t.Context(), &email, "")
	assert.True(t, IsAuthenticationError(err))
	assert.Zero(t, g.api.Hits(http.MethodPut, "/auth/me"))
}

func TestLogout(t *testing.T) {
	g := newGateway(t, nil)
	g.login(t)

	require.NoError(t, g.client.Logout(t.Context()))
	assert.False(t, g.client.IsAuthenticated())
	assert.Nil(t, g.store.Get().User)

	// Logging out twice is harmless and audited once.
	require.NoError(t, g.client.Logout(t.Context()))
	assert.Equal(t, []string{"login", "logout"}, g.audit.Events())

	resp, err := g.client.Get(t.Context(), "/zones", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	requests := g.api.Requests()
	assert.Empty(t, requests[len(requests)-1].Authorization)
}

func TestAuditLoggerRecordsGatewayEvents(t *testing.T) {
	logger, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer logger.Close()

	g := newGateway(t, nil)
	g.client = NewClient(g.server.URL, g.store, WithAuditor(logger))
	g.login(t)
	g.api.ExpireAccessTokens()

	resp, err := g.client.Get(t.Context(), "/events", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.NoError(t, g.client.Logout(t.Context()))

	events, err := logger.GetRecentEvents(10)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.ElementsMatch(t, []string{
		string(audit.EventLogin),
		string(audit.EventAccessTokenRefresh),
		string(audit.EventLogout),
	}, types)
}
