package iotguardgo

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/iotguard/internal/mockapi"
	"github.com/tomyedwab/iotguard/session"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func textResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

func loggedInStore(t *testing.T, accessToken, refreshToken string) *session.Store {
	t.Helper()
	store := session.NewStore()
	require.NoError(t, store.Set(session.Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         &session.User{ID: 1, Username: "alice"},
	}))
	return store
}

// fakeClient builds a client for a fictional host whose traffic is answered
// by rt.
func fakeClient(store *session.Store, rt http.RoundTripper, options ...ClientOption) *Client {
	options = append([]ClientOption{WithHTTPClient(&http.Client{Transport: rt})}, options...)
	return NewClient("http://api.test", store, options...)
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []string
}

func (a *fakeAuditor) add(event string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAuditor) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

func (a *fakeAuditor) LogLogin(int64, string) error    { return a.add("login") }
func (a *fakeAuditor) LogRegister(int64, string) error { return a.add("register") }
func (a *fakeAuditor) LogLogout(int64, string) error   { return a.add("logout") }
func (a *fakeAuditor) LogAccessTokenRefresh(int64, string, string, string) error {
	return a.add("access_token_refresh")
}
func (a *fakeAuditor) LogRefreshFailure(int64, string, string) error {
	return a.add("refresh_failure")
}
func (a *fakeAuditor) LogSessionCleared(_ int64, _ string, reason string) error {
	return a.add("session_cleared:" + reason)
}

// gateway is a client wired to a live mock API.
type gateway struct {
	api     *mockapi.Server
	server  *httptest.Server
	client  *Client
	store   *session.Store
	metrics *Metrics
	audit   *fakeAuditor
}

// newGateway starts a mock API, optionally wrapped with extra routes, and a
// client pointed at it.
func newGateway(t *testing.T, wrap func(http.Handler) http.Handler) *gateway {
	t.Helper()
	api, err := mockapi.New(mockapi.Config{Secret: []byte("gateway-test")})
	require.NoError(t, err)

	var handler http.Handler = api
	if wrap != nil {
		handler = wrap(api)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		api.Close()
	})

	g := &gateway{
		api:     api,
		server:  server,
		store:   session.NewStore(),
		metrics: NewMetrics(prometheus.NewRegistry()),
		audit:   &fakeAuditor{},
	}
	g.client = NewClient(server.URL, g.store, WithMetrics(g.metrics), WithAuditor(g.audit))
	return g
}

func (g *gateway) login(t *testing.T) {
	t.Helper()
	if _, err := g.api.CreateUser("alice", "secret", "alice@example.com"); err != nil && err != mockapi.ErrUserExists {
		require.NoError(t, err)
	}
	_, err := g.client.Login(t.Context(), "alice", "secret")
	require.NoError(t, err)
}

// holdRenewals blocks renewal calls inside the server until the returned
// release func runs. entered is closed when the first renewal arrives.
func (g *gateway) holdRenewals(t *testing.T) (entered <-chan struct{}, release func()) {
	t.Helper()
	enteredCh := make(chan struct{})
	releaseCh := make(chan struct{})
	var enterOnce, releaseOnce sync.Once
	g.api.SetRefreshHook(func() {
		enterOnce.Do(func() { close(enteredCh) })
		<-releaseCh
	})
	release = func() { releaseOnce.Do(func() { close(releaseCh) }) }
	// Runs before the server cleanup registered earlier.
	t.Cleanup(release)
	return enteredCh, release
}

const (
	testTimeout = 5 * time.Second
	testTick    = 5 * time.Millisecond
)
