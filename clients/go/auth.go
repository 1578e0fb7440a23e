package iotguardgo

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tomyedwab/iotguard/session"
)

// LoginRequest represents the login request payload. The username is the
// only accepted account identifier.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterRequest represents the registration request payload
type RegisterRequest struct {
	Username string  `json:"username"`
	Password string  `json:"password"`
	Email    *string `json:"email,omitempty"`
}

// LoginResponse represents the login and registration response
type LoginResponse struct {
	Message      string        `json:"message"`
	User         *session.User `json:"user"`
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
}

// Login authenticates with username and password and installs the new
// session.
func (c *Client) Login(ctx context.Context, username, password string) (*session.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, NewValidationError("username and password are required")
	}

	resp, err := c.authCall(ctx, "/auth/login", LoginRequest{Username: username, Password: password})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, WrapHTTPError(resp, "login failed")
	}

	s, err := c.installSession(resp)
	if err != nil {
		return nil, err
	}
	c.logger.Info("logged in", "user_id", s.User.ID)
	c.audit.record("login", func(a Auditor) error {
		return a.LogLogin(s.User.ID, s.RefreshToken)
	})
	return s.User, nil
}

// Register creates an account and installs its session. email is optional.
func (c *Client) Register(ctx context.Context, username, password, email string) (*session.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, NewValidationError("username and password are required")
	}

	req := RegisterRequest{Username: username, Password: password}
	if email = strings.TrimSpace(email); email != "" {
		req.Email = &email
	}

	resp, err := c.authCall(ctx, "/auth/register", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, WrapHTTPError(resp, "registration failed")
	}

	s, err := c.installSession(resp)
	if err != nil {
		return nil, err
	}
	c.logger.Info("registered", "user_id", s.User.ID)
	c.audit.record("register", func(a Auditor) error {
		return a.LogRegister(s.User.ID, s.RefreshToken)
	})
	return s.User, nil
}

// Me fetches the identity behind the current access token.
func (c *Client) Me(ctx context.Context) (*session.User, error) {
	var user session.User
	if err := c.GetJSON(ctx, "/auth/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateMeRequest represents the profile update payload. Nil fields are left
// unchanged.
type UpdateMeRequest struct {
	Email    *string `json:"email,omitempty"`
	Password string  `json:"password,omitempty"`
}

// UpdateMeResponse represents the profile update response
type UpdateMeResponse struct {
	Message string        `json:"message"`
	User    *session.User `json:"user"`
}

// UpdateMe changes the logged-in user's email and/or password. A nil email or
// empty password leaves that field unchanged. The updated identity replaces
// the session's user; both tokens stay as they are.
func (c *Client) UpdateMe(ctx context.Context, email *string, password string) (*session.User, error) {
	if email == nil && password == "" {
		return nil, NewValidationError("nothing to update")
	}
	refreshToken := c.store.RefreshToken()
	if refreshToken == "" {
		return nil, NewAuthenticationError("not logged in")
	}

	var out UpdateMeResponse
	if err := c.PutJSON(ctx, "/auth/me", UpdateMeRequest{Email: email, Password: password}, &out); err != nil {
		return nil, err
	}
	if out.User == nil {
		return nil, NewAPIError("profile update response has no user", http.StatusOK)
	}

	if !c.store.ReplaceUser(refreshToken, out.User) {
		c.logger.Info("profile updated for a session that no longer exists", "user_id", out.User.ID)
		return out.User, nil
	}
	c.logger.Info("profile updated", "user_id", out.User.ID, "password_changed", password != "")
	return out.User, nil
}

// Logout ends the session locally. The API keeps no server-side session, so
// there is nothing to revoke remotely.
func (c *Client) Logout(ctx context.Context) error {
	s := c.store.Get()
	c.store.Clear()
	if !s.Authenticated() {
		return nil
	}

	var userID int64
	if s.User != nil {
		userID = s.User.ID
	}
	c.logger.Info("logged out", "user_id", userID)
	c.audit.record("logout", func(a Auditor) error {
		return a.LogLogout(userID, s.RefreshToken)
	})
	return nil
}

// authCall posts payload to an unauthenticated auth endpoint. These calls
// bypass the interceptor: a 401 here means bad credentials, not expiry.
func (c *Client) authCall(ctx context.Context, path string, payload any) (*http.Response, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, NewErrorWithCause(ErrorTypeValidation, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(path), bytes.NewReader(jsonData))
	if err != nil {
		return nil, NewErrorWithCause(ErrorTypeValidation, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.PlainHTTPClient().Do(req)
	if err != nil {
		return nil, NewNetworkError("request failed", err)
	}
	return resp, nil
}

func (c *Client) installSession(resp *http.Response) (session.Session, error) {
	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return session.Session{}, NewErrorWithCause(ErrorTypeAPI, "failed to parse login response", err)
	}
	if loginResp.AccessToken == "" || loginResp.RefreshToken == "" || loginResp.User == nil {
		return session.Session{}, NewAuthenticationError("incomplete credentials received")
	}

	s := session.Session{
		AccessToken:  loginResp.AccessToken,
		RefreshToken: loginResp.RefreshToken,
		User:         loginResp.User,
	}
	if err := c.store.Set(s); err != nil {
		return session.Session{}, NewErrorWithCause(ErrorTypeAuthentication, "failed to install session", err)
	}
	return s, nil
}
