package mockapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Config configures a Server. Zero values select the defaults.
type Config struct {
	DBPath      string        // Default ":memory:"
	Secret      []byte        // Default: 32 random bytes
	AccessTTL   time.Duration // Default 1h
	RefreshTTL  time.Duration // Default 30 days
	EvidenceDir string        // Optional directory of <id>.<ext> evidence files
	Logger      *slog.Logger
}

// RecordedRequest is one request as the server saw it.
type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	RequestID     string
}

type evidenceFile struct {
	data        []byte
	contentType string
}

// Server implements the API. It is an http.Handler.
type Server struct {
	db          *sqlx.DB
	secret      []byte
	accessTTL   time.Duration
	refreshTTL  time.Duration
	evidenceDir string
	logger      *slog.Logger
	now         func() time.Time
	mux         *http.ServeMux

	mu           sync.Mutex // Protects everything below
	accessEpoch  int64
	refreshEpoch int64
	requests     []RecordedRequest
	collections  map[string][]any
	evidence     map[int64]evidenceFile
	refreshHook  func()
	evidenceHook func(id int64)
}

// New creates a server and prepares its database.
func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = ":memory:"
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if len(cfg.Secret) == 0 {
		cfg.Secret = make([]byte, 32)
		if _, err := rand.Read(cfg.Secret); err != nil {
			return nil, fmt.Errorf("failed to generate random JWT secret key: %w", err)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	db, err := sqlx.Connect("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	if err := DBInit(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Server{
		db:          db,
		secret:      cfg.Secret,
		accessTTL:   cfg.AccessTTL,
		refreshTTL:  cfg.RefreshTTL,
		evidenceDir: cfg.EvidenceDir,
		logger:      cfg.Logger.With("component", "mockapi"),
		now:         time.Now,
		mux:         http.NewServeMux(),
		collections: make(map[string][]any),
		evidence:    make(map[int64]evidenceFile),
	}
	for _, plural := range []string{"zones", "devices", "device-types", "events", "evidences", "measurements"} {
		s.collections[plural] = []any{}
	}

	s.mux.HandleFunc("POST /auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /auth/me", s.handleMe)
	s.mux.HandleFunc("PUT /auth/me", s.handleUpdateMe)
	s.mux.HandleFunc("GET /evidences/{id}/file", s.handleEvidenceFile)
	s.mux.HandleFunc("GET /{collection}", s.handleCollection)
	return s, nil
}

// Close closes the database.
func (s *Server) Close() error {
	return s.db.Close()
}

// ServeHTTP records the request and dispatches it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		RequestID:     r.Header.Get("X-Request-ID"),
	})
	s.mu.Unlock()

	s.logger.Debug("request", "method", r.Method, "path", r.URL.Path)
	s.mux.ServeHTTP(w, r)
}

// CreateUser adds an account directly, bypassing the API.
func (s *Server) CreateUser(username, password, email string) (*User, error) {
	var emailRef *string
	if email != "" {
		emailRef = &email
	}
	return dbCreateUser(s.db, username, password, emailRef, s.now())
}

// ExpireAccessTokens invalidates every access token issued so far.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessEpoch++
}

// RevokeRefreshTokens invalidates every refresh token issued so far.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshEpoch++
}

// SetCollection replaces the items served at GET /<plural>.
func (s *Server) SetCollection(plural string, items ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[plural] = append([]any{}, items...)
}

// SetEvidence serves data at GET /evidences/<id>/file.
func (s *Server) SetEvidence(id int64, data []byte, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evidence[id] = evidenceFile{data: data, contentType: contentType}
}

// SetRefreshHook installs fn to run inside every accepted renewal before the
// response is written. Tests use it to hold renewals open.
func (s *Server) SetRefreshHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshHook = fn
}

// SetEvidenceHook installs fn to run before an evidence file is written.
func (s *Server) SetEvidenceHook(fn func(id int64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evidenceHook = fn
}

// Requests returns a copy of every request seen so far.
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// Hits counts the requests seen for method and path.
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// --- Handlers ---

type credentialsRequest struct {
	Username string  `json:"username"`
	Password string  `json:"password"`
	Email    *string `json:"email"`
}

type loginResponse struct {
	Message      string `json:"message"`
	User         *User  `json:"user"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid data")
		return
	}

	user, err := dbCreateUser(s.db, req.Username, req.Password, req.Email, s.now())
	if errors.Is(err, ErrUserExists) {
		writeError(w, http.StatusConflict, "user already exists")
		return
	}
	if err != nil {
		s.logger.Error("failed to create user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	s.writeSession(w, http.StatusCreated, "user created", user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid data")
		return
	}

	user, err := dbAttemptLogin(s.db, req.Username, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		s.logger.Error("login lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	s.writeSession(w, http.StatusOK, "login successful", user)
}

func (s *Server) writeSession(w http.ResponseWriter, status int, message string, user *User) {
	s.mu.Lock()
	accessEpoch, refreshEpoch := s.accessEpoch, s.refreshEpoch
	s.mu.Unlock()

	accessToken, err := s.issueToken(user.ID, tokenTypeAccess, accessEpoch, s.accessTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	refreshToken, err := s.issueToken(user.ID, tokenTypeRefresh, refreshEpoch, s.refreshTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, status, loginResponse{
		Message:      message,
		User:         user,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	userID, epoch, err := s.parseToken(bearerToken(r), tokenTypeRefresh)
	s.mu.Lock()
	current, accessEpoch, hook := s.refreshEpoch, s.accessEpoch, s.refreshHook
	s.mu.Unlock()
	if err != nil || epoch != current {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	if hook != nil {
		hook()
	}

	accessToken, err := s.issueToken(userID, tokenTypeAccess, accessEpoch, s.accessTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": accessToken})
}

// authenticate resolves the access token of r, writing a 401 when it is
// missing, invalid or from an expired epoch.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, epoch, err := s.parseToken(bearerToken(r), tokenTypeAccess)
	s.mu.Lock()
	current := s.accessEpoch
	s.mu.Unlock()
	if err != nil || epoch != current {
		writeError(w, http.StatusUnauthorized, "token has expired")
		return 0, false
	}
	return userID, true
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	user, err := dbGetUserByID(s.db, userID)
	if errors.Is(err, ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleUpdateMe changes the email when the body names one, null included,
// and the password when a non-empty one is given.
func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid data")
		return
	}
	var email *string
	rawEmail, setEmail := req["email"]
	if setEmail {
		if err := json.Unmarshal(rawEmail, &email); err != nil {
			writeError(w, http.StatusBadRequest, "invalid email")
			return
		}
	}
	var password string
	if rawPassword, ok := req["password"]; ok {
		if err := json.Unmarshal(rawPassword, &password); err != nil {
			writeError(w, http.StatusBadRequest, "invalid password")
			return
		}
	}

	user, err := dbUpdateUser(s.db, userID, setEmail, email, password)
	if errors.Is(err, ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to update user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "user updated", "user": user})
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	plural := r.PathValue("collection")
	s.mu.Lock()
	items, ok := s.collections[plural]
	items = append([]any{}, items...)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	total := len(items)
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	if offset > len(items) {
		offset = len(items)
	}
	items = items[offset:]
	if limit >= 0 && limit < len(items) {
		items = items[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		plural:   items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleEvidenceFile(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "evidence not found")
		return
	}

	s.mu.Lock()
	file, ok := s.evidence[id]
	hook := s.evidenceHook
	s.mu.Unlock()

	if hook != nil {
		hook(id)
	}

	if !ok {
		file, ok = s.evidenceFromDir(id)
	}
	if !ok {
		writeError(w, http.StatusNotFound, "evidence file not found")
		return
	}

	w.Header().Set("Content-Type", file.contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(file.data)))
	w.WriteHeader(http.StatusOK)
	w.Write(file.data)
}

func (s *Server) evidenceFromDir(id int64) (evidenceFile, bool) {
	if s.evidenceDir == "" {
		return evidenceFile{}, false
	}
	matches, _ := filepath.Glob(filepath.Join(s.evidenceDir, strconv.FormatInt(id, 10)+".*"))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		contentType := mime.TypeByExtension(filepath.Ext(path))
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		return evidenceFile{data: data, contentType: contentType}, true
	}
	return evidenceFile{}, false
}

// --- Helpers ---

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
