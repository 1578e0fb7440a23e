package session

import (
	"errors"
	"sync"
)

// ErrIncompleteSession is returned by Set when an access token is supplied
// without the user it belongs to.
var ErrIncompleteSession = errors.New("session: access token without user")

// User is the identity record returned by the auth endpoints.
type User struct {
	ID        int64   `json:"user_id"`
	Username  string  `json:"username"`
	Email     *string `json:"email"`
	CreatedAt string  `json:"created_at"`
}

func (u *User) clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.Email != nil {
		email := *u.Email
		c.Email = &email
	}
	return &c
}

// Session is a snapshot of the current credentials.
type Session struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	User         *User  `json:"user,omitempty"`
}

// Authenticated reports whether the session carries an access token.
func (s Session) Authenticated() bool {
	return s.AccessToken != ""
}

func (s Session) clone() Session {
	s.User = s.User.clone()
	return s
}

func (s Session) equal(o Session) bool {
	if s.AccessToken != o.AccessToken || s.RefreshToken != o.RefreshToken {
		return false
	}
	if (s.User == nil) != (o.User == nil) {
		return false
	}
	if s.User == nil {
		return true
	}
	if s.User.ID != o.User.ID || s.User.Username != o.User.Username || s.User.CreatedAt != o.User.CreatedAt {
		return false
	}
	if (s.User.Email == nil) != (o.User.Email == nil) {
		return false
	}
	return s.User.Email == nil || *s.User.Email == *o.User.Email
}

// Store is the process-wide holder of the current session.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Subscribers are called outside the state lock, one notification at a
//     time, and must not mutate the Store synchronously from the callback.
type Store struct {
	mu      sync.RWMutex // Protects current
	current Session

	notifyMu sync.Mutex // Serializes delivery so subscribers see mutations in order
	subsMu   sync.Mutex // Protects subs and nextID
	subs     map[uint64]func(Session)
	nextID   uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{subs: make(map[uint64]func(Session))}
}

// Get returns a copy of the current session.
func (s *Store) Get() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

// AccessToken returns the current access token, or "" when unauthenticated.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.AccessToken
}

// RefreshToken returns the current refresh token, or "".
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.RefreshToken
}

// Set atomically replaces the session. A session without an access token is
// stored as the empty session.
func (s *Store) Set(next Session) error {
	if next.AccessToken == "" {
		s.Clear()
		return nil
	}
	if next.User == nil {
		return ErrIncompleteSession
	}
	s.swap(func(Session) (Session, bool) { return next.clone(), true })
	return nil
}

// ReplaceAccessToken installs a renewed access token, keeping the refresh
// token and user. It only applies while the session is still authenticated
// with refreshToken, so a logout or re-login that happened while the renewal
// was in flight is never overwritten.
func (s *Store) ReplaceAccessToken(refreshToken, accessToken string) bool {
	if refreshToken == "" || accessToken == "" {
		return false
	}
	return s.swap(func(cur Session) (Session, bool) {
		if !cur.Authenticated() || cur.RefreshToken != refreshToken {
			return cur, false
		}
		cur.AccessToken = accessToken
		return cur, true
	})
}

// ReplaceUser installs an updated identity record, keeping both tokens. Like
// ReplaceAccessToken it only applies while the session is still the one
// holding refreshToken.
func (s *Store) ReplaceUser(refreshToken string, user *User) bool {
	if refreshToken == "" || user == nil {
		return false
	}
	return s.swap(func(cur Session) (Session, bool) {
		if !cur.Authenticated() || cur.RefreshToken != refreshToken {
			return cur, false
		}
		cur.User = user.clone()
		return cur, true
	})
}

// Clear resets the store to the empty session.
func (s *Store) Clear() {
	s.swap(func(Session) (Session, bool) { return Session{}, true })
}

// ClearIfAccessToken clears the session only while it is still authorized
// with accessToken, and returns the session it removed.
func (s *Store) ClearIfAccessToken(accessToken string) (Session, bool) {
	var removed Session
	ok := s.swap(func(cur Session) (Session, bool) {
		if !cur.Authenticated() || cur.AccessToken != accessToken {
			return cur, false
		}
		removed = cur
		return Session{}, true
	})
	return removed.clone(), ok
}

// Subscribe registers fn to be called after every change to the session. The
// returned function removes the subscription.
func (s *Store) Subscribe(fn func(Session)) (unsubscribe func()) {
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

// swap applies update under the write lock and notifies subscribers when the
// session actually changed.
func (s *Store) swap(update func(Session) (Session, bool)) bool {
	s.mu.Lock()
	next, ok := update(s.current)
	if !ok || next.equal(s.current) {
		s.mu.Unlock()
		return ok
	}
	s.current = next
	s.mu.Unlock()

	s.notify()
	return true
}

func (s *Store) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.subsMu.Lock()
	fns := make([]func(Session), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	// Deliver whatever is current now rather than the value this mutation
	// produced, so a late delivery can never roll a subscriber backwards.
	snapshot := s.Get()
	for _, fn := range fns {
		fn(snapshot.clone())
	}
}
