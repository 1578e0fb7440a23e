package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilePersisterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	p := NewFilePersister(path)

	s := Session{AccessToken: "a1", RefreshToken: "r1", User: testUser()}
	require.NoError(t, p.Save(s))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := p.Load()
	require.NoError(t, err)
	assert.True(t, loaded.equal(s))
}

func TestFilePersisterMissingFile(t *testing.T) {
	p := NewFilePersister(filepath.Join(t.TempDir(), "absent.json"))

	s, err := p.Load()
	require.NoError(t, err)
	assert.False(t, s.Authenticated())
}

func TestFilePersisterRejectsIncompleteSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"access_token":"a1"}`), 0600))

	_, err := NewFilePersister(path).Load()
	assert.ErrorIs(t, err, ErrIncompleteSession)
}

func TestAttachRestoresAndTracksChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	p := NewFilePersister(path)
	require.NoError(t, p.Save(Session{AccessToken: "a1", RefreshToken: "r1", User: testUser()}))

	store := NewStore()
	detach, err := p.Attach(store, nil)
	require.NoError(t, err)
	defer detach()

	assert.Equal(t, "a1", store.AccessToken())

	store.ReplaceAccessToken("r1", "a2")
	loaded, err := p.Load()
	require.NoError(t, err)
	assert.Equal(t, "a2", loaded.AccessToken)

	store.Clear()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "7",
		"exp": exp.Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	got, ok := Session{AccessToken: token}.ExpiresAt()
	require.True(t, ok)
	assert.True(t, exp.Equal(got))

	_, ok = TokenExpiry("not-a-jwt")
	assert.False(t, ok)
	_, ok = TokenExpiry("")
	assert.False(t, ok)
}
