package auth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scheerer/ambilightd/internal/store"
)

func newManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()

	st, err := store.OpenFlat(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	m, err := NewManager(st)
	require.NoError(t, err)
	return m, st
}

func TestNewSalt(t *testing.T) {
	a, err := NewSalt()
	require.NoError(t, err)
	b, err := NewSalt()
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestHashPassword(t *testing.T) {
	sum := HashPassword("password", "salt")
	assert.Len(t, sum, 64)
	assert.Equal(t, sum, HashPassword("password", "salt"))
	assert.NotEqual(t, sum, HashPassword("password", "other"))
	assert.NotEqual(t, sum, HashPassword("other", "salt"))
}

func TestCreateUserStoresHash(t *testing.T) {
	m, st := newManager(t)

	require.NoError(t, m.CreateUser(DefaultUser, "hunter2"))

	record, err := st.AuthUser(DefaultUser)
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", record.Password)
	assert.NotEmpty(t, record.Salt)
	assert.Equal(t, HashPassword("hunter2", record.Salt), record.Password)
}

func TestLoginIssuesValidToken(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.CreateUser(DefaultUser, "hunter2"))

	token, err := m.Login(DefaultUser, "hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	user, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, DefaultUser, user)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.CreateUser(DefaultUser, "hunter2"))

	_, err := m.Login(DefaultUser, "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = m.Login("nobody", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUpdatesLastUse(t *testing.T) {
	m, st := newManager(t)
	require.NoError(t, m.CreateUser(DefaultUser, "hunter2"))

	_, err := m.Login(DefaultUser, "hunter2")
	require.NoError(t, err)

	record, err := st.AuthUser(DefaultUser)
	require.NoError(t, err)
	assert.False(t, record.LastUse.IsZero())
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	m, _ := newManager(t)

	_, err := m.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ValidateToken("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSessionTokenExpires(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.CreateUser(DefaultUser, "hunter2"))

	token, err := m.Login(DefaultUser, "hunter2")
	require.NoError(t, err)

	// Shift the manager clock past the session TTL.
	m.now = func() time.Time { return time.Now().Add(sessionTTL + time.Hour) }

	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokensDoNotCrossInstallations(t *testing.T) {
	first, _ := newManager(t)
	require.NoError(t, first.CreateUser(DefaultUser, "hunter2"))

	token, err := first.Login(DefaultUser, "hunter2")
	require.NoError(t, err)

	// A second installation has a different uuid and signing secret.
	second, _ := newManager(t)
	_, err = second.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAppToken(t *testing.T) {
	m, st := newManager(t)
	require.NoError(t, m.CreateUser(DefaultUser, "hunter2"))

	require.NoError(t, m.SetAppToken(DefaultUser, "remote-app-token"))

	// The stored value is a digest, not the token itself.
	record, err := st.AuthUser(DefaultUser)
	require.NoError(t, err)
	assert.NotEqual(t, "remote-app-token", record.Token)

	user, err := m.ValidateToken("remote-app-token")
	require.NoError(t, err)
	assert.Equal(t, DefaultUser, user)

	_, err = m.ValidateToken("some-other-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSetAppTokenUnknownUser(t *testing.T) {
	m, _ := newManager(t)
	assert.Error(t, m.SetAppToken("nobody", "token"))
}
