// Package auth implements the pluggable token check used by the
// protocol servers: persisted app tokens plus short-lived JWT session
// tokens for authorized users.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scheerer/ambilightd/internal/logging"
	"github.com/scheerer/ambilightd/internal/store"
)

var logger = logging.New("auth")

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// sessionTTL bounds how long an authorized session token stays valid.
const sessionTTL = 24 * time.Hour

// Validator is the token check the protocol servers depend on.
// Implementations report the authenticated user for a valid token.
type Validator interface {
	ValidateToken(token string) (string, error)
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// Manager verifies credentials against the store and issues HS256
// session tokens keyed by the installation identity.
type Manager struct {
	store  store.Store
	secret []byte
	issuer string
	now    func() time.Time
}

// NewManager derives the signing secret from the persisted installation
// uuid, so session tokens survive a restart but never leave the host.
func NewManager(st store.Store) (*Manager, error) {
	meta, err := st.Meta()
	if err != nil {
		return nil, fmt.Errorf("load installation meta: %w", err)
	}

	mac := hmac.New(sha256.New, []byte(meta.UUID))
	mac.Write([]byte("session-signing-key"))

	return &Manager{
		store:  st,
		secret: mac.Sum(nil),
		issuer: "ambilightd-" + meta.UUID,
		now:    time.Now,
	}, nil
}

// NewSalt returns a fresh random password salt.
func NewSalt() (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(salt), nil
}

// HashPassword computes the stored password digest.
func HashPassword(password, salt string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return hex.EncodeToString(sum[:])
}

// CreateUser registers a user with a fresh salt and an empty app token.
func (m *Manager) CreateUser(user, password string) error {
	salt, err := NewSalt()
	if err != nil {
		return err
	}

	record := store.AuthRecord{
		User:      user,
		Password:  HashPassword(password, salt),
		Salt:      salt,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.UpsertAuth(record); err != nil {
		return err
	}
	logger.Infow("user created", "user", user)
	return nil
}

// Login verifies the credentials and returns a session token.
func (m *Manager) Login(user, password string) (string, error) {
	record, err := m.store.AuthUser(user)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	expected := HashPassword(password, record.Salt)
	if !hmac.Equal([]byte(expected), []byte(record.Password)) {
		return "", ErrInvalidCredentials
	}

	record.LastUse = m.now().UTC()
	if err := m.store.UpsertAuth(record); err != nil {
		logger.Warnw("could not update last use", "user", user, "error", err)
	}

	return m.issueToken(user)
}

func (m *Manager) issueToken(user string) (string, error) {
	now := m.now().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// SetAppToken stores a long-lived application token for the user.
func (m *Manager) SetAppToken(user, token string) error {
	record, err := m.store.AuthUser(user)
	if err != nil {
		return err
	}
	record.Token = HashPassword(token, record.Salt)
	return m.store.UpsertAuth(record)
}

// ValidateToken accepts either a JWT session token or a persisted app
// token and returns the authenticated user.
func (m *Manager) ValidateToken(token string) (string, error) {
	if user, err := m.validateSession(token); err == nil {
		return user, nil
	}
	return m.validateAppToken(token)
}

func (m *Manager) validateSession(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.now))
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// validateAppToken compares the token against the default user's stored
// app token.
func (m *Manager) validateAppToken(token string) (string, error) {
	record, err := m.store.AuthUser(DefaultUser)
	if err != nil {
		return "", ErrInvalidToken
	}
	if record.Token == "" {
		return "", ErrInvalidToken
	}
	if !hmac.Equal([]byte(HashPassword(token, record.Salt)), []byte(record.Token)) {
		return "", ErrInvalidToken
	}
	return record.User, nil
}

// DefaultUser is the single administrative account.
const DefaultUser = "ambilightd"
