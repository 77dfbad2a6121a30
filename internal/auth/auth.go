// ABOUTME: Password authentication with an explicit session object
// ABOUTME: The session carries the vault password; no process-global auth state

package auth

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/hearth-vault/internal/keystore"
)

// ErrInvalidPassword is returned when the supplied password does not match
// the stored verification hash.
var ErrInvalidPassword = errors.New("invalid password")

// verifierKey is where the password verification hash lives in the keystore.
const verifierKey = "hearth.password_verifier"

// Session is the authenticated state for one unlock of the vault. It is
// constructed by Login and handed by reference to whatever needs the
// password; there is no free-standing global.
type Session struct {
	password string
}

// Password returns the vault password for codec operations.
func (s *Session) Password() string {
	return s.password
}

// Service verifies passwords against a hash kept in the secure keystore.
type Service struct {
	keystore keystore.Keystore
	logger   *slog.Logger
}

// New creates an auth service over the given keystore.
func New(ks keystore.Keystore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		keystore: ks,
		logger:   logger.With("component", "auth"),
	}
}

// Register stores the verification hash for a new vault password.
func (s *Service) Register(password string) error {
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	if err := s.keystore.Set(verifierKey, string(hash)); err != nil {
		return fmt.Errorf("storing verification hash: %w", err)
	}

	s.logger.Info("password verifier registered")
	return nil
}

// Login verifies the password and returns a session. A vault with no stored
// verifier is treated as a first unlock: the password is registered and the
// session opened.
func (s *Service) Login(password string) (*Session, error) {
	stored, err := s.keystore.Get(verifierKey)
	if errors.Is(err, keystore.ErrNotFound) {
		if err := s.Register(password); err != nil {
			return nil, err
		}
		return &Session{password: password}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading verification hash: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)); err != nil {
		return nil, ErrInvalidPassword
	}

	s.logger.Debug("login succeeded")
	return &Session{password: password}, nil
}

// Logout tears a session down. The session must not be used afterwards.
func (s *Service) Logout(session *Session) {
	if session != nil {
		session.password = ""
	}
	s.logger.Debug("session closed")
}
