// ABOUTME: Operator password checking with bcrypt and constant-time API key comparison
// ABOUTME: A plaintext password from config is hashed once at startup and never kept

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrBadCredentials is returned for a wrong password or API key.
	ErrBadCredentials = errors.New("bad credentials")

	// ErrLoginDisabled is returned when no web password is configured.
	ErrLoginDisabled = errors.New("password login disabled")
)

// HashPassword returns a bcrypt hash suitable for auth.web_password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// PasswordChecker verifies the operator password against a bcrypt hash.
type PasswordChecker struct {
	hash []byte
}

// NewPasswordChecker accepts either a bcrypt hash or a plaintext password. The hash wins.
// With neither, the checker rejects everything with ErrLoginDisabled.
func NewPasswordChecker(hash, plaintext string) (*PasswordChecker, error) {
	switch {
	case hash != "":
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("auth.web_password_hash: %w", err)
		}
		return &PasswordChecker{hash: []byte(hash)}, nil
	case plaintext != "":
		h, err := HashPassword(plaintext)
		if err != nil {
			return nil, err
		}
		return &PasswordChecker{hash: []byte(h)}, nil
	default:
		return &PasswordChecker{}, nil
	}
}

// Enabled reports whether a password is configured.
func (p *PasswordChecker) Enabled() bool {
	return len(p.hash) > 0
}

// Check compares password with the configured hash.
func (p *PasswordChecker) Check(password string) error {
	if !p.Enabled() {
		return ErrLoginDisabled
	}
	if err := bcrypt.CompareHashAndPassword(p.hash, []byte(password)); err != nil {
		return ErrBadCredentials
	}
	return nil
}

// apiKeyMatches compares in constant time. An empty configured key never matches.
func apiKeyMatches(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}
