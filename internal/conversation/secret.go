package conversation

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Secret checks the shared secret that unlocks a session.
type Secret struct {
	plain []byte
	hash  []byte
}

// NewSecret builds a Secret from a bcrypt hash or, when hash is empty,
// a plaintext password. The hash wins when both are set.
func NewSecret(plain, hash string) (*Secret, error) {
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("password_hash is not a bcrypt hash: %w", err)
		}
		return &Secret{hash: []byte(hash)}, nil
	}
	if plain == "" {
		return nil, errors.New("empty password")
	}
	return &Secret{plain: []byte(plain)}, nil
}

// Matches reports whether input is the secret.
func (s *Secret) Matches(input string) bool {
	if s.hash != nil {
		return bcrypt.CompareHashAndPassword(s.hash, []byte(input)) == nil
	}
	return subtle.ConstantTimeCompare(s.plain, []byte(input)) == 1
}
