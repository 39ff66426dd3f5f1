package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	bcryptCost = 10

	minUsernameLen = 3
	maxUsernameLen = 32
	minPasswordLen = 6
)

// HashPassword generates a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// ComparePassword compares a bcrypt hashed password with its plaintext version.
func ComparePassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

func validateCredentials(username, password string) error {
	if n := len(username); n < minUsernameLen || n > maxUsernameLen {
		return ErrInvalidUsername
	}
	if len(password) < minPasswordLen {
		return ErrInvalidPassword
	}
	return nil
}
