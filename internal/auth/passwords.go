package auth

import (
	"errors"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	bcryptCost = 12
	// bcryptMaxInputBytes is bcrypt's hard limit; go further and it silently
	// ignores everything past byte 72. Rather than let that happen
	// unnoticed, HashPassword truncates explicitly and reports it.
	bcryptMaxInputBytes = 72
)

var (
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")
	ErrPasswordNoLetter = errors.New("password must contain at least one letter")
	ErrPasswordNoDigit  = errors.New("password must contain at least one digit")
)

// ValidatePassword checks the password meets the minimum policy.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrPasswordTooShort
	}
	var hasLetter, hasDigit bool
	for _, r := range password {
		if unicode.IsLetter(r) {
			hasLetter = true
		}
		if unicode.IsDigit(r) {
			hasDigit = true
		}
	}
	if !hasLetter {
		return ErrPasswordNoLetter
	}
	if !hasDigit {
		return ErrPasswordNoDigit
	}
	return nil
}

// HashPassword returns a bcrypt hash of the password. Inputs over 72 bytes
// are truncated before hashing rather than left to bcrypt's own silent
// truncation; truncated reports this so the caller can write the WARN
// audit entry the design calls for.
func HashPassword(password string) (hash string, truncated bool, err error) {
	input := []byte(password)
	if len(input) > bcryptMaxInputBytes {
		input = input[:bcryptMaxInputBytes]
		truncated = true
	}
	h, err := bcrypt.GenerateFromPassword(input, bcryptCost)
	if err != nil {
		return "", truncated, err
	}
	return string(h), truncated, nil
}

// CheckPassword verifies a password against a bcrypt hash, applying the
// same 72-byte truncation HashPassword used so a long password compares
// against the bytes it was actually hashed from.
func CheckPassword(hash, password string) bool {
	input := []byte(password)
	if len(input) > bcryptMaxInputBytes {
		input = input[:bcryptMaxInputBytes]
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), input) == nil
}
