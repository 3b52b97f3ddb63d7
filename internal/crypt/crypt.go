// Package crypt holds the Store's two cryptographic primitives: message
// body encryption (authenticated, key-rotatable) and sender-number
// fingerprinting (keyed, one-way). Key material passed into this package
// is never logged and never returned by any function here.
package crypt

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the width of a secretbox key, as required by the library.
const KeySize = 32

var (
	ErrCiphertextTooShort = errors.New("crypt: ciphertext too short")
	ErrDecryptionFailed   = errors.New("crypt: decryption failed (wrong key or tampered ciphertext)")
)

// LoadKey parses a hex-encoded 32-byte secretbox key, as taken at startup
// from the value of the BROKER_SECRETBOX_KEY environment variable. The
// variable holds the key itself; no key file is read.
func LoadKey(hexKey string) (*[KeySize]byte, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode key hex: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(raw))
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}

// Encrypt seals plaintext under key, tagging the output with keyID so a
// future key rotation can decrypt old rows without re-encrypting history.
// Wire layout: 1-byte keyID length || keyID || 24-byte nonce || sealed box.
func Encrypt(key *[KeySize]byte, keyID string, plaintext []byte) ([]byte, error) {
	if len(keyID) > 255 {
		return nil, fmt.Errorf("key id too long: %d bytes", len(keyID))
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(keyID)+len(nonce)+len(plaintext)+secretbox.Overhead)
	out = append(out, byte(len(keyID)))
	out = append(out, []byte(keyID)...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plaintext, &nonce, key)
	return out, nil
}

// Decrypt reverses Encrypt, returning the plaintext and the key_id it was
// sealed under.
func Decrypt(key *[KeySize]byte, ciphertext []byte) (plaintext []byte, keyID string, err error) {
	if len(ciphertext) < 1 {
		return nil, "", ErrCiphertextTooShort
	}
	idLen := int(ciphertext[0])
	rest := ciphertext[1:]
	if len(rest) < idLen+24 {
		return nil, "", ErrCiphertextTooShort
	}
	keyID = string(rest[:idLen])
	rest = rest[idLen:]

	var nonce [24]byte
	copy(nonce[:], rest[:24])
	sealed := rest[24:]

	plaintext, ok := secretbox.Open(nil, sealed, &nonce, key)
	if !ok {
		return nil, "", ErrDecryptionFailed
	}
	return plaintext, keyID, nil
}

// Fingerprint computes a keyed, one-way fingerprint of a normalized E.164
// sender number: HMAC-SHA256(salt, sender). Equal fingerprints imply equal
// normalized input; the fingerprint is never reversible.
func Fingerprint(salt []byte, normalizedSender string) []byte {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(normalizedSender))
	return mac.Sum(nil)
}

// MaskSender returns a display-only masked form of an E.164 number: the
// leading "+" and the first 2 digits, then stars, then the last 4 digits,
// e.g. "+12****7890".
func MaskSender(e164 string) string {
	if len(e164) < 7 {
		return e164
	}
	lead := e164[:3] // "+" plus 2 digits
	tail := e164[len(e164)-4:]
	stars := len(e164) - len(lead) - len(tail)
	if stars < 0 {
		stars = 0
	}
	masked := make([]byte, stars)
	for i := range masked {
		masked[i] = '*'
	}
	return lead + string(masked) + tail
}
