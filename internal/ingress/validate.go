package ingress

import (
	"regexp"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/ironpost/broker/internal/apperr"
)

// senderPattern is E.164: leading "+", first digit 1-9, 6-14 further
// digits (7-15 digits total), no spaces or dashes. Normalization here is
// rejection, not rewriting.
var senderPattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

const maxBodyCodePoints = 1000

// validateSender rejects any sender_number that does not already conform
// to E.164; it never attempts to reformat input.
func validateSender(sender string) error {
	if !senderPattern.MatchString(sender) {
		return apperr.InvalidSender("sender_number must match E.164: a leading '+', 7-15 digits, no spaces or punctuation")
	}
	return nil
}

// validateBody NFC-normalizes body and rejects anything outside 1-1000
// code points. Returns the normalized form so the caller encrypts exactly
// what was validated.
func validateBody(body string) (string, error) {
	normalized := norm.NFC.String(body)
	n := utf8.RuneCountInString(normalized)
	if n < 1 || n > maxBodyCodePoints {
		return "", apperr.InvalidBody("message_body must be 1-1000 code points after NFC normalization")
	}
	return normalized, nil
}
