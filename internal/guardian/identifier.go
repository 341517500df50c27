package guardian

import (
	"regexp"
)

// DefaultPrefix namespaces identifiers when no prefix is configured.
const DefaultPrefix = "guardian"

// MaxIdentifierLength bounds the final identifier, prefix included.
const MaxIdentifierLength = 128

var (
	unsafeIdentifierChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	startsWithLetter      = regexp.MustCompile(`^[A-Za-z]`)
)

// SanitizeIdentifier reduces identifier to the [A-Za-z0-9_-] charset and
// namespaces it with prefix:
//
//	SanitizeIdentifier("test!@#", "guardian") == "guardian_test"
//	SanitizeIdentifier("001", "")             == "id_001"
//
// Without a prefix, a value not starting with a letter gets an "id_" prefix so
// it stays a safe bare token. ErrEmptyIdentifier is returned when nothing
// usable remains.
func SanitizeIdentifier(identifier, prefix string) (string, error) {
	safe := unsafeIdentifierChars.ReplaceAllString(identifier, "")

	if prefix == "" && !startsWithLetter.MatchString(safe) {
		safe = "id_" + safe
	}
	if safe == "" || safe == "id_" {
		return "", ErrEmptyIdentifier
	}

	result := safe
	if prefix != "" {
		result = prefix + "_" + safe
	}
	if len(result) > MaxIdentifierLength {
		result = result[:MaxIdentifierLength]
	}
	return result, nil
}
