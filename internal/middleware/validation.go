package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Input limits for the ask API.
const (
	MaxQuestionRunes = 2000
	MaxIDLength      = 128
)

// ValidateQuestion validates the question text.
func ValidateQuestion(question string) error {
	if !utf8.ValidString(question) {
		return errors.New("question must be valid UTF-8")
	}
	if strings.TrimSpace(question) == "" {
		return errors.New("question cannot be empty")
	}
	if utf8.RuneCountInString(question) > MaxQuestionRunes {
		return errors.New("question exceeds maximum length")
	}
	return nil
}

// ValidateID validates a caller-supplied identifier such as a request,
// client or agent id. Empty is allowed; name is used in the message.
func ValidateID(name, id string) error {
	if id == "" {
		return nil
	}
	if len(id) > MaxIDLength {
		return errors.New(name + " exceeds maximum length")
	}
	for _, r := range id {
		if !isIDRune(r) {
			return errors.New("invalid " + name + " format")
		}
	}
	return nil
}

// ValidateKind validates a request kind.
func ValidateKind(kind string) error {
	if len(kind) > 32 {
		return errors.New("kind exceeds maximum length")
	}
	return ValidateID("kind", kind)
}

func isIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '.', r == ':':
		return true
	}
	return false
}
