package domain

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// CardIDSize is the raw length of a card identifier before base64url encoding.
	CardIDSize = 16
	// MaxOwnerLength bounds the display label stored with a card.
	MaxOwnerLength = 100
	// MaxReaderIDLength bounds reader identifiers.
	MaxReaderIDLength = 64
)

var validReaderIDRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9._-]*[a-zA-Z0-9])?$`)

// DecodeCardID returns the raw bytes of a base64url card identifier.
func DecodeCardID(id string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("card id is not base64url: %w", err)
	}
	if len(raw) != CardIDSize {
		return nil, fmt.Errorf("card id must encode %d bytes, got %d", CardIDSize, len(raw))
	}
	return raw, nil
}

// ValidateCardID checks the wire format of a card identifier.
func ValidateCardID(id string) error {
	_, err := DecodeCardID(id)
	return err
}

// ValidateReaderID checks that a reader identifier is a short URL-safe label.
func ValidateReaderID(id string) error {
	if id == "" {
		return fmt.Errorf("reader id cannot be empty")
	}
	if len(id) > MaxReaderIDLength {
		return fmt.Errorf("reader id exceeds %d characters", MaxReaderIDLength)
	}
	if !validReaderIDRegex.MatchString(id) {
		return fmt.Errorf("reader id '%s' contains invalid characters or format", id)
	}
	return nil
}

// ValidateOwner checks the card owner label.
func ValidateOwner(owner string) error {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidOwner)
	}
	if utf8.RuneCountInString(owner) > MaxOwnerLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwner, MaxOwnerLength)
	}
	if strings.Contains(owner, ":") {
		return fmt.Errorf("%w: must not contain ':'", ErrInvalidOwner)
	}
	return nil
}
