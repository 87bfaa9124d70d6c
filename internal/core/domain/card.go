// Package domain contains the core entities of the cardgate access-control backend.
package domain

import (
	"strings"
	"time"
)

// CardRole is informational and may gate downstream authorization.
type CardRole string

const (
	CardRoleAdmin     CardRole = "admin"
	CardRolePermanent CardRole = "permanent"
	CardRoleTemporary CardRole = "temporary"
	CardRoleGuest     CardRole = "guest"
)

// DefaultTTL returns the validity applied when a card is issued without an explicit TTL.
func (r CardRole) DefaultTTL() time.Duration {
	switch r {
	case CardRoleAdmin:
		return 365 * 24 * time.Hour
	case CardRoleTemporary:
		return 7 * 24 * time.Hour
	case CardRoleGuest:
		return 24 * time.Hour
	default:
		return 90 * 24 * time.Hour
	}
}

// ParseCardRole maps a case-insensitive role name to a CardRole.
// An empty name yields CardRolePermanent.
func ParseCardRole(s string) (CardRole, error) {
	switch CardRole(strings.ToLower(strings.TrimSpace(s))) {
	case "", CardRolePermanent:
		return CardRolePermanent, nil
	case CardRoleAdmin:
		return CardRoleAdmin, nil
	case CardRoleTemporary:
		return CardRoleTemporary, nil
	case CardRoleGuest:
		return CardRoleGuest, nil
	}
	return "", ErrInvalidRole
}

// Card is a provisioned credential identity.
type Card struct {
	ID    string   `json:"cardId"`
	Owner string   `json:"owner"`
	Role  CardRole `json:"role"`
	// Secret is the raw MAC key. It is only populated inside the credential store
	// boundary and is never serialized.
	Secret []byte `json:"-"`
	// LastCounter is the counter high-water mark; nil until the first accepted proof.
	LastCounter *uint64   `json:"lastCounter,omitempty"`
	KeyVersion  int       `json:"keyVersion"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the card is past its validity at now.
// A card is expired at exactly ExpiresAt.
func (c *Card) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Summary projects the card without secret material.
func (c *Card) Summary() CardSummary {
	return CardSummary{
		ID:          c.ID,
		Owner:       c.Owner,
		Role:        c.Role,
		LastCounter: c.LastCounter,
		KeyVersion:  c.KeyVersion,
		Active:      c.Active,
		CreatedAt:   c.CreatedAt,
		ExpiresAt:   c.ExpiresAt,
	}
}

// CardSummary is the read-only projection returned by listing operations.
type CardSummary struct {
	ID          string    `json:"cardId"`
	Owner       string    `json:"owner"`
	Role        CardRole  `json:"role"`
	LastCounter *uint64   `json:"lastCounter,omitempty"`
	KeyVersion  int       `json:"keyVersion"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// CardFilter narrows card listings. Zero values mean "no constraint".
type CardFilter struct {
	Owner  string
	Role   CardRole
	Active *bool
	Limit  int
}
