package domain

import (
	"time"
)

// Role is the permission level of an operator API key.
type Role string

const (
	RoleAdmin   Role = "admin"   // Card lifecycle, reader registry, audit
	RoleAuditor Role = "auditor" // Read-only: card listings and audit events
)

// APIKey authenticates operators on the administrative routes.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`       // Human-readable label, e.g. "front-desk"
	KeyHash   string     `json:"-"`          // SHA-256 hash of the key (never store raw)
	KeyPrefix string     `json:"key_prefix"` // First 8 chars for identification
	Role      Role       `json:"role"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
