package domain

import "time"

// Decision is the outcome of checking one counter-MAC proof against stored card state.
type Decision struct {
	Granted bool
	Reason  Reason
	// Counter is the high-water mark to persist when Granted.
	Counter uint64
}

// Deny builds a rejecting decision.
func Deny(r Reason) Decision {
	return Decision{Reason: r}
}

// Reader is a device that captures credential proofs and attests itself.
type Reader struct {
	ID   string `json:"readerId"`
	Name string `json:"name"`
	// PublicKey is a DER-encoded SubjectPublicKeyInfo (ECDSA P-256).
	PublicKey []byte    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChallengeState tracks the single-use lifecycle of an attestation challenge.
type ChallengeState string

const (
	ChallengeIssued   ChallengeState = "issued"
	ChallengeConsumed ChallengeState = "consumed"
	ChallengeExpired  ChallengeState = "expired"
)

// Challenge is a nonce issued to one reader.
type Challenge struct {
	Value     string         `json:"challenge"`
	ReaderID  string         `json:"readerId"`
	IssuedAt  time.Time      `json:"issuedAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
	State     ChallengeState `json:"-"`
	Failures  int            `json:"-"`
}

// StateAt resolves the effective state, applying TTL expiry.
func (c *Challenge) StateAt(now time.Time) ChallengeState {
	if c.State == ChallengeIssued && now.After(c.ExpiresAt) {
		return ChallengeExpired
	}
	return c.State
}

// AttestationToken is the opaque session credential a reader presents with each
// verification call after a successful attestation.
type AttestationToken struct {
	Token     string    `json:"token"`
	ReaderID  string    `json:"readerId"`
	IssuedAt  time.Time `json:"attestedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Valid reports whether the token is bound to readerID and unexpired at now.
func (t *AttestationToken) Valid(readerID string, now time.Time) bool {
	return t != nil && t.ReaderID == readerID && now.Before(t.ExpiresAt)
}

// AttestationStatus describes the most recent successful attestation of a reader.
type AttestationStatus struct {
	ReaderID   string
	Attested   bool
	AttestedAt time.Time
	ExpiresAt  time.Time
}
