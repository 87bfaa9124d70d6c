package ports

import (
	"context"
	"time"

	"github.com/poyrazK/cardgate/internal/core/domain"
)

// CardRepository is the credential store. It is the single writer of a card's counter,
// active flag and expiry. GetCard returns nil, nil when the card does not exist.
type CardRepository interface {
	CreateCard(ctx context.Context, card *domain.Card) error
	GetCard(ctx context.Context, cardID string) (*domain.Card, error)
	ListCards(ctx context.Context, filter domain.CardFilter) ([]domain.Card, error)
	// AdvanceCounter moves the high-water mark to counter only if it is strictly greater
	// than the stored value (or none is stored). It reports whether the update applied.
	AdvanceCounter(ctx context.Context, cardID string, counter uint64) (bool, error)
	SetActive(ctx context.Context, cardID string, active bool) (bool, error)
	// ExtendExpiry atomically sets expires_at to max(expires_at, now) + extra and
	// returns the new value, or nil when the card does not exist.
	ExtendExpiry(ctx context.Context, cardID string, now time.Time, extra time.Duration) (*time.Time, error)
	Ping(ctx context.Context) error
}

// ReaderRepository is the registry of reader identities and their public keys.
// GetReader returns nil, nil when the reader does not exist.
type ReaderRepository interface {
	CreateReader(ctx context.Context, reader *domain.Reader) error
	GetReader(ctx context.Context, readerID string) (*domain.Reader, error)
	ListReaders(ctx context.Context) ([]domain.Reader, error)
}

// APIKeyRepository stores operator API keys for the administrative routes.
type APIKeyRepository interface {
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]domain.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error
}

// ChallengeStore holds attestation challenges. Get returns nil, nil for unknown values.
type ChallengeStore interface {
	Put(ctx context.Context, ch *domain.Challenge) error
	Get(ctx context.Context, value string) (*domain.Challenge, error)
	// Consume atomically moves an issued, unexpired challenge bound to readerID to the
	// consumed state. Unknown, foreign or already consumed challenges yield
	// domain.ErrChallengeNotFound; lapsed ones yield domain.ErrChallengeExpired.
	Consume(ctx context.Context, readerID, value string, now time.Time) error
	// RecordFailure counts a failed signature check and retires the challenge as expired
	// once maxFailures is reached.
	RecordFailure(ctx context.Context, value string, maxFailures int) error
}

// TokenStore holds attestation tokens. Get returns nil, nil for unknown tokens.
type TokenStore interface {
	Put(ctx context.Context, tok *domain.AttestationToken) error
	Get(ctx context.Context, token string) (*domain.AttestationToken, error)
	LastAttested(ctx context.Context, readerID string) (*domain.AttestationToken, error)
}

// CardLocker provides mutual exclusion scoped to one card id.
type CardLocker interface {
	Lock(ctx context.Context, cardID string) (unlock func(), err error)
}

// AuditSink receives append-only audit events.
type AuditSink interface {
	Record(ctx context.Context, event *domain.AuditEvent) error
}

// AuditReader lists recorded audit events, newest first.
type AuditReader interface {
	ListAuditEvents(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error)
}

// SecretWrapper protects card secrets at rest.
type SecretWrapper interface {
	Wrap(cardID string, secret []byte) ([]byte, error)
	Unwrap(cardID string, wrapped []byte) ([]byte, error)
}

// AttestationValidator checks reader session tokens on the verification path.
type AttestationValidator interface {
	ValidateToken(ctx context.Context, readerID, token string) error
}

// VerificationService is the verification entry point used by the HTTP layer.
// Failures are folded into the result; it never returns an error.
type VerificationService interface {
	Verify(ctx context.Context, req domain.VerifyRequest) domain.VerifyResult
	VerifyQR(ctx context.Context, req domain.QRVerifyRequest) domain.VerifyResult
}

// AttestationService manages the reader registry and challenge-response attestation.
type AttestationService interface {
	AttestationValidator
	RegisterReader(ctx context.Context, readerID, name string, publicKey []byte) (*domain.Reader, error)
	ListReaders(ctx context.Context) ([]domain.Reader, error)
	IssueChallenge(ctx context.Context, readerID string) (*domain.Challenge, error)
	VerifyAttestation(ctx context.Context, readerID, challenge, signature string) (*domain.AttestationToken, error)
	Status(ctx context.Context, readerID string) (*domain.AttestationStatus, error)
}

// CardService manages the card lifecycle.
type CardService interface {
	Issue(ctx context.Context, req domain.IssueRequest) (*domain.IssuedCard, error)
	Extend(ctx context.Context, cardID string, extraSeconds int64) (*domain.CardSummary, error)
	Revoke(ctx context.Context, cardID string) (*domain.CardSummary, error)
	List(ctx context.Context, filter domain.CardFilter) ([]domain.CardSummary, error)
	Get(ctx context.Context, cardID string) (*domain.CardSummary, error)
	GenerateQR(ctx context.Context, cardID string) (string, error)
}

// SimulatorService produces valid proofs for development readers.
type SimulatorService interface {
	Respond(ctx context.Context, cardID string) (*domain.SimulatedProof, error)
}

// ReadinessReporter reports whether the node should receive traffic.
type ReadinessReporter interface {
	Ready() bool
}
