package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/poyrazK/cardgate/internal/core/ports"
	"github.com/poyrazK/cardgate/internal/infrastructure/metrics"
)

const (
	NonceSize           = 32
	TokenSize           = 32
	DefaultChallengeTTL = 60 * time.Second
	MaxChallengeTTL     = 120 * time.Second
	DefaultTokenTTL     = 60 * time.Minute
	DefaultMaxAttempts  = 5
)

// AttestationConfig holds the attestation policy parameters.
type AttestationConfig struct {
	ChallengeTTL time.Duration
	TokenTTL     time.Duration
	// MaxAttempts is the number of failed signatures after which a challenge is retired.
	MaxAttempts int
}

func (c AttestationConfig) withDefaults() AttestationConfig {
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = DefaultChallengeTTL
	}
	if c.ChallengeTTL > MaxChallengeTTL {
		c.ChallengeTTL = MaxChallengeTTL
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// AttestationService runs the challenge-response protocol that proves a reader holds
// its registered private key, and validates the session tokens it hands out.
type AttestationService struct {
	readers    ports.ReaderRepository
	challenges ports.ChallengeStore
	tokens     ports.TokenStore
	audit      *AuditRecorder
	cfg        AttestationConfig
	logger     *slog.Logger
	now        func() time.Time
}

func NewAttestationService(
	readers ports.ReaderRepository,
	challenges ports.ChallengeStore,
	tokens ports.TokenStore,
	audit *AuditRecorder,
	cfg AttestationConfig,
	logger *slog.Logger,
) *AttestationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttestationService{
		readers:    readers,
		challenges: challenges,
		tokens:     tokens,
		audit:      audit,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		now:        time.Now,
	}
}

// Config returns the effective policy.
func (s *AttestationService) Config() AttestationConfig { return s.cfg }

// RegisterReader adds a reader and its PEM or DER public key to the registry.
func (s *AttestationService) RegisterReader(ctx context.Context, readerID, name string, publicKey []byte) (*domain.Reader, error) {
	if err := domain.ValidateReaderID(readerID); err != nil {
		return nil, err
	}
	der, err := ParseReaderPublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = readerID
	}
	reader := &domain.Reader{
		ID:        readerID,
		Name:      name,
		PublicKey: der,
		Active:    true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.readers.CreateReader(ctx, reader); err != nil {
		return nil, fmt.Errorf("failed to register reader: %w", err)
	}
	s.record(ctx, domain.EventReaderAdded, readerID, true, domain.ReasonNone, "reader registered")
	return reader, nil
}

// ListReaders returns all registered readers.
func (s *AttestationService) ListReaders(ctx context.Context) ([]domain.Reader, error) {
	return s.readers.ListReaders(ctx)
}

// IssueChallenge creates a fresh nonce bound to readerID.
func (s *AttestationService) IssueChallenge(ctx context.Context, readerID string) (*domain.Challenge, error) {
	if _, err := s.lookupReader(ctx, readerID); err != nil {
		metrics.AttestationsTotal.WithLabelValues("challenge", "rejected").Inc()
		return nil, err
	}

	value, err := randomToken(NonceSize)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	ch := &domain.Challenge{
		Value:     value,
		ReaderID:  readerID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.ChallengeTTL),
		State:     domain.ChallengeIssued,
	}
	if err := s.challenges.Put(ctx, ch); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	metrics.AttestationsTotal.WithLabelValues("challenge", "issued").Inc()
	return ch, nil
}

// VerifyAttestation checks the reader's signature over a previously issued challenge.
// A failed signature leaves the challenge usable until it expires or the attempt budget
// is spent. Success consumes the challenge and returns a session token.
func (s *AttestationService) VerifyAttestation(ctx context.Context, readerID, challenge, signature string) (*domain.AttestationToken, error) {
	tok, err := s.verifyAttestation(ctx, readerID, challenge, signature)
	if err != nil {
		reason := domain.ReasonOf(err)
		metrics.AttestationsTotal.WithLabelValues("verify", string(reason)).Inc()
		s.record(ctx, domain.EventReaderRejected, readerID, false, reason, err.Error())
		return nil, err
	}
	metrics.AttestationsTotal.WithLabelValues("verify", "attested").Inc()
	s.record(ctx, domain.EventReaderAttested, readerID, true, domain.ReasonNone, "reader attested")
	return tok, nil
}

func (s *AttestationService) verifyAttestation(ctx context.Context, readerID, challenge, signature string) (*domain.AttestationToken, error) {
	reader, err := s.lookupReader(ctx, readerID)
	if err != nil {
		return nil, err
	}

	ch, err := s.challenges.Get(ctx, challenge)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if ch == nil || ch.ReaderID != readerID {
		return nil, domain.ErrChallengeNotFound
	}
	now := s.now()
	switch ch.StateAt(now) {
	case domain.ChallengeConsumed:
		return nil, domain.ErrChallengeNotFound
	case domain.ChallengeExpired:
		return nil, domain.ErrChallengeExpired
	}

	sig, err := DecodeSignature(signature)
	if err != nil || !VerifyECDSAP256(reader.PublicKey, []byte(ch.Value), sig) {
		if ferr := s.challenges.RecordFailure(ctx, ch.Value, s.cfg.MaxAttempts); ferr != nil {
			s.logger.Warn("failed to record attestation failure", "error", ferr, "reader_id", readerID)
		}
		return nil, domain.ErrSignatureInvalid
	}

	if err := s.challenges.Consume(ctx, readerID, ch.Value, now); err != nil {
		if errors.Is(err, domain.ErrChallengeNotFound) || errors.Is(err, domain.ErrChallengeExpired) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	value, err := randomToken(TokenSize)
	if err != nil {
		return nil, err
	}
	tok := &domain.AttestationToken{
		Token:     value,
		ReaderID:  readerID,
		IssuedAt:  now.UTC(),
		ExpiresAt: now.UTC().Add(s.cfg.TokenTTL),
	}
	if err := s.tokens.Put(ctx, tok); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return tok, nil
}

// ValidateToken checks that token is a live attestation of readerID.
func (s *AttestationService) ValidateToken(ctx context.Context, readerID, token string) error {
	if token == "" {
		return domain.ErrReaderNotAttested
	}
	tok, err := s.tokens.Get(ctx, token)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if !tok.Valid(readerID, s.now()) {
		return domain.ErrReaderNotAttested
	}
	return nil
}

// Status reports the most recent attestation of readerID.
func (s *AttestationService) Status(ctx context.Context, readerID string) (*domain.AttestationStatus, error) {
	tok, err := s.tokens.LastAttested(ctx, readerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	st := &domain.AttestationStatus{ReaderID: readerID}
	if tok != nil {
		st.AttestedAt = tok.IssuedAt
		st.ExpiresAt = tok.ExpiresAt
		st.Attested = tok.Valid(readerID, s.now())
	}
	return st, nil
}

func (s *AttestationService) lookupReader(ctx context.Context, readerID string) (*domain.Reader, error) {
	if err := domain.ValidateReaderID(readerID); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnknownReader, err)
	}
	reader, err := s.readers.GetReader(ctx, readerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if reader == nil || !reader.Active {
		return nil, domain.ErrUnknownReader
	}
	return reader, nil
}

func (s *AttestationService) record(ctx context.Context, typ domain.EventType, readerID string, success bool, reason domain.Reason, msg string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, &domain.AuditEvent{
		Type:      typ,
		ReaderID:  readerID,
		Success:   success,
		ErrorCode: reason,
		Message:   msg,
	})
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

var _ ports.AttestationService = (*AttestationService)(nil)
