package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/poyrazK/cardgate/internal/access/proof"
	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/poyrazK/cardgate/internal/core/ports"
	"github.com/poyrazK/cardgate/internal/infrastructure/metrics"
)

const (
	DefaultRequestTimeout = 3 * time.Second
	DefaultCommitTimeout  = 2 * time.Second
	DefaultStoreRetries   = 3
)

// VerifierConfig holds the verification policy.
type VerifierConfig struct {
	// RequestTimeout bounds the whole request, including the wait for the card lock.
	RequestTimeout time.Duration
	// CommitTimeout bounds the load-check-persist section once the lock is held.
	CommitTimeout time.Duration
	// StoreRetries is the number of retries after a failed store call.
	StoreRetries int
	// RequireAttestation rejects readers without a live attestation token.
	RequireAttestation bool
}

func (c VerifierConfig) withDefaults() VerifierConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = DefaultCommitTimeout
	}
	if c.StoreRetries < 0 {
		c.StoreRetries = 0
	}
	return c
}

// VerificationService sequences reader validation, per-card locking, proof checking and
// counter persistence, and writes exactly one audit event per attempt.
type VerificationService struct {
	cards    ports.CardRepository
	locker   ports.CardLocker
	attestor ports.AttestationValidator
	audit    *AuditRecorder
	qr       *proof.QRSigner
	cfg      VerifierConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewVerificationService(
	cards ports.CardRepository,
	locker ports.CardLocker,
	attestor ports.AttestationValidator,
	audit *AuditRecorder,
	qr *proof.QRSigner,
	cfg VerifierConfig,
	logger *slog.Logger,
) *VerificationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &VerificationService{
		cards:    cards,
		locker:   locker,
		attestor: attestor,
		audit:    audit,
		qr:       qr,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// Verify checks a counter-MAC proof and, when it is accepted, durably advances the
// card's counter before granting.
func (s *VerificationService) Verify(ctx context.Context, req domain.VerifyRequest) domain.VerifyResult {
	if req.AccessType == "" {
		req.AccessType = domain.AccessCardVerification
	}
	start := s.now()
	res := s.verify(ctx, req)
	res.AccessType = req.AccessType
	s.finish(ctx, req.ReaderID, &res, start)
	return res
}

func (s *VerificationService) verify(ctx context.Context, req domain.VerifyRequest) domain.VerifyResult {
	res := domain.VerifyResult{CardID: req.CardID}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	if reason := s.checkReader(ctx, req.ReaderID, req.ReaderToken); reason != domain.ReasonNone {
		res.Reason = reason
		return res
	}

	p, err := proof.Decode(req.CardID, req.Ctr, req.Tag)
	if err != nil {
		res.Reason = domain.ReasonMalformedProof
		return res
	}
	counter := p.Counter
	res.Counter = &counter

	waitStart := time.Now()
	unlock, err := s.locker.Lock(ctx, p.CardID)
	metrics.LockWaitDuration.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		res.Reason = lockFailureReason(err)
		if res.Reason == domain.ReasonStoreUnavailable {
			s.logger.Error("failed to acquire card lock", "error", err, "card_id", p.CardID)
		}
		return res
	}
	defer unlock()

	// From here on the work is committed as a unit: caller cancellation must not
	// abandon a persisted counter or leave it half-applied.
	cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CommitTimeout)
	defer ccancel()

	card, err := s.loadCard(cctx, p.CardID)
	if err != nil {
		s.logger.Error("failed to load card", "error", err, "card_id", p.CardID)
		res.Reason = domain.ReasonStoreUnavailable
		return res
	}
	if card == nil {
		res.Reason = domain.ReasonCardNotFound
		return res
	}
	res.Owner = card.Owner
	res.Role = card.Role

	dec := CheckProof(card, p, s.now())
	if !dec.Granted {
		res.Reason = dec.Reason
		return res
	}

	applied, err := s.advanceCounter(cctx, p.CardID, dec.Counter)
	if err != nil {
		s.logger.Error("failed to persist counter, denying", "error", err, "card_id", p.CardID, "counter", dec.Counter)
		res.Reason = domain.ReasonStoreUnavailable
		return res
	}
	if !applied {
		// Another writer advanced the counter past ours.
		res.Reason = domain.ReasonReplayedCounter
		return res
	}
	res.Granted = true
	return res
}

// VerifyQR dispatches a scanned payload: structured proofs take the full Verify path,
// opaque tokens are an identity check of signature and card status.
func (s *VerificationService) VerifyQR(ctx context.Context, req domain.QRVerifyRequest) domain.VerifyResult {
	payload, err := proof.ParsePayload(req.QRCode)
	if err == nil && payload.Kind == proof.KindStructured {
		return s.Verify(ctx, domain.VerifyRequest{
			CardID:      payload.Structured.CardID,
			Ctr:         payload.Structured.Ctr,
			Tag:         payload.Structured.Tag,
			ReaderID:    req.ReaderID,
			ReaderToken: req.ReaderToken,
			AccessType:  domain.AccessQRScan,
		})
	}

	start := s.now()
	var res domain.VerifyResult
	if err != nil {
		res.Reason = domain.ReasonMalformedProof
	} else {
		res = s.verifyOpaque(ctx, req, payload.Opaque)
	}
	res.AccessType = domain.AccessQRScan
	s.finish(ctx, req.ReaderID, &res, start)
	return res
}

func (s *VerificationService) verifyOpaque(ctx context.Context, req domain.QRVerifyRequest, tok *proof.OpaqueToken) domain.VerifyResult {
	res := domain.VerifyResult{CardID: tok.CardID}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	if reason := s.checkReader(ctx, req.ReaderID, req.ReaderToken); reason != domain.ReasonNone {
		res.Reason = reason
		return res
	}
	if s.qr == nil || !s.qr.Verify(tok) {
		res.Reason = domain.ReasonTagMismatch
		return res
	}

	card, err := s.loadCard(ctx, tok.CardID)
	if err != nil {
		if ctx.Err() != nil {
			res.Reason = domain.ReasonTimeout
		} else {
			res.Reason = domain.ReasonStoreUnavailable
		}
		return res
	}
	if card == nil {
		res.Reason = domain.ReasonCardNotFound
		return res
	}
	res.Owner = card.Owner
	res.Role = card.Role
	switch {
	case !card.Active:
		res.Reason = domain.ReasonCardInactive
	case card.Expired(s.now()):
		res.Reason = domain.ReasonCardExpired
	default:
		res.Granted = true
	}
	return res
}

func (s *VerificationService) checkReader(ctx context.Context, readerID, token string) domain.Reason {
	if !s.cfg.RequireAttestation {
		return domain.ReasonNone
	}
	if readerID == "" || s.attestor == nil {
		return domain.ReasonReaderNotAttested
	}
	if err := s.attestor.ValidateToken(ctx, readerID, token); err != nil {
		return domain.ReasonOf(err)
	}
	return domain.ReasonNone
}

func (s *VerificationService) finish(ctx context.Context, readerID string, res *domain.VerifyResult, start time.Time) {
	res.Elapsed = s.now().Sub(start)

	outcome := "denied"
	typ := domain.EventAccessDenied
	if res.Granted {
		outcome = "granted"
		typ = domain.EventAccessGranted
	}
	if res.AccessType == domain.AccessQRScan && res.Counter == nil {
		typ = domain.EventQRVerified
	}
	metrics.VerificationsTotal.WithLabelValues(string(res.AccessType), outcome, string(res.Reason)).Inc()
	metrics.VerifyDuration.WithLabelValues(string(res.AccessType)).Observe(res.Elapsed.Seconds())
	s.logger.Debug("verification complete",
		"card_id", res.CardID,
		"reader_id", readerID,
		"granted", res.Granted,
		"reason", res.Reason,
		"elapsed", res.Elapsed)

	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, &domain.AuditEvent{
		Type:       typ,
		AccessType: res.AccessType,
		CardID:     res.CardID,
		ReaderID:   readerID,
		Owner:      res.Owner,
		Role:       res.Role,
		Success:    res.Granted,
		ErrorCode:  res.Reason,
		Counter:    res.Counter,
		ResponseMS: res.Elapsed.Milliseconds(),
	})
}

func (s *VerificationService) loadCard(ctx context.Context, cardID string) (*domain.Card, error) {
	var card *domain.Card
	err := s.retry(ctx, "get_card", func() error {
		var err error
		card, err = s.cards.GetCard(ctx, cardID)
		return err
	})
	return card, err
}

// advanceCounter retries the compare-and-set. A retry after an ambiguous failure can
// observe its own earlier write as a lost race; that resolves to a denial, never a
// double grant.
func (s *VerificationService) advanceCounter(ctx context.Context, cardID string, counter uint64) (bool, error) {
	var applied bool
	err := s.retry(ctx, "advance_counter", func() error {
		var err error
		applied, err = s.cards.AdvanceCounter(ctx, cardID, counter)
		return err
	})
	return applied, err
}

func (s *VerificationService) retry(ctx context.Context, op string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 200 * time.Millisecond
	eb.MaxElapsedTime = s.cfg.CommitTimeout
	eb.Reset()

	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.cfg.StoreRetries)), ctx)
	return backoff.Retry(func() error {
		if attempt > 0 {
			metrics.StoreRetries.WithLabelValues(op).Inc()
		}
		attempt++
		return fn()
	}, b)
}

func lockFailureReason(err error) domain.Reason {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrTimeout) {
		return domain.ReasonTimeout
	}
	return domain.ReasonStoreUnavailable
}

var _ ports.VerificationService = (*VerificationService)(nil)

