package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/poyrazK/cardgate/internal/access/proof"
	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/poyrazK/cardgate/internal/core/ports"
	"github.com/poyrazK/cardgate/internal/infrastructure/metrics"
)

const (
	// MinCardTTL is the shortest validity accepted at issuance and extension.
	MinCardTTL = 60 * time.Second
	// MaxCardTTL bounds a single issuance or extension.
	MaxCardTTL = 10 * 365 * 24 * time.Hour
)

// CardService issues, extends and revokes cards. It never changes a card's counter.
type CardService struct {
	cards  ports.CardRepository
	audit  *AuditRecorder
	qr     *proof.QRSigner
	minTTL time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewCardService(cards ports.CardRepository, audit *AuditRecorder, qr *proof.QRSigner, minTTL time.Duration, logger *slog.Logger) *CardService {
	if logger == nil {
		logger = slog.Default()
	}
	if minTTL <= 0 {
		minTTL = MinCardTTL
	}
	return &CardService{
		cards:  cards,
		audit:  audit,
		qr:     qr,
		minTTL: minTTL,
		logger: logger,
		now:    time.Now,
	}
}

// Issue provisions a card with a fresh identifier and secret. The secret is returned
// once, for personalization, and is not retrievable afterwards.
func (s *CardService) Issue(ctx context.Context, req domain.IssueRequest) (*domain.IssuedCard, error) {
	if err := domain.ValidateOwner(req.Owner); err != nil {
		return nil, err
	}
	role, err := domain.ParseCardRole(req.Role)
	if err != nil {
		return nil, err
	}
	ttl := role.DefaultTTL()
	if req.TTLSeconds != nil {
		if err := s.checkSeconds(*req.TTLSeconds); err != nil {
			return nil, err
		}
		ttl = time.Duration(*req.TTLSeconds) * time.Second
	}

	rawID := make([]byte, domain.CardIDSize)
	secret := make([]byte, proof.SecretSize)
	if _, err := rand.Read(rawID); err != nil {
		return nil, fmt.Errorf("failed to generate card id: %w", err)
	}
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate card secret: %w", err)
	}

	now := s.now().UTC()
	card := &domain.Card{
		ID:         base64.RawURLEncoding.EncodeToString(rawID),
		Owner:      strings.TrimSpace(req.Owner),
		Role:       role,
		Secret:     secret,
		KeyVersion: 1,
		Active:     true,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := s.cards.CreateCard(ctx, card); err != nil {
		return nil, fmt.Errorf("failed to store card: %w", err)
	}
	metrics.CardsIssued.WithLabelValues(string(role)).Inc()
	s.logger.Info("card issued", "card_id", card.ID, "role", role, "expires_at", card.ExpiresAt)
	s.record(ctx, domain.EventCardCreated, card, "card issued")

	return &domain.IssuedCard{Card: card.Summary(), Secret: secret}, nil
}

// Extend pushes the expiry to max(now, expiresAt) + extraSeconds. It does not
// reactivate a revoked card.
func (s *CardService) Extend(ctx context.Context, cardID string, extraSeconds int64) (*domain.CardSummary, error) {
	if err := s.checkSeconds(extraSeconds); err != nil {
		return nil, err
	}
	card, err := s.load(ctx, cardID)
	if err != nil {
		return nil, err
	}

	// The store applies max(now, expiresAt) + extra itself so concurrent extensions add up.
	expiresAt, err := s.cards.ExtendExpiry(ctx, cardID, s.now().UTC(), time.Duration(extraSeconds)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to extend card: %w", err)
	}
	if expiresAt == nil {
		return nil, domain.ErrCardNotFound
	}
	card.ExpiresAt = *expiresAt
	s.record(ctx, domain.EventCardExtended, card, fmt.Sprintf("extended by %ds", extraSeconds))
	sum := card.Summary()
	return &sum, nil
}

// Revoke deactivates a card. Revoking an inactive card succeeds without change.
func (s *CardService) Revoke(ctx context.Context, cardID string) (*domain.CardSummary, error) {
	card, err := s.load(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.Active {
		ok, err := s.cards.SetActive(ctx, cardID, false)
		if err != nil {
			return nil, fmt.Errorf("failed to revoke card: %w", err)
		}
		if !ok {
			return nil, domain.ErrCardNotFound
		}
		card.Active = false
		s.logger.Info("card revoked", "card_id", cardID)
		s.record(ctx, domain.EventCardRevoked, card, "card revoked")
	}
	sum := card.Summary()
	return &sum, nil
}

// List returns card summaries matching filter.
func (s *CardService) List(ctx context.Context, filter domain.CardFilter) ([]domain.CardSummary, error) {
	cards, err := s.cards.ListCards(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}
	res := make([]domain.CardSummary, 0, len(cards))
	for i := range cards {
		res = append(res, cards[i].Summary())
	}
	return res, nil
}

// Get returns the summary of one card.
func (s *CardService) Get(ctx context.Context, cardID string) (*domain.CardSummary, error) {
	card, err := s.load(ctx, cardID)
	if err != nil {
		return nil, err
	}
	sum := card.Summary()
	return &sum, nil
}

// GenerateQR returns a signed opaque identity token for an active, unexpired card.
func (s *CardService) GenerateQR(ctx context.Context, cardID string) (string, error) {
	card, err := s.load(ctx, cardID)
	if err != nil {
		return "", err
	}
	now := s.now()
	if !card.Active {
		return "", domain.ErrCardInactive
	}
	if card.Expired(now) {
		return "", domain.ErrCardExpired
	}
	if s.qr == nil {
		return "", fmt.Errorf("qr signing is not configured")
	}
	token := s.qr.Encode(card.ID, card.Owner, card.Role, now)
	s.record(ctx, domain.EventQRGenerated, card, "qr generated")
	return token, nil
}

func (s *CardService) checkSeconds(secs int64) error {
	minSecs := int64(s.minTTL / time.Second)
	if secs < minSecs {
		return fmt.Errorf("%w: must be at least %d seconds", domain.ErrInvalidTTL, minSecs)
	}
	if secs > int64(MaxCardTTL/time.Second) {
		return fmt.Errorf("%w: must be at most %d seconds", domain.ErrInvalidTTL, int64(MaxCardTTL/time.Second))
	}
	return nil
}

func (s *CardService) load(ctx context.Context, cardID string) (*domain.Card, error) {
	if err := domain.ValidateCardID(cardID); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCardNotFound, err)
	}
	card, err := s.cards.GetCard(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to load card: %w", err)
	}
	if card == nil {
		return nil, domain.ErrCardNotFound
	}
	return card, nil
}

func (s *CardService) record(ctx context.Context, typ domain.EventType, card *domain.Card, msg string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, &domain.AuditEvent{
		Type:       typ,
		AccessType: domain.AccessAdmin,
		CardID:     card.ID,
		Owner:      card.Owner,
		Role:       card.Role,
		Success:    true,
		Message:    msg,
	})
}

var _ ports.CardService = (*CardService)(nil)
