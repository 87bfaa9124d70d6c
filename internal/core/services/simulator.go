package services

import (
	"context"
	"fmt"

	"github.com/poyrazK/cardgate/internal/access/proof"
	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/poyrazK/cardgate/internal/core/ports"
)

// SimulatorService plays the card side of the protocol for development readers.
// It holds no counter of its own and derives the next counter from the store, so it
// must never be enabled in production.
type SimulatorService struct {
	cards ports.CardRepository
}

func NewSimulatorService(cards ports.CardRepository) *SimulatorService {
	return &SimulatorService{cards: cards}
}

// Respond returns the proof for the counter after the card's high-water mark.
func (s *SimulatorService) Respond(ctx context.Context, cardID string) (*domain.SimulatedProof, error) {
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

	next := uint64(1)
	if card.LastCounter != nil {
		next = *card.LastCounter + 1
	}
	ctr, tag, err := proof.Sign(card.Secret, card.ID, next)
	if err != nil {
		return nil, err
	}
	return &domain.SimulatedProof{CardID: card.ID, Ctr: ctr, Tag: tag, Counter: next}, nil
}

var _ ports.SimulatorService = (*SimulatorService)(nil)
