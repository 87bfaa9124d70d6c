package services

import (
	"time"

	"github.com/poyrazK/cardgate/internal/access/proof"
	"github.com/poyrazK/cardgate/internal/core/domain"
)

// CheckProof decides whether a decoded proof is acceptable for card at now.
// It is pure: it never mutates card and never touches a store. On success the
// returned decision carries the counter to persist as the new high-water mark.
//
// Checks run in a fixed order so that the reported reason is deterministic:
// inactive, expired, replayed, then MAC.
func CheckProof(card *domain.Card, p proof.Proof, now time.Time) domain.Decision {
	if card == nil {
		return domain.Deny(domain.ReasonCardNotFound)
	}
	if !card.Active {
		return domain.Deny(domain.ReasonCardInactive)
	}
	if card.Expired(now) {
		return domain.Deny(domain.ReasonCardExpired)
	}
	if card.LastCounter != nil && p.Counter <= *card.LastCounter {
		return domain.Deny(domain.ReasonReplayedCounter)
	}

	expected := proof.ComputeTag(card.Secret, p.RawCardID, p.Counter)
	if !proof.Equal(expected, p.Tag) {
		return domain.Deny(domain.ReasonTagMismatch)
	}
	return domain.Decision{Granted: true, Counter: p.Counter}
}
