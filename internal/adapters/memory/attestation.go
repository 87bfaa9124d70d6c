package memory

import (
	"context"
	"sync"
	"time"

	"github.com/poyrazK/cardgate/internal/core/domain"
)

// ChallengeStore keeps attestation challenges in process memory.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]domain.Challenge
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{challenges: make(map[string]domain.Challenge)}
}

func (s *ChallengeStore) Put(_ context.Context, ch *domain.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[ch.Value] = *ch
	return nil
}

func (s *ChallengeStore) Get(_ context.Context, value string) (*domain.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[value]
	if !ok {
		return nil, nil
	}
	return &ch, nil
}

func (s *ChallengeStore) Consume(_ context.Context, readerID, value string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[value]
	if !ok || ch.ReaderID != readerID {
		return domain.ErrChallengeNotFound
	}
	switch ch.StateAt(now) {
	case domain.ChallengeConsumed:
		return domain.ErrChallengeNotFound
	case domain.ChallengeExpired:
		return domain.ErrChallengeExpired
	}
	ch.State = domain.ChallengeConsumed
	s.challenges[value] = ch
	return nil
}

func (s *ChallengeStore) RecordFailure(_ context.Context, value string, maxFailures int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[value]
	if !ok {
		return domain.ErrChallengeNotFound
	}
	ch.Failures++
	if maxFailures > 0 && ch.Failures >= maxFailures && ch.State == domain.ChallengeIssued {
		ch.State = domain.ChallengeExpired
	}
	s.challenges[value] = ch
	return nil
}

// Cleanup drops challenges whose expiry lies more than grace in the past and returns
// how many were removed.
func (s *ChallengeStore) Cleanup(now time.Time, grace time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for v, ch := range s.challenges {
		if now.After(ch.ExpiresAt.Add(grace)) {
			delete(s.challenges, v)
			removed++
		}
	}
	return removed
}

// Len reports the number of retained challenges.
func (s *ChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}

// TokenStore keeps attestation tokens in process memory.
type TokenStore struct {
	mu       sync.RWMutex
	tokens   map[string]domain.AttestationToken
	byReader map[string]string
}

func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens:   make(map[string]domain.AttestationToken),
		byReader: make(map[string]string),
	}
}

func (s *TokenStore) Put(_ context.Context, tok *domain.AttestationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.Token] = *tok
	s.byReader[tok.ReaderID] = tok.Token
	return nil
}

func (s *TokenStore) Get(_ context.Context, token string) (*domain.AttestationToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *TokenStore) LastAttested(_ context.Context, readerID string) (*domain.AttestationToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[s.byReader[readerID]]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// Cleanup drops tokens expired before now.
func (s *TokenStore) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for v, t := range s.tokens {
		if !now.Before(t.ExpiresAt) {
			delete(s.tokens, v)
			if s.byReader[t.ReaderID] == v {
				delete(s.byReader, t.ReaderID)
			}
			removed++
		}
	}
	return removed
}
