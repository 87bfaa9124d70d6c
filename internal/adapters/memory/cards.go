// Package memory provides in-process implementations of the storage ports.
// They back development mode and the service tests; state is lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/poyrazK/cardgate/internal/core/domain"
)

// CardRepository is an in-memory credential store.
type CardRepository struct {
	mu    sync.RWMutex
	cards map[string]domain.Card
}

func NewCardRepository() *CardRepository {
	return &CardRepository{cards: make(map[string]domain.Card)}
}

func (r *CardRepository) CreateCard(_ context.Context, card *domain.Card) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.cards[card.ID]; exists {
		return domain.ErrCardExists
	}
	r.cards[card.ID] = cloneCard(*card)
	return nil
}

func (r *CardRepository) GetCard(_ context.Context, cardID string) (*domain.Card, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cards[cardID]
	if !ok {
		return nil, nil
	}
	out := cloneCard(c)
	return &out, nil
}

func (r *CardRepository) ListCards(_ context.Context, filter domain.CardFilter) ([]domain.Card, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []domain.Card
	for _, c := range r.cards {
		if filter.Owner != "" && c.Owner != filter.Owner {
			continue
		}
		if filter.Role != "" && c.Role != filter.Role {
			continue
		}
		if filter.Active != nil && c.Active != *filter.Active {
			continue
		}
		res = append(res, cloneCard(c))
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	if filter.Limit > 0 && len(res) > filter.Limit {
		res = res[:filter.Limit]
	}
	return res, nil
}

func (r *CardRepository) AdvanceCounter(_ context.Context, cardID string, counter uint64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cards[cardID]
	if !ok {
		return false, nil
	}
	if c.LastCounter != nil && *c.LastCounter >= counter {
		return false, nil
	}
	v := counter
	c.LastCounter = &v
	r.cards[cardID] = c
	return true, nil
}

func (r *CardRepository) SetActive(_ context.Context, cardID string, active bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cards[cardID]
	if !ok {
		return false, nil
	}
	c.Active = active
	r.cards[cardID] = c
	return true, nil
}

func (r *CardRepository) ExtendExpiry(_ context.Context, cardID string, now time.Time, extra time.Duration) (*time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cards[cardID]
	if !ok {
		return nil, nil
	}
	if now.After(c.ExpiresAt) {
		c.ExpiresAt = now
	}
	c.ExpiresAt = c.ExpiresAt.Add(extra)
	r.cards[cardID] = c
	exp := c.ExpiresAt
	return &exp, nil
}

func (r *CardRepository) Ping(_ context.Context) error { return nil }

func cloneCard(c domain.Card) domain.Card {
	c.Secret = append([]byte(nil), c.Secret...)
	if c.LastCounter != nil {
		v := *c.LastCounter
		c.LastCounter = &v
	}
	return c
}

// ReaderRepository is an in-memory reader registry.
type ReaderRepository struct {
	mu      sync.RWMutex
	readers map[string]domain.Reader
}

func NewReaderRepository() *ReaderRepository {
	return &ReaderRepository{readers: make(map[string]domain.Reader)}
}

func (r *ReaderRepository) CreateReader(_ context.Context, reader *domain.Reader) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.readers[reader.ID]; exists {
		return domain.ErrReaderExists
	}
	cp := *reader
	cp.PublicKey = append([]byte(nil), reader.PublicKey...)
	r.readers[reader.ID] = cp
	return nil
}

func (r *ReaderRepository) GetReader(_ context.Context, readerID string) (*domain.Reader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rd, ok := r.readers[readerID]
	if !ok {
		return nil, nil
	}
	return &rd, nil
}

func (r *ReaderRepository) ListReaders(_ context.Context) ([]domain.Reader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]domain.Reader, 0, len(r.readers))
	for _, rd := range r.readers {
		res = append(res, rd)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// APIKeyRepository is an in-memory operator key store.
type APIKeyRepository struct {
	mu   sync.RWMutex
	keys map[string]domain.APIKey
}

func NewAPIKeyRepository() *APIKeyRepository {
	return &APIKeyRepository{keys: make(map[string]domain.APIKey)}
}

func (r *APIKeyRepository) CreateAPIKey(_ context.Context, key *domain.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key.ID] = *key
	return nil
}

func (r *APIKeyRepository) GetAPIKeyByHash(_ context.Context, keyHash string) (*domain.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.keys {
		if k.KeyHash == keyHash {
			out := k
			return &out, nil
		}
	}
	return nil, nil
}

func (r *APIKeyRepository) ListAPIKeys(_ context.Context) ([]domain.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]domain.APIKey, 0, len(r.keys))
	for _, k := range r.keys {
		res = append(res, k)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (r *APIKeyRepository) DeleteAPIKey(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, id)
	return nil
}
