package testutil

import (
	"context"
	"time"

	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/stretchr/testify/mock"
)

// MockRepo implements the repository ports with testify expectations.
type MockRepo struct {
	mock.Mock
}

func (m *MockRepo) CreateCard(ctx context.Context, card *domain.Card) error {
	args := m.Called(card)
	return args.Error(0)
}

func (m *MockRepo) GetCard(ctx context.Context, cardID string) (*domain.Card, error) {
	args := m.Called(cardID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Card), args.Error(1)
}

func (m *MockRepo) ListCards(ctx context.Context, filter domain.CardFilter) ([]domain.Card, error) {
	args := m.Called(filter)
	return args.Get(0).([]domain.Card), args.Error(1)
}

func (m *MockRepo) AdvanceCounter(ctx context.Context, cardID string, counter uint64) (bool, error) {
	args := m.Called(cardID, counter)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepo) SetActive(ctx context.Context, cardID string, active bool) (bool, error) {
	args := m.Called(cardID, active)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepo) ExtendExpiry(ctx context.Context, cardID string, now time.Time, extra time.Duration) (*time.Time, error) {
	args := m.Called(cardID, now, extra)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*time.Time), args.Error(1)
}

func (m *MockRepo) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRepo) CreateReader(ctx context.Context, reader *domain.Reader) error {
	args := m.Called(reader)
	return args.Error(0)
}

func (m *MockRepo) GetReader(ctx context.Context, readerID string) (*domain.Reader, error) {
	args := m.Called(readerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Reader), args.Error(1)
}

func (m *MockRepo) ListReaders(ctx context.Context) ([]domain.Reader, error) {
	args := m.Called()
	return args.Get(0).([]domain.Reader), args.Error(1)
}

func (m *MockRepo) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	args := m.Called(keyHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.APIKey), args.Error(1)
}

func (m *MockRepo) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	args := m.Called(key)
	return args.Error(0)
}

func (m *MockRepo) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	args := m.Called()
	return args.Get(0).([]domain.APIKey), args.Error(1)
}

func (m *MockRepo) DeleteAPIKey(ctx context.Context, id string) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockRepo) ListAuditEvents(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error) {
	args := m.Called(filter)
	return args.Get(0).([]domain.AuditEvent), args.Error(1)
}
