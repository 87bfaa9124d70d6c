package testutil

import (
	"context"

	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/stretchr/testify/mock"
)

// MockVerificationService implements ports.VerificationService.
type MockVerificationService struct {
	mock.Mock
}

func (m *MockVerificationService) Verify(ctx context.Context, req domain.VerifyRequest) domain.VerifyResult {
	args := m.Called(req)
	return args.Get(0).(domain.VerifyResult)
}

func (m *MockVerificationService) VerifyQR(ctx context.Context, req domain.QRVerifyRequest) domain.VerifyResult {
	args := m.Called(req)
	return args.Get(0).(domain.VerifyResult)
}

// MockAttestationService implements ports.AttestationService.
type MockAttestationService struct {
	mock.Mock
}

func (m *MockAttestationService) ValidateToken(ctx context.Context, readerID, token string) error {
	args := m.Called(readerID, token)
	return args.Error(0)
}

func (m *MockAttestationService) RegisterReader(ctx context.Context, readerID, name string, publicKey []byte) (*domain.Reader, error) {
	args := m.Called(readerID, name, publicKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Reader), args.Error(1)
}

func (m *MockAttestationService) ListReaders(ctx context.Context) ([]domain.Reader, error) {
	args := m.Called()
	return args.Get(0).([]domain.Reader), args.Error(1)
}

func (m *MockAttestationService) IssueChallenge(ctx context.Context, readerID string) (*domain.Challenge, error) {
	args := m.Called(readerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Challenge), args.Error(1)
}

func (m *MockAttestationService) VerifyAttestation(ctx context.Context, readerID, challenge, signature string) (*domain.AttestationToken, error) {
	args := m.Called(readerID, challenge, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AttestationToken), args.Error(1)
}

func (m *MockAttestationService) Status(ctx context.Context, readerID string) (*domain.AttestationStatus, error) {
	args := m.Called(readerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AttestationStatus), args.Error(1)
}

// MockCardService implements ports.CardService.
type MockCardService struct {
	mock.Mock
}

func (m *MockCardService) Issue(ctx context.Context, req domain.IssueRequest) (*domain.IssuedCard, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.IssuedCard), args.Error(1)
}

func (m *MockCardService) Extend(ctx context.Context, cardID string, extraSeconds int64) (*domain.CardSummary, error) {
	args := m.Called(cardID, extraSeconds)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CardSummary), args.Error(1)
}

func (m *MockCardService) Revoke(ctx context.Context, cardID string) (*domain.CardSummary, error) {
	args := m.Called(cardID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CardSummary), args.Error(1)
}

func (m *MockCardService) List(ctx context.Context, filter domain.CardFilter) ([]domain.CardSummary, error) {
	args := m.Called(filter)
	return args.Get(0).([]domain.CardSummary), args.Error(1)
}

func (m *MockCardService) Get(ctx context.Context, cardID string) (*domain.CardSummary, error) {
	args := m.Called(cardID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CardSummary), args.Error(1)
}

func (m *MockCardService) GenerateQR(ctx context.Context, cardID string) (string, error) {
	args := m.Called(cardID)
	return args.String(0), args.Error(1)
}

// MockSimulatorService implements ports.SimulatorService.
type MockSimulatorService struct {
	mock.Mock
}

func (m *MockSimulatorService) Respond(ctx context.Context, cardID string) (*domain.SimulatedProof, error) {
	args := m.Called(cardID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SimulatedProof), args.Error(1)
}
