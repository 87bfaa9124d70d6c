package testutil

import (
	"context"
	"testing"

	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/poyrazK/cardgate/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

var (
	_ ports.VerificationService = (*MockVerificationService)(nil)
	_ ports.AttestationService  = (*MockAttestationService)(nil)
	_ ports.CardService         = (*MockCardService)(nil)
	_ ports.SimulatorService    = (*MockSimulatorService)(nil)
)

func TestMockVerificationService(t *testing.T) {
	m := new(MockVerificationService)
	m.On("Verify", mock.Anything).Return(domain.VerifyResult{Granted: true})
	res := m.Verify(context.Background(), domain.VerifyRequest{CardID: "c1"})
	assert.True(t, res.Granted)
	m.AssertExpectations(t)
}

func TestMockAttestationService(t *testing.T) {
	m := new(MockAttestationService)
	m.On("IssueChallenge", "door-1").Return(nil, domain.ErrUnknownReader)
	_, err := m.IssueChallenge(context.Background(), "door-1")
	assert.ErrorIs(t, err, domain.ErrUnknownReader)
}

func TestMockCardService(t *testing.T) {
	m := new(MockCardService)
	m.On("GenerateQR", "c1").Return("token", nil)
	tok, err := m.GenerateQR(context.Background(), "c1")
	assert.NoError(t, err)
	assert.Equal(t, "token", tok)
}
