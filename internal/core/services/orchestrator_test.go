package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/poyrazK/cardgate/internal/access/proof"
	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_GrantThenReplay(t *testing.T) {
	f := newFixture(t, false)
	issued := f.issue(t, "")
	ctx := context.Background()

	res := f.verifier.Verify(ctx, f.request(t, issued, 1))
	require.True(t, res.Granted, "reason: %s", res.Reason)
	assert.Equal(t, "Alice", res.Owner)
	assert.Equal(t, domain.AccessCardVerification, res.AccessType)

	res = f.verifier.Verify(ctx, f.request(t, issued, 1))
	assert.False(t, res.Granted)
	assert.Equal(t, domain.ReasonReplayedCounter, res.Reason)

	card, err := f.cards.GetCard(ctx, issued.Card.ID)
	require.NoError(t, err)
	require.NotNil(t, card.LastCounter)
	assert.Equal(t, uint64(1), *card.LastCounter)
}

func TestVerify_OneAuditEventPerAttempt(t *testing.T) {
	f := newFixture(t, false)
	issued := f.issue(t, "")
	before := f.sink.Count()

	f.verifier.Verify(context.Background(), f.request(t, issued, 1))
	f.verifier.Verify(context.Background(), f.request(t, issued, 1))
	f.verifier.Verify(context.Background(), domain.VerifyRequest{CardID: "junk", Ctr: "x", Tag: "y"})

	events := f.sink.Events()[before:]
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventAccessGranted, events[0].Type)
	assert.True(t, events[0].Success)
	require.NotNil(t, events[0].Counter)
	assert.Equal(t, uint64(1), *events[0].Counter)
	assert.Equal(t, domain.EventAccessDenied, events[1].Type)
	assert.Equal(t, domain.ReasonReplayedCounter, events[1].ErrorCode)
	assert.Equal(t, domain.ReasonMalformedProof, events[2].ErrorCode)
	assert.NoError(t, VerifyChain(f.sink.Events()))
}

func TestVerify_ConcurrentSameProofGrantsOnce(t *testing.T) {
	f := newFixture(t, false)
	issued := f.issue(t, "")
	req := f.request(t, issued, 7)
	before := f.sink.Count()

	const n = 64
	results := make([]domain.VerifyResult, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = f.verifier.Verify(context.Background(), req)
		}(i)
	}
	close(start)
	wg.Wait()

	granted := 0
	for _, r := range results {
		if r.Granted {
			granted++
		} else {
			assert.Equal(t, domain.ReasonReplayedCounter, r.Reason)
		}
	}
	assert.Equal(t, 1, granted)
	assert.Equal(t, n, f.sink.Count()-before)
	assert.Equal(t, 0, f.locker.Len())
}

func TestVerify_ConcurrentAdjacentCounters(t *testing.T) {
	f := newFixture(t, false)
	issued := f.issue(t, "")

	var wg sync.WaitGroup
	var granted [2]bool
	for i, c := range []uint64{5, 6} {
		wg.Add(1)
		go func(i int, req domain.VerifyRequest) {
			defer wg.Done()
			granted[i] = f.verifier.Verify(context.Background(), req).Granted
		}(i, f.request(t, issued, c))
	}
	wg.Wait()

	card, err := f.cards.GetCard(context.Background(), issued.Card.ID)
	require.NoError(t, err)
	require.NotNil(t, card.LastCounter)
	// Whatever the interleaving, 6 is always acceptable and the mark ends at 6.
	assert.True(t, granted[1])
	assert.Equal(t, uint64(6), *card.LastCounter)
}

func TestVerify_ReaderAttestation(t *testing.T) {
	f := newFixture(t, true)
	issued := f.issue(t, "")
	reader := newTestReader(t, "reader-1")
	token := f.attestReader(t, reader)

	t.Run("MissingToken", func(t *testing.T) {
		before := f.sink.Count()
		res := f.verifier.Verify(context.Background(), f.request(t, issued, 1))
		assert.False(t, res.Granted)
		assert.Equal(t, domain.ReasonReaderNotAttested, res.Reason)
		assert.Equal(t, 1, f.sink.Count()-before, "rejected reader must still be audited")
	})

	t.Run("TokenOfOtherReader", func(t *testing.T) {
		req := f.request(t, issued, 1)
		req.ReaderID = "reader-2"
		req.ReaderToken = token
		res := f.verifier.Verify(context.Background(), req)
		assert.Equal(t, domain.ReasonReaderNotAttested, res.Reason)
	})

	t.Run("ValidToken", func(t *testing.T) {
		req := f.request(t, issued, 1)
		req.ReaderToken = token
		res := f.verifier.Verify(context.Background(), req)
		assert.True(t, res.Granted, "reason: %s", res.Reason)

		// Token is reusable within its lifetime.
		req = f.request(t, issued, 2)
		req.ReaderToken = token
		assert.True(t, f.verifier.Verify(context.Background(), req).Granted)
	})

	t.Run("RejectedReadersLeaveCounter", func(t *testing.T) {
		card, _ := f.cards.GetCard(context.Background(), issued.Card.ID)
		assert.Equal(t, uint64(2), *card.LastCounter)
	})
}

func TestVerify_StoreFailures(t *testing.T) {
	newFaulty := func(t *testing.T) (*fixture, *faultyCards, *domain.IssuedCard) {
		f := newFixture(t, false)
		fc := &faultyCards{CardRepository: f.cards}
		f.verifier = NewVerificationService(fc, f.locker, nil, f.recorder, f.qr, VerifierConfig{StoreRetries: 2}, nil)
		return f, fc, f.issue(t, "")
	}

	t.Run("PersistFailureDenies", func(t *testing.T) {
		f, fc, issued := newFaulty(t)
		fc.advanceErrs = 10
		res := f.verifier.Verify(context.Background(), f.request(t, issued, 1))
		assert.False(t, res.Granted)
		assert.Equal(t, domain.ReasonStoreUnavailable, res.Reason)
		assert.True(t, res.Reason.Retryable())

		card, _ := f.cards.GetCard(context.Background(), issued.Card.ID)
		assert.Nil(t, card.LastCounter)
	})

	t.Run("TransientFailureRetried", func(t *testing.T) {
		f, fc, issued := newFaulty(t)
		fc.getErrs = 1
		fc.advanceErrs = 2
		res := f.verifier.Verify(context.Background(), f.request(t, issued, 1))
		assert.True(t, res.Granted, "reason: %s", res.Reason)
	})

	t.Run("LostCompareAndSet", func(t *testing.T) {
		f, fc, issued := newFaulty(t)
		fc.loseRace = true
		res := f.verifier.Verify(context.Background(), f.request(t, issued, 1))
		assert.False(t, res.Granted)
		assert.Equal(t, domain.ReasonReplayedCounter, res.Reason)
	})

	t.Run("LoadFailure", func(t *testing.T) {
		f, fc, issued := newFaulty(t)
		fc.getErrs = 10
		res := f.verifier.Verify(context.Background(), f.request(t, issued, 1))
		assert.Equal(t, domain.ReasonStoreUnavailable, res.Reason)
	})
}

func TestVerify_CallerCancellationDoesNotAbortCommit(t *testing.T) {
	f := newFixture(t, false)
	fc := &faultyCards{CardRepository: f.cards}
	f.verifier = NewVerificationService(fc, f.locker, nil, f.recorder, f.qr, VerifierConfig{}, nil)
	issued := f.issue(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fc.onGet = cancel

	res := f.verifier.Verify(ctx, f.request(t, issued, 3))
	assert.True(t, res.Granted, "reason: %s", res.Reason)
	card, _ := f.cards.GetCard(context.Background(), issued.Card.ID)
	require.NotNil(t, card.LastCounter)
	assert.Equal(t, uint64(3), *card.LastCounter)
}

func TestVerify_LockFailures(t *testing.T) {
	f := newFixture(t, false)
	issued := f.issue(t, "")

	t.Run("Timeout", func(t *testing.T) {
		svc := NewVerificationService(f.cards, blockingLocker{}, nil, f.recorder, f.qr, VerifierConfig{RequestTimeout: 20 * time.Millisecond}, nil)
		res := svc.Verify(context.Background(), f.request(t, issued, 1))
		assert.Equal(t, domain.ReasonTimeout, res.Reason)
	})

	t.Run("HeldByOtherRequest", func(t *testing.T) {
		unlock, err := f.locker.Lock(context.Background(), issued.Card.ID)
		require.NoError(t, err)
		defer unlock()
		svc := NewVerificationService(f.cards, f.locker, nil, f.recorder, f.qr, VerifierConfig{RequestTimeout: 20 * time.Millisecond}, nil)
		res := svc.Verify(context.Background(), f.request(t, issued, 1))
		assert.Equal(t, domain.ReasonTimeout, res.Reason)
	})

	t.Run("Backend", func(t *testing.T) {
		svc := NewVerificationService(f.cards, brokenLocker{}, nil, f.recorder, f.qr, VerifierConfig{}, nil)
		res := svc.Verify(context.Background(), f.request(t, issued, 1))
		assert.Equal(t, domain.ReasonStoreUnavailable, res.Reason)
	})
}

func TestVerify_AuditFailureDoesNotChangeDecision(t *testing.T) {
	f := newFixture(t, false)
	issued := f.issue(t, "")
	rec := NewAuditRecorder(failingSink{}, nil)
	svc := NewVerificationService(f.cards, f.locker, nil, rec, f.qr, VerifierConfig{}, nil)

	assert.True(t, svc.Verify(context.Background(), f.request(t, issued, 1)).Granted)
	assert.Equal(t, domain.ReasonReplayedCounter, svc.Verify(context.Background(), f.request(t, issued, 1)).Reason)
}

func TestVerify_UnknownCard(t *testing.T) {
	f := newFixture(t, false)
	ghost := &domain.IssuedCard{
		Card:   domain.CardSummary{ID: "AAAAAAAAAAAAAAAAAAAAAA"},
		Secret: make([]byte, proof.SecretSize),
	}
	res := f.verifier.Verify(context.Background(), f.request(t, ghost, 1))
	assert.Equal(t, domain.ReasonCardNotFound, res.Reason)
}

func TestVerify_RevokedAndExpired(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	issued := f.issue(t, "")

	_, err := f.lifecycle.Revoke(ctx, issued.Card.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonCardInactive, f.verifier.Verify(ctx, f.request(t, issued, 1)).Reason)

	other := f.issue(t, "guest")
	f.verifier.now = fixedClock(other.Card.ExpiresAt)
	assert.Equal(t, domain.ReasonCardExpired, f.verifier.Verify(ctx, f.request(t, other, 1)).Reason)
}

func TestVerifyQR(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	issued := f.issue(t, "")

	t.Run("Structured", func(t *testing.T) {
		ctr, tag, err := proof.Sign(issued.Secret, issued.Card.ID, 1)
		require.NoError(t, err)
		raw := `{"cardId":"` + issued.Card.ID + `","ctr":"` + ctr + `","tag":"` + tag + `"}`
		res := f.verifier.VerifyQR(ctx, domain.QRVerifyRequest{QRCode: raw})
		assert.True(t, res.Granted, "reason: %s", res.Reason)
		assert.Equal(t, domain.AccessQRScan, res.AccessType)

		res = f.verifier.VerifyQR(ctx, domain.QRVerifyRequest{QRCode: raw})
		assert.Equal(t, domain.ReasonReplayedCounter, res.Reason)
	})

	t.Run("Opaque", func(t *testing.T) {
		token, err := f.lifecycle.GenerateQR(ctx, issued.Card.ID)
		require.NoError(t, err)
		before := f.sink.Count()
		res := f.verifier.VerifyQR(ctx, domain.QRVerifyRequest{QRCode: token})
		assert.True(t, res.Granted, "reason: %s", res.Reason)
		assert.Equal(t, "Alice", res.Owner)
		require.Equal(t, 1, f.sink.Count()-before)
		assert.Equal(t, domain.EventQRVerified, f.sink.Events()[before].Type)
	})

	t.Run("OpaqueForeignKey", func(t *testing.T) {
		forged := proof.NewQRSigner([]byte("other")).Encode(issued.Card.ID, "Alice", domain.CardRolePermanent, time.Now())
		res := f.verifier.VerifyQR(ctx, domain.QRVerifyRequest{QRCode: forged})
		assert.Equal(t, domain.ReasonTagMismatch, res.Reason)
	})

	t.Run("Garbage", func(t *testing.T) {
		before := f.sink.Count()
		res := f.verifier.VerifyQR(ctx, domain.QRVerifyRequest{QRCode: "hello world"})
		assert.Equal(t, domain.ReasonMalformedProof, res.Reason)
		assert.Equal(t, 1, f.sink.Count()-before)
	})

	t.Run("OpaqueRevoked", func(t *testing.T) {
		token, err := f.lifecycle.GenerateQR(ctx, issued.Card.ID)
		require.NoError(t, err)
		_, err = f.lifecycle.Revoke(ctx, issued.Card.ID)
		require.NoError(t, err)
		res := f.verifier.VerifyQR(ctx, domain.QRVerifyRequest{QRCode: token})
		assert.Equal(t, domain.ReasonCardInactive, res.Reason)
	})
}

// TestEndToEnd walks a reader and a card through the whole protocol.
func TestEndToEnd(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	reader := newTestReader(t, "gate-a")
	token := f.attestReader(t, reader)

	issued, err := f.lifecycle.Issue(ctx, domain.IssueRequest{Owner: "Bob", Role: "temporary"})
	require.NoError(t, err)

	send := func(counter uint64) domain.VerifyResult {
		req := f.request(t, issued, counter)
		req.ReaderID = reader.id
		req.ReaderToken = token
		return f.verifier.Verify(ctx, req)
	}

	for c := uint64(1); c <= 3; c++ {
		require.True(t, send(c).Granted, "counter %d", c)
	}
	assert.Equal(t, domain.ReasonReplayedCounter, send(2).Reason)

	_, err = f.lifecycle.Extend(ctx, issued.Card.ID, 3600)
	require.NoError(t, err)
	assert.True(t, send(10).Granted)

	_, err = f.lifecycle.Revoke(ctx, issued.Card.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonCardInactive, send(11).Reason)

	events, err := f.sink.ListAuditEvents(ctx, domain.AuditFilter{CardID: issued.Card.ID})
	require.NoError(t, err)
	// created, 3 grants, replay, extended, grant, revoked, inactive
	assert.Len(t, events, 9)
	assert.NoError(t, VerifyChain(f.sink.Events()))
}
