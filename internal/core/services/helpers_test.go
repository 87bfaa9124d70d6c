package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/poyrazK/cardgate/internal/access/lock"
	"github.com/poyrazK/cardgate/internal/access/proof"
	"github.com/poyrazK/cardgate/internal/adapters/memory"
	"github.com/poyrazK/cardgate/internal/core/domain"
)

// fixture wires every service against in-memory adapters.
type fixture struct {
	cards      *memory.CardRepository
	readers    *memory.ReaderRepository
	challenges *memory.ChallengeStore
	tokens     *memory.TokenStore
	sink       *memory.AuditSink
	locker     *lock.Keyed
	recorder   *AuditRecorder
	qr         *proof.QRSigner
	attest     *AttestationService
	verifier   *VerificationService
	lifecycle  *CardService
}

func newFixture(t *testing.T, requireAttestation bool) *fixture {
	t.Helper()
	f := &fixture{
		cards:      memory.NewCardRepository(),
		readers:    memory.NewReaderRepository(),
		challenges: memory.NewChallengeStore(),
		tokens:     memory.NewTokenStore(),
		sink:       memory.NewAuditSink(),
		locker:     lock.NewKeyed(),
		qr:         proof.NewQRSigner([]byte("test-qr-key")),
	}
	f.recorder = NewAuditRecorder(f.sink, nil)
	f.attest = NewAttestationService(f.readers, f.challenges, f.tokens, f.recorder, AttestationConfig{}, nil)
	f.verifier = NewVerificationService(f.cards, f.locker, f.attest, f.recorder, f.qr, VerifierConfig{
		RequireAttestation: requireAttestation,
		StoreRetries:       2,
	}, nil)
	f.lifecycle = NewCardService(f.cards, f.recorder, f.qr, 0, nil)
	return f
}

func (f *fixture) issue(t *testing.T, role string) *domain.IssuedCard {
	t.Helper()
	issued, err := f.lifecycle.Issue(context.Background(), domain.IssueRequest{Owner: "Alice", Role: role})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return issued
}

func (f *fixture) request(t *testing.T, issued *domain.IssuedCard, counter uint64) domain.VerifyRequest {
	t.Helper()
	ctr, tag, err := proof.Sign(issued.Secret, issued.Card.ID, counter)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return domain.VerifyRequest{CardID: issued.Card.ID, Ctr: ctr, Tag: tag, ReaderID: "reader-1"}
}

// testReader is a reader device holding an ECDSA P-256 key pair.
type testReader struct {
	id   string
	priv *ecdsa.PrivateKey
}

func newTestReader(t *testing.T, id string) *testReader {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return &testReader{id: id, priv: priv}
}

func (r *testReader) publicPEM(t *testing.T) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&r.priv.PublicKey)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// signDER signs msg and returns base64 (std alphabet) ASN.1 DER.
func (r *testReader) signDER(t *testing.T, msg string) string {
	t.Helper()
	h := sha256.Sum256([]byte(msg))
	sig, err := ecdsa.SignASN1(rand.Reader, r.priv, h[:])
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

// signRaw signs msg and returns base64url r||s as produced by WebCrypto.
func (r *testReader) signRaw(t *testing.T, msg string) string {
	t.Helper()
	h := sha256.Sum256([]byte(msg))
	rr, ss, err := ecdsa.Sign(rand.Reader, r.priv, h[:])
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	out := make([]byte, 64)
	rr.FillBytes(out[:32])
	ss.FillBytes(out[32:])
	return base64.RawURLEncoding.EncodeToString(out)
}

// attestReader registers r and runs a full challenge-response, returning the token.
func (f *fixture) attestReader(t *testing.T, r *testReader) string {
	t.Helper()
	ctx := context.Background()
	if _, err := f.attest.RegisterReader(ctx, r.id, "Front door", r.publicPEM(t)); err != nil {
		t.Fatalf("RegisterReader failed: %v", err)
	}
	ch, err := f.attest.IssueChallenge(ctx, r.id)
	if err != nil {
		t.Fatalf("IssueChallenge failed: %v", err)
	}
	tok, err := f.attest.VerifyAttestation(ctx, r.id, ch.Value, r.signDER(t, ch.Value))
	if err != nil {
		t.Fatalf("VerifyAttestation failed: %v", err)
	}
	return tok.Token
}

// faultyCards wraps the in-memory store with injectable failures.
type faultyCards struct {
	*memory.CardRepository
	mu          sync.Mutex
	getErrs     int
	advanceErrs int
	loseRace    bool
	onGet       func()
}

var errBackend = errors.New("backend down")

func (c *faultyCards) GetCard(ctx context.Context, id string) (*domain.Card, error) {
	c.mu.Lock()
	hook := c.onGet
	fail := c.getErrs > 0
	if fail {
		c.getErrs--
	}
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	if fail {
		return nil, errBackend
	}
	return c.CardRepository.GetCard(ctx, id)
}

func (c *faultyCards) AdvanceCounter(ctx context.Context, id string, counter uint64) (bool, error) {
	c.mu.Lock()
	fail := c.advanceErrs > 0
	if fail {
		c.advanceErrs--
	}
	lose := c.loseRace
	c.mu.Unlock()
	if fail {
		return false, errBackend
	}
	if lose {
		return false, nil
	}
	return c.CardRepository.AdvanceCounter(ctx, id, counter)
}

// failingSink rejects every write.
type failingSink struct{}

func (failingSink) Record(context.Context, *domain.AuditEvent) error { return errBackend }

// blockingLocker never grants the lock until ctx is done.
type blockingLocker struct{}

func (blockingLocker) Lock(ctx context.Context, _ string) (func(), error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// brokenLocker fails immediately with a backend error.
type brokenLocker struct{}

func (brokenLocker) Lock(context.Context, string) (func(), error) { return nil, errBackend }

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }
