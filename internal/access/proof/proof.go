// Package proof implements the v1 counter-MAC credential proof.
//
// A proof is the triple (cardId, ctr, tag) where ctr is the base64url encoding of the
// 8-byte little-endian counter and tag is the base64url encoding of
// Trunc16(HMAC-SHA256(secret, rawCardId || LE64(counter))).
package proof

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/poyrazK/cardgate/internal/core/domain"
)

const (
	// Scheme identifies the MAC construction recorded with each card.
	Scheme = "hmac-sha256-trunc16/v1"
	// CounterSize is the encoded width of a counter.
	CounterSize = 8
	// TagSize is the truncated MAC length.
	TagSize = 16
	// SecretSize is the length of a card secret.
	SecretSize = 32
	// MaxCounter is the largest counter the store can persist.
	MaxCounter = math.MaxInt64
)

// Proof is a decoded credential proof.
type Proof struct {
	CardID    string
	RawCardID []byte
	Counter   uint64
	Tag       []byte
}

// Decode validates and decodes the wire fields. All failures wrap
// domain.ErrMalformedProof.
func Decode(cardID, ctr, tag string) (Proof, error) {
	raw, err := domain.DecodeCardID(cardID)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: %v", domain.ErrMalformedProof, err)
	}
	counter, err := DecodeCounter(ctr)
	if err != nil {
		return Proof{}, err
	}
	t, err := base64.RawURLEncoding.DecodeString(tag)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: tag is not base64url", domain.ErrMalformedProof)
	}
	if len(t) != TagSize {
		return Proof{}, fmt.Errorf("%w: tag must be %d bytes, got %d", domain.ErrMalformedProof, TagSize, len(t))
	}
	return Proof{CardID: cardID, RawCardID: raw, Counter: counter, Tag: t}, nil
}

// EncodeCounter renders a counter in wire form.
func EncodeCounter(counter uint64) string {
	var b [CounterSize]byte
	binary.LittleEndian.PutUint64(b[:], counter)
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// DecodeCounter parses a wire counter.
func DecodeCounter(s string) (uint64, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: ctr is not base64url", domain.ErrMalformedProof)
	}
	if len(b) != CounterSize {
		return 0, fmt.Errorf("%w: ctr must be %d bytes, got %d", domain.ErrMalformedProof, CounterSize, len(b))
	}
	c := binary.LittleEndian.Uint64(b)
	if c > MaxCounter {
		return 0, fmt.Errorf("%w: ctr exceeds counter space", domain.ErrMalformedProof)
	}
	return c, nil
}

// ComputeTag returns the truncated MAC for a counter.
func ComputeTag(secret, rawCardID []byte, counter uint64) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(rawCardID)
	var ctr [CounterSize]byte
	binary.LittleEndian.PutUint64(ctr[:], counter)
	mac.Write(ctr[:])
	return mac.Sum(nil)[:TagSize]
}

// Equal compares tags in constant time. Length mismatches return false.
func Equal(expected, claimed []byte) bool {
	return subtle.ConstantTimeCompare(expected, claimed) == 1
}

// Sign produces wire fields for counter. It is used by the simulator and tooling that
// holds the card secret.
func Sign(secret []byte, cardID string, counter uint64) (ctr, tag string, err error) {
	raw, err := domain.DecodeCardID(cardID)
	if err != nil {
		return "", "", err
	}
	if counter > MaxCounter {
		return "", "", fmt.Errorf("counter %d exceeds counter space", counter)
	}
	return EncodeCounter(counter), base64.RawURLEncoding.EncodeToString(ComputeTag(secret, raw, counter)), nil
}
