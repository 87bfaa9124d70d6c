package proof

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/poyrazK/cardgate/internal/core/domain"
)

// PayloadKind tags the variant a QR payload decoded into.
type PayloadKind int

const (
	KindStructured PayloadKind = iota + 1
	KindOpaque
)

func (k PayloadKind) String() string {
	switch k {
	case KindStructured:
		return "structured"
	case KindOpaque:
		return "opaque"
	}
	return "unknown"
}

// StructuredPayload is the JSON proof a card renders: {"cardId","ctr","tag"}.
type StructuredPayload struct {
	CardID string `json:"cardId"`
	Ctr    string `json:"ctr"`
	Tag    string `json:"tag"`
}

// OpaqueToken is the identity-only QR token produced by QRSigner.
type OpaqueToken struct {
	CardID   string
	Owner    string
	Role     string
	IssuedAt time.Time
	signed   string
	sig      []byte
}

// Payload is the result of ParsePayload; exactly one variant is set.
type Payload struct {
	Kind       PayloadKind
	Structured *StructuredPayload
	Opaque     *OpaqueToken
}

// ParsePayload decodes a scanned QR string. It tries the structured JSON form first and
// falls back to the opaque token; anything else wraps domain.ErrMalformedProof.
func ParsePayload(raw string) (Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Payload{}, fmt.Errorf("%w: empty qr payload", domain.ErrMalformedProof)
	}

	if strings.HasPrefix(raw, "{") {
		var sp StructuredPayload
		if err := json.Unmarshal([]byte(raw), &sp); err == nil && sp.CardID != "" && sp.Ctr != "" && sp.Tag != "" {
			return Payload{Kind: KindStructured, Structured: &sp}, nil
		}
	}

	tok, err := parseOpaque(raw)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", domain.ErrMalformedProof, err)
	}
	return Payload{Kind: KindOpaque, Opaque: tok}, nil
}

func parseOpaque(raw string) (*OpaqueToken, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return nil, fmt.Errorf("not base64url")
	}
	s := string(decoded)

	idx := strings.LastIndex(s, ":SIG:")
	if idx < 0 {
		return nil, fmt.Errorf("token is not signed")
	}
	signed, sigPart := s[:idx], s[idx+len(":SIG:"):]

	parts := strings.Split(signed, ":")
	if len(parts) != 8 || parts[0] != "CARD" || parts[2] != "OWNER" || parts[4] != "ROLE" || parts[6] != "TIMESTAMP" {
		return nil, fmt.Errorf("unrecognized token layout")
	}
	ms, err := strconv.ParseInt(parts[7], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp")
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil || len(sig) != sha256.Size {
		return nil, fmt.Errorf("invalid signature encoding")
	}
	return &OpaqueToken{
		CardID:   parts[1],
		Owner:    parts[3],
		Role:     parts[5],
		IssuedAt: time.UnixMilli(ms),
		signed:   signed,
		sig:      sig,
	}, nil
}

// QRSigner issues and checks opaque identity tokens.
type QRSigner struct {
	key []byte
}

// NewQRSigner creates a signer with a dedicated HMAC key.
func NewQRSigner(key []byte) *QRSigner {
	return &QRSigner{key: key}
}

// Encode renders a signed token for the card.
func (s *QRSigner) Encode(cardID, owner string, role domain.CardRole, at time.Time) string {
	body := fmt.Sprintf("CARD:%s:OWNER:%s:ROLE:%s:TIMESTAMP:%d", cardID, owner, role, at.UnixMilli())
	sig := s.mac(body)
	return base64.RawURLEncoding.EncodeToString([]byte(body + ":SIG:" + base64.RawURLEncoding.EncodeToString(sig)))
}

// Verify checks the token signature in constant time.
func (s *QRSigner) Verify(tok *OpaqueToken) bool {
	if tok == nil {
		return false
	}
	return hmac.Equal(s.mac(tok.signed), tok.sig)
}

func (s *QRSigner) mac(body string) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(body))
	return m.Sum(nil)
}
