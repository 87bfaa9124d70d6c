package services

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"

	"github.com/poyrazK/cardgate/internal/core/domain"
)

// ecdsaSignature represents the ASN.1 structure of an ECDSA signature
type ecdsaSignature struct {
	R *big.Int
	S *big.Int
}

// ParseReaderPublicKey accepts a PEM block or raw DER SubjectPublicKeyInfo and returns
// the normalized DER form. Only ECDSA P-256 keys are accepted.
func ParseReaderPublicKey(data []byte) ([]byte, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPublicKey, err)
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok || ecdsaPub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: expected ECDSA P-256", domain.ErrInvalidPublicKey)
	}
	return der, nil
}

// DecodeSignature reads a base64 signature in either the standard or URL alphabet,
// with or without padding.
func DecodeSignature(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if s == "" {
		return nil, fmt.Errorf("empty signature")
	}
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// VerifyECDSAP256 verifies an ECDSA P-256 signature over message.
// pubKeyDER must be a DER-encoded SubjectPublicKeyInfo. The signature may be ASN.1 DER
// (SEQUENCE { r INTEGER, s INTEGER }) or the 64-byte r||s form produced by WebCrypto.
func VerifyECDSAP256(pubKeyDER, message, signature []byte) bool {
	pub, err := x509.ParsePKIXPublicKey(pubKeyDER)
	if err != nil {
		return false
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok || ecdsaPub.Curve != elliptic.P256() {
		return false
	}

	hash := sha256.Sum256(message)

	var sig ecdsaSignature
	if rest, err := asn1.Unmarshal(signature, &sig); err == nil && len(rest) == 0 && sig.R != nil && sig.S != nil {
		if ecdsa.Verify(ecdsaPub, hash[:], sig.R, sig.S) {
			return true
		}
	}
	if len(signature) == 64 {
		r := new(big.Int).SetBytes(signature[:32])
		s := new(big.Int).SetBytes(signature[32:])
		return ecdsa.Verify(ecdsaPub, hash[:], r, s)
	}
	return false
}
