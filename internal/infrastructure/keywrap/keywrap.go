// Package keywrap seals card secrets at rest.
//
// A key-encryption key is derived from the operator master key with HKDF-SHA256 and
// used with XChaCha20-Poly1305. The card id is bound as associated data, so a wrapped
// secret copied onto another card row fails to open.
package keywrap

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	kekInfo = "cardgate/card-secret-kek/v1"
	qrInfo  = "cardgate/qr-signing-key/v1"

	// MinMasterKeySize is the shortest accepted master key.
	MinMasterKeySize = 32
)

var ErrMasterKeyTooShort = errors.New("master key must be at least 32 bytes")

// Wrapper implements ports.SecretWrapper.
type Wrapper struct {
	aead cipher.AEAD
}

// New derives the key-encryption key from master.
func New(master []byte) (*Wrapper, error) {
	kek, err := Derive(master, kekInfo, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to init aead: %w", err)
	}
	return &Wrapper{aead: aead}, nil
}

// Wrap seals secret for cardID. The output is nonce || ciphertext.
func (w *Wrapper) Wrap(cardID string, secret []byte) ([]byte, error) {
	nonce := make([]byte, w.aead.NonceSize(), w.aead.NonceSize()+len(secret)+w.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return w.aead.Seal(nonce, nonce, secret, []byte(cardID)), nil
}

// Unwrap opens a value produced by Wrap for the same cardID.
func (w *Wrapper) Unwrap(cardID string, wrapped []byte) ([]byte, error) {
	ns := w.aead.NonceSize()
	if len(wrapped) < ns+w.aead.Overhead() {
		return nil, fmt.Errorf("wrapped secret too short")
	}
	secret, err := w.aead.Open(nil, wrapped[:ns], wrapped[ns:], []byte(cardID))
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap secret for card %s: %w", cardID, err)
	}
	return secret, nil
}

// QRKey derives the HMAC key for opaque QR tokens from master.
func QRKey(master []byte) ([]byte, error) {
	return Derive(master, qrInfo, sha256.Size)
}

// Derive expands master into a subkey of size bytes bound to info.
func Derive(master []byte, info string, size int) ([]byte, error) {
	if len(master) < MinMasterKeySize {
		return nil, ErrMasterKeyTooShort
	}
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
