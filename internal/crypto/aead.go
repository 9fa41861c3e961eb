package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"pqratchet/internal/domain"
)

// AEADKind selects the authenticated cipher.
type AEADKind uint8

const (
	ChaCha20Poly1305 AEADKind = iota + 1
	XChaCha20Poly1305
)

// String returns the cipher name.
func (k AEADKind) String() string {
	switch k {
	case ChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	case XChaCha20Poly1305:
		return "XChaCha20-Poly1305"
	default:
		return "unknown"
	}
}

// TagSize is the Poly1305 tag length shared by both ciphers.
const TagSize = chacha20poly1305.Overhead

func (k AEADKind) new(key []byte) (cipher.AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("aead key is %d bytes: %w", len(key), domain.ErrInvalidKeyLength)
	}
	switch k {
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case XChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("aead kind %d: %w", k, domain.ErrUnsupportedAlgorithm)
	}
}

// Seal encrypts plaintext under key with a random nonce and returns the
// nonce, the ciphertext and the detached tag.
func (k AEADKind) Seal(key, plaintext, ad []byte) (nonce, ct, tag []byte, err error) {
	aead, err := k.new(key)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, nil, err
	}
	out := aead.Seal(nil, nonce, plaintext, ad)
	split := len(out) - TagSize
	return nonce, out[:split:split], out[split:], nil
}

// Open authenticates and decrypts. Any failure to authenticate is reported
// as ErrDecryptionAuthFailure.
func (k AEADKind) Open(key, nonce, ct, tag, ad []byte) ([]byte, error) {
	aead, err := k.new(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() || len(tag) != TagSize {
		return nil, domain.ErrDecryptionAuthFailure
	}
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	pt, err := aead.Open(nil, nonce, sealed, ad)
	if err != nil {
		return nil, domain.ErrDecryptionAuthFailure
	}
	return pt, nil
}
