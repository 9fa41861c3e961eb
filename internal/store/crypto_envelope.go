package store

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"pqratchet/internal/domain"
)

const (
	// The current supported version of the sealed key envelope.
	envelopeFormatVersion = 1
)

// ErrWrongPassphrase is returned when the passphrase is incorrect or the
// envelope has been modified.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted device keys")

// envelope holds the ciphertext and the KDF parameters needed to reopen it.
type envelope struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Cipher []byte `json:"cipher"`
}

// SealDeviceKeys encrypts keys under a key derived from passphrase.
func SealDeviceKeys(passphrase string, keys domain.DeviceKeys) ([]byte, error) {
	raw, err := cbor.Marshal(keys)
	if err != nil {
		return nil, err
	}
	N, r, p := scryptParamsDefault()
	return seal(passphrase, raw, N, r, p)
}

// OpenDeviceKeys reverses SealDeviceKeys.
func OpenDeviceKeys(passphrase string, sealed []byte) (domain.DeviceKeys, error) {
	var keys domain.DeviceKeys
	raw, err := open(passphrase, sealed)
	if err != nil {
		return keys, err
	}
	if err := cbor.Unmarshal(raw, &keys); err != nil {
		return keys, ErrWrongPassphrase
	}
	return keys, nil
}

func seal(passphrase string, raw []byte, N, r, p int) ([]byte, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:] /* #nosec G404 */); err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(passphrase), salt[:], N, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte // zero nonce; the salt makes every key unique
	ct := aead.Seal(nil, nonce[:], raw, salt[:])

	return cbor.Marshal(envelope{
		V:      envelopeFormatVersion,
		Salt:   salt[:],
		N:      N,
		R:      r,
		P:      p,
		Cipher: ct,
	})
}

func open(passphrase string, b []byte) ([]byte, error) {
	var env envelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("store: malformed key envelope: %w", err)
	}
	if env.V > envelopeFormatVersion {
		return nil, fmt.Errorf("unsupported key envelope version %d", env.V)
	}

	key, err := scrypt.Key([]byte(passphrase), env.Salt, env.N, env.R, env.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], env.Cipher, env.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

// Tunables for scrypt key derivation.
func scryptParamsDefault() (N, r, p int) { return 1 << 15, 8, 1 }
