package kdf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"

	"pqratchet/internal/domain"
	"pqratchet/internal/util/memzero"
)

// KeySize is the length of every input and output secret.
const KeySize = 32

// Context is the 8-byte ASCII tag that separates call sites.
type Context [8]byte

var (
	ContextInitial   = Context{'P', 'Q', 'R', 'i', 'n', 'i', 't', '0'}
	ContextStep      = Context{'P', 'Q', 'R', 's', 't', 'e', 'p', '0'}
	ContextHybrid    = Context{'P', 'Q', 'R', 'h', 'y', 'b', 'r', '0'}
	ContextDirection = Context{'P', 'Q', 'R', 'd', 'i', 'r', 'c', '0'}
	ContextSync      = Context{'P', 'Q', 'R', 's', 'y', 'n', 'c', '0'}
)

// Subkey ids used within a context.
const (
	subkeyTranscript uint64 = 0
	subkeyRoot       uint64 = 1
	subkeyChain      uint64 = 2
)

var (
	messageKeyByte = []byte{0x01}
	chainKeyByte   = []byte{0x02}
)

// domainSalt keys the extraction hash.
var domainSalt = sha256.Sum256([]byte("pqratchet key derivation v1"))

// DeriveInitialKeys derives (rootKey, chainKey) from the initial shared secret.
func DeriveInitialKeys(sharedSecret []byte) (root, chain []byte, err error) {
	if err = check("shared secret", sharedSecret); err != nil {
		return nil, nil, err
	}
	return derivePair(ContextInitial, sharedSecret)
}

// MixSecrets compresses the DH outputs of a handshake into the 32-byte
// initial shared secret.
func MixSecrets(secrets ...[]byte) ([]byte, error) {
	for i, s := range secrets {
		if err := check(fmt.Sprintf("handshake secret %d", i), s); err != nil {
			return nil, err
		}
	}
	prk := extract(secrets...)
	defer memzero.Zero(prk)
	return expand(prk, ContextInitial, subkeyTranscript), nil
}

// RatchetStep mixes a DH output into the root key and yields the new root
// and the chain key for the new chain.
func RatchetStep(rootKey, dhOutput []byte) (newRoot, chain []byte, err error) {
	if err = check("root key", rootKey); err != nil {
		return nil, nil, err
	}
	if err = check("dh output", dhOutput); err != nil {
		return nil, nil, err
	}
	return derivePair(ContextStep, rootKey, dhOutput)
}

// CombineSecrets folds a classical and a post-quantum secret into one
// 32-byte secret. Neither input alone determines the output.
func CombineSecrets(classical, postQuantum []byte) ([]byte, error) {
	if err := check("classical secret", classical); err != nil {
		return nil, err
	}
	if err := check("post-quantum secret", postQuantum); err != nil {
		return nil, err
	}
	prk := extract(classical, postQuantum)
	defer memzero.Zero(prk)
	return expand(prk, ContextHybrid, subkeyRoot), nil
}

// SplitChain turns the initial chain key into the initiator→responder and
// responder→initiator chains.
func SplitChain(chain []byte) (initiatorToResponder, responderToInitiator []byte, err error) {
	if err = check("chain key", chain); err != nil {
		return nil, nil, err
	}
	return derivePair(ContextDirection, chain)
}

// SyncKey derives the key that wraps a key sync package.
func SyncKey(sharedSecret []byte) ([]byte, error) {
	if err := check("sync secret", sharedSecret); err != nil {
		return nil, err
	}
	prk := extract(sharedSecret)
	defer memzero.Zero(prk)
	return expand(prk, ContextSync, subkeyRoot), nil
}

// ChainAdvance derives the message key at the current chain position and the
// next chain key. The caller must discard ck afterwards.
func ChainAdvance(ck []byte) (messageKey, nextChain []byte, err error) {
	if err = check("chain key", ck); err != nil {
		return nil, nil, err
	}
	return hmacSum(ck, messageKeyByte), hmacSum(ck, chainKeyByte), nil
}

func derivePair(ctx Context, parts ...[]byte) (a, b []byte, err error) {
	prk := extract(parts...)
	defer memzero.Zero(prk)
	return expand(prk, ctx, subkeyRoot), expand(prk, ctx, subkeyChain), nil
}

func extract(parts ...[]byte) []byte {
	h, err := blake2b.New256(domainSalt[:])
	if err != nil {
		panic(err) // key length is constant
	}
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func expand(prk []byte, ctx Context, subkey uint64) []byte {
	info := make([]byte, 16)
	copy(info, ctx[:])
	binary.LittleEndian.PutUint64(info[8:], subkey)
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		panic(err) // 32 bytes is far below the HKDF limit
	}
	return out
}

func hmacSum(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func check(name string, b []byte) error {
	if len(b) != KeySize {
		return fmt.Errorf("%s is %d bytes: %w", name, len(b), domain.ErrInvalidKeyLength)
	}
	return nil
}
