package types

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// IsZero reports whether the key is unset.
func (p X25519Public) IsZero() bool { return p == X25519Public{} }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// X25519KeyPair is an ephemeral or long-term Curve25519 key pair.
type X25519KeyPair struct {
	Private X25519Private `json:"private"`
	Public  X25519Public  `json:"public"`
}

// Ed25519Public is an Ed25519 signing public key.
type Ed25519Public [32]byte

// Slice returns the key as a []byte.
func (p Ed25519Public) Slice() []byte { return p[:] }

// Ed25519Private is an Ed25519 signing private key.
type Ed25519Private [64]byte

// Slice returns the key as a []byte.
func (k Ed25519Private) Slice() []byte { return k[:] }

// KEMKeyPair holds packed post-quantum KEM keys. Secret is empty for
// peer-owned material.
type KEMKeyPair struct {
	Public []byte `json:"public"`
	Secret []byte `json:"secret,omitempty"`
}

// SignatureKeyPair holds packed post-quantum signing keys.
type SignatureKeyPair struct {
	Public []byte `json:"public"`
	Secret []byte `json:"secret,omitempty"`
}
