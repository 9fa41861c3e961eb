// Package crypto exposes the primitives used by the ratchet.
//
// Contents
//
//   - X25519 key generation and validated Diffie–Hellman (GenerateX25519,
//     SharedSecret, DH) rejecting small-order points
//   - ML-KEM-768/1024 encapsulation (KEM) and ML-DSA-65/87 signatures
//     (Signer), backed by cloudflare/circl
//   - Ed25519 device signatures (GenerateEd25519, SignEd25519, VerifyEd25519)
//   - ChaCha20-Poly1305 and XChaCha20-Poly1305 with detached tags (AEADKind)
//   - Suite, the tagged Classical | Hybrid selection driven by a negotiated
//     capability
//   - Short fingerprints for display and logging (Fingerprint)
//
// # Notes
//
// All functions are pure and safe for concurrent use. Packed key sizes are
// checked on every call and reported as domain.ErrInvalidKeyMaterial.
package crypto
