// Package x3dh implements the hybrid X3DH key agreement that bootstraps a
// ratchet session between two devices.
//
// # Overview
//
// The initiator derives a 32-byte shared secret with a responder who has
// published a pre-key bundle. The bundle contains:
//   - Identity key (X25519) and Ed25519 signing key
//   - Signed pre-key (X25519) and its Ed25519 signature
//   - In hybrid mode, an ML-KEM public key and an ML-DSA public key, both
//     covered by the signed pre-key signature
//
// # Flows
//
// Initiator:
//  1. Verify the signed pre-key signature.
//  2. Generate an ephemeral X25519 key pair.
//  3. Compute DH values (IKa·SPKb, EKa·IKb, EKa·SPKb) and mix them.
//  4. In hybrid mode, encapsulate to the bundle KEM key and combine.
//  5. Return the secret and the Handshake carried on the first messages.
//
// Responder:
//  1. Look up the signed pre-key the Handshake names.
//  2. Compute the symmetric DH set and, in hybrid mode, decapsulate.
//  3. Derive the identical secret.
//
// # Errors
//
// ErrBadSPK is returned when the SPK signature fails verification.
// Other errors wrap lower-level crypto failures.
package x3dh
