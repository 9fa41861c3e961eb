// Package kdf derives root, chain and message keys.
//
// Every derivation is two-stage. A BLAKE2b-256 hash keyed with a fixed
// domain salt extracts a pseudorandom key from the inputs, then
// HKDF-Expand(SHA-256) produces each output with info set to an 8-byte
// context tag followed by a little-endian subkey id. Distinct call sites use
// distinct tags, so outputs of the initial derivation and of a ratchet step
// never collide.
//
// Chain advance is HMAC-SHA256 with 0x01 for the message key and 0x02 for
// the next chain key. All inputs must be exactly 32 bytes.
package kdf
