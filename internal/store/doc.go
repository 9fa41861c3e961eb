// Package store provides bbolt-backed persistence for the ratchet core.
//
// DB implements every domain storage interface over a single database
// file. Records are CBOR encoded; each top-level bucket holds one record
// type and composite keys are built so bbolt's byte ordering gives the
// iteration order callers need (the offline queue sorts by priority, then
// insertion sequence).
//
// CommitRatchet is the only multi-record write in the hot path: a ratchet
// state, its skipped-key delta and post-quantum key activations land in
// one transaction guarded by an optimistic version check.
//
// The package also seals device private keys under a passphrase
// (scrypt, ChaCha20-Poly1305) and offers an atomic file writer used for
// configuration files.
package store
