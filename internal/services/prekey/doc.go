// Package prekey manages the signed pre-key of a local device.
//
// A signed pre-key pairs an X25519 key with ML-KEM and ML-DSA keys for
// every hybrid level the device supports, all covered by one Ed25519
// signature. The public half is the bundle peers fetch to start a session.
package prekey
