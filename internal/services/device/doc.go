// Package device is the registry of a user's device identities.
//
// Each device carries an Ed25519 signing key and an X25519 encryption key;
// the private halves are stored sealed under the owner's passphrase. The
// registry also keeps the trust score used to settle key conflicts.
package device
