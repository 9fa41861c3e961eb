// Package keysync distributes ratchet state snapshots to a user's other
// devices.
//
// Each package is sealed to one target device's X25519 encryption key with
// an ephemeral key agreement, stored, and only then pushed to the sync
// transport. Failed pushes go to the offline queue. Receiving devices pull
// their packages and consume each exactly once. Only a tombstone of a
// package outlives its delivery or consumption; a package whose state
// diverges is held until its conflict is decided.
package keysync
