// Package session owns the ratchet states of the local device.
//
// It runs the X3DH handshake on first send or first receive, steps the
// ratchet engine under a per-conversation lock, and commits every
// transition to the ratchet store before the skipped-key cache sees it.
// A state can also be replaced by a snapshot synchronised from another
// device of the same user.
package session
