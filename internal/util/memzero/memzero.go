// Package memzero wipes secret buffers.
package memzero

import (
	"crypto/rand"
	"crypto/subtle"
)

// Zero overwrites b with random bytes and then with zeros in a constant-time
// friendly way.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	_, _ = rand.Read(b)
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
}

// ZeroAll wipes every buffer in bs.
func ZeroAll(bs ...[]byte) {
	for _, b := range bs {
		Zero(b)
	}
}
