// Package ratchet implements the Double Ratchet over classical or hybrid
// post-quantum suites.
//
// The algorithm maintains a root key and two message chains (send and
// receive). Each message advances a KDF chain so that keys are forward
// secure. DH steps replace the root key; in hybrid mode each step also mixes
// in an ML-KEM shared secret and every message is signed with ML-DSA.
//
// Steps follow a turn token. The initiator starts with the turn; the holder
// steps on send once its chain reaches the ratchet interval (or a step was
// forced), which passes the turn, and receiving a new peer ratchet key grants
// it. Only one side can step at a time, so the root chain never forks.
//
// Engine operations never mutate their input. They return a Transition that
// the caller commits atomically or discards. Engine is safe for concurrent
// use; a given RatchetState must be serialised by the caller.
package ratchet
