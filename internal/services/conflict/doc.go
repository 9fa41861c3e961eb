// Package conflict settles divergent ratchet states between devices of
// one user.
//
// An open conflict blocks encryption for its state key. Resolution picks a
// winner by trust score, then by earliest ratchet step, then by device id,
// and overwrites the loser with a forced sync package. Conflicts record
// fingerprints only; no state is stored with them.
package conflict
