// Package main runs the pqratchet relay: an in-memory store-and-forward
// service for published pre-key bundles, conversation membership and sealed
// key sync packages. See package relay for the HTTP API.
//
// Behaviour
//
//   - All state is held in memory and lost on process exit.
//   - Published bundles must carry a valid signed pre-key signature.
//   - Packages for a device are kept until that device fetches them.
//   - Every request is logged at DEBUG level with method, path, status,
//     bytes and duration, and counted in pqratchet_relay_http_requests_total.
//   - The default listen address is :8080; /metrics is served on
//     --metrics-addr when set.
//
// The relay never sees plaintext or private keys; it only stores
// ciphertext and public bundles.
package main
