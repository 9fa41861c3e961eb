// Package offlinesync retries sync packages that could not be delivered.
//
// Items wait in a durable per-device queue ordered by priority, then
// arrival. Each failed attempt backs off exponentially; an item that runs
// out of retries or outlives its TTL is marked failed and reported to the
// device registry.
package offlinesync
