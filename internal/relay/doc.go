// Package relay connects devices that never talk to each other directly.
//
// The relay is a store-and-forward service for public pre-key bundles,
// conversation membership and sealed key sync packages. It never sees
// plaintext or private keys.
//
// Hub is the in-process relay. It implements every collaborator interface
// the services need (bundle fetch and publish, capabilities, conversation
// directory and sync transport) and can push packages to subscribed devices
// over channels. Server exposes a Hub over HTTP and HTTP is the matching
// client, so the same services run against a remote relay.
//
// HTTP API
//
//	POST /bundles                    publish a bundle (signature is checked)
//	GET  /bundles/{user}             latest bundle of a user
//	GET  /capabilities/{user}        capabilities advertised in that bundle
//	PUT  /conversations/{conv}       set participants {"participants": [...]}
//	GET  /conversations/{conv}       participants of a conversation
//	POST /packages                   deliver a package to its target device
//	GET  /packages/{device}          drain the packages waiting for a device
//
// Responses are JSON. Non-2xx statuses are returned by the client as errors
// with the HTTP method, full URL and status text; 404 wraps
// domain.ErrNotFound and 503 wraps ErrDeviceOffline.
package relay
