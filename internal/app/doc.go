// Package app wires application dependencies for the CLI.
//
// NewWire builds the bbolt store, log backend, metrics and every service
// of one device from a config.Config. Unlocking a device through the Wire
// yields an App: the same services plus the message facade acting for the
// device's owner, and helpers to publish, synchronise and run in the
// background.
package app
