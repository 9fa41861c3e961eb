// Package message is the surface the surrounding chat layer calls.
//
// It gates encryption on per-conversation settings, maps every encrypt and
// decrypt failure to a single domain.OperationError (the cause stays
// reachable through errors.Is and is logged and counted), and drives
// suite upgrades through the negotiator's migration records.
package message
