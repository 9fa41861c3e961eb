// Package negotiator persists the cipher suite agreed for each conversation.
//
// A negotiation record is immutable: repeat calls return it until it
// expires, the participants' capabilities change, or a migration replaces
// it. Superseded records stay in the conversation's history.
package negotiator
