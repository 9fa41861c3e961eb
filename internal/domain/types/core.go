package types

import "fmt"

// UserID identifies an account owning one or more devices.
type UserID string

// String returns the string form of the user id.
func (u UserID) String() string { return string(u) }

// DeviceID uniquely identifies a device identity.
type DeviceID string

// String returns the string form of the device id.
func (d DeviceID) String() string { return string(d) }

// Fingerprint is a short identifier for key material presented to users and logs.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// ConversationID identifies a conversation.
type ConversationID string

// String returns the string form of the conversation identifier.
func (id ConversationID) String() string { return string(id) }

// PreKeyID identifies a signed pre-key published in a bundle.
type PreKeyID string

// String returns the string form of the identifier.
func (id PreKeyID) String() string { return string(id) }

// StateKey addresses the single live ratchet state of a user in a conversation.
type StateKey struct {
	ConversationID ConversationID `json:"conversation_id"`
	UserID         UserID         `json:"user_id"`
}

// String renders the key as "conversation/user".
func (k StateKey) String() string {
	return fmt.Sprintf("%s/%s", k.ConversationID, k.UserID)
}
