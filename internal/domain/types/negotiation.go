package types

import "time"

// Algorithm names an encryption mode.
type Algorithm string

const (
	// AlgorithmClassical uses X25519 key agreement only.
	AlgorithmClassical Algorithm = "classical"
	// AlgorithmHybrid combines X25519 with ML-KEM and signs with ML-DSA.
	AlgorithmHybrid Algorithm = "hybrid-pqc"
)

// Priority orders algorithms at equal security level; higher wins.
func (a Algorithm) Priority() int {
	switch a {
	case AlgorithmHybrid:
		return 2
	case AlgorithmClassical:
		return 1
	default:
		return 0
	}
}

// SecurityLevel is a NIST post-quantum security category (1, 3 or 5).
type SecurityLevel uint8

const (
	SecurityLevel1 SecurityLevel = 1
	SecurityLevel3 SecurityLevel = 3
	SecurityLevel5 SecurityLevel = 5
)

// Capability is one supported (algorithm, security level) pair.
type Capability struct {
	Algorithm     Algorithm     `json:"algorithm"`
	SecurityLevel SecurityLevel `json:"security_level"`
}

// CapabilitySet is the set of capabilities a participant reports.
type CapabilitySet []Capability

// Contains reports whether c is in the set.
func (s CapabilitySet) Contains(c Capability) bool {
	for _, x := range s {
		if x == c {
			return true
		}
	}
	return false
}

// AlgorithmNegotiation is the agreed mode for a conversation. It is never
// updated in place; a CryptoMigration replaces it.
type AlgorithmNegotiation struct {
	ID             string                   `json:"id"`
	ConversationID ConversationID           `json:"conversation_id"`
	Algorithm      Algorithm                `json:"algorithm"`
	SecurityLevel  SecurityLevel            `json:"security_level"`
	Participants   map[UserID]CapabilitySet `json:"participants"`
	Fallback       bool                     `json:"fallback"`
	NegotiatedAt   time.Time                `json:"negotiated_at"`
	ExpiresAt      time.Time                `json:"expires_at"`
	SupersededBy   string                   `json:"superseded_by,omitempty"`
}

// Selected returns the negotiated capability.
func (n AlgorithmNegotiation) Selected() Capability {
	return Capability{Algorithm: n.Algorithm, SecurityLevel: n.SecurityLevel}
}

// Expired reports whether the negotiation is past its expiry at now.
func (n AlgorithmNegotiation) Expired(now time.Time) bool {
	return !n.ExpiresAt.IsZero() && !now.Before(n.ExpiresAt)
}

// MigrationStatus is the lifecycle state of a CryptoMigration.
type MigrationStatus string

const (
	MigrationStarted   MigrationStatus = "started"
	MigrationCompleted MigrationStatus = "completed"
	MigrationFailed    MigrationStatus = "failed"
)

// CryptoMigration tracks an upgrade of a conversation from one mode to another.
type CryptoMigration struct {
	ID             string          `json:"id"`
	ConversationID ConversationID  `json:"conversation_id"`
	From           Capability      `json:"from"`
	To             Capability      `json:"to"`
	Status         MigrationStatus `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at,omitempty"`
}
