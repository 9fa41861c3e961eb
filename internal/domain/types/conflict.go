package types

import "time"

// ConflictStatus tracks whether a conflict still blocks encryption.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// ResolutionPolicy names the rule that picked the winner.
type ResolutionPolicy string

const (
	PolicyTrustScore   ResolutionPolicy = "trust-score"
	PolicyEarliestStep ResolutionPolicy = "earliest-step"
	PolicyDeviceOrder  ResolutionPolicy = "device-order"
)

// DeviceStateReport is one device's view of a ratchet state. It carries
// no key material; the winning state is read or released at resolution.
type DeviceStateReport struct {
	DeviceID               DeviceID    `json:"device_id"`
	Fingerprint            Fingerprint `json:"fingerprint"`
	RatchetStepAt          time.Time   `json:"ratchet_step_at"`
	SendingMessageNumber   uint32      `json:"ns"`
	ReceivingMessageNumber uint32      `json:"nr"`
	Version                uint64      `json:"version"`
	// PackageID is the held sync package carrying a remote device's state.
	// It is empty for the local device.
	PackageID string `json:"package_id,omitempty"`
}

// KeyConflict is a detected divergence between two devices of one user.
type KeyConflict struct {
	ID         string              `json:"id"`
	Key        StateKey            `json:"key"`
	Reports    []DeviceStateReport `json:"reports"`
	Status     ConflictStatus      `json:"status"`
	DetectedAt time.Time           `json:"detected_at"`
	ResolvedAt *time.Time          `json:"resolved_at,omitempty"`
	// PackageID is the forced package sent to the loser, once decided.
	PackageID string `json:"package_id,omitempty"`
}

// Report returns the report of device.
func (c KeyConflict) Report(device DeviceID) (DeviceStateReport, bool) {
	for _, r := range c.Reports {
		if r.DeviceID == device {
			return r, true
		}
	}
	return DeviceStateReport{}, false
}

// ConflictResolution is the audit record one device keeps for a decision.
type ConflictResolution struct {
	ID                 string           `json:"id"`
	ConflictID         string           `json:"conflict_id"`
	Key                StateKey         `json:"key"`
	DeviceID           DeviceID         `json:"device_id"`
	WinnerDeviceID     DeviceID         `json:"winner_device_id"`
	LoserDeviceID      DeviceID         `json:"loser_device_id"`
	WinningFingerprint Fingerprint      `json:"winning_fingerprint"`
	Policy             ResolutionPolicy `json:"policy"`
	PackageID          string           `json:"package_id,omitempty"`
	ResolvedAt         time.Time        `json:"resolved_at"`
}
