package types

import "time"

// SyncStatus is the delivery state of an OfflineSyncItem.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// OfflineSyncItem is one queued delivery of a package to an offline device.
type OfflineSyncItem struct {
	ID            string     `json:"id"`
	DeviceID      DeviceID   `json:"device_id"`
	PackageID     string     `json:"package_id"`
	Priority      uint8      `json:"priority"`
	Seq           uint64     `json:"seq"`
	Status        SyncStatus `json:"sync_status"`
	Attempts      int        `json:"attempts"`
	LastAttempt   *time.Time `json:"last_attempt,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}
