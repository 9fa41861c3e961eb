package domain

import "errors"

// Error taxonomy shared by the crypto core. Callers match with errors.Is.
var (
	ErrInvalidKeyLength      = errors.New("invalid key length")
	ErrInvalidPublicKey      = errors.New("invalid public key")
	ErrInvalidKeyMaterial    = errors.New("invalid key material")
	ErrRatchetDesync         = errors.New("ratchet desynchronised")
	ErrSkipLimitExceeded     = errors.New("skip limit exceeded")
	ErrUnsupportedAlgorithm  = errors.New("unsupported algorithm")
	ErrKeyExpired            = errors.New("key expired")
	ErrConflictUnresolved    = errors.New("key conflict unresolved")
	ErrDecryptionAuthFailure = errors.New("decryption authentication failure")

	ErrNotFound           = errors.New("not found")
	ErrEncryptionDisabled = errors.New("encryption not enabled")
	ErrDeviceRevoked      = errors.New("device revoked")
	ErrVersionConflict    = errors.New("ratchet state changed concurrently")
)

// OperationError is the single failure the message layer sees for encrypt
// and decrypt. Error() never names the cause; Unwrap does.
type OperationError struct {
	Op    string
	cause error
}

// ErrOperationFailed matches any OperationError via errors.Is.
var ErrOperationFailed = errors.New("message operation failed")

// NewOperationError wraps cause for the given operation.
func NewOperationError(op string, cause error) *OperationError {
	return &OperationError{Op: op, cause: cause}
}

func (e *OperationError) Error() string { return e.Op + ": " + ErrOperationFailed.Error() }

// Unwrap exposes the detailed cause to internal callers.
func (e *OperationError) Unwrap() []error { return []error{ErrOperationFailed, e.cause} }

// Kind returns a short label for the cause, suitable for metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidKeyLength):
		return "invalid_key_length"
	case errors.Is(err, ErrInvalidPublicKey):
		return "invalid_public_key"
	case errors.Is(err, ErrInvalidKeyMaterial):
		return "invalid_key_material"
	case errors.Is(err, ErrRatchetDesync):
		return "ratchet_desync"
	case errors.Is(err, ErrSkipLimitExceeded):
		return "skip_limit_exceeded"
	case errors.Is(err, ErrUnsupportedAlgorithm):
		return "unsupported_algorithm"
	case errors.Is(err, ErrKeyExpired):
		return "key_expired"
	case errors.Is(err, ErrConflictUnresolved):
		return "conflict_unresolved"
	case errors.Is(err, ErrDecryptionAuthFailure):
		return "decryption_auth_failure"
	case errors.Is(err, ErrEncryptionDisabled):
		return "encryption_disabled"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
