// Package verify implements offline license verification: format and
// checksum gating, signature verification against the retained keyring,
// expiry and clock-rollback detection, hardware binding, and the revocation
// side-channel with its grace period.
package verify

// Status is the precise verification outcome recorded in the audit trail.
type Status string

const (
	// StatusValid means the license passed every check.
	StatusValid Status = "valid"
	// StatusMalformedKey means the key string failed format checks.
	StatusMalformedKey Status = "malformed_key"
	// StatusChecksumMismatch means the key string checksum segment is wrong.
	StatusChecksumMismatch Status = "checksum_mismatch"
	// StatusSignatureInvalid means no retained public key verifies the signature.
	StatusSignatureInvalid Status = "signature_invalid"
	// StatusExpired means the validity window has passed.
	StatusExpired Status = "expired"
	// StatusRevoked means the central authority revoked the serial.
	StatusRevoked Status = "revoked"
	// StatusHardwareMismatch means the license is bound to another machine.
	StatusHardwareMismatch Status = "hardware_mismatch"
	// StatusClockTamperSuspected means the local clock moved backward past
	// a previously recorded reading.
	StatusClockTamperSuspected Status = "clock_tamper_suspected"
	// StatusNetworkRequired means the revocation grace period is exhausted
	// and an online confirmation is needed.
	StatusNetworkRequired Status = "network_required"
)

// UserMessage returns the plain-language denial reason shown to users.
// Audit entries keep the precise Status value instead.
func (s Status) UserMessage() string {
	switch s {
	case StatusValid:
		return "license is valid"
	case StatusMalformedKey, StatusChecksumMismatch:
		return "this license key is not valid; check it for typos"
	case StatusSignatureInvalid:
		return "this license key is not valid"
	case StatusExpired:
		return "this license has expired"
	case StatusRevoked:
		return "this license is no longer active"
	case StatusHardwareMismatch:
		return "this license belongs to a different machine"
	case StatusClockTamperSuspected:
		return "the system clock looks wrong; fix the date and time"
	case StatusNetworkRequired:
		return "this machine has been offline too long; connect to the internet and try again"
	default:
		return "license verification failed"
	}
}
