package license

import (
	"fmt"
	"strconv"
	"strings"
)

// canonicalVersion tags the canonical serialization format. Bump this only
// together with a verifier that understands both versions; issuer and
// verifier must never disagree on what was signed.
const canonicalVersion = "warden.v1"

// absentField marks a nullable field with no value in the canonical form.
const absentField = "-"

// CanonicalPayload returns the deterministic byte serialization of the
// license record that is signed and verified. Field order is fixed:
// version tag, serial, tier, issued_at, expires_at, hardware_binding,
// key_version. Timestamps are UTC unix seconds; absent fields encode as "-".
func CanonicalPayload(l *License) []byte {
	expires := absentField
	if l.ExpiresAt != nil {
		expires = strconv.FormatInt(l.ExpiresAt.Unix(), 10)
	}

	hardware := absentField
	if l.HardwareBinding != "" {
		hardware = l.HardwareBinding
	}

	fields := []string{
		canonicalVersion,
		l.Serial,
		string(l.Tier),
		strconv.FormatInt(l.IssuedAt.Unix(), 10),
		expires,
		hardware,
		strconv.Itoa(l.KeyVersion),
	}

	return []byte(strings.Join(fields, "|"))
}

// ValidateRecord checks the structural invariants of a license record before
// signing or verification.
func ValidateRecord(l *License) error {
	if l == nil {
		return fmt.Errorf("nil license record")
	}
	if !l.Tier.IsValid() {
		return fmt.Errorf("%w: %s", ErrUnknownTier, l.Tier)
	}
	if len(l.Serial) != SerialLength {
		return fmt.Errorf("invalid serial length: %d", len(l.Serial))
	}
	if l.IssuedAt.IsZero() {
		return fmt.Errorf("missing issued_at timestamp")
	}
	if l.ExpiresAt != nil && !l.ExpiresAt.After(l.IssuedAt) {
		return fmt.Errorf("expires_at must be after issued_at")
	}
	if l.KeyVersion < 1 {
		return fmt.Errorf("invalid key version: %d", l.KeyVersion)
	}
	return nil
}
