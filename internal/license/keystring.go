package license

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// SerialLength is the number of serial characters in a license key.
	SerialLength = 10
	// checksumLength is the number of trailing checksum characters.
	checksumLength = 5
	segmentLength  = 5
)

// keyAlphabet is the 32-character alphabet used for serial and checksum
// segments. I, L, O, and U are excluded to avoid transcription mistakes.
const keyAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ0123456789"

var alphabetIndex = func() map[byte]int {
	m := make(map[byte]int, len(keyAlphabet))
	for i := 0; i < len(keyAlphabet); i++ {
		m[keyAlphabet[i]] = i
	}
	return m
}()

// NewSerial generates a fresh license serial. Uniqueness is enforced by the
// issuance ledger, not here; the issuer regenerates on collision.
func NewSerial() string {
	id := uuid.New()
	var b strings.Builder
	b.Grow(SerialLength)
	for i := 0; i < SerialLength; i++ {
		b.WriteByte(keyAlphabet[int(id[i])%len(keyAlphabet)])
	}
	return b.String()
}

// checksum computes the two-stage rolling checksum over the leading key
// segments. It is a typo detector, not a security control: single-character
// substitutions and adjacent transpositions are caught; forgery is left to
// the signature check.
func checksum(s string) string {
	var h uint32
	var r uint32
	for i := 0; i < len(s); i++ {
		c := uint32(s[i])
		h = (h*31 + c) & 0x7FFFFFFF
		r = ((r ^ c) * 17) & 0xFFFF
	}

	out := make([]byte, checksumLength)
	out[0] = keyAlphabet[h%32]
	out[1] = keyAlphabet[(h>>5)%32]
	out[2] = keyAlphabet[(h>>10)%32]
	out[3] = keyAlphabet[r%32]
	out[4] = keyAlphabet[(r>>5)%32]
	return string(out)
}

// EncodeKey derives the human-typeable license key string for a record:
// TIER-XXXXX-XXXXX-XXXXX, where the trailing segment is the checksum over
// everything before it.
func EncodeKey(tier Tier, serial string) (string, error) {
	prefix := tier.Prefix()
	if prefix == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	if len(serial) != SerialLength {
		return "", fmt.Errorf("%w: serial must be %d characters", ErrMalformedKey, SerialLength)
	}
	for i := 0; i < len(serial); i++ {
		if _, ok := alphabetIndex[serial[i]]; !ok {
			return "", fmt.Errorf("%w: serial contains invalid character %q", ErrMalformedKey, serial[i])
		}
	}

	body := fmt.Sprintf("%s-%s-%s", prefix, serial[:segmentLength], serial[segmentLength:])
	return body + "-" + checksum(body), nil
}

// DecodeKey parses and checksum-validates a license key string, returning
// the tier and serial it encodes. No cryptographic work happens here; this
// is the cheap fail-fast gate in front of signature verification.
func DecodeKey(key string) (Tier, string, error) {
	parts := strings.Split(strings.TrimSpace(key), "-")
	if len(parts) != 4 {
		return "", "", fmt.Errorf("%w: expected 4 segments, got %d", ErrMalformedKey, len(parts))
	}

	tier, ok := TierForPrefix(parts[0])
	if !ok {
		return "", "", fmt.Errorf("%w: unknown tier prefix %q", ErrMalformedKey, parts[0])
	}

	for _, seg := range parts[1:] {
		if len(seg) != segmentLength {
			return "", "", fmt.Errorf("%w: segment %q has wrong length", ErrMalformedKey, seg)
		}
		for i := 0; i < len(seg); i++ {
			if _, ok := alphabetIndex[seg[i]]; !ok {
				return "", "", fmt.Errorf("%w: invalid character %q", ErrMalformedKey, seg[i])
			}
		}
	}

	body := parts[0] + "-" + parts[1] + "-" + parts[2]
	if checksum(body) != parts[3] {
		return "", "", ErrChecksumMismatch
	}

	return tier, parts[1] + parts[2], nil
}
