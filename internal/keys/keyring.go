package keys

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
)

// ErrVersionAgedOut indicates the key version fell outside the retention
// window and its licenses can no longer be verified.
var ErrVersionAgedOut = errors.New("key version outside retention window")

// Keyring is the verifier-side set of retained public keys. It is explicit,
// passed-in state rather than a module-level singleton so issuance and
// verification are unit-testable with synthetic keys.
type Keyring struct {
	current   int
	retention int
	keys      map[int]*rsa.PublicKey
}

// NewKeyring creates a keyring whose retention window covers the current
// version plus `retention` previous versions. A non-positive retention
// falls back to DefaultRetention.
func NewKeyring(current, retention int) *Keyring {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Keyring{
		current:   current,
		retention: retention,
		keys:      make(map[int]*rsa.PublicKey),
	}
}

// Add registers public key material for a version.
func (k *Keyring) Add(version int, pub *rsa.PublicKey) error {
	if version < 1 {
		return fmt.Errorf("invalid key version: %d", version)
	}
	if pub == nil {
		return errors.New("nil public key")
	}
	k.keys[version] = pub
	return nil
}

// AddEncoded registers serialized public key material for a version.
func (k *Keyring) AddEncoded(version int, data []byte, enc Encoding) error {
	pub, err := ParsePublicKey(data, enc)
	if err != nil {
		return fmt.Errorf("key version %d: %w", version, err)
	}
	return k.Add(version, pub)
}

// SetCurrent advances the current version pointer, e.g. after the verifier
// learns of a rotation. Retained older versions stay valid.
func (k *Keyring) SetCurrent(version int) {
	if version > k.current {
		k.current = version
	}
}

// Current returns the current version pointer.
func (k *Keyring) Current() int {
	return k.current
}

// Retained reports whether a version is inside the retention window.
func (k *Keyring) Retained(version int) bool {
	return version >= 1 && version > k.current-k.retention-1 && version <= k.current
}

// Verify checks an RSA-SHA256 signature over payload against the public key
// for the given version. Versions outside the retention window fail with
// ErrVersionAgedOut even if key material is still present.
func (k *Keyring) Verify(version int, payload, signature []byte) error {
	if !k.Retained(version) {
		return fmt.Errorf("%w: %d", ErrVersionAgedOut, version)
	}
	pub, ok := k.keys[version]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}

	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}
