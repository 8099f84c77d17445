// Package keys manages the versioned RSA signing keypairs used by the
// license authority and the retained public keyring embedded in verifiers.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

const (
	// KeySize is the RSA modulus size in bits.
	KeySize = 2048

	// DefaultRetention is how many previous key versions a verifier keeps
	// alongside the current one, so historical licenses stay valid across
	// rotations.
	DefaultRetention = 4
)

// Encoding selects a public key serialization format.
type Encoding string

const (
	// EncodingPEM is the compact PKIX/PEM container for modern runtimes.
	EncodingPEM Encoding = "pem"
	// EncodingXML is the tag-based modulus/exponent form for legacy client
	// environments that cannot parse binary key containers.
	EncodingXML Encoding = "xml"
)

var (
	// ErrKeyGenerationFailed is fatal: the entropy source failed and
	// issuance must abort rather than fall back to weaker randomness.
	ErrKeyGenerationFailed = errors.New("key generation failed")
	// ErrUnknownVersion indicates no key material exists for the version.
	ErrUnknownVersion = errors.New("unknown key version")
	// ErrUnknownEncoding indicates an unsupported export encoding.
	ErrUnknownEncoding = errors.New("unknown key encoding")
	// ErrNoKeys indicates the manager holds no key material yet.
	ErrNoKeys = errors.New("no signing keys generated")
)

// Manager owns the authority-side private keys, one per version. Rotation
// publishes a new current version atomically and never touches previous
// versions, so in-flight issuance against an older version keeps working.
type Manager struct {
	mu      sync.RWMutex
	current int
	private map[int]*rsa.PrivateKey
	logger  zerolog.Logger
}

// NewManager creates an empty key manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		private: make(map[int]*rsa.PrivateKey),
		logger:  logger.With().Str("component", "keys").Logger(),
	}
}

// Generate creates the first keypair (version 1). Use Rotate for
// subsequent versions.
func (m *Manager) Generate() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != 0 {
		return 0, fmt.Errorf("keys already generated, use rotate")
	}
	return m.addVersionLocked(1)
}

// Rotate allocates the next key version and makes it current. Previously
// issued licenses remain verifiable through the keyring's retention window.
func (m *Manager) Rotate() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == 0 {
		return 0, ErrNoKeys
	}
	return m.addVersionLocked(m.current + 1)
}

func (m *Manager) addVersionLocked(version int) (int, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	m.private[version] = key
	m.current = version
	m.logger.Info().Int("key_version", version).Msg("signing key generated")
	return version, nil
}

// CurrentVersion returns the current signing key version, or 0 when no key
// has been generated.
func (m *Manager) CurrentVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Versions returns all held key versions in ascending order.
func (m *Manager) Versions() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := make([]int, 0, len(m.private))
	for v := range m.private {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}

// SignWith signs the payload with the private key of the given version
// using RSA-SHA256 (PKCS#1 v1.5).
func (m *Manager) SignWith(version int, payload []byte) ([]byte, error) {
	m.mu.RLock()
	key, ok := m.private[version]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}

	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	return sig, nil
}

// Public returns the public key for a version.
func (m *Manager) Public(version int) (*rsa.PublicKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.private[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	return &key.PublicKey, nil
}

// ExportPublic serializes the public key of a version in the requested
// encoding. Both encodings represent the identical mathematical key; see
// SelfTest.
func (m *Manager) ExportPublic(version int, enc Encoding) ([]byte, error) {
	pub, err := m.Public(version)
	if err != nil {
		return nil, err
	}

	switch enc {
	case EncodingPEM:
		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("marshal public key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
	case EncodingXML:
		return MarshalXMLPublicKey(pub)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncoding, enc)
	}
}

// SelfTest signs a probe payload with the current private key and verifies
// the signature through both exported public key encodings. It proves the
// exporters agree on the same mathematical key and is run at build/startup
// time.
func (m *Manager) SelfTest() error {
	version := m.CurrentVersion()
	if version == 0 {
		return ErrNoKeys
	}

	probe := []byte("warden key encoding self-test")
	sig, err := m.SignWith(version, probe)
	if err != nil {
		return fmt.Errorf("self-test sign: %w", err)
	}

	digest := sha256.Sum256(probe)
	for _, enc := range []Encoding{EncodingPEM, EncodingXML} {
		exported, err := m.ExportPublic(version, enc)
		if err != nil {
			return fmt.Errorf("self-test export %s: %w", enc, err)
		}
		pub, err := ParsePublicKey(exported, enc)
		if err != nil {
			return fmt.Errorf("self-test parse %s: %w", enc, err)
		}
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
			return fmt.Errorf("self-test verify through %s encoding: %w", enc, err)
		}
	}
	return nil
}

// ParsePublicKey decodes a public key from either supported encoding.
func ParsePublicKey(data []byte, enc Encoding) (*rsa.PublicKey, error) {
	switch enc {
	case EncodingPEM:
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, errors.New("no PEM block found")
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not RSA")
		}
		return pub, nil
	case EncodingXML:
		return UnmarshalXMLPublicKey(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncoding, enc)
	}
}

// SaveDir writes every private key as an unencrypted PKCS#8 PEM file named
// v<version>-private.pem with owner-only permissions. Private material is
// never serialized into client artifacts.
func (m *Manager) SaveDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for version, key := range m.private {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return fmt.Errorf("marshal private key v%d: %w", version, err)
		}
		data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
		path := filepath.Join(dir, fmt.Sprintf("v%d-private.pem", version))
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("write private key v%d: %w", version, err)
		}
	}
	return nil
}

// LoadDir restores a manager from a directory written by SaveDir. The
// highest version found becomes current.
func LoadDir(dir string, logger zerolog.Logger) (*Manager, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read key directory: %w", err)
	}

	m := NewManager(logger)
	for _, entry := range entries {
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "v%d-private.pem", &version); err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read private key v%d: %w", version, err)
		}
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("private key v%d: no PEM block", version)
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key v%d: %w", version, err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key v%d is not RSA", version)
		}
		m.private[version] = key
		if version > m.current {
			m.current = version
		}
	}
	if m.current == 0 {
		return nil, ErrNoKeys
	}
	return m, nil
}
