// Package cache implements the client-side local validation cache: the last
// successfully verified license, the time of the last online confirmation,
// and a machine-bound HMAC so the file cannot be copied between machines or
// edited undetected.
package cache

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"

	"github.com/aegislabs/warden/internal/license"
)

var (
	// ErrNoCache indicates no cache file exists yet.
	ErrNoCache = errors.New("no validation cache")
	// ErrCacheTampered indicates the cache HMAC does not match; the file
	// was edited or copied from another machine.
	ErrCacheTampered = errors.New("validation cache failed integrity check")
)

// hkdf derivation labels. The fingerprint is the input keying material, so
// the HMAC key differs per machine.
const (
	hkdfSalt = "warden.cache.v1"
	hkdfInfo = "cache-hmac-key"
)

// Record is the persisted cache content.
type Record struct {
	License        license.License `json:"license"`
	LastVerifiedAt time.Time       `json:"last_verified_at"`
	LastOnlineAt   time.Time       `json:"last_online_at"`
	// GraceStartedAt anchors the offline grace window for machines that
	// have never reached the authority. Written once; offline
	// verifications never advance it.
	GraceStartedAt time.Time `json:"grace_started_at"`
	// LastSeenUnix is the largest local clock reading observed by the
	// verifier, used to detect clock rollback.
	LastSeenUnix int64  `json:"last_seen_unix"`
	Revoked      bool   `json:"revoked"`
	HMAC         string `json:"hmac"`
}

// Store reads and writes the validation cache file with file-level locking
// so two concurrent verifier processes cannot lose each other's refresh.
type Store struct {
	path    string
	hmacKey []byte
	logger  zerolog.Logger
}

// NewStore creates a Store whose HMAC key is derived from the machine
// fingerprint with HKDF-SHA256.
func NewStore(path, fingerprintHash string, logger zerolog.Logger) (*Store, error) {
	if fingerprintHash == "" {
		return nil, errors.New("fingerprint is required to key the cache")
	}

	reader := hkdf.New(sha256.New, []byte(fingerprintHash), []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive cache key: %w", err)
	}

	return &Store{
		path:    path,
		hmacKey: key,
		logger:  logger.With().Str("component", "validation_cache").Logger(),
	}, nil
}

// Load reads and integrity-checks the cache. The content is consulted, not
// trusted blindly: callers still apply grace-period and expiry policy.
func (s *Store) Load() (*Record, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.loadLocked()
}

// Save writes the record with a fresh HMAC, atomically via rename.
func (s *Store) Save(rec *Record) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	return s.saveLocked(rec)
}

// Update applies fn to the current record (or a zero record when no cache
// exists) and persists the result under a single lock acquisition.
func (s *Store) Update(fn func(rec *Record)) (*Record, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.loadLocked()
	if err != nil {
		if !errors.Is(err, ErrNoCache) {
			return nil, err
		}
		rec = &Record{}
	}

	fn(rec)
	if err := s.saveLocked(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) loadLocked() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCache
		}
		return nil, fmt.Errorf("read cache: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A cache that does not even parse is treated as tampered, not
		// as absent: fail closed.
		return nil, ErrCacheTampered
	}

	want := s.seal(&rec)
	if !hmac.Equal([]byte(want), []byte(rec.HMAC)) {
		return nil, ErrCacheTampered
	}
	return &rec, nil
}

func (s *Store) saveLocked(rec *Record) error {
	rec.HMAC = s.seal(rec)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}

// seal computes the HMAC over the canonical JSON of the record with the
// HMAC field cleared.
func (s *Store) seal(rec *Record) string {
	clone := *rec
	clone.HMAC = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		// Record contains only marshalable fields; this cannot happen.
		return ""
	}
	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
