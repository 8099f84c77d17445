package verify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegislabs/warden/internal/audit"
	"github.com/aegislabs/warden/internal/cache"
	"github.com/aegislabs/warden/internal/keys"
	"github.com/aegislabs/warden/internal/license"
)

const testFingerprint = "fp-hash-0123456789abcdef0123456789abcdef0123456789abcdef01234567"

type fakeAudit struct {
	events []audit.Event
	err    error
}

func (a *fakeAudit) Append(e audit.Event) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.events = append(a.events, e)
	return "hmac", nil
}

type fakeChecker struct {
	revoked    bool
	serverTime time.Time
	err        error
	calls      int
}

func (c *fakeChecker) Check(ctx context.Context, serial string) (bool, time.Time, error) {
	c.calls++
	if c.err != nil {
		return false, time.Time{}, c.err
	}
	return c.revoked, c.serverTime, nil
}

// testAuthority bundles a signing manager with a keyring holding its public
// keys, mimicking the issued-artifact/verifier split.
type testAuthority struct {
	manager *keys.Manager
	ring    *keys.Keyring
}

func newTestAuthority(t *testing.T) *testAuthority {
	t.Helper()
	m := keys.NewManager(zerolog.Nop())
	_, err := m.Generate()
	require.NoError(t, err)

	ring := keys.NewKeyring(m.CurrentVersion(), keys.DefaultRetention)
	pub, err := m.Public(1)
	require.NoError(t, err)
	require.NoError(t, ring.Add(1, pub))
	return &testAuthority{manager: m, ring: ring}
}

// issue signs a complete license file the way the authority would.
func (a *testAuthority) issue(t *testing.T, mutate func(lic *license.License)) *license.File {
	t.Helper()

	issued := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	expires := issued.Add(365 * 24 * time.Hour)
	lic := license.License{
		Serial:     "ABCDE23456",
		Tier:       license.TierGamer,
		IssuedAt:   issued,
		ExpiresAt:  &expires,
		KeyVersion: a.manager.CurrentVersion(),
	}
	if mutate != nil {
		mutate(&lic)
	}

	sig, err := a.manager.SignWith(lic.KeyVersion, license.CanonicalPayload(&lic))
	require.NoError(t, err)
	key, err := license.EncodeKey(lic.Tier, lic.Serial)
	require.NoError(t, err)
	return &license.File{Key: key, License: lic, Signature: sig}
}

type verifierFixture struct {
	verifier  *Verifier
	audits    *fakeAudit
	cache     *cache.Store
	cachePath string
	checker   *fakeChecker
}

func newFixture(t *testing.T, authority *testAuthority, checker *fakeChecker) *verifierFixture {
	t.Helper()

	cachePath := filepath.Join(t.TempDir(), "cache.json")
	store, err := cache.NewStore(cachePath, testFingerprint, zerolog.Nop())
	require.NoError(t, err)

	audits := &fakeAudit{}
	cfg := Config{
		Keyring: authority.ring,
		Cache:   store,
		Audits:  audits,
		Logger:  zerolog.Nop(),
	}
	if checker != nil {
		cfg.Checker = checker
	}
	v, err := New(cfg)
	require.NoError(t, err)

	return &verifierFixture{verifier: v, audits: audits, cache: store, cachePath: cachePath, checker: checker}
}

func TestVerify_ValidOffline(t *testing.T) {
	authority := newTestAuthority(t)
	fx := newFixture(t, authority, nil)
	file := authority.issue(t, nil)

	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, res.Status)
	assert.True(t, res.Valid())
	assert.Equal(t, license.TierGamer, res.Tier)
	assert.Equal(t, "ABCDE23456", res.Serial)

	// Success is audited as a verification with the precise status.
	require.Len(t, fx.audits.events, 1)
	assert.Equal(t, audit.EventVerified, fx.audits.events[0].Type)
	assert.Equal(t, "ABCDE23456", fx.audits.events[0].Subject)
	assert.Equal(t, string(StatusValid), fx.audits.events[0].Result)
}

func TestVerify_NilFile(t *testing.T) {
	authority := newTestAuthority(t)
	fx := newFixture(t, authority, nil)

	res, err := fx.verifier.Verify(context.Background(), nil, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusMalformedKey, res.Status)

	require.Len(t, fx.audits.events, 1)
	assert.Equal(t, audit.EventRejected, fx.audits.events[0].Type)
	assert.Equal(t, audit.SubjectUnknown, fx.audits.events[0].Subject)
}

func TestVerify_ChecksumMismatch(t *testing.T) {
	authority := newTestAuthority(t)
	fx := newFixture(t, authority, nil)
	file := authority.issue(t, nil)

	// Swap the last two checksum characters if they differ, otherwise
	// substitute one.
	b := []byte(file.Key)
	n := len(b)
	if b[n-1] != b[n-2] {
		b[n-1], b[n-2] = b[n-2], b[n-1]
	} else {
		if b[n-1] == 'A' {
			b[n-1] = 'B'
		} else {
			b[n-1] = 'A'
		}
	}
	file.Key = string(b)

	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusChecksumMismatch, res.Status)
}

func TestVerify_KeyRecordMismatch(t *testing.T) {
	authority := newTestAuthority(t)
	fx := newFixture(t, authority, nil)
	file := authority.issue(t, nil)

	// A well-formed key for a different record must not pass.
	otherKey, err := license.EncodeKey(license.TierBasic, "ZZZZZ99999")
	require.NoError(t, err)
	file.Key = otherKey

	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusMalformedKey, res.Status)
}

func TestVerify_TamperedRecord(t *testing.T) {
	authority := newTestAuthority(t)
	fx := newFixture(t, authority, nil)

	// Upgrade the tier after signing; the canonical payload no longer
	// matches the signature.
	file := authority.issue(t, nil)
	file.License.Tier = license.TierServer
	otherKey, err := license.EncodeKey(license.TierServer, file.License.Serial)
	require.NoError(t, err)
	file.Key = otherKey

	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusSignatureInvalid, res.Status)
}

func TestVerify_BitFlippedSignature(t *testing.T) {
	authority := newTestAuthority(t)
	fx := newFixture(t, authority, nil)
	file := authority.issue(t, nil)
	file.Signature[0] ^= 0x01

	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusSignatureInvalid, res.Status)
}

func TestVerify_ForeignKeySignature(t *testing.T) {
	authority := newTestAuthority(t)
	imposter := newTestAuthority(t)
	fx := newFixture(t, authority, nil)

	// Signed by a key the verifier does not trust.
	file := imposter.issue(t, nil)

	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusSignatureInvalid, res.Status)
}

func TestVerify_Expired(t *testing.T) {
	authority := newTestAuthority(t)
	fx := newFixture(t, authority, nil)

	file := authority.issue(t, func(lic *license.License) {
		issued := time.Now().UTC().Add(-366 * 24 * time.Hour).Truncate(time.Second)
		expires := issued.Add(365 * 24 * time.Hour)
		lic.IssuedAt = issued
		lic.ExpiresAt = &expires
	})

	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, res.Status)
}

func TestVerify_ValidOnDay365ExpiredOnDay366(t *testing.T) {
	authority := newTestAuthority(t)
	fx := newFixture(t, authority, nil)

	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	file := authority.issue(t, func(lic *license.License) {
		lic.IssuedAt = issued
		expires := issued.Add(365 * 24 * time.Hour)
		lic.ExpiresAt = &expires
	})

	fx.verifier.now = func() time.Time { return issued.Add(365*24*time.Hour - time.Second) }
	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, res.Status, "last second of day 365")

	// Later wall-clock reading, so the rollback detector stays quiet.
	fx.verifier.now = func() time.Time { return issued.Add(365*24*time.Hour + time.Second) }
	res, err = fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, res.Status, "first second of day 366")
}

func TestVerify_PerpetualNeverExpires(t *testing.T) {
	authority := newTestAuthority(t)
	fx := newFixture(t, authority, nil)

	file := authority.issue(t, func(lic *license.License) {
		lic.ExpiresAt = nil
	})

	fx.verifier.now = func() time.Time { return time.Date(2126, 1, 1, 0, 0, 0, 0, time.UTC) }
	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, res.Status)
}

func TestVerify_ClockRollback(t *testing.T) {
	authority := newTestAuthority(t)
	fx := newFixture(t, authority, nil)
	file := authority.issue(t, nil)

	base := time.Now().UTC()
	fx.verifier.now = func() time.Time { return base }
	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	require.Equal(t, StatusValid, res.Status)

	// Ten minutes backward is past the skew tolerance.
	fx.verifier.now = func() time.Time { return base.Add(-10 * time.Minute) }
	res, err = fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusClockTamperSuspected, res.Status)
}

func TestVerify_SmallClockSkewTolerated(t *testing.T) {
	authority := newTestAuthority(t)
	fx := newFixture(t, authority, nil)
	file := authority.issue(t, nil)

	base := time.Now().UTC()
	fx.verifier.now = func() time.Time { return base }
	_, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)

	// An NTP step of two minutes backward is not tampering.
	fx.verifier.now = func() time.Time { return base.Add(-2 * time.Minute) }
	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, res.Status)
}

func TestVerify_HardwareBinding(t *testing.T) {
	authority := newTestAuthority(t)

	t.Run("matching fingerprint", func(t *testing.T) {
		fx := newFixture(t, authority, nil)
		file := authority.issue(t, func(lic *license.License) {
			lic.HardwareBinding = testFingerprint
		})
		res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
		require.NoError(t, err)
		assert.Equal(t, StatusValid, res.Status)
	})

	t.Run("different machine", func(t *testing.T) {
		fx := newFixture(t, authority, nil)
		file := authority.issue(t, func(lic *license.License) {
			lic.HardwareBinding = "other-machine-fingerprint"
		})
		res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
		require.NoError(t, err)
		assert.Equal(t, StatusHardwareMismatch, res.Status)
	})

	t.Run("floating license ignores fingerprint", func(t *testing.T) {
		fx := newFixture(t, authority, nil)
		file := authority.issue(t, nil)
		res, err := fx.verifier.Verify(context.Background(), file, "whatever")
		require.NoError(t, err)
		assert.Equal(t, StatusValid, res.Status)
	})
}

func TestVerify_RevokedOnline(t *testing.T) {
	authority := newTestAuthority(t)
	checker := &fakeChecker{revoked: true, serverTime: time.Now().UTC()}
	fx := newFixture(t, authority, checker)
	file := authority.issue(t, nil)

	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, res.Status)
	assert.Equal(t, 1, checker.calls)

	// The revocation is remembered: even with the server unreachable the
	// cached flag denies the license.
	checker.err = errors.New("connection refused")
	res, err = fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, res.Status)
}

func TestVerify_ActiveOnlineRefreshesCache(t *testing.T) {
	authority := newTestAuthority(t)
	checker := &fakeChecker{serverTime: time.Now().UTC()}
	fx := newFixture(t, authority, checker)
	file := authority.issue(t, nil)

	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, res.Status)

	rec, err := fx.cache.Load()
	require.NoError(t, err)
	assert.Equal(t, file.License.Serial, rec.License.Serial)
	assert.False(t, rec.Revoked)
	assert.False(t, rec.LastVerifiedAt.IsZero())
}

func TestVerify_UnreachableWithinGrace(t *testing.T) {
	authority := newTestAuthority(t)
	checker := &fakeChecker{serverTime: time.Now().UTC()}
	fx := newFixture(t, authority, checker)
	file := authority.issue(t, nil)

	// Seed the cache with a successful online verification.
	_, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)

	// Ten days later, offline: still inside the 30-day grace period.
	checker.err = errors.New("connection refused")
	fx.verifier.now = func() time.Time { return time.Now().UTC().Add(10 * 24 * time.Hour) }
	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, res.Status)
}

func TestVerify_GracePeriodExhausted(t *testing.T) {
	authority := newTestAuthority(t)
	checker := &fakeChecker{serverTime: time.Now().UTC()}
	fx := newFixture(t, authority, checker)

	// Long-lived license so only the grace period can deny it.
	file := authority.issue(t, func(lic *license.License) {
		expires := lic.IssuedAt.Add(10 * 365 * 24 * time.Hour)
		lic.ExpiresAt = &expires
	})

	_, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)

	checker.err = errors.New("connection refused")
	fx.verifier.now = func() time.Time { return time.Now().UTC().Add(31 * 24 * time.Hour) }
	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusNetworkRequired, res.Status)
}

func TestVerify_FirstOfflineVerificationStartsGrace(t *testing.T) {
	authority := newTestAuthority(t)
	checker := &fakeChecker{err: errors.New("connection refused")}
	fx := newFixture(t, authority, checker)
	file := authority.issue(t, nil)

	// No cache yet and the server unreachable: a fresh offline install is
	// allowed and the grace window starts here.
	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, res.Status)

	rec, err := fx.cache.Load()
	require.NoError(t, err)
	assert.False(t, rec.LastVerifiedAt.IsZero())
	assert.False(t, rec.GraceStartedAt.IsZero())
}

func TestVerify_OfflineGraceWindowDoesNotSlide(t *testing.T) {
	authority := newTestAuthority(t)
	checker := &fakeChecker{err: errors.New("connection refused")}
	fx := newFixture(t, authority, checker)

	// Long-lived license so only the grace period can deny it.
	file := authority.issue(t, func(lic *license.License) {
		expires := lic.IssuedAt.Add(10 * 365 * 24 * time.Hour)
		lic.ExpiresAt = &expires
	})

	// A machine that never reaches the authority but verifies regularly
	// must still run out of grace 30 days after its first verification.
	start := time.Now().UTC()
	for day := 0; day <= 300; day += 20 {
		now := start.Add(time.Duration(day) * 24 * time.Hour)
		fx.verifier.now = func() time.Time { return now }
		res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
		require.NoError(t, err)
		if day <= 30 {
			assert.Equal(t, StatusValid, res.Status, "day %d", day)
		} else {
			assert.Equal(t, StatusNetworkRequired, res.Status, "day %d", day)
		}
	}
}

func TestVerify_OnlineConfirmationResetsGraceWindow(t *testing.T) {
	authority := newTestAuthority(t)
	checker := &fakeChecker{err: errors.New("connection refused")}
	fx := newFixture(t, authority, checker)
	file := authority.issue(t, func(lic *license.License) {
		expires := lic.IssuedAt.Add(10 * 365 * 24 * time.Hour)
		lic.ExpiresAt = &expires
	})

	start := time.Now().UTC()
	fx.verifier.now = func() time.Time { return start }
	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	require.Equal(t, StatusValid, res.Status)

	// Day 20: the authority answers once, moving the anchor forward.
	checker.err = nil
	checker.serverTime = start.Add(20 * 24 * time.Hour)
	fx.verifier.now = func() time.Time { return start.Add(20 * 24 * time.Hour) }
	res, err = fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	require.Equal(t, StatusValid, res.Status)

	// Day 45: offline again, but only 25 days since the confirmation.
	checker.err = errors.New("connection refused")
	fx.verifier.now = func() time.Time { return start.Add(45 * 24 * time.Hour) }
	res, err = fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, res.Status)

	// Day 55: 35 days since the confirmation, the window is closed.
	fx.verifier.now = func() time.Time { return start.Add(55 * 24 * time.Hour) }
	res, err = fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusNetworkRequired, res.Status)
}

func TestVerify_OnlineSuccessRebuildsTamperedCache(t *testing.T) {
	authority := newTestAuthority(t)
	checker := &fakeChecker{serverTime: time.Now().UTC()}
	fx := newFixture(t, authority, checker)
	file := authority.issue(t, nil)

	_, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(fx.cachePath, []byte("not a cache"), 0o600))
	_, err = fx.cache.Load()
	require.ErrorIs(t, err, cache.ErrCacheTampered)

	// Offline, the damaged cache stays rejected: no grace state to fall
	// back on.
	checker.err = errors.New("connection refused")
	res, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusNetworkRequired, res.Status)
	_, err = fx.cache.Load()
	assert.ErrorIs(t, err, cache.ErrCacheTampered)

	// An online confirmation replaces the damaged file with fresh state.
	checker.err = nil
	res, err = fx.verifier.Verify(context.Background(), file, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, res.Status)

	rec, err := fx.cache.Load()
	require.NoError(t, err)
	assert.Equal(t, file.License.Serial, rec.License.Serial)
	assert.False(t, rec.LastOnlineAt.IsZero())
}

func TestVerify_AuditFailureSurfaces(t *testing.T) {
	authority := newTestAuthority(t)
	fx := newFixture(t, authority, nil)
	fx.audits.err = errors.New("disk full")
	file := authority.issue(t, nil)

	_, err := fx.verifier.Verify(context.Background(), file, testFingerprint)
	assert.Error(t, err)
}

func TestNew_RequiredCollaborators(t *testing.T) {
	_, err := New(Config{Audits: &fakeAudit{}})
	assert.Error(t, err)

	_, err = New(Config{Keyring: keys.NewKeyring(1, 1)})
	assert.Error(t, err)
}

func TestStatus_UserMessages(t *testing.T) {
	statuses := []Status{
		StatusValid, StatusMalformedKey, StatusChecksumMismatch,
		StatusSignatureInvalid, StatusExpired, StatusRevoked,
		StatusHardwareMismatch, StatusClockTamperSuspected, StatusNetworkRequired,
	}
	seen := make(map[string]bool)
	for _, s := range statuses {
		msg := s.UserMessage()
		assert.NotEmpty(t, msg)
		seen[msg] = true
	}
	// Messages are plain language, never the raw status token.
	assert.False(t, seen[string(StatusChecksumMismatch)])
}
