package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegislabs/warden/internal/audit"
	"github.com/aegislabs/warden/internal/cache"
	"github.com/aegislabs/warden/internal/keys"
	"github.com/aegislabs/warden/internal/license"
)

const (
	// DefaultGracePeriod is how long a cached online confirmation keeps a
	// license usable without fresh connectivity.
	DefaultGracePeriod = 30 * 24 * time.Hour

	// clockSkewTolerance absorbs small backward clock adjustments (NTP)
	// before a rollback is flagged as tampering.
	clockSkewTolerance = 5 * time.Minute
)

// RevocationChecker consults the central authority for revocation status.
// Implemented by reconcile.Client; nil means the verifier runs fully
// offline and skips the revocation step.
type RevocationChecker interface {
	Check(ctx context.Context, serial string) (revoked bool, serverTime time.Time, err error)
}

// AuditSink records verification outcomes.
type AuditSink interface {
	Append(e audit.Event) (string, error)
}

// Result is the outcome of a verification.
type Result struct {
	Status Status
	Tier   license.Tier
	Serial string
	// Reason carries internal diagnostic detail; user-facing output comes
	// from Status.UserMessage.
	Reason string
}

// Valid reports whether the license was accepted.
func (r *Result) Valid() bool {
	return r.Status == StatusValid
}

// Config holds the verifier's collaborators.
type Config struct {
	Keyring *keys.Keyring
	// Cache is the local validation cache store. Optional; without it
	// clock-rollback detection and the revocation grace period are
	// unavailable.
	Cache *cache.Store
	// Checker is the online revocation side-channel. Optional.
	Checker RevocationChecker
	Audits  AuditSink
	// GracePeriod bounds how long cached revocation state stays trusted.
	GracePeriod time.Duration
	Logger      zerolog.Logger
}

// Verifier validates license files using only embedded public keys and the
// local clock; the network call is best-effort and never load-bearing.
type Verifier struct {
	keyring *keys.Keyring
	cache   *cache.Store
	checker RevocationChecker
	audits  AuditSink
	grace   time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a Verifier.
func New(cfg Config) (*Verifier, error) {
	if cfg.Keyring == nil {
		return nil, errors.New("keyring is required")
	}
	if cfg.Audits == nil {
		return nil, errors.New("audit sink is required")
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Verifier{
		keyring: cfg.Keyring,
		cache:   cfg.Cache,
		checker: cfg.Checker,
		audits:  cfg.Audits,
		grace:   grace,
		logger:  cfg.Logger.With().Str("component", "verifier").Logger(),
		now:     time.Now,
	}, nil
}

// Verify runs the five-step verification pipeline, short-circuiting on the
// first failure. Every outcome, success included, is appended to the audit
// trail before the call returns; an audit write failure is surfaced as an
// error because an unexplainable denial is worse than no answer.
func (v *Verifier) Verify(ctx context.Context, f *license.File, localFingerprint string) (*Result, error) {
	res := v.run(ctx, f, localFingerprint)

	eventType := audit.EventVerified
	if !res.Valid() {
		eventType = audit.EventRejected
	}
	subject := res.Serial
	if subject == "" {
		subject = audit.SubjectUnknown
	}
	keyVersion := 0
	if f != nil {
		keyVersion = f.License.KeyVersion
	}

	if _, err := v.audits.Append(audit.Event{
		Type:       eventType,
		Subject:    subject,
		Result:     string(res.Status),
		KeyVersion: keyVersion,
	}); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	v.logger.Info().
		Str("serial", subject).
		Str("status", string(res.Status)).
		Str("reason", res.Reason).
		Msg("license verification completed")
	return res, nil
}

func (v *Verifier) run(ctx context.Context, f *license.File, localFingerprint string) *Result {
	if f == nil {
		return &Result{Status: StatusMalformedKey, Reason: "no license supplied"}
	}

	// Step 1: format and checksum. Cheap rejection of noise before any
	// cryptographic work.
	tier, serial, err := license.DecodeKey(f.Key)
	if err != nil {
		if errors.Is(err, license.ErrChecksumMismatch) {
			return &Result{Status: StatusChecksumMismatch, Reason: err.Error()}
		}
		return &Result{Status: StatusMalformedKey, Reason: err.Error()}
	}
	if tier != f.License.Tier || serial != f.License.Serial {
		return &Result{Status: StatusMalformedKey, Serial: serial,
			Reason: "key string does not match license record"}
	}
	if err := license.ValidateRecord(&f.License); err != nil {
		return &Result{Status: StatusMalformedKey, Serial: serial, Reason: err.Error()}
	}

	res := &Result{Tier: tier, Serial: serial}

	// Step 2: signature against the public key for the record's version.
	if err := v.keyring.Verify(f.License.KeyVersion, license.CanonicalPayload(&f.License), f.Signature); err != nil {
		res.Status = StatusSignatureInvalid
		res.Reason = err.Error()
		return res
	}

	now := v.now()

	// Step 3: expiry, plus clock-rollback detection against the largest
	// clock reading the cache has seen.
	if lastSeen := v.observeClock(now); lastSeen > 0 && now.Unix() < lastSeen-int64(clockSkewTolerance.Seconds()) {
		res.Status = StatusClockTamperSuspected
		res.Reason = fmt.Sprintf("local clock %d is behind last seen %d", now.Unix(), lastSeen)
		return res
	}
	if f.License.Expired(now) {
		res.Status = StatusExpired
		res.Reason = fmt.Sprintf("expired at %s", f.License.ExpiresAt.Format(time.RFC3339))
		return res
	}

	// Step 4: hardware binding, exact match only.
	if f.License.Bound() && f.License.HardwareBinding != localFingerprint {
		res.Status = StatusHardwareMismatch
		res.Reason = "fingerprint does not match hardware binding"
		return res
	}

	// Step 5: revocation side-channel. Only ever adds a deny-override;
	// the signature check above remains the sole trust root.
	status, reason := v.checkRevocation(ctx, &f.License, now)
	res.Status = status
	res.Reason = reason
	return res
}

// observeClock records the current clock reading in the cache and returns
// the previous high-water mark. Best-effort: without a usable cache there
// is nothing to compare against.
func (v *Verifier) observeClock(now time.Time) int64 {
	if v.cache == nil {
		return 0
	}

	var lastSeen int64
	_, err := v.cache.Update(func(rec *cache.Record) {
		lastSeen = rec.LastSeenUnix
		if now.Unix() > rec.LastSeenUnix {
			rec.LastSeenUnix = now.Unix()
		}
	})
	if err != nil {
		if errors.Is(err, cache.ErrCacheTampered) {
			v.logger.Warn().Err(err).Msg("validation cache rejected")
		}
		return 0
	}
	return lastSeen
}

// checkRevocation resolves the revocation status: online when possible,
// cached within the grace period otherwise, NetworkRequired beyond it.
func (v *Verifier) checkRevocation(ctx context.Context, lic *license.License, now time.Time) (Status, string) {
	if v.checker != nil {
		revoked, serverTime, err := v.checker.Check(ctx, lic.Serial)
		if err == nil {
			v.refreshCache(lic, now, revoked, true)
			if revoked {
				return StatusRevoked, "revoked by central authority"
			}
			if skew := serverTime.Sub(now); skew > time.Hour || skew < -time.Hour {
				v.logger.Warn().Dur("skew", skew).Msg("large clock skew against license server")
			}
			return StatusValid, ""
		}
		v.logger.Debug().Err(err).Msg("revocation check unreachable, consulting cache")
		return v.cachedRevocation(lic, now)
	}

	// No reconciler configured: a fully offline deployment. The signature
	// is authoritative; record the verification locally.
	v.refreshCache(lic, now, false, false)
	return StatusValid, ""
}

// cachedRevocation applies the grace-period policy from the validation
// cache when the reconciler is unreachable.
func (v *Verifier) cachedRevocation(lic *license.License, now time.Time) (Status, string) {
	if v.cache == nil {
		return StatusNetworkRequired, "no validation cache and reconciler unreachable"
	}

	rec, err := v.cache.Load()
	if err != nil {
		if errors.Is(err, cache.ErrNoCache) {
			// First verification on this machine: the grace window
			// starts now rather than denying a fresh offline install.
			v.refreshCache(lic, now, false, false)
			return StatusValid, ""
		}
		return StatusNetworkRequired, fmt.Sprintf("validation cache unusable: %v", err)
	}

	if rec.Revoked {
		return StatusRevoked, "cached revocation"
	}

	// The window is anchored on the last online confirmation, or on the
	// first verification ever for machines that have never been online.
	// Offline verifications do not move either anchor, so the window
	// cannot be kept open by verifying periodically.
	anchor := rec.LastOnlineAt
	if anchor.IsZero() {
		anchor = rec.GraceStartedAt
	}
	if anchor.IsZero() {
		// The cache exists but has never recorded a verification (the
		// clock observer may have created it moments ago). Same policy as
		// no cache: the grace window starts now.
		v.refreshCache(lic, now, false, false)
		return StatusValid, ""
	}
	if now.Sub(anchor) > v.grace {
		return StatusNetworkRequired, fmt.Sprintf("offline since %s, grace period %s exhausted",
			anchor.Format(time.RFC3339), v.grace)
	}

	v.refreshCache(lic, now, false, false)
	return StatusValid, ""
}

// refreshCache updates the validation cache after a successful signature
// check. online=false leaves the last-online timestamp untouched; the grace
// anchor is only ever written once.
func (v *Verifier) refreshCache(lic *license.License, now time.Time, revoked, online bool) {
	if v.cache == nil {
		return
	}
	apply := func(rec *cache.Record) {
		rec.License = *lic
		rec.LastVerifiedAt = now
		rec.Revoked = revoked
		if online {
			rec.LastOnlineAt = now
		}
		if rec.GraceStartedAt.IsZero() {
			rec.GraceStartedAt = now
		}
		if now.Unix() > rec.LastSeenUnix {
			rec.LastSeenUnix = now.Unix()
		}
	}

	if _, err := v.cache.Update(apply); err != nil {
		if online && errors.Is(err, cache.ErrCacheTampered) {
			// A fresh answer from the authority supersedes whatever the
			// damaged cache held. Rebuild it so rollback detection and
			// the revocation cache come back.
			rec := &cache.Record{}
			apply(rec)
			if serr := v.cache.Save(rec); serr != nil {
				v.logger.Warn().Err(serr).Msg("failed to rebuild validation cache")
				return
			}
			v.logger.Warn().Msg("validation cache rebuilt after integrity failure")
			return
		}
		v.logger.Warn().Err(err).Msg("failed to refresh validation cache")
	}
}
