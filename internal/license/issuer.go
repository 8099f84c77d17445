package license

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegislabs/warden/internal/audit"
)

// serialRetries bounds collision regeneration before giving up. With a
// 50-bit serial space this should never be hit in practice.
const serialRetries = 5

// ErrSerialExhausted indicates serial generation kept colliding with the
// issuance ledger.
var ErrSerialExhausted = errors.New("could not generate a unique serial")

// Signer signs canonical license payloads. Implemented by keys.Manager.
// SignWith takes an explicit version so that a rotation between picking the
// current version and signing never invalidates an in-flight issuance.
type Signer interface {
	CurrentVersion() int
	SignWith(version int, payload []byte) ([]byte, error)
}

// IssuanceLedger persists issued serials for collision checking and
// revocation bookkeeping.
type IssuanceLedger interface {
	HasSerial(ctx context.Context, serial string) (bool, error)
	RecordIssuance(ctx context.Context, lic *License) error
}

// AuditSink records issuance events.
type AuditSink interface {
	Append(e audit.Event) (string, error)
}

// IssueRequest describes a license to be issued.
type IssueRequest struct {
	Tier Tier
	// Validity is the length of the validity window from issuance.
	// Ignored when Perpetual is set.
	Validity time.Duration
	// Perpetual issues a license with no expiry.
	Perpetual bool
	// Fingerprint optionally binds the license to a machine. Empty means
	// floating.
	Fingerprint string
}

// Issuer constructs and signs license records. Access to the issuance
// ledger is serialized so two concurrent calls cannot pick the same serial.
type Issuer struct {
	mu     sync.Mutex
	signer Signer
	ledger IssuanceLedger
	audits AuditSink
	logger zerolog.Logger
	now    func() time.Time
}

// NewIssuer creates an Issuer.
func NewIssuer(signer Signer, ledger IssuanceLedger, audits AuditSink, logger zerolog.Logger) *Issuer {
	return &Issuer{
		signer: signer,
		ledger: ledger,
		audits: audits,
		logger: logger.With().Str("component", "issuer").Logger(),
		now:    time.Now,
	}
}

// Issue creates a signed license for the request and returns the
// distributable license file. The issuance is appended to the audit trail
// regardless of downstream distribution success.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*File, error) {
	if !req.Tier.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, req.Tier)
	}
	if !req.Perpetual && req.Validity <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidValidityWindow, req.Validity)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	serial, err := i.uniqueSerial(ctx)
	if err != nil {
		return nil, err
	}

	issued := i.now().UTC().Truncate(time.Second)
	lic := &License{
		Serial:          serial,
		Tier:            req.Tier,
		IssuedAt:        issued,
		HardwareBinding: req.Fingerprint,
	}
	if !req.Perpetual {
		expires := issued.Add(req.Validity)
		lic.ExpiresAt = &expires
	}

	lic.KeyVersion = i.signer.CurrentVersion()
	signature, err := i.signer.SignWith(lic.KeyVersion, CanonicalPayload(lic))
	if err != nil {
		return nil, fmt.Errorf("sign license: %w", err)
	}

	key, err := EncodeKey(lic.Tier, lic.Serial)
	if err != nil {
		return nil, fmt.Errorf("encode license key: %w", err)
	}

	if err := i.ledger.RecordIssuance(ctx, lic); err != nil {
		return nil, fmt.Errorf("record issuance: %w", err)
	}

	if _, err := i.audits.Append(audit.Event{
		Type:       audit.EventIssued,
		Subject:    lic.Serial,
		Result:     "ok",
		KeyVersion: lic.KeyVersion,
	}); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	i.logger.Info().
		Str("serial", lic.Serial).
		Str("tier", string(lic.Tier)).
		Int("key_version", lic.KeyVersion).
		Bool("perpetual", lic.Perpetual()).
		Bool("bound", lic.Bound()).
		Msg("license issued")

	return &File{Key: key, License: *lic, Signature: signature}, nil
}

// uniqueSerial generates a serial and regenerates on ledger collision
// rather than failing the caller.
func (i *Issuer) uniqueSerial(ctx context.Context) (string, error) {
	for attempt := 0; attempt < serialRetries; attempt++ {
		serial := NewSerial()
		exists, err := i.ledger.HasSerial(ctx, serial)
		if err != nil {
			return "", fmt.Errorf("check serial: %w", err)
		}
		if !exists {
			return serial, nil
		}
		i.logger.Warn().Str("serial", serial).Msg("serial collision, regenerating")
	}
	return "", ErrSerialExhausted
}
