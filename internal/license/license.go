// Package license defines the Warden license record, product tiers, and the
// human-typeable license key string format, and implements license issuance.
package license

import (
	"errors"
	"time"
)

// Tier represents a product edition of the Aegis OS line.
type Tier string

const (
	// TierBasic is the entry-level desktop edition.
	TierBasic Tier = "basic"
	// TierWorkplace is the business desktop edition.
	TierWorkplace Tier = "workplace"
	// TierGamer is the gaming-optimized edition.
	TierGamer Tier = "gamer"
	// TierAIDev is the AI developer edition.
	TierAIDev Tier = "aidev"
	// TierGamerAI combines the gamer and AI developer editions.
	TierGamerAI Tier = "gamer_ai"
	// TierServer is the headless server edition.
	TierServer Tier = "server"
)

// tierPrefixes maps each tier to its 4-character license key prefix.
// The table is closed: unknown prefixes are rejected before any
// cryptographic work.
var tierPrefixes = map[Tier]string{
	TierBasic:     "BSIC",
	TierWorkplace: "WORK",
	TierGamer:     "GAME",
	TierAIDev:     "AIDV",
	TierGamerAI:   "GMAI",
	TierServer:    "SERV",
}

// prefixTiers is the reverse lookup of tierPrefixes.
var prefixTiers = func() map[string]Tier {
	m := make(map[string]Tier, len(tierPrefixes))
	for tier, prefix := range tierPrefixes {
		m[prefix] = tier
	}
	return m
}()

// ValidTiers returns all valid product tiers.
func ValidTiers() []Tier {
	return []Tier{TierBasic, TierWorkplace, TierGamer, TierAIDev, TierGamerAI, TierServer}
}

// IsValid checks if the tier is a recognized value.
func (t Tier) IsValid() bool {
	_, ok := tierPrefixes[t]
	return ok
}

// Prefix returns the license key prefix for the tier, or an empty string for
// unknown tiers.
func (t Tier) Prefix() string {
	return tierPrefixes[t]
}

// TierForPrefix resolves a license key prefix back to its tier.
func TierForPrefix(prefix string) (Tier, bool) {
	t, ok := prefixTiers[prefix]
	return t, ok
}

// Features returns the feature flags enabled for the tier. Installers use
// this to decide which components to unlock after verification.
func (t Tier) Features() map[string]bool {
	features := map[string]bool{
		"proton_support":   true,
		"wine_support":     true,
		"driver_manager":   true,
		"priority_updates": true,
		"dual_gpu":         false,
		"streaming_studio": false,
		"anti_cheat":       false,
		"ai_tools":         false,
		"enterprise":       false,
	}

	switch t {
	case TierGamer:
		features["dual_gpu"] = true
		features["streaming_studio"] = true
		features["anti_cheat"] = true
	case TierGamerAI:
		features["dual_gpu"] = true
		features["streaming_studio"] = true
		features["anti_cheat"] = true
		features["ai_tools"] = true
	case TierAIDev:
		features["ai_tools"] = true
	case TierWorkplace:
		features["enterprise"] = true
	case TierServer:
		features["ai_tools"] = true
		features["enterprise"] = true
		features["proton_support"] = false
		features["wine_support"] = false
	}

	return features
}

var (
	// ErrUnknownTier indicates the requested tier is not in the closed tier table.
	ErrUnknownTier = errors.New("unknown license tier")
	// ErrInvalidValidityWindow indicates a non-positive validity window was requested.
	ErrInvalidValidityWindow = errors.New("validity window must be positive")
	// ErrMalformedKey indicates the license key string does not parse.
	ErrMalformedKey = errors.New("malformed license key")
	// ErrChecksumMismatch indicates the license key checksum segment is wrong.
	ErrChecksumMismatch = errors.New("license key checksum mismatch")
)

// License is the signed payload of a Warden license. The signature covers
// the canonical serialization of every field here; the key string is derived
// from the tier and serial and travels alongside the record.
type License struct {
	Serial          string     `json:"serial"`
	Tier            Tier       `json:"tier"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	HardwareBinding string     `json:"hardware_binding,omitempty"`
	KeyVersion      int        `json:"key_version"`
}

// Perpetual reports whether the license never expires.
func (l *License) Perpetual() bool {
	return l.ExpiresAt == nil
}

// Expired reports whether the license has expired as of now.
func (l *License) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// Bound reports whether the license is bound to a specific machine.
func (l *License) Bound() bool {
	return l.HardwareBinding != ""
}

// File is the distributable license artifact: the key string, the signed
// record, and the signature over the record's canonical serialization.
type File struct {
	Key       string  `json:"license_key"`
	License   License `json:"license"`
	Signature []byte  `json:"signature"`
}
