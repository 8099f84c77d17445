// Package config provides configuration management for the Warden authority
// and client verifier.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/aegislabs/warden/internal/httpclient"
)

// DefaultConfigDir returns the default config directory (~/.warden).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".warden"), nil
}

// AuthorityConfig holds the license authority's configuration.
type AuthorityConfig struct {
	// ListenAddr is the authority server bind address.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// DataDir holds the key directory, issuance ledger, and audit log.
	DataDir string `yaml:"data_dir,omitempty"`
	// AuditKey is the HMAC key for the audit chain. Required.
	AuditKey string `yaml:"audit_key,omitempty"`
	// AuthToken protects issuance and revocation endpoints when set.
	AuthToken string `yaml:"auth_token,omitempty"`
}

// ApplyDefaults fills unset fields with defaults.
func (c *AuthorityConfig) ApplyDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8474"
	}
	if c.DataDir == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	return nil
}

// Validate checks required authority settings.
func (c *AuthorityConfig) Validate() error {
	if c.AuditKey == "" {
		return errors.New("audit_key is required")
	}
	return nil
}

// KeyDir returns the signing key directory.
func (c *AuthorityConfig) KeyDir() string {
	return filepath.Join(c.DataDir, "keys")
}

// AuditLogPath returns the audit log file path.
func (c *AuthorityConfig) AuditLogPath() string {
	return filepath.Join(c.DataDir, "audit.log")
}

// PublicKeyRef points at embedded public key material for one key version.
type PublicKeyRef struct {
	Version  int    `yaml:"version"`
	Encoding string `yaml:"encoding,omitempty"` // "pem" (default) or "xml"
	Path     string `yaml:"path"`
}

// ClientConfig holds the client verifier's configuration.
type ClientConfig struct {
	// ServerURL is the authority base URL for revocation checks.
	// Empty means fully offline verification.
	ServerURL string `yaml:"server_url,omitempty"`
	// CachePath is the local validation cache file.
	CachePath string `yaml:"cache_path,omitempty"`
	// AuditLogPath is the client-side audit log file.
	AuditLogPath string `yaml:"audit_log_path,omitempty"`
	// AuditKey is the HMAC key for the client audit chain.
	AuditKey string `yaml:"audit_key,omitempty"`
	// GraceDays bounds offline operation after the last online
	// confirmation. Zero means the 30-day default.
	GraceDays int `yaml:"grace_days,omitempty"`
	// CurrentKeyVersion is the newest signing key version this build
	// knows about.
	CurrentKeyVersion int `yaml:"current_key_version,omitempty"`
	// KeyRetention is how many previous versions stay verifiable.
	KeyRetention int            `yaml:"key_retention,omitempty"`
	PublicKeys   []PublicKeyRef `yaml:"public_keys"`
	// Proxy configures the outbound proxy for revocation checks.
	Proxy *httpclient.ProxyConfig `yaml:"proxy,omitempty"`
}

// ApplyDefaults fills unset fields with defaults.
func (c *ClientConfig) ApplyDefaults() error {
	dir, err := DefaultConfigDir()
	if err != nil {
		return err
	}
	if c.CachePath == "" {
		c.CachePath = filepath.Join(dir, "validation-cache.json")
	}
	if c.AuditLogPath == "" {
		c.AuditLogPath = filepath.Join(dir, "client-audit.log")
	}
	return nil
}

// Validate checks required client settings.
func (c *ClientConfig) Validate() error {
	if len(c.PublicKeys) == 0 {
		return errors.New("at least one public key is required")
	}
	if c.CurrentKeyVersion < 1 {
		return errors.New("current_key_version is required")
	}
	if c.AuditKey == "" {
		return errors.New("audit_key is required")
	}
	for _, ref := range c.PublicKeys {
		if ref.Version < 1 {
			return fmt.Errorf("public key entry missing version")
		}
		if ref.Path == "" {
			return fmt.Errorf("public key v%d missing path", ref.Version)
		}
		switch ref.Encoding {
		case "", "pem", "xml":
		default:
			return fmt.Errorf("public key v%d: unknown encoding %q", ref.Version, ref.Encoding)
		}
	}
	return nil
}

// LoadAuthority reads the authority configuration from path. A missing
// file yields a default configuration.
func LoadAuthority(path string) (*AuthorityConfig, error) {
	var cfg AuthorityConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadClient reads the client configuration from path.
func LoadClient(path string) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
