// Package ledger persists the authority's issuance records in SQLite:
// serial uniqueness for collision checking and the central revocation list
// consumed by the revocation endpoint.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/aegislabs/warden/internal/license"
)

var (
	// ErrSerialNotFound indicates the serial was never issued.
	ErrSerialNotFound = errors.New("serial not found in issuance ledger")
	// ErrAlreadyRevoked indicates the license was revoked before.
	ErrAlreadyRevoked = errors.New("license already revoked")
)

// Store is the SQLite-backed issuance ledger.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (or creates) the ledger database at dir/ledger.db.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	dbPath := filepath.Join(dir, "ledger.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	store := &Store{
		db:     db,
		logger: logger.With().Str("component", "ledger").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger database: %w", err)
	}

	store.logger.Info().Str("path", dbPath).Msg("issuance ledger opened")
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS licenses (
			serial TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			issued_at TEXT NOT NULL,
			expires_at TEXT,
			hardware_binding TEXT,
			key_version INTEGER NOT NULL,
			revoked_at TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_licenses_revoked_at ON licenses(revoked_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// HasSerial reports whether a serial was already issued.
func (s *Store) HasSerial(ctx context.Context, serial string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM licenses WHERE serial = ?`, serial).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query serial: %w", err)
	}
	return true, nil
}

// RecordIssuance inserts an issued license record.
func (s *Store) RecordIssuance(ctx context.Context, lic *license.License) error {
	var expires sql.NullString
	if lic.ExpiresAt != nil {
		expires = sql.NullString{String: lic.ExpiresAt.UTC().Format(time.RFC3339), Valid: true}
	}
	var hardware sql.NullString
	if lic.HardwareBinding != "" {
		hardware = sql.NullString{String: lic.HardwareBinding, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO licenses (serial, tier, issued_at, expires_at, hardware_binding, key_version)
		VALUES (?, ?, ?, ?, ?, ?)
	`, lic.Serial, string(lic.Tier), lic.IssuedAt.UTC().Format(time.RFC3339), expires, hardware, lic.KeyVersion)
	if err != nil {
		return fmt.Errorf("insert issuance: %w", err)
	}
	return nil
}

// Revoke marks a serial as centrally revoked.
func (s *Store) Revoke(ctx context.Context, serial string) error {
	var revokedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT revoked_at FROM licenses WHERE serial = ?`, serial).Scan(&revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrSerialNotFound, serial)
	}
	if err != nil {
		return fmt.Errorf("query license: %w", err)
	}
	if revokedAt.Valid {
		return fmt.Errorf("%w: %s", ErrAlreadyRevoked, serial)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE licenses SET revoked_at = ? WHERE serial = ?`,
		time.Now().UTC().Format(time.RFC3339), serial)
	if err != nil {
		return fmt.Errorf("revoke license: %w", err)
	}

	s.logger.Info().Str("serial", serial).Msg("license revoked")
	return nil
}

// IsRevoked reports the central revocation status of a serial. Unknown
// serials are reported as not revoked; the offline signature check is the
// trust root, not this lookup.
func (s *Store) IsRevoked(ctx context.Context, serial string) (bool, error) {
	var revokedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT revoked_at FROM licenses WHERE serial = ?`, serial).Scan(&revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query revocation: %w", err)
	}
	return revokedAt.Valid, nil
}
