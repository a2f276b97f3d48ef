// Package sqlite persists the claim record of the device so a claim survives
// reboots.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"palpable"
)

const schema = `
CREATE TABLE IF NOT EXISTS claim (
	device_id  TEXT PRIMARY KEY,
	code       TEXT NOT NULL DEFAULT '',
	claimed    INTEGER NOT NULL DEFAULT 0,
	claimed_at INTEGER NOT NULL DEFAULT 0
)`

// ClaimStore implements claim.Store backed by SQLite.
type ClaimStore struct {
	db *sql.DB
}

func Open(path string) (*ClaimStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer; the portal and the boot sequence share the handle.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &ClaimStore{db: db}, nil
}

func (s *ClaimStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Session returns the stored claim record. A device with no record is
// unclaimed.
func (s *ClaimStore) Session(ctx context.Context, deviceID string) (palpable.ClaimSession, error) {
	sess := palpable.ClaimSession{DeviceID: deviceID}
	var (
		claimed   bool
		claimedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT code, claimed, claimed_at FROM claim WHERE device_id = ?`, deviceID,
	).Scan(&sess.Code, &claimed, &claimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sess, nil
	}
	if err != nil {
		return palpable.ClaimSession{}, fmt.Errorf("load claim: %w", err)
	}
	sess.Claimed = claimed
	if claimedAt > 0 {
		sess.ClaimedAt = time.Unix(claimedAt, 0).UTC()
	}
	return sess, nil
}

// SetCode records the most recent claim code for an unclaimed device.
func (s *ClaimStore) SetCode(ctx context.Context, deviceID, code string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claim (device_id, code) VALUES (?, ?)
		ON CONFLICT (device_id) DO UPDATE SET code = excluded.code WHERE claimed = 0`,
		deviceID, code)
	if err != nil {
		return fmt.Errorf("store claim code: %w", err)
	}
	return nil
}

// MarkClaimed flips the record to claimed. The first claim time is kept and
// the flag never reverts.
func (s *ClaimStore) MarkClaimed(ctx context.Context, deviceID, code string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claim (device_id, code, claimed, claimed_at) VALUES (?, ?, 1, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			code = CASE WHEN claimed = 1 THEN code ELSE excluded.code END,
			claimed_at = CASE WHEN claimed = 1 THEN claimed_at ELSE excluded.claimed_at END,
			claimed = 1`,
		deviceID, code, at.Unix())
	if err != nil {
		return fmt.Errorf("mark claimed: %w", err)
	}
	return nil
}
