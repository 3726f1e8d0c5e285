package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
)

// PutSpace registers a space replica. Idempotent.
func (s *Store) PutSpace(ctx context.Context, rec ir.SpaceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spaces (space_id, local_key) VALUES (?, ?)
		ON CONFLICT(space_id) DO NOTHING
	`, rec.SpaceID, rec.LocalKey)
	if err != nil {
		return fmt.Errorf("put space: %w", err)
	}
	return nil
}

// GetSpace returns a registered space or fault.UnknownSpace.
func (s *Store) GetSpace(ctx context.Context, spaceID string) (ir.SpaceRecord, error) {
	rec := ir.SpaceRecord{SpaceID: spaceID}
	err := s.db.QueryRowContext(ctx, `SELECT local_key FROM spaces WHERE space_id = ?`, spaceID).Scan(&rec.LocalKey)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.SpaceRecord{}, fault.New(fault.UnknownSpace, "space not registered").With("space", spaceID)
	}
	if err != nil {
		return ir.SpaceRecord{}, fmt.Errorf("get space: %w", err)
	}
	return rec, nil
}

// ListSpaces returns every registered space ordered by id.
func (s *Store) ListSpaces(ctx context.Context) ([]ir.SpaceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT space_id, local_key FROM spaces ORDER BY space_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	out := []ir.SpaceRecord{}
	for rows.Next() {
		var rec ir.SpaceRecord
		if err := rows.Scan(&rec.SpaceID, &rec.LocalKey); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spaces: %w", err)
	}
	return out, nil
}

// DeleteSpace removes a space replica and all of its blocks and epochs.
func (s *Store) DeleteSpace(ctx context.Context, spaceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete space: begin: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM blocks WHERE space_id = ?`,
		`DELETE FROM epochs WHERE space_id = ?`,
		`DELETE FROM spaces WHERE space_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, spaceID); err != nil {
			return fmt.Errorf("delete space: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete space: commit: %w", err)
	}
	return nil
}

// PutIdentity stores a signing identity. Idempotent on key.
func (s *Store) PutIdentity(ctx context.Context, id ir.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (key, alg, seed, name) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, id.Key, id.Alg, id.Seed, id.Name)
	if err != nil {
		return fmt.Errorf("put identity: %w", err)
	}
	return nil
}

// GetIdentity looks an identity up by key or by name.
func (s *Store) GetIdentity(ctx context.Context, keyOrName string) (ir.Identity, error) {
	var id ir.Identity
	err := s.db.QueryRowContext(ctx, `
		SELECT key, alg, seed, name FROM identities WHERE key = ? OR (name != '' AND name = ?)
	`, keyOrName, keyOrName).Scan(&id.Key, &id.Alg, &id.Seed, &id.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Identity{}, fault.New(fault.InvalidArgument, "no such identity %q", keyOrName)
	}
	if err != nil {
		return ir.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	return id, nil
}
