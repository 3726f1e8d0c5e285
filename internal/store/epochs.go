package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/spacesync/internal/ir"
)

// PutEpochSnapshot records the committed epoch for rec.Number.
// Re-committing the same number replaces the previous winner; the chain's
// deterministic order can change the winner as concurrent proposals arrive.
func (s *Store) PutEpochSnapshot(ctx context.Context, rec ir.EpochRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO epochs (space_id, number, root, snapshot)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(space_id, number) DO UPDATE SET root = excluded.root, snapshot = excluded.snapshot
	`, rec.SpaceID, rec.Number, rec.Root, rec.Snapshot)
	if err != nil {
		return fmt.Errorf("put epoch snapshot: %w", err)
	}
	return nil
}

// GetLatestEpoch returns the highest committed epoch of a space.
// The boolean is false if no epoch has been committed.
func (s *Store) GetLatestEpoch(ctx context.Context, spaceID string) (ir.EpochRecord, bool, error) {
	rec := ir.EpochRecord{SpaceID: spaceID}
	err := s.db.QueryRowContext(ctx, `
		SELECT number, root, snapshot FROM epochs
		WHERE space_id = ?
		ORDER BY number DESC
		LIMIT 1
	`, spaceID).Scan(&rec.Number, &rec.Root, &rec.Snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.EpochRecord{}, false, nil
	}
	if err != nil {
		return ir.EpochRecord{}, false, fmt.Errorf("get latest epoch: %w", err)
	}
	return rec, true, nil
}

// GetEpochSnapshot returns the snapshot bytes for a committed root.
func (s *Store) GetEpochSnapshot(ctx context.Context, spaceID, root string) ([]byte, bool, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot FROM epochs WHERE space_id = ? AND root = ?
	`, spaceID, root).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get epoch snapshot: %w", err)
	}
	return snapshot, true, nil
}
