package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PutBlock stores a feed block.
// Uses ON CONFLICT DO NOTHING for idempotency; if a different block already
// occupies the position the call fails with fault.WriteConflict.
func (s *Store) PutBlock(ctx context.Context, spaceID string, b ir.FeedBlock) error {
	if err := putBlock(ctx, s.db, spaceID, b); err != nil {
		return fmt.Errorf("put block: %w", err)
	}
	return nil
}

// PutBlocks stores a batch of blocks in one transaction. Either every block
// is stored or none is.
func (s *Store) PutBlocks(ctx context.Context, spaceID string, blocks []ir.FeedBlock) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put blocks: begin: %w", err)
	}
	defer tx.Rollback()

	for _, b := range blocks {
		if err := putBlock(ctx, tx, spaceID, b); err != nil {
			return fmt.Errorf("put blocks: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put blocks: commit: %w", err)
	}
	return nil
}

func putBlock(ctx context.Context, db execer, spaceID string, b ir.FeedBlock) error {
	hash, err := ir.BlockHash(b)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO blocks (space_id, feed_id, seq, payload, signature, hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, spaceID, string(b.FeedID), b.Seq, b.Payload, b.Signature, hash)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}

	var held string
	err = db.QueryRowContext(ctx, `
		SELECT hash FROM blocks WHERE space_id = ? AND feed_id = ? AND seq = ?
	`, spaceID, string(b.FeedID), b.Seq).Scan(&held)
	if err != nil {
		return err
	}
	if held != hash {
		return fault.New(fault.WriteConflict, "different block stored at position").With("seq", b.Seq)
	}
	return nil
}

// GetRange returns the stored blocks of a feed with from <= seq <= to, in
// seq order. A negative to reads to the end of the feed.
//
// Returns an empty slice (not nil) if nothing is stored in the range.
func (s *Store) GetRange(ctx context.Context, spaceID string, feed ir.FeedID, from, to int64) ([]ir.FeedBlock, error) {
	if to < 0 {
		to = 1<<63 - 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT feed_id, seq, payload, signature
		FROM blocks
		WHERE space_id = ? AND feed_id = ? AND seq >= ? AND seq <= ?
		ORDER BY seq ASC
	`, spaceID, string(feed), from, to)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	blocks := []ir.FeedBlock{}
	for rows.Next() {
		var (
			b    ir.FeedBlock
			feed string
		)
		if err := rows.Scan(&feed, &b.Seq, &b.Payload, &b.Signature); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.FeedID = ir.FeedID(feed)
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return blocks, nil
}

// Tips returns the highest stored seq of every feed in the space.
func (s *Store) Tips(ctx context.Context, spaceID string) (ir.Timeframe, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT feed_id, MAX(seq)
		FROM blocks
		WHERE space_id = ?
		GROUP BY feed_id
		ORDER BY feed_id COLLATE BINARY ASC
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("query tips: %w", err)
	}
	defer rows.Close()

	tf := ir.Timeframe{}
	for rows.Next() {
		var (
			feed string
			seq  int64
		)
		if err := rows.Scan(&feed, &seq); err != nil {
			return nil, fmt.Errorf("scan tip: %w", err)
		}
		tf[ir.FeedID(feed)] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tips: %w", err)
	}
	return tf, nil
}

// Prune deletes blocks covered by tf and returns how many were removed.
// Callers pass the timeframe of a committed epoch; the epoch snapshot
// replaces the pruned history.
func (s *Store) Prune(ctx context.Context, spaceID string, tf ir.Timeframe) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune: begin: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, feed := range tf.Feeds() {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM blocks WHERE space_id = ? AND feed_id = ? AND seq <= ?
		`, spaceID, string(feed), tf[feed])
		if err != nil {
			return 0, fmt.Errorf("prune %s: %w", feed, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("prune %s: %w", feed, err)
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune: commit: %w", err)
	}
	return total, nil
}

// CountBlocks returns the number of stored blocks in a space.
func (s *Store) CountBlocks(ctx context.Context, spaceID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks WHERE space_id = ?`, spaceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count blocks: %w", err)
	}
	return n, nil
}
