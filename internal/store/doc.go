// Package store provides SQLite-backed durable storage for space replicas.
//
// Tables:
//   - blocks: every held feed block, keyed by (space, feed, seq)
//   - epochs: committed epoch snapshots, one per epoch number
//   - spaces: the spaces this host holds a replica of
//   - identities: local signing identities
//
// # Critical Patterns
//
// Block immutability
//   - PutBlock is idempotent for identical blocks (same ir.BlockHash)
//   - A different block at a held position fails with fault.WriteConflict
//
// Logical ordering only
//   - Reads order by seq ASC, feed_id COLLATE BINARY; never timestamps
//
// All-or-nothing joins
//   - PutBlocks writes a bootstrap bundle in one transaction
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
