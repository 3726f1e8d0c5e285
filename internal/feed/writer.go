package feed

import (
	"context"
	"sync"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/keys"
)

// Writer appends to the local feed. Appends are serialized: two concurrent
// Append calls never produce the same sequence number.
type Writer struct {
	mu     sync.Mutex
	set    *Set
	signer keys.Signer
}

// Writer returns the writer for the signer's own feed.
func (s *Set) Writer(signer keys.Signer) *Writer {
	return &Writer{set: s, signer: signer}
}

// Feed returns the id of the feed this writer appends to.
func (w *Writer) Feed() ir.FeedID {
	return ir.FeedID(w.signer.PublicKey())
}

// Signer returns the feed owner's signer.
func (w *Writer) Signer() keys.Signer {
	return w.signer
}

// Append signs payload as the next block and persists it before returning.
// Once the store has accepted the block the append is complete; ctx only
// bounds the storage call itself.
//
// Errors: fault.WriteConflict if the store or the replica already holds a
// different block at the next position, fault.StorageFailure if the store
// rejects the write.
func (w *Writer) Append(ctx context.Context, payload []byte) (ir.FeedBlock, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(ctx, w.set.Tip(w.Feed())+1, payload)
}

// AppendAt appends only if seq is the next position, failing with
// fault.WriteConflict otherwise.
func (w *Writer) AppendAt(ctx context.Context, seq int64, payload []byte) (ir.FeedBlock, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if next := w.set.Tip(w.Feed()) + 1; seq != next {
		return ir.FeedBlock{}, fault.New(fault.WriteConflict, "stale append position").
			With("expected", seq).With("next", next)
	}
	return w.appendLocked(ctx, seq, payload)
}

func (w *Writer) appendLocked(ctx context.Context, seq int64, payload []byte) (ir.FeedBlock, error) {
	digest, err := ir.BlockDigest(w.Feed(), seq, payload)
	if err != nil {
		return ir.FeedBlock{}, fault.Wrap(fault.InvalidArgument, err, "block digest")
	}
	sig, err := w.signer.Sign(digest)
	if err != nil {
		return ir.FeedBlock{}, fault.Wrap(fault.InvalidArgument, err, "sign block")
	}
	b := ir.FeedBlock{FeedID: w.Feed(), Seq: seq, Payload: payload, Signature: sig}

	if _, err := w.set.insert(ctx, b, true); err != nil {
		if fault.Is(err, fault.FeedFork) || fault.Is(err, fault.SequenceGap) {
			return ir.FeedBlock{}, fault.Wrap(fault.WriteConflict, err, "another writer appended to this feed")
		}
		return ir.FeedBlock{}, err
	}
	return b, nil
}
