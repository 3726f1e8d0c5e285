// Package storetest is a conformance suite shared by the storage backends.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
)

// Backend is the storage contract every backend satisfies.
type Backend interface {
	PutBlock(ctx context.Context, spaceID string, b ir.FeedBlock) error
	PutBlocks(ctx context.Context, spaceID string, blocks []ir.FeedBlock) error
	GetRange(ctx context.Context, spaceID string, feed ir.FeedID, from, to int64) ([]ir.FeedBlock, error)
	Tips(ctx context.Context, spaceID string) (ir.Timeframe, error)
	Prune(ctx context.Context, spaceID string, tf ir.Timeframe) (int64, error)
	CountBlocks(ctx context.Context, spaceID string) (int64, error)

	PutEpochSnapshot(ctx context.Context, rec ir.EpochRecord) error
	GetLatestEpoch(ctx context.Context, spaceID string) (ir.EpochRecord, bool, error)
	GetEpochSnapshot(ctx context.Context, spaceID, root string) ([]byte, bool, error)

	PutSpace(ctx context.Context, rec ir.SpaceRecord) error
	GetSpace(ctx context.Context, spaceID string) (ir.SpaceRecord, error)
	ListSpaces(ctx context.Context) ([]ir.SpaceRecord, error)
	DeleteSpace(ctx context.Context, spaceID string) error

	PutIdentity(ctx context.Context, id ir.Identity) error
	GetIdentity(ctx context.Context, keyOrName string) (ir.Identity, error)
}

// Block builds an unsigned block; stores do not verify signatures.
func Block(feed string, seq int64, payload string) ir.FeedBlock {
	return ir.FeedBlock{
		FeedID:    ir.FeedID(feed),
		Seq:       seq,
		Payload:   []byte(payload),
		Signature: []byte(fmt.Sprintf("sig-%s-%d", feed, seq)),
	}
}

// Run executes the suite. open must return a fresh, empty backend.
func Run(t *testing.T, open func(t *testing.T) Backend) {
	t.Run("PutBlockIdempotent", func(t *testing.T) { testPutBlockIdempotent(t, open(t)) })
	t.Run("PutBlockConflict", func(t *testing.T) { testPutBlockConflict(t, open(t)) })
	t.Run("PutBlocksAtomic", func(t *testing.T) { testPutBlocksAtomic(t, open(t)) })
	t.Run("GetRange", func(t *testing.T) { testGetRange(t, open(t)) })
	t.Run("TipsAndPrune", func(t *testing.T) { testTipsAndPrune(t, open(t)) })
	t.Run("SpacesIsolated", func(t *testing.T) { testSpacesIsolated(t, open(t)) })
	t.Run("Epochs", func(t *testing.T) { testEpochs(t, open(t)) })
	t.Run("SpaceRegistry", func(t *testing.T) { testSpaceRegistry(t, open(t)) })
	t.Run("Identities", func(t *testing.T) { testIdentities(t, open(t)) })
}

func testPutBlockIdempotent(t *testing.T, s Backend) {
	ctx := context.Background()
	b := Block("a", 0, "x")
	require.NoError(t, s.PutBlock(ctx, "s", b))
	require.NoError(t, s.PutBlock(ctx, "s", b))

	n, err := s.CountBlocks(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testPutBlockConflict(t *testing.T, s Backend) {
	ctx := context.Background()
	require.NoError(t, s.PutBlock(ctx, "s", Block("a", 0, "x")))

	err := s.PutBlock(ctx, "s", Block("a", 0, "y"))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.WriteConflict))

	got, err := s.GetRange(ctx, "s", "a", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("x"), got[0].Payload)
}

func testPutBlocksAtomic(t *testing.T, s Backend) {
	ctx := context.Background()
	require.NoError(t, s.PutBlock(ctx, "s", Block("a", 1, "held")))

	err := s.PutBlocks(ctx, "s", []ir.FeedBlock{
		Block("a", 0, "x"),
		Block("b", 0, "y"),
		Block("a", 1, "conflict"),
	})
	require.Error(t, err)

	n, err := s.CountBlocks(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "failed batch leaves nothing behind")

	require.NoError(t, s.PutBlocks(ctx, "s", []ir.FeedBlock{Block("a", 0, "x"), Block("b", 0, "y")}))
	n, err = s.CountBlocks(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func testGetRange(t *testing.T, s Backend) {
	ctx := context.Background()
	for i := int64(4); i >= 0; i-- {
		require.NoError(t, s.PutBlock(ctx, "s", Block("a", i, fmt.Sprint(i))))
	}

	got, err := s.GetRange(ctx, "s", "a", 1, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, b := range got {
		assert.Equal(t, int64(i+1), b.Seq)
		assert.Equal(t, Block("a", b.Seq, fmt.Sprint(b.Seq)), b)
	}

	got, err = s.GetRange(ctx, "s", "a", 3, -1)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.GetRange(ctx, "s", "missing", 0, -1)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func testTipsAndPrune(t *testing.T, s Backend) {
	ctx := context.Background()
	for i := int64(0); i < 4; i++ {
		require.NoError(t, s.PutBlock(ctx, "s", Block("a", i, "x")))
	}
	require.NoError(t, s.PutBlock(ctx, "s", Block("b", 0, "y")))

	tips, err := s.Tips(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, ir.Timeframe{"a": 3, "b": 0}, tips)

	removed, err := s.Prune(ctx, "s", ir.Timeframe{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	got, err := s.GetRange(ctx, "s", "a", 0, -1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Seq)

	tips, err = s.Tips(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, ir.Timeframe{"a": 3, "b": 0}, tips, "pruning keeps the tip")
}

func testSpacesIsolated(t *testing.T, s Backend) {
	ctx := context.Background()
	require.NoError(t, s.PutBlock(ctx, "s1", Block("a", 0, "one")))
	require.NoError(t, s.PutBlock(ctx, "s2", Block("a", 0, "two")))

	got, err := s.GetRange(ctx, "s2", "a", 0, -1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("two"), got[0].Payload)
}

func testEpochs(t *testing.T, s Backend) {
	ctx := context.Background()
	_, ok, err := s.GetLatestEpoch(ctx, "s")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutEpochSnapshot(ctx, ir.EpochRecord{SpaceID: "s", Number: 1, Root: "r1", Snapshot: []byte("one")}))
	require.NoError(t, s.PutEpochSnapshot(ctx, ir.EpochRecord{SpaceID: "s", Number: 2, Root: "r2", Snapshot: []byte("two")}))
	require.NoError(t, s.PutEpochSnapshot(ctx, ir.EpochRecord{SpaceID: "other", Number: 9, Root: "r9", Snapshot: []byte("nine")}))

	rec, ok, err := s.GetLatestEpoch(ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.EpochRecord{SpaceID: "s", Number: 2, Root: "r2", Snapshot: []byte("two")}, rec)

	// A different winner for the same number replaces the previous one.
	require.NoError(t, s.PutEpochSnapshot(ctx, ir.EpochRecord{SpaceID: "s", Number: 2, Root: "r2b", Snapshot: []byte("two-b")}))
	rec, _, err = s.GetLatestEpoch(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "r2b", rec.Root)

	snap, ok, err := s.GetEpochSnapshot(ctx, "s", "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("one"), snap)

	_, ok, err = s.GetEpochSnapshot(ctx, "s", "r2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testSpaceRegistry(t *testing.T, s Backend) {
	ctx := context.Background()
	_, err := s.GetSpace(ctx, "s")
	assert.True(t, fault.Is(err, fault.UnknownSpace))

	require.NoError(t, s.PutSpace(ctx, ir.SpaceRecord{SpaceID: "s2", LocalKey: "k2"}))
	require.NoError(t, s.PutSpace(ctx, ir.SpaceRecord{SpaceID: "s1", LocalKey: "k1"}))
	require.NoError(t, s.PutSpace(ctx, ir.SpaceRecord{SpaceID: "s1", LocalKey: "k1"}))

	rec, err := s.GetSpace(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "k1", rec.LocalKey)

	all, err := s.ListSpaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ir.SpaceRecord{{SpaceID: "s1", LocalKey: "k1"}, {SpaceID: "s2", LocalKey: "k2"}}, all)

	require.NoError(t, s.PutBlock(ctx, "s1", Block("a", 0, "x")))
	require.NoError(t, s.PutEpochSnapshot(ctx, ir.EpochRecord{SpaceID: "s1", Number: 1, Root: "r", Snapshot: []byte("x")}))
	require.NoError(t, s.DeleteSpace(ctx, "s1"))

	_, err = s.GetSpace(ctx, "s1")
	assert.True(t, fault.Is(err, fault.UnknownSpace))
	n, err := s.CountBlocks(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok, err := s.GetLatestEpoch(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testIdentities(t *testing.T, s Backend) {
	ctx := context.Background()
	id := ir.Identity{Key: "ed25519:abc", Alg: "ed25519", Seed: []byte{1, 2, 3}, Name: "alice"}
	require.NoError(t, s.PutIdentity(ctx, id))

	got, err := s.GetIdentity(ctx, "ed25519:abc")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	got, err = s.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = s.GetIdentity(ctx, "bob")
	assert.True(t, fault.Is(err, fault.InvalidArgument))
}
