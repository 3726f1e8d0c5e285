package kvstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		s, err := OpenMemory()
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestReopenKeepsBlocks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.PutBlock(ctx, "s", storetest.Block("a", 0, "x")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetRange(ctx, "s", "a", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []ir.FeedBlock{storetest.Block("a", 0, "x")}, got)
}

func TestFeedPrefixDoesNotOverlap(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PutBlock(ctx, "s", storetest.Block("a", 0, "x")))
	require.NoError(t, s.PutBlock(ctx, "s", storetest.Block("ab", 0, "y")))

	got, err := s.GetRange(ctx, "s", "a", 0, -1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ir.FeedID("a"), got[0].FeedID)

	tips, err := s.Tips(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, ir.Timeframe{"a": 0, "ab": 0}, tips)
}

func TestSplitBlockKey(t *testing.T) {
	rest := append(append([]byte("feed"), 0), num(7)...)
	feed, seq, ok := splitBlockKey(rest)
	require.True(t, ok)
	assert.Equal(t, ir.FeedID("feed"), feed)
	assert.Equal(t, int64(7), seq)

	_, _, ok = splitBlockKey([]byte("short"))
	assert.False(t, ok)
}
