package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/keys"
	"github.com/roach88/spacesync/internal/testutil"
)

func TestAppend_AssignsSequence(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	set := NewSet("space", store)
	w := set.Writer(testutil.Signer("alice"))

	b0, err := w.Append(ctx, []byte("a"))
	require.NoError(t, err)
	b1, err := w.Append(ctx, []byte("b"))
	require.NoError(t, err)

	assert.Equal(t, int64(0), b0.Seq)
	assert.Equal(t, int64(1), b1.Seq)
	assert.Equal(t, w.Feed(), b0.FeedID)
	assert.Len(t, store.blocks, 2)

	digest, err := ir.BlockDigest(b1.FeedID, b1.Seq, b1.Payload)
	require.NoError(t, err)
	assert.NoError(t, keys.Verify(string(b1.FeedID), digest, b1.Signature))
}

func TestAppend_ConcurrentNeverDuplicatesSeq(t *testing.T) {
	ctx := context.Background()
	set := NewSet("space", newMemStore())
	w := set.Writer(testutil.Signer("alice"))

	const n = 32
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := w.Append(ctx, []byte(fmt.Sprintf("p%d", i)))
			assert.NoError(t, err)
			seqs <- b.Seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for s := range seqs {
		assert.False(t, seen[s], "seq %d assigned twice", s)
		seen[s] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, int64(n-1), set.Tip(w.Feed()))
}

func TestAppend_TwoWritersOneFeed(t *testing.T) {
	ctx := context.Background()
	set := NewSet("space", newMemStore())
	signer := testutil.Signer("alice")
	w1 := set.Writer(signer)
	w2 := set.Writer(signer)

	_, err := w1.AppendAt(ctx, 0, []byte("first"))
	require.NoError(t, err)

	_, err = w2.AppendAt(ctx, 0, []byte("second"))
	assert.True(t, fault.Is(err, fault.WriteConflict))
}

func TestAppend_StoreConflict(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	signer := testutil.Signer("alice")

	// Another process already wrote seq 0 for this feed into the shared store.
	other := NewSet("space", store)
	_, err := other.Writer(signer).Append(ctx, []byte("elsewhere"))
	require.NoError(t, err)

	set := NewSet("space", store)
	_, err = set.Writer(signer).Append(ctx, []byte("here"))
	assert.True(t, fault.Is(err, fault.WriteConflict))
	assert.Equal(t, int64(-1), set.Tip(ir.FeedID(signer.PublicKey())))
}

func TestAppend_StorageFailure(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("read-only filesystem")
	set := NewSet("space", store)

	_, err := set.Writer(testutil.Signer("alice")).Append(context.Background(), []byte("x"))
	assert.True(t, fault.Is(err, fault.StorageFailure))
}

func TestAppendAt_Stale(t *testing.T) {
	ctx := context.Background()
	w := NewSet("space", nil).Writer(testutil.Signer("alice"))
	_, err := w.Append(ctx, []byte("x"))
	require.NoError(t, err)

	_, err = w.AppendAt(ctx, 0, []byte("y"))
	assert.True(t, fault.Is(err, fault.WriteConflict))

	b, err := w.AppendAt(ctx, 1, []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Seq)
}
