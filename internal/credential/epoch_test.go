package credential

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/testutil"
)

func member(name string, a ir.Authority) ir.Member {
	return ir.Member{Key: testutil.Key(name), Authority: a}
}

// snapshot registers a snapshot under root and returns its record.
func (f *fixture) snapshot(root string, number int64, prev string, covered ir.Timeframe, members ...ir.Member) ir.Epoch {
	snap := ir.EpochSnapshot{
		SpaceID:   f.space.PublicKey(),
		Number:    number,
		Prev:      prev,
		Timeframe: covered,
		Members:   members,
	}
	f.snaps[root] = snap
	return snap.Record(root)
}

func (f *fixture) setEpoch(t *testing.T, issuer string, e ir.Epoch) ir.Credential {
	t.Helper()
	cred, err := SetEpochRoot(testutil.Signer(issuer), f.space.PublicKey(), e)
	require.NoError(t, err)
	return cred
}

func TestChain_EpochReroots(t *testing.T) {
	f := newFixture(t)
	one := f.snapshot("bafkreione", 1, "", tf("alice", 1),
		member("alice", ir.AuthorityOwner),
		member("bob", ir.AuthorityWriter),
		member("zed", ir.AuthorityReader),
	)

	res := f.addAll(
		f.genesis("alice"),
		entry("alice", 1, tf("alice", 0), admit(t, "alice", "bob", ir.AuthorityWriter)),
		entry("alice", 2, tf("alice", 1), f.setEpoch(t, "alice", one)),
	)

	assert.True(t, res.EpochChanged)
	assert.Equal(t, 2, res.Covered)
	assert.Equal(t, int64(1), f.chain.Epoch().Number)
	assert.Equal(t, "bafkreione", f.chain.Epoch().Root)
	assert.Equal(t, tf("alice", 1), f.chain.Covered())
	assert.Equal(t, ir.AuthorityReader, f.authority("zed"), "membership comes from the snapshot")

	f.requireStatus(pos("alice", 0), StatusCovered, "")
	f.requireStatus(pos("alice", 1), StatusCovered, "")
	f.requireStatus(pos("alice", 2), StatusApplied, "")

	other := f.snapshot("bafkreitwo", 1, "", tf("alice", 1), member("alice", ir.AuthorityOwner))
	f.addAll(
		entry("alice", 3, tf("alice", 2), admit(t, "alice", "carol", ir.AuthorityWriter)),
		entry("alice", 4, tf("alice", 3), f.setEpoch(t, "alice", other)),
		entry("alice", 5, tf("alice", 4), f.setEpoch(t, "alice", one)),
	)

	f.requireStatus(pos("alice", 3), StatusApplied, "")
	f.requireStatus(pos("alice", 4), StatusRejected, fault.StaleEpoch)
	f.requireStatus(pos("alice", 5), StatusApplied, "")
	assert.Equal(t, ir.AuthorityWriter, f.authority("carol"))
	assert.Equal(t, "bafkreione", f.chain.Epoch().Root)
}

func TestChain_EpochMustExtendCurrent(t *testing.T) {
	f := newFixture(t)
	skip := f.snapshot("bafkreiskip", 2, "", tf("alice", 0), member("alice", ir.AuthorityOwner))
	wrongPrev := f.snapshot("bafkreiprev", 1, "bafkreinope", tf("alice", 0), member("alice", ir.AuthorityOwner))

	f.addAll(
		f.genesis("alice"),
		entry("alice", 1, tf("alice", 0), f.setEpoch(t, "alice", skip)),
		entry("alice", 2, tf("alice", 1), f.setEpoch(t, "alice", wrongPrev)),
	)

	f.requireStatus(pos("alice", 1), StatusRejected, fault.StaleEpoch)
	f.requireStatus(pos("alice", 2), StatusRejected, fault.StaleEpoch)
	assert.Equal(t, int64(0), f.chain.Epoch().Number)
}

func TestChain_EpochWaitsForSnapshot(t *testing.T) {
	f := newFixture(t)
	snap := ir.EpochSnapshot{
		SpaceID:   f.space.PublicKey(),
		Number:    1,
		Timeframe: tf("alice", 0),
		Members:   []ir.Member{member("alice", ir.AuthorityOwner)},
	}
	rec := snap.Record("bafkreilate")

	f.addAll(f.genesis("alice"), entry("alice", 1, tf("alice", 0), f.setEpoch(t, "alice", rec)))
	f.requireStatus(pos("alice", 1), StatusRejected, fault.MissingDependency)

	f.snaps["bafkreilate"] = snap
	res := f.chain.Fold()
	assert.True(t, res.EpochChanged)
	f.requireStatus(pos("alice", 1), StatusApplied, "")
}

func TestChain_EpochCapability(t *testing.T) {
	f := newFixture(t)
	delegated, err := Delegate(testutil.Signer("alice"), testutil.Key("bob"), ir.CapEpoch)
	require.NoError(t, err)
	bob := member("bob", ir.AuthorityWriter)
	bob.Capabilities = []ir.Capability{ir.CapEpoch}
	one := f.snapshot("bafkreione", 1, "", tf("alice", 2), member("alice", ir.AuthorityOwner), bob)

	f.addAll(
		f.genesis("alice"),
		entry("alice", 1, tf("alice", 0), admit(t, "alice", "bob", ir.AuthorityWriter)),
	)
	early := entry("bob", 0, tf("alice", 1), f.setEpoch(t, "bob", one))
	assert.True(t, fault.Is(f.chain.CanIssue(early), fault.UnauthorizedIssuer))

	f.addAll(
		entry("alice", 2, tf("alice", 1), delegated),
		entry("bob", 0, tf("alice", 2), f.setEpoch(t, "bob", one)),
	)

	f.requireStatus(pos("bob", 0), StatusApplied, "")
	assert.Equal(t, int64(1), f.chain.Epoch().Number)
}

func TestChain_ConcurrentEpochsFirstWins(t *testing.T) {
	f := newFixture(t)
	members := []ir.Member{member("alice", ir.AuthorityOwner), member("bob", ir.AuthorityAdmin)}
	one := f.snapshot("bafkreione", 1, "", tf("alice", 1), members...)
	two := f.snapshot("bafkreitwo", 1, "", tf("alice", 1), members...)

	f.addAll(
		f.genesis("alice"),
		entry("alice", 1, tf("alice", 0), admit(t, "alice", "bob", ir.AuthorityAdmin)),
		entry("alice", 2, tf("alice", 1), f.setEpoch(t, "alice", one)),
		entry("bob", 0, tf("alice", 1), f.setEpoch(t, "bob", two)),
	)

	winner, loser := pos("alice", 2), pos("bob", 0)
	root := "bafkreione"
	if loser.Less(winner) {
		winner, loser = loser, winner
		root = "bafkreitwo"
	}
	f.requireStatus(winner, StatusApplied, "")
	f.requireStatus(loser, StatusRejected, fault.StaleEpoch)
	assert.Equal(t, root, f.chain.Epoch().Root)
}

func TestChain_FromSnapshotMatchesFullHistory(t *testing.T) {
	f := newFixture(t)
	one := f.snapshot("bafkreione", 1, "", tf("alice", 1),
		member("alice", ir.AuthorityOwner), member("bob", ir.AuthorityAdmin))

	covered := []Entry{
		f.genesis("alice"),
		entry("alice", 1, tf("alice", 0), admit(t, "alice", "bob", ir.AuthorityAdmin)),
	}
	tail := []Entry{
		entry("alice", 2, tf("alice", 1), f.setEpoch(t, "alice", one)),
		// concurrent with the epoch commit, so outside its timeframe
		entry("bob", 0, tf("alice", 1), admit(t, "bob", "carol", ir.AuthorityWriter)),
		entry("alice", 3, tf("alice", 2, "bob", 0), admit(t, "alice", "dave", ir.AuthorityReader)),
	}
	f.addAll(append(covered, tail...)...)

	joiner, err := NewFromSnapshot(f.snaps["bafkreione"], "bafkreione", WithResolver(ResolverFunc(f.resolve)))
	require.NoError(t, err)
	for _, e := range append(tail, covered...) {
		joiner.Add(e)
	}
	res := joiner.Fold()

	assert.Equal(t, 2, res.Covered)
	assert.Equal(t, f.chain.Members(), joiner.Members())
	assert.Equal(t, f.chain.Epoch(), joiner.Epoch())
	assert.Equal(t, ir.AuthorityWriter, f.authority("carol"))

	w := testutil.Key("carol")
	at := pos("carol", 0)
	deps := tf("alice", 3, "bob", 0)
	assert.Equal(t, f.chain.Authorized(w, at, deps), joiner.Authorized(w, at, deps))
}

func TestNewFromSnapshotRequiresSpace(t *testing.T) {
	_, err := NewFromSnapshot(ir.EpochSnapshot{Number: 1}, "bafkreione")
	assert.True(t, fault.Is(err, fault.InvalidArgument))
}
