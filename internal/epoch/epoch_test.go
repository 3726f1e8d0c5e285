package epoch

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/store"
	"github.com/roach88/spacesync/internal/testutil"
)

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	return NewManager(testutil.Key("space"), opts...)
}

func sampleState() State {
	return State{
		SpaceID: testutil.Key("space"),
		Members: []ir.Member{
			{Key: testutil.Key("bob"), Authority: ir.AuthorityWriter},
			{Key: testutil.Key("alice"), Authority: ir.AuthorityOwner},
		},
		Timeframe: ir.Timeframe{ir.FeedID(testutil.Key("alice")): 4, ir.FeedID(testutil.Key("bob")): 1},
		Documents: map[string]ir.Map{
			"todo": {"title": ir.String("groceries"), "views": ir.Counter(2)},
		},
	}
}

func TestRoot_IsCIDv1Raw(t *testing.T) {
	root, err := Root([]byte("hello"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(root, "bafkrei"), root)

	again, err := Root([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, root, again)

	other, err := Root([]byte("hello!"))
	require.NoError(t, err)
	assert.NotEqual(t, root, other)
}

func TestVerifyRoot(t *testing.T) {
	data := []byte(`{"space_id":"s","number":1}`)
	root, err := Root(data)
	require.NoError(t, err)

	require.NoError(t, VerifyRoot(root, data))

	err = VerifyRoot(root, []byte(`{"space_id":"s","number":2}`))
	assert.True(t, fault.Is(err, fault.MalformedAssertion))

	err = VerifyRoot("not-a-cid", data)
	assert.True(t, fault.Is(err, fault.MalformedAssertion))
}

func TestEncodeDecode(t *testing.T) {
	snap := ir.EpochSnapshot{
		SpaceID:   "s",
		Number:    3,
		Prev:      "bafkprev",
		Timeframe: ir.Timeframe{"a": 2},
		Members:   []ir.Member{{Key: "a", Authority: ir.AuthorityOwner}},
		Documents: map[string]ir.Map{"d": {"n": ir.Counter(1)}},
	}
	data, root, err := Encode(snap)
	require.NoError(t, err)
	require.NoError(t, VerifyRoot(root, data))

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, snap, back)

	_, err = Decode([]byte("nope"))
	assert.True(t, fault.Is(err, fault.MalformedAssertion))
}

func TestManager_ProposeIsDeterministic(t *testing.T) {
	a := newManager(t)
	b := newManager(t)

	st := sampleState()
	ca, err := a.Propose(st, nil)
	require.NoError(t, err)

	// Same state with members in another order.
	st2 := sampleState()
	st2.Members[0], st2.Members[1] = st2.Members[1], st2.Members[0]
	cb, err := b.Propose(st2, nil)
	require.NoError(t, err)

	assert.Equal(t, ca.Root, cb.Root)
	assert.Equal(t, ca.Bytes, cb.Bytes)
	assert.Equal(t, int64(1), ca.Snapshot.Number)
	assert.Empty(t, ca.Snapshot.Prev)

	snap, ok := a.Snapshot(ca.Root)
	require.True(t, ok, "proposals are resolvable")
	assert.Equal(t, ca.Snapshot, snap)

	rec := ca.Record()
	assert.Equal(t, ca.Root, rec.Root)
	assert.Equal(t, st.Timeframe, rec.Timeframe)
}

func TestManager_ProposeExtendsCurrent(t *testing.T) {
	m := newManager(t)
	st := sampleState()
	st.Epoch = ir.Epoch{Number: 4, Root: "bafkfour"}

	cand, err := m.Propose(st, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cand.Snapshot.Number)
	assert.Equal(t, "bafkfour", cand.Snapshot.Prev)
}

func TestManager_ProposeAppliesMigration(t *testing.T) {
	m := newManager(t)
	st := sampleState()
	mig := &ir.Migration{
		Name:    "rename-title",
		Version: 1,
		Steps: []ir.MigrationStep{
			{Op: ir.MigrateRename, Path: "title", To: "name"},
		},
	}

	cand, err := m.Propose(st, mig)
	require.NoError(t, err)
	assert.Equal(t, ir.Map{"name": ir.String("groceries"), "views": ir.Counter(2)}, cand.Snapshot.Documents["todo"])
	assert.Equal(t, mig, cand.Snapshot.Migration)
	assert.Equal(t, ir.String("groceries"), st.Documents["todo"]["title"], "state is not modified")

	plain, err := m.Propose(st, nil)
	require.NoError(t, err)
	assert.NotEqual(t, plain.Root, cand.Root)
}

func TestManager_ProposeRejects(t *testing.T) {
	m := newManager(t)

	st := sampleState()
	st.SpaceID = "elsewhere"
	_, err := m.Propose(st, nil)
	assert.True(t, fault.Is(err, fault.InvalidArgument))

	_, err = m.Propose(sampleState(), &ir.Migration{Name: "empty", Version: 1})
	assert.True(t, fault.Is(err, fault.InvalidArgument))
	assert.Equal(t, 0, m.registry.Len(), "failed proposals register nothing")
}

func TestCheck(t *testing.T) {
	m := newManager(t)
	st := sampleState()
	st.Epoch = ir.Epoch{Number: 1, Root: "bafkone"}
	cand, err := m.Propose(st, nil)
	require.NoError(t, err)

	require.NoError(t, Check(ir.Epoch{Number: 1, Root: "bafkone"}, cand))

	tests := []struct {
		name    string
		current ir.Epoch
	}{
		{"already committed", ir.Epoch{Number: 2, Root: "bafkother"}},
		{"overtaken", ir.Epoch{Number: 3, Root: "bafkthree"}},
		{"skips ahead", ir.Epoch{Number: 0}},
		{"other parent", ir.Epoch{Number: 1, Root: "bafkfork"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, fault.Is(Check(tt.current, cand), fault.StaleEpoch))
		})
	}
}

func TestManager_Observe(t *testing.T) {
	m := newManager(t)
	snap := ir.EpochSnapshot{SpaceID: testutil.Key("space"), Number: 1, Timeframe: ir.Timeframe{"a": 0}}

	root, err := m.Observe(snap)
	require.NoError(t, err)
	want, err := Root(mustEncode(t, snap))
	require.NoError(t, err)
	assert.Equal(t, want, root)

	got, ok := m.Snapshot(root)
	require.True(t, ok)
	assert.Equal(t, snap, got)

	_, err = m.Observe(ir.EpochSnapshot{SpaceID: "other", Number: 1})
	assert.True(t, fault.Is(err, fault.MalformedAssertion))
	_, err = m.Observe(ir.EpochSnapshot{SpaceID: testutil.Key("space")})
	assert.True(t, fault.Is(err, fault.MalformedAssertion))
}

func mustEncode(t *testing.T, snap ir.EpochSnapshot) []byte {
	t.Helper()
	data, _, err := Encode(snap)
	require.NoError(t, err)
	return data
}

func TestManager_CommitAndLoad(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "epochs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m := newManager(t, WithStore(s))
	_, ok, err := m.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	cand, err := m.Propose(sampleState(), nil)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, cand.Record()))

	fresh := newManager(t, WithStore(s))
	loaded, ok, err := fresh.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cand.Root, loaded.Root)
	assert.Equal(t, cand.Bytes, loaded.Bytes)

	_, ok = fresh.Snapshot(cand.Root)
	assert.True(t, ok, "loaded snapshots are resolvable")
}

func TestManager_CommitUnknownRoot(t *testing.T) {
	m := newManager(t)
	err := m.Commit(context.Background(), ir.Epoch{Number: 1, Root: "bafkmissing"})
	assert.True(t, fault.Is(err, fault.MissingDependency))
}

func TestRegistry_AddBytesVerifies(t *testing.T) {
	r := NewRegistry()
	snap := ir.EpochSnapshot{SpaceID: "s", Number: 1}
	data, root, err := Encode(snap)
	require.NoError(t, err)

	_, err = r.AddBytes(root, append(data, ' '))
	assert.Error(t, err)
	assert.Equal(t, 0, r.Len())

	got, err := r.AddBytes(root, data)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
	assert.Equal(t, 1, r.Len())

	_, err = r.Add(snap)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len(), "adding twice is a no-op")
}

func TestBootstrapPlan(t *testing.T) {
	current := ir.Epoch{Number: 2, Root: "bafktwo", Timeframe: ir.Timeframe{"a": 99, "b": 40}}
	tips := ir.Timeframe{"a": 102, "b": 40, "c": 3}

	plan := BootstrapPlan(current, tips)
	assert.Equal(t, current.Timeframe, plan.Base)
	assert.Equal(t, []Range{
		{Feed: "a", From: 100, To: 102},
		{Feed: "c", From: 0, To: 3},
	}, plan.Tail)
	assert.Equal(t, int64(7), plan.Blocks())
}

func TestBootstrapPlan_CostIndependentOfHistory(t *testing.T) {
	short := BootstrapPlan(
		ir.Epoch{Number: 1, Timeframe: ir.Timeframe{"a": 10}},
		ir.Timeframe{"a": 15},
	)
	long := BootstrapPlan(
		ir.Epoch{Number: 1, Timeframe: ir.Timeframe{"a": 100000}},
		ir.Timeframe{"a": 100005},
	)
	assert.Equal(t, short.Blocks(), long.Blocks())
}

func TestBootstrapPlan_Genesis(t *testing.T) {
	plan := BootstrapPlan(ir.Epoch{}, ir.Timeframe{"a": 2})
	assert.Equal(t, ir.Timeframe{}, plan.Base)
	assert.Equal(t, []Range{{Feed: "a", From: 0, To: 2}}, plan.Tail)
}

func TestManager_Import(t *testing.T) {
	src := newManager(t)
	cand, err := src.Propose(sampleState(), nil)
	require.NoError(t, err)

	m := newManager(t)
	got, err := m.Import(cand.Root, cand.Bytes)
	require.NoError(t, err)
	assert.Equal(t, cand.Snapshot, got.Snapshot)
	_, ok := m.Snapshot(cand.Root)
	assert.True(t, ok)

	_, err = m.Import(cand.Root, append(slices.Clone(cand.Bytes), ' '))
	assert.True(t, fault.Is(err, fault.MalformedAssertion))

	foreign := NewManager("other", WithLogger(slog.New(slog.DiscardHandler)))
	_, err = foreign.Import(cand.Root, cand.Bytes)
	assert.True(t, fault.Is(err, fault.MalformedAssertion))
	_, ok = foreign.Snapshot(cand.Root)
	assert.False(t, ok, "rejected snapshots are not registered")
}
