package credential

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/keys"
	"github.com/roach88/spacesync/internal/testutil"
)

type fixture struct {
	t     *testing.T
	space keys.Signer
	snaps map[string]ir.EpochSnapshot
	chain *Chain
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, space: testutil.Signer("space"), snaps: map[string]ir.EpochSnapshot{}}
	f.chain = f.newChain()
	return f
}

func (f *fixture) newChain() *Chain {
	f.t.Helper()
	c, err := New(f.space.PublicKey(), WithResolver(ResolverFunc(f.resolve)), WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(f.t, err)
	return c
}

func (f *fixture) resolve(root string) (ir.EpochSnapshot, bool) {
	s, ok := f.snaps[root]
	return s, ok
}

func feedOf(name string) ir.FeedID { return ir.FeedID(testutil.Key(name)) }

func pos(name string, seq int64) ir.Position { return ir.Position{Feed: feedOf(name), Seq: seq} }

// tf builds a timeframe from name/seq pairs.
func tf(pairs ...any) ir.Timeframe {
	out := ir.Timeframe{}
	for i := 0; i < len(pairs); i += 2 {
		out[feedOf(pairs[i].(string))] = int64(pairs[i+1].(int))
	}
	return out
}

func entry(feed string, seq int64, deps ir.Timeframe, cred ir.Credential) Entry {
	return Entry{Position: pos(feed, seq), Timeframe: deps, Credential: cred}
}

func (f *fixture) genesis(owner string) Entry {
	f.t.Helper()
	cred, err := Genesis(f.space, testutil.Key(owner))
	require.NoError(f.t, err)
	return entry(owner, 0, nil, cred)
}

func admit(t *testing.T, issuer, subject string, a ir.Authority) ir.Credential {
	t.Helper()
	cred, err := Admit(testutil.Signer(issuer), testutil.Key(subject), a)
	require.NoError(t, err)
	return cred
}

func revoke(t *testing.T, issuer, subject string) ir.Credential {
	t.Helper()
	cred, err := Revoke(testutil.Signer(issuer), testutil.Key(subject))
	require.NoError(t, err)
	return cred
}

func (f *fixture) addAll(entries ...Entry) Result {
	for _, e := range entries {
		f.chain.Add(e)
	}
	return f.chain.Fold()
}

func (f *fixture) authority(name string) ir.Authority {
	m, ok := f.chain.Member(testutil.Key(name))
	if !ok {
		return ir.AuthorityNone
	}
	return m.Authority
}

func (f *fixture) requireStatus(p ir.Position, want Status, code fault.Code) {
	f.t.Helper()
	got, err := f.chain.Status(p)
	require.Equal(f.t, want, got, "status of %s (err %v)", p, err)
	if code != "" {
		require.True(f.t, fault.Is(err, code), "want %s, got %v", code, err)
	}
}

func TestChain_GenesisAndAdmit(t *testing.T) {
	f := newFixture(t)
	res := f.addAll(
		f.genesis("alice"),
		entry("alice", 1, tf("alice", 0), admit(t, "alice", "bob", ir.AuthorityWriter)),
	)

	assert.Equal(t, 2, res.Applied)
	assert.True(t, res.MembershipChanged)
	assert.Equal(t, ir.AuthorityOwner, f.authority("alice"))
	assert.Equal(t, ir.AuthorityWriter, f.authority("bob"))
	assert.Len(t, f.chain.Members(), 2)
	assert.Equal(t, int64(0), f.chain.Epoch().Number)

	again := f.chain.Fold()
	assert.False(t, again.MembershipChanged, "refold is stable")
	assert.Empty(t, again.NewlyRejected)
}

func TestChain_AddIsIdempotent(t *testing.T) {
	f := newFixture(t)
	g := f.genesis("alice")
	assert.True(t, f.chain.Add(g))
	assert.False(t, f.chain.Add(g))
	assert.Equal(t, 1, f.chain.Len())

	st, err := f.chain.Status(g.Position)
	assert.NoError(t, err)
	assert.Equal(t, StatusPending, st)
}

func TestChain_SpaceKeyOnlyIssuesGenesis(t *testing.T) {
	f := newFixture(t)
	second, err := Admit(f.space, testutil.Key("mallory"), ir.AuthorityOwner)
	require.NoError(t, err)

	f.addAll(f.genesis("alice"), entry("alice", 1, tf("alice", 0), second))

	f.requireStatus(pos("alice", 1), StatusRejected, fault.UnauthorizedIssuer)
	assert.Equal(t, ir.AuthorityNone, f.authority("mallory"))
}

func TestChain_RejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	forged := admit(t, "alice", "bob", ir.AuthorityAdmin)
	forged.Payload = ir.Map{"authority": ir.String("owner")}

	f.addAll(f.genesis("alice"), entry("alice", 1, tf("alice", 0), forged))

	f.requireStatus(pos("alice", 1), StatusRejected, fault.SignatureInvalid)
	assert.Equal(t, ir.AuthorityNone, f.authority("bob"))
}

func TestChain_RejectsMalformedPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload ir.Map
	}{
		{"unknown authority", ir.Map{"authority": ir.String("root")}},
		{"missing authority", ir.Map{}},
		{"extra field", ir.Map{"authority": ir.String("writer"), "note": ir.String("hi")}},
		{"wrong type", ir.Map{"authority": ir.Int(2)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			cred, err := Issue(testutil.Signer("alice"), testutil.Key("bob"), ir.AssertAdmit, tt.payload)
			require.NoError(t, err)

			f.addAll(f.genesis("alice"), entry("alice", 1, tf("alice", 0), cred))
			f.requireStatus(pos("alice", 1), StatusRejected, fault.MalformedAssertion)
		})
	}
}

func TestChain_AdmissionRules(t *testing.T) {
	f := newFixture(t)
	delegated, err := Delegate(testutil.Signer("alice"), testutil.Key("dave"), ir.CapAdmit)
	require.NoError(t, err)

	f.addAll(
		f.genesis("alice"),
		entry("alice", 1, tf("alice", 0), admit(t, "alice", "bob", ir.AuthorityAdmin)),
		entry("alice", 2, tf("alice", 1), admit(t, "alice", "carol", ir.AuthorityWriter)),
		entry("alice", 3, tf("alice", 2), admit(t, "alice", "dave", ir.AuthorityReader)),
		entry("alice", 4, tf("alice", 3), delegated),
		// admin cannot mint owners
		entry("bob", 0, tf("alice", 4), admit(t, "bob", "erin", ir.AuthorityOwner)),
		// writer cannot admit
		entry("carol", 0, tf("alice", 4), admit(t, "carol", "frank", ir.AuthorityReader)),
		// admit capability grants writers but not admins
		entry("dave", 0, tf("alice", 4), admit(t, "dave", "gina", ir.AuthorityWriter)),
		entry("dave", 1, tf("alice", 4, "dave", 0), admit(t, "dave", "hank", ir.AuthorityAdmin)),
		// admin cannot demote the owner
		entry("bob", 1, tf("alice", 4, "bob", 0), admit(t, "bob", "alice", ir.AuthorityReader)),
	)

	f.requireStatus(pos("bob", 0), StatusRejected, fault.UnauthorizedIssuer)
	f.requireStatus(pos("carol", 0), StatusRejected, fault.UnauthorizedIssuer)
	f.requireStatus(pos("dave", 0), StatusApplied, "")
	f.requireStatus(pos("dave", 1), StatusRejected, fault.UnauthorizedIssuer)
	f.requireStatus(pos("bob", 1), StatusRejected, fault.UnauthorizedIssuer)

	assert.Equal(t, ir.AuthorityWriter, f.authority("gina"))
	assert.Equal(t, ir.AuthorityOwner, f.authority("alice"))
	for _, name := range []string{"erin", "frank", "hank"} {
		assert.Equal(t, ir.AuthorityNone, f.authority(name), name)
	}
	dave, _ := f.chain.Member(testutil.Key("dave"))
	assert.True(t, dave.Has(ir.CapAdmit))
	assert.Len(t, f.chain.Rejections(), 4)
}

func TestChain_RevocationRules(t *testing.T) {
	f := newFixture(t)
	f.addAll(
		f.genesis("alice"),
		entry("alice", 1, tf("alice", 0), admit(t, "alice", "bob", ir.AuthorityAdmin)),
		entry("alice", 2, tf("alice", 1), admit(t, "alice", "carol", ir.AuthorityWriter)),
		entry("bob", 0, tf("alice", 2), revoke(t, "bob", "alice")),
		entry("bob", 1, tf("alice", 2, "bob", 0), revoke(t, "bob", "carol")),
		entry("bob", 2, tf("alice", 2, "bob", 1), revoke(t, "bob", "carol")),
	)

	f.requireStatus(pos("bob", 0), StatusRejected, fault.UnauthorizedIssuer)
	f.requireStatus(pos("bob", 1), StatusApplied, "")
	f.requireStatus(pos("bob", 2), StatusRejected, fault.MalformedAssertion)
	assert.Equal(t, ir.AuthorityNone, f.authority("carol"))
	assert.Equal(t, ir.AuthorityOwner, f.authority("alice"))
}

func TestChain_ArrivalOrderIndependence(t *testing.T) {
	f := newFixture(t)
	entries := []Entry{
		f.genesis("alice"),
		entry("alice", 1, tf("alice", 0), admit(t, "alice", "bob", ir.AuthorityAdmin)),
		entry("bob", 0, tf("alice", 1), admit(t, "bob", "carol", ir.AuthorityWriter)),
		entry("alice", 2, tf("alice", 1), admit(t, "alice", "carol", ir.AuthorityReader)),
		entry("alice", 3, tf("alice", 2), revoke(t, "alice", "bob")),
		entry("carol", 0, tf("alice", 3, "bob", 0), admit(t, "carol", "dave", ir.AuthorityReader)),
	}

	forward := f.newChain()
	reverse := f.newChain()
	for i := range entries {
		forward.Add(entries[i])
		reverse.Add(entries[len(entries)-1-i])
	}
	forward.Fold()
	reverse.Fold()

	assert.Equal(t, forward.Members(), reverse.Members())
	for _, e := range entries {
		a, aerr := forward.Status(e.Position)
		b, berr := reverse.Status(e.Position)
		assert.Equal(t, a, b, e.Position.String())
		assert.Equal(t, aerr == nil, berr == nil, e.Position.String())
	}

	// Folding incrementally converges on the same state.
	incremental := f.newChain()
	for _, e := range entries {
		incremental.Add(e)
		incremental.Fold()
	}
	assert.Equal(t, forward.Members(), incremental.Members())
}

func TestChain_RevocationRetractsConcurrentCredentials(t *testing.T) {
	base := func(f *fixture) []Entry {
		return []Entry{
			f.genesis("alice"),
			entry("alice", 1, tf("alice", 0), admit(t, "alice", "bob", ir.AuthorityAdmin)),
			entry("bob", 0, tf("alice", 1), admit(t, "bob", "carol", ir.AuthorityWriter)),
		}
	}

	t.Run("concurrent", func(t *testing.T) {
		f := newFixture(t)
		f.addAll(append(base(f), entry("alice", 2, tf("alice", 1), revoke(t, "alice", "bob")))...)

		assert.Equal(t, ir.AuthorityNone, f.authority("bob"))
		assert.Equal(t, ir.AuthorityNone, f.authority("carol"))
		st, _ := f.chain.Status(pos("bob", 0))
		assert.Equal(t, StatusRejected, st)
	})

	t.Run("observed before revocation", func(t *testing.T) {
		f := newFixture(t)
		res := f.addAll(append(base(f), entry("alice", 2, tf("alice", 1, "bob", 0), revoke(t, "alice", "bob")))...)

		assert.Empty(t, res.Retracted)
		assert.Equal(t, ir.AuthorityNone, f.authority("bob"))
		assert.Equal(t, ir.AuthorityWriter, f.authority("carol"))
	})
}

func TestChain_Authorized(t *testing.T) {
	f := newFixture(t)
	f.addAll(
		f.genesis("alice"),
		entry("alice", 1, tf("alice", 0), admit(t, "alice", "bob", ir.AuthorityWriter)),
		entry("alice", 2, tf("alice", 1), admit(t, "alice", "rita", ir.AuthorityReader)),
		entry("alice", 3, tf("alice", 2, "bob", 0), revoke(t, "alice", "bob")),
	)

	tests := []struct {
		name   string
		writer string
		at     ir.Position
		deps   ir.Timeframe
		ok     bool
	}{
		{"owner writes after genesis", "alice", pos("alice", 4), tf("alice", 3), true},
		{"writer seen by revocation", "bob", pos("bob", 0), tf("alice", 1), true},
		{"writer concurrent with revocation", "bob", pos("bob", 1), tf("alice", 1, "bob", 0), false},
		{"writer after revocation", "bob", pos("bob", 1), tf("alice", 3, "bob", 0), false},
		{"before admission", "bob", pos("bob", 0), tf("alice", 0), false},
		{"reader cannot write", "rita", pos("rita", 0), tf("alice", 2), false},
		{"stranger", "mallory", pos("mallory", 0), tf("alice", 3), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.chain.Authorized(testutil.Key(tt.writer), tt.at, tt.deps)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, fault.Is(err, fault.NotAuthorized), "got %v", err)
		})
	}
}

func TestChain_CanIssue(t *testing.T) {
	f := newFixture(t)
	f.addAll(
		f.genesis("alice"),
		entry("alice", 1, tf("alice", 0), admit(t, "alice", "bob", ir.AuthorityWriter)),
	)

	assert.NoError(t, f.chain.CanIssue(entry("alice", 2, tf("alice", 1), admit(t, "alice", "carol", ir.AuthorityAdmin))))
	err := f.chain.CanIssue(entry("bob", 0, tf("alice", 1), admit(t, "bob", "carol", ir.AuthorityReader)))
	assert.True(t, fault.Is(err, fault.UnauthorizedIssuer))
	assert.Equal(t, 2, f.chain.Len(), "CanIssue does not record the entry")
}

func TestCausalOrder(t *testing.T) {
	// b@0 names a@1 as a dependency, so it must follow it even when b's
	// key sorts first.
	a := ir.FeedID("z-feed")
	b := ir.FeedID("a-feed")
	entries := []Entry{
		{Position: ir.Position{Feed: b, Seq: 0}, Timeframe: ir.Timeframe{a: 1}},
		{Position: ir.Position{Feed: b, Seq: 1}, Timeframe: ir.Timeframe{a: 1}},
		{Position: ir.Position{Feed: a, Seq: 0}},
		{Position: ir.Position{Feed: a, Seq: 1}},
		{Position: ir.Position{Feed: a, Seq: 2}},
	}

	var got []ir.Position
	for _, e := range causalOrder(entries) {
		got = append(got, e.Position)
	}
	assert.Equal(t, []ir.Position{
		{Feed: a, Seq: 0},
		{Feed: a, Seq: 1},
		{Feed: b, Seq: 0},
		{Feed: b, Seq: 1},
		{Feed: a, Seq: 2},
	}, got)
}

func TestCausalOrderBreaksCycles(t *testing.T) {
	a, b := ir.FeedID("a"), ir.FeedID("b")
	entries := []Entry{
		{Position: ir.Position{Feed: a, Seq: 0}, Timeframe: ir.Timeframe{b: 0}},
		{Position: ir.Position{Feed: b, Seq: 0}, Timeframe: ir.Timeframe{a: 0}},
	}
	assert.Len(t, causalOrder(entries), 2)
}
