package credential

import (
	"log/slog"
	"slices"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
)

// Entry is a credential together with the block that carried it.
type Entry struct {
	Position   ir.Position
	Timeframe  ir.Timeframe
	Credential ir.Credential
}

// causallyAfter reports whether x is in e's causal past.
func (e Entry) causallyAfter(x ir.Position) bool {
	if x.Feed == e.Position.Feed {
		return x.Seq < e.Position.Seq
	}
	return e.Timeframe.Covers(x)
}

// Resolver looks up epoch snapshots by root. set-epoch-root credentials
// whose snapshot cannot be resolved are rejected with MissingDependency
// until the snapshot is known and the chain is folded again.
type Resolver interface {
	Snapshot(root string) (ir.EpochSnapshot, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(root string) (ir.EpochSnapshot, bool)

func (f ResolverFunc) Snapshot(root string) (ir.EpochSnapshot, bool) { return f(root) }

// Status is the outcome of the last fold for one entry.
type Status int

const (
	StatusUnknown Status = iota
	StatusPending
	StatusApplied
	StatusRejected
	// StatusCovered marks entries summarized by the current epoch snapshot.
	StatusCovered
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApplied:
		return "applied"
	case StatusRejected:
		return "rejected"
	case StatusCovered:
		return "covered"
	}
	return "unknown"
}

// Rejection is an entry the last fold refused, with the reason.
type Rejection struct {
	Entry Entry
	Err   error
}

// Result summarizes a fold.
type Result struct {
	Applied   int
	Rejected  int
	Covered   int
	Retracted []ir.Position

	// NewlyRejected lists rejections that were not present after the
	// previous fold.
	NewlyRejected []Rejection

	MembershipChanged bool
	EpochChanged      bool
}

// Base is the state a chain folds from: genesis, or a committed epoch.
type Base struct {
	Members []ir.Member
	Epoch   ir.Epoch
}

// Option configures a Chain.
type Option func(*Chain)

// WithResolver sets the epoch snapshot resolver.
func WithResolver(r Resolver) Option {
	return func(c *Chain) { c.resolver = r }
}

// WithLogger sets the logger used for fold diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

// Chain is the credential trust state machine for one space.
type Chain struct {
	spaceID  string
	base     Base
	entries  map[ir.Position]Entry
	resolver Resolver
	logger   *slog.Logger
	schema   *schema
	state    *state
}

// New creates a chain that folds from genesis.
// spaceID is the space key; only it may issue the genesis admission.
func New(spaceID string, opts ...Option) (*Chain, error) {
	return newChain(spaceID, Base{}, opts...)
}

// NewFromSnapshot creates a chain that folds from a committed epoch.
// Entries covered by the snapshot's timeframe are ignored.
func NewFromSnapshot(snap ir.EpochSnapshot, root string, opts ...Option) (*Chain, error) {
	if snap.SpaceID == "" {
		return nil, fault.New(fault.InvalidArgument, "snapshot has no space id")
	}
	return newChain(snap.SpaceID, Base{Members: snap.Members, Epoch: snap.Record(root)}, opts...)
}

func newChain(spaceID string, base Base, opts ...Option) (*Chain, error) {
	s, err := loadSchema()
	if err != nil {
		return nil, err
	}
	c := &Chain{
		spaceID: spaceID,
		base:    base,
		entries: make(map[ir.Position]Entry),
		logger:  slog.Default(),
		schema:  s,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state = newState(c.base)
	return c, nil
}

// SpaceID returns the space key the chain belongs to.
func (c *Chain) SpaceID() string { return c.spaceID }

// Add records an entry for the next fold. It returns false if an entry at
// the same position is already held.
func (c *Chain) Add(e Entry) bool {
	if _, ok := c.entries[e.Position]; ok {
		return false
	}
	e.Timeframe = e.Timeframe.Clone()
	c.entries[e.Position] = e
	return true
}

// Len returns the number of entries held.
func (c *Chain) Len() int { return len(c.entries) }

// Fold recomputes the state from the base and every entry held. Each call
// is linear in the entries since the epoch base, times one pass per round
// of retractions.
func (c *Chain) Fold() Result {
	all := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	slices.SortFunc(all, func(a, b Entry) int { return comparePositions(a.Position, b.Position) })

	retracted := make(map[ir.Position]bool)
	var res Result
	var st *state
	for {
		st = c.run(all, retracted)
		more := st.retractions(retracted)
		if len(more) == 0 {
			break
		}
		for _, p := range more {
			retracted[p] = true
			res.Retracted = append(res.Retracted, p)
		}
	}

	prev := c.state
	c.state = st

	for _, e := range all {
		switch st.status[e.Position].status {
		case StatusApplied:
			res.Applied++
		case StatusRejected:
			res.Rejected++
			if prev.status[e.Position].status != StatusRejected {
				r := Rejection{Entry: e, Err: st.status[e.Position].err}
				res.NewlyRejected = append(res.NewlyRejected, r)
				c.logger.Debug("credential rejected",
					"position", e.Position.String(),
					"assertion", string(e.Credential.Assertion),
					"error", r.Err)
			}
		case StatusCovered:
			res.Covered++
		}
	}
	res.MembershipChanged = !sameMembers(prev.members, st.members)
	res.EpochChanged = prev.epoch.Number != st.epoch.Number || prev.epoch.Root != st.epoch.Root
	return res
}

// run performs one fold with the given entries forced to rejection.
// Applying a new epoch re-roots the state at the snapshot and restarts the
// walk over the entries the epoch does not cover.
func (c *Chain) run(all []Entry, retracted map[ir.Position]bool) *state {
	st := newState(c.base)
	for {
		rerooted := false
		for _, e := range causalOrder(st.uncovered(all)) {
			if retracted[e.Position] {
				st.reject(e, fault.New(fault.NotAuthorized, "issuer was revoked concurrently").
					With("issuer", e.Credential.Issuer))
				continue
			}
			eff, err := c.check(st, e)
			if err != nil {
				st.reject(e, err)
				continue
			}
			if eff.snapshot != nil {
				st.reroot(*eff.snapshot, eff.epoch)
				rerooted = true
				break
			}
			st.apply(e, eff)
		}
		if !rerooted {
			break
		}
	}
	for _, e := range all {
		if st.covered.Covers(e.Position) {
			st.status[e.Position] = entryStatus{status: StatusCovered}
		}
	}
	return st
}

// Members returns the current members ordered by key.
func (c *Chain) Members() []ir.Member {
	return sortedMembers(c.state.members)
}

// Member returns the member record for key.
func (c *Chain) Member(key string) (ir.Member, bool) {
	m, ok := c.state.members[key]
	if !ok {
		return ir.Member{}, false
	}
	m.Capabilities = slices.Clone(m.Capabilities)
	return m, true
}

// Epoch returns the current epoch record. Before the first epoch it is
// the genesis record (number 0, empty root).
func (c *Chain) Epoch() ir.Epoch {
	e := c.state.epoch
	e.Timeframe = e.Timeframe.Clone()
	return e
}

// Covered returns the timeframe summarized by the current epoch.
func (c *Chain) Covered() ir.Timeframe {
	return c.state.covered.Clone()
}

// Status reports how the last fold treated the entry at p.
func (c *Chain) Status(p ir.Position) (Status, error) {
	if _, ok := c.entries[p]; !ok {
		return StatusUnknown, nil
	}
	s, ok := c.state.status[p]
	if !ok {
		return StatusPending, nil
	}
	return s.status, s.err
}

// Rejections returns every entry the last fold refused, in position order.
func (c *Chain) Rejections() []Rejection {
	var out []Rejection
	for p, s := range c.state.status {
		if s.status == StatusRejected {
			out = append(out, Rejection{Entry: c.entries[p], Err: s.err})
		}
	}
	slices.SortFunc(out, func(a, b Rejection) int {
		return comparePositions(a.Entry.Position, b.Entry.Position)
	})
	return out
}

// CanIssue checks whether e would be accepted on top of the current state.
// It is the local pre-check for intents; the fold remains authoritative.
func (c *Chain) CanIssue(e Entry) error {
	_, err := c.check(c.state, e)
	return err
}

func comparePositions(a, b ir.Position) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}

// causalOrder sorts entries topologically. Among entries whose
// dependencies are placed, the smallest position goes first. Entries caught
// in a dependency cycle, which honest peers cannot produce, follow in
// position order. The input must be sorted by position.
func causalOrder(entries []Entry) []Entry {
	n := len(entries)
	indeg := make([]int, n)
	out := make([][]int, n)
	for i := range entries {
		for j := range entries {
			if i != j && entries[i].causallyAfter(entries[j].Position) {
				out[j] = append(out[j], i)
				indeg[i]++
			}
		}
	}

	placed := make([]bool, n)
	order := make([]Entry, 0, n)
	for len(order) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !placed[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			for i := 0; i < n; i++ {
				if !placed[i] {
					next = i
					break
				}
			}
		}
		placed[next] = true
		order = append(order, entries[next])
		for _, k := range out[next] {
			indeg[k]--
		}
	}
	return order
}

func sortedMembers(members map[string]ir.Member) []ir.Member {
	out := make([]ir.Member, 0, len(members))
	for _, m := range members {
		m.Capabilities = slices.Clone(m.Capabilities)
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b ir.Member) int { return ir.CompareKeys(a.Key, b.Key) })
	return out
}

func sameMembers(a, b map[string]ir.Member) bool {
	if len(a) != len(b) {
		return false
	}
	for k, ma := range a {
		mb, ok := b[k]
		if !ok || ma.Authority != mb.Authority || !slices.Equal(ma.Capabilities, mb.Capabilities) {
			return false
		}
	}
	return true
}
