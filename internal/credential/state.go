package credential

import (
	"slices"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
)

// event is one membership change for a key, in fold order.
type event struct {
	order     int
	pos       ir.Position
	tf        ir.Timeframe
	admit     bool
	authority ir.Authority
	// base events come from the epoch the state is rooted at; they are in
	// the causal past of every uncovered block.
	base bool
}

// inPast reports whether the event is in the causal past of the block at
// pos with timeframe tf.
func (ev event) inPast(pos ir.Position, tf ir.Timeframe) bool {
	if ev.base {
		return true
	}
	if ev.pos.Feed == pos.Feed {
		return ev.pos.Seq < pos.Seq
	}
	return tf.Covers(ev.pos)
}

// sees reports whether the block at pos is in the causal past of the event.
func (ev event) sees(pos ir.Position) bool {
	if ev.pos.Feed == pos.Feed {
		return pos.Seq < ev.pos.Seq
	}
	return ev.tf.Covers(pos)
}

type entryStatus struct {
	status Status
	err    error
}

type state struct {
	members   map[string]ir.Member
	epoch     ir.Epoch
	covered   ir.Timeframe
	events    map[string][]event
	nextEvent int
	applied   []Entry
	status    map[ir.Position]entryStatus
}

func newState(base Base) *state {
	st := &state{
		epoch:   base.Epoch,
		covered: ir.Timeframe{}.Merge(base.Epoch.Timeframe),
	}
	st.epoch.Timeframe = base.Epoch.Timeframe.Clone()
	st.resetMembers(base.Members)
	return st
}

func (st *state) resetMembers(members []ir.Member) {
	st.members = make(map[string]ir.Member, len(members))
	st.events = make(map[string][]event, len(members))
	st.applied = nil
	st.status = make(map[ir.Position]entryStatus)
	for _, m := range members {
		m.Capabilities = slices.Clone(m.Capabilities)
		st.members[m.Key] = m
		st.record(m.Key, event{admit: true, authority: m.Authority, base: true})
	}
}

func (st *state) record(key string, ev event) {
	ev.order = st.nextEvent
	st.nextEvent++
	st.events[key] = append(st.events[key], ev)
}

// uncovered filters entries outside the covered timeframe.
func (st *state) uncovered(all []Entry) []Entry {
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if !st.covered.Covers(e.Position) {
			out = append(out, e)
		}
	}
	return out
}

func (st *state) reject(e Entry, err error) {
	st.status[e.Position] = entryStatus{status: StatusRejected, err: err}
}

// reroot replaces the membership with the snapshot's and widens the
// covered timeframe. Statuses restart because the walk restarts.
func (st *state) reroot(snap ir.EpochSnapshot, epoch ir.Epoch) {
	st.epoch = epoch
	st.covered = st.covered.Merge(epoch.Timeframe)
	st.resetMembers(snap.Members)
}

func (st *state) apply(e Entry, eff effect) {
	subject := e.Credential.Subject
	switch e.Credential.Assertion {
	case ir.AssertAdmit:
		st.members[subject] = eff.member
		st.record(subject, event{pos: e.Position, tf: e.Timeframe, admit: true, authority: eff.member.Authority})
	case ir.AssertRevoke:
		delete(st.members, subject)
		st.record(subject, event{pos: e.Position, tf: e.Timeframe})
	case ir.AssertDelegate:
		st.members[subject] = eff.member
	}
	st.applied = append(st.applied, e)
	st.status[e.Position] = entryStatus{status: StatusApplied}
}

// retractions returns applied credentials whose issuer is revoked by a
// later applied revocation that does not have them in its causal past.
func (st *state) retractions(already map[ir.Position]bool) []ir.Position {
	var out []ir.Position
	for i, r := range st.applied {
		if r.Credential.Assertion != ir.AssertRevoke {
			continue
		}
		revoked := r.Credential.Subject
		for _, a := range st.applied[:i] {
			if a.Credential.Issuer != revoked || already[a.Position] || r.causallyAfter(a.Position) {
				continue
			}
			out = append(out, a.Position)
		}
	}
	return out
}

// Authorized checks a data mutation by writer at pos, whose author had
// observed tf. The last membership event for writer in the mutation's
// causal past must be an admission with writer authority or higher, and
// every later revocation must have the mutation in its own causal past.
func (c *Chain) Authorized(writer string, pos ir.Position, tf ir.Timeframe) error {
	evs := c.state.events[writer]
	last := -1
	for i, ev := range evs {
		if ev.inPast(pos, tf) {
			last = i
		}
	}
	if last < 0 {
		return fault.New(fault.NotAuthorized, "writer was never admitted").
			With("writer", writer).With("position", pos)
	}
	adm := evs[last]
	if !adm.admit {
		return fault.New(fault.NotAuthorized, "writer was revoked").
			With("writer", writer).With("position", pos)
	}
	if !adm.authority.AtLeast(ir.AuthorityWriter) {
		return fault.New(fault.NotAuthorized, "authority %s cannot write", adm.authority).
			With("writer", writer).With("position", pos)
	}
	for _, ev := range evs[last+1:] {
		if !ev.admit && !ev.sees(pos) {
			return fault.New(fault.NotAuthorized, "writer was revoked concurrently").
				With("writer", writer).With("position", pos)
		}
	}
	return nil
}
