package space

import (
	"context"
	"maps"
	"slices"

	"github.com/roach88/spacesync/internal/crdt"
	"github.com/roach88/spacesync/internal/credential"
	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/keys"
)

// accept places an observed block behind the causal gate and dispatches
// every gated block whose dependencies are now satisfied.
func (s *Space) accept(ctx context.Context, b ir.FeedBlock) {
	s.hold(b)
	s.drain(ctx)
}

// hold places b behind the gate without dispatching anything.
func (s *Space) hold(b ir.FeedBlock) {
	pos := b.Position()
	if s.dispatched.Covers(pos) {
		return
	}
	g := gated{block: b}
	g.msg, g.err = ir.DecodeMessage(b.Payload)
	if g.err == nil {
		g.err = s.checkMessage(pos, g.msg)
	}
	s.gate[pos] = g
}

func (s *Space) checkMessage(pos ir.Position, msg ir.Message) error {
	if msg.SpaceID != s.id {
		return fault.New(fault.MalformedAssertion, "message for space %s", keys.Short(msg.SpaceID)).
			With("position", pos)
	}
	if msg.Timeframe.Get(pos.Feed) >= pos.Seq {
		return fault.New(fault.MalformedAssertion, "message depends on itself").
			With("position", pos)
	}
	return nil
}

// drain dispatches ready blocks in position order until none is ready.
// A block is ready when it is the next block of its feed and every block
// in its timeframe has been dispatched. Malformed blocks only wait for
// their feed predecessor.
func (s *Space) drain(ctx context.Context) {
	for {
		progressed := false
		for _, pos := range sortedPositions(s.gate) {
			g := s.gate[pos]
			if s.dispatched.Get(pos.Feed) != pos.Seq-1 {
				continue
			}
			if g.err == nil && !s.dispatched.Dominates(g.msg.Timeframe) {
				continue
			}
			delete(s.gate, pos)
			s.dispatched.Advance(pos.Feed, pos.Seq)
			s.dispatch(ctx, pos, g)
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

func sortedPositions(gate map[ir.Position]gated) []ir.Position {
	return slices.SortedFunc(maps.Keys(gate), func(a, b ir.Position) int {
		if a.Less(b) {
			return -1
		}
		if b.Less(a) {
			return 1
		}
		return 0
	})
}

func (s *Space) dispatch(ctx context.Context, pos ir.Position, g gated) {
	if g.err != nil {
		s.reject(pos, g.err)
		return
	}
	kind, _ := g.msg.Kind()
	switch kind {
	case ir.KindCredential:
		s.chain.Add(credential.Entry{
			Position:   pos,
			Timeframe:  g.msg.Timeframe,
			Credential: *g.msg.Credential,
		})
		s.refold(ctx)
	case ir.KindChange:
		s.onChange(pos, g.msg.Timeframe, *g.msg.Change)
	case ir.KindEpoch:
		if _, err := s.epochs.Observe(*g.msg.Epoch); err != nil {
			s.reject(pos, err)
			return
		}
		// A set-epoch-root credential may have been waiting for this snapshot.
		s.refold(ctx)
	}
}

func (s *Space) reject(pos ir.Position, err error) {
	s.logger.Info("block rejected", "position", pos.String(), "error", err)
	s.emit(Notice{Kind: NoticeRejected, Position: pos, Err: err})
}

// refold recomputes the credential chain and reacts to what changed.
func (s *Space) refold(ctx context.Context) {
	res := s.chain.Fold()
	for _, r := range res.NewlyRejected {
		s.reject(r.Entry.Position, r.Err)
	}
	switch {
	case res.EpochChanged:
		s.onEpoch(ctx)
	case res.MembershipChanged:
		s.rebuildDocs()
	}
	if res.MembershipChanged {
		s.emit(Notice{Kind: NoticeMembership})
	}
}

func (s *Space) onEpoch(ctx context.Context) {
	e := s.chain.Epoch()
	if err := s.epochs.Commit(ctx, e); err != nil {
		s.logger.Error("persist epoch", "epoch", e.Number, "error", err)
	}
	s.rebuildDocs()
	s.emit(Notice{Kind: NoticeEpoch, Epoch: e.Number})
}

func (s *Space) onChange(pos ir.Position, tf ir.Timeframe, c ir.Change) {
	if c.Actor != string(pos.Feed) {
		s.reject(pos, fault.New(fault.MalformedAssertion, "change actor is not the feed author").
			With("actor", keys.Short(c.Actor)))
		return
	}
	e := changeEntry{pos: pos, tf: tf, change: c}
	s.changes = append(s.changes, e)
	s.applyChange(e, true)
}

// applyChange checks the author's authorization at the change's position
// and merges the change into its document.
func (s *Space) applyChange(e changeEntry, notify bool) {
	if err := s.chain.Authorized(e.change.Actor, e.pos, e.tf); err != nil {
		if notify {
			s.reject(e.pos, err)
		}
		return
	}
	doc := s.document(e.change.DocumentID)
	res, err := doc.ApplyRemote(e.change)
	if err != nil {
		if fault.Is(err, fault.OutOfRange) {
			s.degrade(Degradation{Feed: e.pos.Feed}, err)
			s.requestBootstrap(err)
			return
		}
		if notify {
			s.reject(e.pos, err)
		}
		return
	}
	if !notify {
		return
	}
	switch res.Status {
	case crdt.Superseded:
		s.logger.Info("change superseded by epoch",
			"document", e.change.DocumentID,
			"position", e.pos.String(),
			"change_epoch", e.change.Epoch,
			"epoch", doc.Epoch(),
		)
		s.emit(Notice{Kind: NoticeSuperseded, Document: e.change.DocumentID, Position: e.pos, Epoch: e.change.Epoch})
	case crdt.Merged:
		s.emit(Notice{Kind: NoticeDocument, Document: e.change.DocumentID, Position: e.pos})
		s.rejectDeferred(e.change.DocumentID, res.Rejected)
	}
}

// rejectDeferred reports deferred changes that failed validation once their
// dependencies arrived.
func (s *Space) rejectDeferred(doc string, rejected []crdt.Rejection) {
	for _, r := range rejected {
		pos := s.positionOf(r.Change)
		s.logger.Info("deferred change rejected",
			"document", doc,
			"position", pos.String(),
			"error", r.Err,
		)
		s.emit(Notice{Kind: NoticeRejected, Document: doc, Position: pos, Err: r.Err})
	}
}

// positionOf finds the block that carried c.
func (s *Space) positionOf(c ir.Change) ir.Position {
	for _, e := range slices.Backward(s.changes) {
		if e.change.DocumentID == c.DocumentID && e.change.Actor == c.Actor && e.change.Seq == c.Seq {
			return e.pos
		}
	}
	return ir.Position{Feed: ir.FeedID(c.Actor)}
}

func (s *Space) document(id string) *crdt.Document {
	if d, ok := s.docs[id]; ok {
		return d
	}
	d := crdt.New(id, s.chain.Epoch().Number, crdt.WithBacklog(s.opts.backlog))
	s.docs[id] = d
	return d
}

// rebuildDocs recomputes every document from the committed epoch's
// snapshot plus the changes outside it that are still authorized.
func (s *Space) rebuildDocs() {
	e := s.chain.Epoch()
	prev := s.docs
	s.docs = make(map[string]*crdt.Document)

	if e.Root != "" {
		snap, ok := s.epochs.Snapshot(e.Root)
		if !ok {
			s.logger.Error("committed epoch snapshot missing", "epoch", e.Number, "root", e.Root)
		}
		for _, id := range slices.Sorted(maps.Keys(snap.Documents)) {
			d, err := crdt.NewFromBase(id, e.Number, snap.Documents[id], crdt.WithBacklog(s.opts.backlog))
			if err != nil {
				s.logger.Error("rebuild document from epoch", "document", id, "error", err)
				continue
			}
			s.docs[id] = d
		}
	}

	covered := s.chain.Covered()
	kept := s.changes[:0]
	for _, c := range s.changes {
		if !covered.Covers(c.pos) {
			kept = append(kept, c)
		}
	}
	s.changes = kept
	for _, c := range s.changes {
		s.applyChange(c, false)
	}
	for id := range s.opened {
		s.document(id)
	}

	for _, id := range slices.Sorted(maps.Keys(s.docs)) {
		if old, ok := prev[id]; !ok || !ir.Equal(old.Value(), s.docs[id].Value()) {
			s.emit(Notice{Kind: NoticeDocument, Document: id})
		}
	}
}
