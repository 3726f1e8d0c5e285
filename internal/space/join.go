package space

import (
	"context"
	"time"

	"github.com/roach88/spacesync/internal/epoch"
	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/invite"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/keys"
	"github.com/roach88/spacesync/internal/transport"
)

// JoinSpace redeems an invitation. It asks the invitation's peer for a
// bootstrap bundle (the committed epoch snapshot and every block after it)
// until one arrives or ctx ends, validates the bundle in memory, and only
// then persists it and starts the space. A bundle that fails validation is
// discarded and the request repeated, so nothing partial is ever stored.
//
// Errors: fault.InvalidInvitation, fault.Timeout (the last validation
// failure is attached), fault.StorageFailure.
func (h *Host) JoinSpace(ctx context.Context, token string) (*Space, error) {
	inv, err := invite.Parse(token, h.opts.now())
	if err != nil {
		return nil, err
	}
	if inv.Invitee != h.identity.PublicKey() {
		return nil, fault.New(fault.InvalidInvitation, "invitation is for another key").
			With("invitee", keys.Short(inv.Invitee))
	}
	if inv.Peer == "" {
		return nil, fault.New(fault.InvalidInvitation, "invitation names no peer")
	}
	if sp, ok := h.Space(inv.Space); ok {
		return sp, nil
	}

	bundles := make(chan transport.Bundle, 1)
	err = h.tr.Join(inv.Space, func(_ string, data []byte) {
		env, err := transport.Decode(data)
		if err != nil || env.Kind != transport.KindBundle || env.Space != inv.Space {
			return
		}
		select {
		case bundles <- *env.Bundle:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	joined := false
	defer func() {
		if !joined {
			_ = h.tr.Leave(inv.Space)
		}
	}()

	log := h.logger.With("space", keys.Short(inv.Space), "peer", inv.Peer)
	log.Info("joining space", "inviter", keys.Short(inv.Inviter), "authority", string(inv.Authority))

	ticker := time.NewTicker(h.opts.joinRetry)
	defer ticker.Stop()

	var last error
	for {
		h.requestBundle(inv)
		select {
		case <-ctx.Done():
			ferr := fault.Wrap(fault.Timeout, ctx.Err(), "join space %s", keys.Short(inv.Space))
			if last != nil {
				ferr = ferr.With("last_error", last.Error())
			}
			return nil, ferr
		case <-ticker.C:
		case b := <-bundles:
			staged, err := h.stage(ctx, inv.Space, b)
			if err != nil {
				last = err
				log.Warn("bundle rejected", "error", err)
				continue
			}
			sp, err := h.persistJoin(ctx, staged, b)
			if err != nil {
				return nil, err
			}
			joined = true
			log.Info("joined space", "epoch", sp.Snapshot().Epoch.Number, "blocks", len(b.Blocks))
			return sp, nil
		}
	}
}

func (h *Host) requestBundle(inv invite.Invitation) {
	data, err := transport.Encode(transport.NewEnvelope(inv.Space, transport.KindBundleRequest))
	if err != nil {
		h.logger.Error("encode bundle request", "error", err)
		return
	}
	if err := h.tr.Send(inv.Space, inv.Peer, data); err != nil {
		h.logger.Debug("bundle request not sent", "peer", inv.Peer, "error", err)
	}
}

// staged is a bundle that replayed cleanly in memory.
type staged struct {
	space *Space
	base  *epoch.Candidate
}

// stage replays b into an in-memory space and checks that the result is
// complete and admits this host.
func (h *Host) stage(ctx context.Context, spaceID string, b transport.Bundle) (staged, error) {
	sp := h.newSpace(spaceID, nil)
	base, err := sp.replay(ctx, b)
	if err != nil {
		return staged{}, err
	}
	return staged{space: sp, base: base}, nil
}

// replay loads bundle b into s, which must be fresh and unstarted, and
// returns the epoch the bundle is rooted at. It fails unless every block
// dispatches and the result admits s's own key.
func (s *Space) replay(ctx context.Context, b transport.Bundle) (*epoch.Candidate, error) {
	var base *epoch.Candidate
	if b.Root != "" {
		cand, err := s.epochs.Import(b.Root, b.Snapshot)
		if err != nil {
			return nil, err
		}
		if !cand.Snapshot.Timeframe.Equal(b.Base) {
			return nil, fault.New(fault.MalformedAssertion, "bundle base does not match its snapshot")
		}
		base = &cand
	}
	if err := s.init(base); err != nil {
		return nil, err
	}
	for _, blk := range sortedBlocks(b.Blocks) {
		if _, err := s.feeds.Observe(ctx, blk); err != nil {
			return nil, err
		}
		s.hold(blk)
	}
	s.drain(ctx)
	if len(s.gate) > 0 {
		return nil, fault.New(fault.MissingDependency, "bundle leaves %d blocks undispatched", len(s.gate))
	}
	if _, ok := s.chain.Member(s.self.PublicKey()); !ok {
		return nil, fault.New(fault.NotAuthorized, "bundle does not admit this host")
	}
	return base, nil
}

// rebase answers requestBootstrap. A bundle from peer that replays cleanly
// and is rooted at a newer epoch is written to the store, and the replica
// is restored from the store on top of it. It reports whether the bundle
// was consumed; otherwise its blocks are observed as usual.
func (s *Space) rebase(ctx context.Context, peer string, b transport.Bundle) bool {
	if s.store == nil {
		return false
	}
	current := s.chain.Epoch()
	scratch := newSpace(config{id: s.id, self: s.self, peer: s.peer, opts: s.opts})
	base, err := scratch.replay(ctx, b)
	if err != nil {
		s.logger.Warn("bootstrap bundle rejected", "peer", peer, "error", err)
		return false
	}
	if base == nil || scratch.chain.Epoch().Number <= current.Number {
		s.logger.Info("bootstrap bundle is not newer", "peer", peer, "epoch", scratch.chain.Epoch().Number)
		s.rebootstrap = false
		return false
	}

	if err := s.store.PutEpochSnapshot(ctx, base.EpochRecord()); err != nil {
		s.degrade(Degradation{Peer: peer}, fault.Wrap(fault.StorageFailure, err, "store bootstrap epoch"))
		return true
	}
	if err := s.store.PutBlocks(ctx, s.id, b.Blocks); err != nil {
		s.degrade(Degradation{Peer: peer}, fault.Wrap(fault.StorageFailure, err, "store bootstrap blocks"))
		return true
	}

	pending := s.notices
	s.resetFeeds()
	s.gate = make(map[ir.Position]gated)
	s.changes = nil
	for k, d := range s.degraded {
		if d.Code == fault.OutOfRange {
			delete(s.degraded, k)
		}
	}
	err = s.restore(ctx)
	s.notices = pending
	if err != nil {
		s.logger.Error("rebase failed", "peer", peer, "error", err)
		s.degrade(Degradation{Peer: peer}, err)
		return true
	}
	s.rebootstrap = false

	e := s.chain.Epoch()
	s.logger.Info("rebased onto peer epoch", "peer", peer, "from", current.Number, "epoch", e.Number)
	s.emit(Notice{Kind: NoticeEpoch, Epoch: e.Number})
	s.emit(Notice{Kind: NoticeRebased, Epoch: e.Number})
	return true
}

// persistJoin writes a staged bundle and starts the space from the store.
// A failed write removes whatever was written.
func (h *Host) persistJoin(ctx context.Context, st staged, b transport.Bundle) (*Space, error) {
	id := st.space.id
	err := func() error {
		if st.base != nil {
			if err := h.store.PutEpochSnapshot(ctx, st.base.EpochRecord()); err != nil {
				return err
			}
		}
		if err := h.store.PutBlocks(ctx, id, b.Blocks); err != nil {
			return err
		}
		return h.store.PutSpace(ctx, ir.SpaceRecord{SpaceID: id, LocalKey: h.identity.PublicKey()})
	}()
	if err != nil {
		if derr := h.store.DeleteSpace(ctx, id); derr != nil {
			h.logger.Error("discard partial join", "space", keys.Short(id), "error", derr)
		}
		return nil, fault.Wrap(fault.StorageFailure, err, "persist joined space")
	}
	return h.load(ctx, id)
}
