package space

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/roach88/spacesync/internal/epoch"
	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/feed"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/keys"
	"github.com/roach88/spacesync/internal/transport"
)

func (s *Space) handleEnvelope(ctx context.Context, peer string, data []byte) {
	env, err := transport.Decode(data)
	if err != nil {
		s.logger.Warn("undecodable envelope", "peer", peer, "error", err)
		return
	}
	if env.Space != s.id {
		s.logger.Debug("envelope for another space", "peer", peer, "space", keys.Short(env.Space))
		return
	}
	if _, dup := s.seen.Get(env.ID); dup {
		return
	}
	s.seen.SetDefault(env.ID, struct{}{})

	switch env.Kind {
	case transport.KindBlock:
		if s.observe(ctx, peer, *env.Block, 0) {
			s.broadcast(data)
		}
	case transport.KindAnnounce:
		s.onAnnounce(peer, env.Timeframe)
	case transport.KindRequest:
		s.push(peer, env.Range.Feed, env.Range.From, env.Range.To)
	case transport.KindBundleRequest:
		s.serveBundle(peer)
	case transport.KindBundle:
		if s.rebootstrap && s.rebase(ctx, peer, *env.Bundle) {
			return
		}
		for _, b := range sortedBlocks(env.Bundle.Blocks) {
			s.observe(ctx, peer, b, 0)
		}
	}
}

// requestBootstrap asks every peer for a bootstrap bundle after a document
// backlog overflowed. A bundle rooted at a newer epoch than ours replaces
// the replica. Requests are sent at most once per dedup window.
func (s *Space) requestBootstrap(cause error) {
	if s.tr == nil {
		return
	}
	if err := s.requested.Add("bundle", struct{}{}, cache.DefaultExpiration); err != nil {
		return
	}
	s.rebootstrap = true
	s.logger.Warn("requesting bootstrap bundle", "epoch", s.chain.Epoch().Number, "error", cause)
	s.send("", transport.NewEnvelope(s.id, transport.KindBundleRequest))
}

// observe validates a remote block. It returns true if the block was new.
//
// A gap triggers a backfill request to the sender, a transient storage
// failure is retried with exponential backoff, and an integrity failure
// marks the sending peer degraded.
func (s *Space) observe(ctx context.Context, peer string, b ir.FeedBlock, attempt int) bool {
	res, err := s.feeds.Observe(ctx, b)
	if err == nil {
		if res != feed.Accepted {
			return false
		}
		s.accept(ctx, b)
		return true
	}

	switch {
	case fault.Is(err, fault.SequenceGap):
		if req, ok := feed.Backfill(err); ok {
			req.To = max(req.To, b.Seq)
			s.request(peer, req)
		}
	case fault.Retryable(err):
		s.retry(peer, b, attempt, err)
	default:
		s.degrade(Degradation{Peer: peer, Feed: b.FeedID}, err)
	}
	return false
}

func (s *Space) retry(peer string, b ir.FeedBlock, attempt int, err error) {
	if attempt+1 >= s.opts.retryAttempts {
		s.degrade(Degradation{Peer: peer, Feed: b.FeedID},
			fault.Wrap(fault.StorageFailure, err, "block %s dropped after %d attempts", b.Position(), attempt+1))
		return
	}
	delay := s.opts.retryBase << attempt
	s.logger.Debug("retrying block", "position", b.Position().String(), "attempt", attempt+1, "delay", delay)
	time.AfterFunc(delay, func() {
		s.queue.Enqueue(event{typ: eventRetry, peer: peer, block: b, attempt: attempt + 1})
	})
}

// request asks peer for a missing range. Identical requests within the
// dedup window are sent once.
func (s *Space) request(peer string, req feed.BackfillRequest) {
	key := fmt.Sprintf("%s|%s|%d|%d", peer, req.Feed, req.From, req.To)
	if err := s.requested.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		return
	}
	env := transport.NewEnvelope(s.id, transport.KindRequest)
	env.Range = &transport.Range{Feed: req.Feed, From: req.From, To: req.To}
	s.send(peer, env)
}

// announce broadcasts the local timeframe. Peers answer by pushing the
// blocks it lacks.
func (s *Space) announce() {
	env := transport.NewEnvelope(s.id, transport.KindAnnounce)
	env.Timeframe = s.feeds.Timeframe()
	s.send("", env)
}

func (s *Space) onAnnounce(peer string, theirs ir.Timeframe) {
	ours := s.feeds.Timeframe()
	for _, f := range ours.Feeds() {
		from := theirs.Get(f) + 1
		if from > ours[f] {
			continue
		}
		if from <= s.feeds.Base(f) {
			s.logger.Debug("peer is behind the compaction horizon",
				"peer", peer, "feed", keys.Short(string(f)), "from", from)
			continue
		}
		s.push(peer, f, from, ours[f])
	}
}

// push sends peer the blocks of f in from..to, limited by the peer's
// backfill budget.
func (s *Space) push(peer string, f ir.FeedID, from, to int64) {
	if from > to {
		return
	}
	n := min(to-from+1, int64(s.opts.backfillBurst))
	if !s.limiter(peer).AllowN(s.opts.now(), int(n)) {
		s.logger.Debug("backfill rate limited", "peer", peer, "feed", keys.Short(string(f)), "blocks", n)
		return
	}
	for b, err := range s.feeds.ReadRange(f, from, from+n-1) {
		if err != nil {
			s.logger.Debug("backfill range unavailable", "peer", peer, "feed", keys.Short(string(f)), "error", err)
			return
		}
		env := transport.NewEnvelope(s.id, transport.KindBlock)
		env.Block = &b
		s.send(peer, env)
	}
}

func (s *Space) limiter(peer string) *rate.Limiter {
	l, ok := s.limiters[peer]
	if !ok {
		l = rate.NewLimiter(s.opts.backfillRate, s.opts.backfillBurst)
		s.limiters[peer] = l
	}
	return l
}

// serveBundle answers a joiner with the committed snapshot and the blocks
// after it.
func (s *Space) serveBundle(peer string) {
	current := s.chain.Epoch()
	plan := epoch.BootstrapPlan(current, s.feeds.Timeframe())
	bundle := &transport.Bundle{Root: current.Root, Base: plan.Base}
	if current.Root != "" {
		data, ok := s.epochs.Bytes(current.Root)
		if !ok {
			s.logger.Error("bundle: committed snapshot missing", "epoch", current.Number)
			return
		}
		bundle.Snapshot = data
	}
	for _, r := range plan.Tail {
		for b, err := range s.feeds.ReadRange(r.Feed, r.From, r.To) {
			if err != nil {
				s.logger.Error("bundle: read range", "feed", keys.Short(string(r.Feed)), "error", err)
				return
			}
			bundle.Blocks = append(bundle.Blocks, b)
		}
	}
	s.logger.Info("serving bundle", "peer", peer, "epoch", current.Number, "blocks", len(bundle.Blocks))

	env := transport.NewEnvelope(s.id, transport.KindBundle)
	env.Bundle = bundle
	s.send(peer, env)
}

// disseminate broadcasts a block appended locally or accepted on retry.
func (s *Space) disseminate(b ir.FeedBlock) {
	env := transport.NewEnvelope(s.id, transport.KindBlock)
	env.Block = &b
	s.send("", env)
}

// send delivers env to peer, or to every peer if peer is empty.
func (s *Space) send(peer string, env transport.Envelope) {
	if s.tr == nil {
		return
	}
	data, err := transport.Encode(env)
	if err != nil {
		s.logger.Error("encode envelope", "kind", string(env.Kind), "error", err)
		return
	}
	if peer == "" {
		s.broadcast(data)
		return
	}
	if err := s.tr.Send(s.id, peer, data); err != nil {
		s.logger.Debug("send failed", "peer", peer, "kind", string(env.Kind), "error", err)
	}
}

func (s *Space) broadcast(data []byte) {
	if err := s.tr.Broadcast(s.id, data); err != nil {
		s.logger.Debug("broadcast failed", "error", err)
	}
}

func sortedBlocks(blocks []ir.FeedBlock) []ir.FeedBlock {
	out := slices.Clone(blocks)
	slices.SortFunc(out, func(a, b ir.FeedBlock) int {
		if a.Position().Less(b.Position()) {
			return -1
		}
		if b.Position().Less(a.Position()) {
			return 1
		}
		return 0
	})
	return out
}
