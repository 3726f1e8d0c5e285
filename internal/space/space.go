package space

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/roach88/spacesync/internal/crdt"
	"github.com/roach88/spacesync/internal/credential"
	"github.com/roach88/spacesync/internal/epoch"
	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/feed"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/keys"
	"github.com/roach88/spacesync/internal/transport"
)

// Space is the coordinator of one local replica.
//
// All replica state (feeds, credential chain, documents, epochs) is owned by
// the loop goroutine started with Run. External callers submit intents
// through the exported methods, which block until the loop has processed
// them, and read state through Snapshot, which never blocks.
//
// Thread-safety model:
//   - OnPeerMessage, Snapshot, Subscribe and every intent method: safe from
//     any goroutine
//   - Run: exactly one goroutine
type Space struct {
	id         string
	collection string
	self       keys.Signer
	peer       string
	store      Storage
	tr         transport.Transport
	opts       options
	logger     *slog.Logger
	queue      *eventQueue

	// Loop-owned state.
	feeds      *feed.Set
	writer     *feed.Writer
	chain      *credential.Chain
	epochs     *epoch.Manager
	docs       map[string]*crdt.Document
	opened     map[string]bool
	changes    []changeEntry
	gate       map[ir.Position]gated
	dispatched ir.Timeframe
	degraded   map[string]Degradation
	limiters   map[string]*rate.Limiter
	seen       *cache.Cache
	requested  *cache.Cache
	notices    []Notice

	// rebootstrap is set while a bundle request for a backlog overflow is
	// outstanding.
	rebootstrap bool

	// mutating holds the documents whose Mutate fn is running.
	mutating sync.Map

	snap    atomic.Pointer[Snapshot]
	running atomic.Bool

	subMu   sync.Mutex
	subs    map[int]func(Notice)
	nextSub int
}

// changeEntry is a dispatched change kept for re-evaluation when the
// membership or the epoch changes.
type changeEntry struct {
	pos    ir.Position
	tf     ir.Timeframe
	change ir.Change
}

// gated is an observed block waiting for its causal dependencies.
type gated struct {
	block ir.FeedBlock
	msg   ir.Message
	err   error
}

type config struct {
	id    string
	self  keys.Signer
	peer  string
	store Storage
	tr    transport.Transport
	opts  options
}

func newSpace(cfg config) *Space {
	s := &Space{
		id:         cfg.id,
		collection: ir.CollectionID(cfg.id),
		self:       cfg.self,
		peer:       cfg.peer,
		store:      cfg.store,
		tr:         cfg.tr,
		opts:       cfg.opts,
		logger:     cfg.opts.logger.With("space", keys.Short(cfg.id)),
		queue:      newEventQueue(),
		docs:       make(map[string]*crdt.Document),
		opened:     make(map[string]bool),
		gate:       make(map[ir.Position]gated),
		degraded:   make(map[string]Degradation),
		limiters:   make(map[string]*rate.Limiter),
		seen:       cache.New(cfg.opts.dedupTTL, 2*cfg.opts.dedupTTL),
		requested:  cache.New(cfg.opts.dedupTTL, 2*cfg.opts.dedupTTL),
		subs:       make(map[int]func(Notice)),
	}
	epochOpts := []epoch.Option{epoch.WithLogger(s.logger)}
	if cfg.store != nil {
		epochOpts = append(epochOpts, epoch.WithStore(cfg.store))
	}
	s.resetFeeds()
	s.epochs = epoch.NewManager(cfg.id, epochOpts...)
	return s
}

// resetFeeds replaces the feed replicas with empty ones backed by the store.
func (s *Space) resetFeeds() {
	var blocks feed.BlockStore
	if s.store != nil {
		blocks = s.store
	}
	s.feeds = feed.NewSet(s.id, blocks, feed.WithLogger(s.logger))
	s.writer = s.feeds.Writer(s.self)
}

// init resets the derived state to genesis, or to base if it is set.
func (s *Space) init(base *epoch.Candidate) error {
	var (
		chain *credential.Chain
		err   error
	)
	chainOpts := []credential.Option{
		credential.WithResolver(s.epochs),
		credential.WithLogger(s.logger),
	}
	s.docs = make(map[string]*crdt.Document)
	s.dispatched = ir.Timeframe{}
	if base == nil {
		chain, err = credential.New(s.id, chainOpts...)
	} else {
		chain, err = credential.NewFromSnapshot(base.Snapshot, base.Root, chainOpts...)
		for _, f := range base.Snapshot.Timeframe.Feeds() {
			s.feeds.StartAt(f, base.Snapshot.Timeframe[f])
		}
		s.dispatched = base.Snapshot.Timeframe.Clone()
	}
	if err != nil {
		return err
	}
	s.chain = chain
	s.rebuildDocs()
	s.notices = nil
	s.publish()
	return nil
}

// ID returns the space key.
func (s *Space) ID() string {
	return s.id
}

// Self returns the local member key.
func (s *Space) Self() string {
	return s.self.PublicKey()
}

// Snapshot returns the latest published view. It never blocks.
func (s *Space) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Subscribe registers fn for notices. fn runs on the loop goroutine and must
// not block or call back into the Space's intent methods. The returned
// function cancels the subscription.
func (s *Space) Subscribe(fn func(Notice)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// OnPeerMessage queues bytes received from peer. It is the transport
// handler of the space and never blocks.
func (s *Space) OnPeerMessage(peer string, data []byte) {
	if !s.queue.Enqueue(event{typ: eventInbound, peer: peer, data: slices.Clone(data)}) {
		s.logger.Debug("message after close dropped", "peer", peer)
	}
}

// Run processes events until ctx is cancelled or Close is called.
//
// Event processing errors are logged and processing continues; a failed
// inbound block is either retried (transient storage failures) or surfaced
// as a degradation, never silently dropped.
func (s *Space) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fault.New(fault.InvalidArgument, "space loop already running")
	}
	s.logger.Info("space loop starting", "self", keys.Short(s.Self()))
	defer s.stop()

	if s.opts.announceInterval > 0 {
		s.queue.Enqueue(event{typ: eventTick})
		ticker := time.NewTicker(s.opts.announceInterval)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if !s.queue.Enqueue(event{typ: eventTick}) {
						return
					}
				}
			}
		}()
	}

	for {
		ev, ok := s.queue.TryDequeue()
		if ok {
			s.process(ctx, ev)
			continue
		}
		select {
		case <-ctx.Done():
			s.logger.Info("space loop stopping: context cancelled")
			return ctx.Err()
		case _, open := <-s.queue.Wait():
			if !open && s.queue.Len() == 0 {
				s.logger.Info("space loop stopping: queue closed")
				return nil
			}
		}
	}
}

// Close stops the loop. Intents still queued fail with Timeout.
func (s *Space) Close() {
	s.stop()
}

func (s *Space) stop() {
	for _, in := range s.queue.Close() {
		in.done <- fault.New(fault.Timeout, "space closed before %s ran", in.name)
	}
	s.seen.Flush()
	s.requested.Flush()
}

// process handles one event, then republishes the snapshot. An intent's
// caller is released only after the snapshot reflects the intent.
func (s *Space) process(ctx context.Context, ev event) {
	var result error
	switch ev.typ {
	case eventInbound:
		s.handleEnvelope(ctx, ev.peer, ev.data)
	case eventIntent:
		result = ev.intent.fn(ctx)
		defer func() { ev.intent.done <- result }()
	case eventTick:
		s.announce()
	case eventRetry:
		if s.observe(ctx, ev.peer, ev.block, ev.attempt) {
			s.disseminate(ev.block)
		}
	default:
		s.logger.Error("unknown event type", "type", int(ev.typ))
	}
	s.publish()
	s.deliver()
}

// do runs fn on the loop goroutine and waits for its result. If ctx ends
// first the caller gets Timeout, and an intent that has not started by then
// is skipped.
func (s *Space) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	in := &intent{
		name: name,
		fn: func(context.Context) error {
			if err := ctx.Err(); err != nil {
				return fault.Wrap(fault.Timeout, err, "%s cancelled", name)
			}
			return fn(ctx)
		},
		done: make(chan error, 1),
	}
	if !s.queue.Enqueue(event{typ: eventIntent, intent: in}) {
		return fault.New(fault.Timeout, "space is closed")
	}
	select {
	case err := <-in.done:
		return err
	case <-ctx.Done():
		return fault.Wrap(fault.Timeout, ctx.Err(), "%s", name)
	}
}

// Sync waits until every event queued before the call has been processed.
func (s *Space) Sync(ctx context.Context) error {
	return s.do(ctx, "sync", func(context.Context) error { return nil })
}

func (s *Space) emit(n Notice) {
	n.Space = s.id
	s.notices = append(s.notices, n)
}

func (s *Space) deliver() {
	if len(s.notices) == 0 {
		return
	}
	notices := s.notices
	s.notices = nil

	s.subMu.Lock()
	fns := make([]func(Notice), 0, len(s.subs))
	for _, id := range slices.Sorted(maps.Keys(s.subs)) {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	for _, n := range notices {
		for _, fn := range fns {
			fn(n)
		}
	}
}

func (s *Space) publish() {
	docs := make(map[string]ir.Map, len(s.docs))
	for id, d := range s.docs {
		docs[id] = d.Value()
	}
	degraded := slices.Collect(maps.Values(s.degraded))
	slices.SortFunc(degraded, func(a, b Degradation) int {
		if c := ir.CompareKeys(a.Peer, b.Peer); c != 0 {
			return c
		}
		return ir.CompareKeys(string(a.Feed), string(b.Feed))
	})
	s.snap.Store(&Snapshot{
		SpaceID:    s.id,
		Collection: s.collection,
		Members:    s.chain.Members(),
		Documents:  docs,
		Epoch:      s.chain.Epoch(),
		Timeframe:  s.dispatched.Clone(),
		Degraded:   degraded,
	})
}

func (s *Space) degrade(d Degradation, err error) {
	if fe, ok := fault.As(err); ok {
		d.Code = fe.Code
	}
	d.Reason = err.Error()
	key := d.Peer + "|" + string(d.Feed)
	s.degraded[key] = d
	s.logger.Warn("degraded",
		"peer", d.Peer,
		"feed", keys.Short(string(d.Feed)),
		"code", string(d.Code),
		"error", err,
	)
	s.emit(Notice{Kind: NoticeDegraded, Err: err})
}
