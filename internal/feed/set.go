package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/keys"
)

// BlockStore is the durability layer behind a Set.
//
// PutBlock must be idempotent for an identical block and must fail with
// fault.WriteConflict when a different block is already stored at the
// same position.
type BlockStore interface {
	PutBlock(ctx context.Context, spaceID string, block ir.FeedBlock) error
}

// ObserveResult is the outcome of a successful Observe.
type ObserveResult int

const (
	// Accepted means the block extended the replica.
	Accepted ObserveResult = iota + 1
	// Duplicate means an identical block is already held.
	Duplicate
)

func (r ObserveResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// BackfillRequest names a missing inclusive range of a feed.
type BackfillRequest struct {
	Feed ir.FeedID
	From int64
	To   int64
}

// GapError is the cause attached to a fault.SequenceGap.
type GapError struct {
	Request BackfillRequest
}

func (e *GapError) Error() string {
	return fmt.Sprintf("missing %s [%d, %d]", e.Request.Feed, e.Request.From, e.Request.To)
}

// Backfill extracts the backfill request from a SequenceGap fault.
func Backfill(err error) (BackfillRequest, bool) {
	var ge *GapError
	if errors.As(err, &ge) {
		return ge.Request, true
	}
	return BackfillRequest{}, false
}

type replica struct {
	base   int64 // last seq covered before blocks[0]
	blocks []ir.FeedBlock
}

func (r *replica) tip() int64 {
	return r.base + int64(len(r.blocks))
}

func (r *replica) at(seq int64) (ir.FeedBlock, bool) {
	if seq <= r.base || seq > r.tip() {
		return ir.FeedBlock{}, false
	}
	return r.blocks[seq-r.base-1], true
}

// Set is the collection of feeds a peer holds for one space.
// It is safe for concurrent use.
type Set struct {
	spaceID string
	store   BlockStore
	logger  *slog.Logger

	mu       sync.RWMutex
	replicas map[ir.FeedID]*replica

	subMu  sync.Mutex
	subs   map[int]func(ir.FeedBlock)
	nextID int
}

// SetOption configures a Set.
type SetOption func(*Set)

// WithLogger sets the logger used for rejected blocks.
func WithLogger(l *slog.Logger) SetOption {
	return func(s *Set) {
		s.logger = l
	}
}

// NewSet creates an empty set. store may be nil for a purely in-memory set.
func NewSet(spaceID string, store BlockStore, opts ...SetOption) *Set {
	s := &Set{
		spaceID:  spaceID,
		store:    store,
		logger:   slog.Default(),
		replicas: make(map[ir.FeedID]*replica),
		subs:     make(map[int]func(ir.FeedBlock)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SpaceID returns the space this set belongs to.
func (s *Set) SpaceID() string {
	return s.spaceID
}

// StartAt begins the replica for feed after base. It only moves a replica
// forward; blocks at or below base are dropped from memory.
func (s *Set) StartAt(feed ir.FeedID, base int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.replicas[feed]
	if !ok {
		s.replicas[feed] = &replica{base: base}
		return
	}
	if base <= r.base {
		return
	}
	if base >= r.tip() {
		r.base, r.blocks = base, nil
		return
	}
	r.blocks = append([]ir.FeedBlock(nil), r.blocks[base-r.base:]...)
	r.base = base
}

// Prune drops held blocks covered by tf. The timeframe is unchanged.
func (s *Set) Prune(tf ir.Timeframe) {
	for feed, seq := range tf {
		s.mu.RLock()
		_, ok := s.replicas[feed]
		s.mu.RUnlock()
		if ok {
			s.StartAt(feed, seq)
		}
	}
}

// Observe validates a remote block and appends it to its replica.
//
// Errors: fault.SignatureInvalid, fault.SequenceGap (the cause is a
// *GapError naming the missing range), fault.FeedFork and
// fault.StorageFailure.
func (s *Set) Observe(ctx context.Context, b ir.FeedBlock) (ObserveResult, error) {
	if err := verifyBlock(b); err != nil {
		s.logger.Warn("rejected block", "space", s.spaceID, "feed", keys.Short(string(b.FeedID)), "seq", b.Seq, "error", err)
		return 0, err
	}
	return s.insert(ctx, b, true)
}

// Restore re-inserts a block loaded from the local store. The signature is
// checked again; the block is not written back.
func (s *Set) Restore(b ir.FeedBlock) error {
	if err := verifyBlock(b); err != nil {
		return err
	}
	_, err := s.insert(context.Background(), b, false)
	return err
}

func verifyBlock(b ir.FeedBlock) error {
	if b.Seq < 0 {
		return fault.New(fault.SignatureInvalid, "negative sequence %d", b.Seq)
	}
	digest, err := ir.BlockDigest(b.FeedID, b.Seq, b.Payload)
	if err != nil {
		return fault.Wrap(fault.SignatureInvalid, err, "block digest")
	}
	return keys.Verify(string(b.FeedID), digest, b.Signature)
}

func (s *Set) insert(ctx context.Context, b ir.FeedBlock, persist bool) (ObserveResult, error) {
	s.mu.Lock()
	r, known := s.replicas[b.FeedID]
	if !known {
		// Registered only once the block is accepted.
		r = &replica{base: -1}
	}

	switch tip := r.tip(); {
	case b.Seq <= r.base:
		s.mu.Unlock()
		return Duplicate, nil
	case b.Seq <= tip:
		held, _ := r.at(b.Seq)
		s.mu.Unlock()
		if sameBlock(held, b) {
			return Duplicate, nil
		}
		return 0, fault.New(fault.FeedFork, "conflicting block at held position").
			With("feed", keys.Short(string(b.FeedID))).With("seq", b.Seq)
	case b.Seq > tip+1:
		s.mu.Unlock()
		req := BackfillRequest{Feed: b.FeedID, From: tip + 1, To: b.Seq - 1}
		return 0, fault.Wrap(fault.SequenceGap, &GapError{Request: req}, "block ahead of replica tip").
			With("feed", keys.Short(string(b.FeedID))).With("seq", b.Seq)
	}

	if persist && s.store != nil {
		if err := s.store.PutBlock(ctx, s.spaceID, b); err != nil {
			s.mu.Unlock()
			if fault.Is(err, fault.WriteConflict) {
				return 0, fault.Wrap(fault.FeedFork, err, "store holds a different block")
			}
			return 0, fault.Wrap(fault.StorageFailure, err, "persist block").With("seq", b.Seq)
		}
	}
	r.blocks = append(r.blocks, b)
	if !known {
		s.replicas[b.FeedID] = r
	}
	s.mu.Unlock()

	s.notify(b)
	return Accepted, nil
}

func sameBlock(a, b ir.FeedBlock) bool {
	return a.FeedID == b.FeedID && a.Seq == b.Seq &&
		bytes.Equal(a.Payload, b.Payload) && bytes.Equal(a.Signature, b.Signature)
}

// Get returns the held block at p.
func (s *Set) Get(p ir.Position) (ir.FeedBlock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.replicas[p.Feed]
	if !ok {
		return ir.FeedBlock{}, false
	}
	return r.at(p.Seq)
}

// Tip returns the highest contiguous seq held for feed, or -1.
func (s *Set) Tip(feed ir.FeedID) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.replicas[feed]; ok {
		return r.tip()
	}
	return -1
}

// Base returns the seq the replica for feed starts after, or -1.
func (s *Set) Base(feed ir.FeedID) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.replicas[feed]; ok {
		return r.base
	}
	return -1
}

// Timeframe returns the current observed timeframe.
func (s *Set) Timeframe() ir.Timeframe {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tf := make(ir.Timeframe, len(s.replicas))
	for feed, r := range s.replicas {
		if tip := r.tip(); tip >= 0 {
			tf[feed] = tip
		}
	}
	return tf
}

// ReadRange yields the blocks of feed from..to inclusive, in order.
// A negative to reads through the tip. The range is resolved each time the
// sequence is iterated, so the sequence may be replayed.
//
// Errors: fault.UnknownFeed if the feed was never observed,
// fault.OutOfRange if from is beyond the tip or at or below the base.
func (s *Set) ReadRange(feed ir.FeedID, from, to int64) iter.Seq2[ir.FeedBlock, error] {
	return func(yield func(ir.FeedBlock, error) bool) {
		blocks, err := s.slice(feed, from, to)
		if err != nil {
			yield(ir.FeedBlock{}, err)
			return
		}
		for _, b := range blocks {
			if !yield(b, nil) {
				return
			}
		}
	}
}

func (s *Set) slice(feed ir.FeedID, from, to int64) ([]ir.FeedBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.replicas[feed]
	if !ok {
		return nil, fault.New(fault.UnknownFeed, "feed never observed").With("feed", keys.Short(string(feed)))
	}
	tip := r.tip()
	if from > tip || from <= r.base {
		return nil, fault.New(fault.OutOfRange, "range start outside held blocks").
			With("from", from).With("base", r.base).With("tip", tip)
	}
	if to < 0 || to > tip {
		to = tip
	}
	if to < from {
		return nil, nil
	}
	// Blocks are immutable once held; sharing the backing array is safe.
	return r.blocks[from-r.base-1 : to-r.base], nil
}

// Feeds returns every feed with a replica, in key order.
func (s *Set) Feeds() []ir.FeedID {
	s.mu.RLock()
	tf := make(ir.Timeframe, len(s.replicas))
	for feed, r := range s.replicas {
		tf[feed] = r.tip()
	}
	s.mu.RUnlock()
	return tf.Feeds()
}

// Subscribe registers fn for every block that advances the timeframe.
// The returned function cancels the subscription.
func (s *Set) Subscribe(fn func(ir.FeedBlock)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Set) notify(b ir.FeedBlock) {
	s.subMu.Lock()
	fns := make([]func(ir.FeedBlock), 0, len(s.subs))
	for i := 0; i < s.nextID; i++ {
		if fn, ok := s.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(b)
	}
}
