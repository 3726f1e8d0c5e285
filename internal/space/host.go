package space

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/spacesync/internal/credential"
	"github.com/roach88/spacesync/internal/epoch"
	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/keys"
	"github.com/roach88/spacesync/internal/transport"
)

// Host runs every space replica held by one identity over one transport
// and one store.
type Host struct {
	identity keys.Signer
	store    Storage
	tr       transport.Transport
	peer     string
	opts     options
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	spaces map[string]*Space
}

// NewHost returns a host for identity. peer is the host's address on tr,
// written into the invitations it issues.
func NewHost(identity keys.Signer, store Storage, tr transport.Transport, peer string, opts ...Option) *Host {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		identity: identity,
		store:    store,
		tr:       tr,
		peer:     peer,
		opts:     o,
		logger:   o.logger.With("host", keys.Short(identity.PublicKey())),
		ctx:      ctx,
		cancel:   cancel,
		spaces:   make(map[string]*Space),
	}
}

// Identity returns the host's member key.
func (h *Host) Identity() string {
	return h.identity.PublicKey()
}

// Open starts every space the store holds for this identity.
func (h *Host) Open(ctx context.Context) error {
	recs, err := h.store.ListSpaces(ctx)
	if err != nil {
		return fault.Wrap(fault.StorageFailure, err, "list spaces")
	}
	for _, rec := range recs {
		if rec.LocalKey != h.identity.PublicKey() {
			h.logger.Warn("space held by another identity skipped", "space", keys.Short(rec.SpaceID))
			continue
		}
		if _, err := h.load(ctx, rec.SpaceID); err != nil {
			return fmt.Errorf("open space %s: %w", keys.Short(rec.SpaceID), err)
		}
	}
	return nil
}

// CreateSpace creates a space owned by this host. The space key signs the
// genesis credential and is then discarded.
func (h *Host) CreateSpace(ctx context.Context) (*Space, error) {
	spaceKey, err := keys.Generate(keys.Ed25519, nil)
	if err != nil {
		return nil, err
	}
	id := spaceKey.PublicKey()
	genesis, err := credential.Genesis(spaceKey, h.identity.PublicKey())
	if err != nil {
		return nil, err
	}
	if err := h.store.PutSpace(ctx, ir.SpaceRecord{SpaceID: id, LocalKey: h.identity.PublicKey()}); err != nil {
		return nil, fault.Wrap(fault.StorageFailure, err, "register space")
	}

	sp := h.newSpace(id, h.store)
	if err := sp.init(nil); err != nil {
		return nil, err
	}
	h.start(sp)
	if err := sp.do(ctx, "genesis", func(ctx context.Context) error {
		return sp.issue(ctx, genesis)
	}); err != nil {
		return nil, fmt.Errorf("create space: %w", err)
	}
	h.logger.Info("space created", "space", keys.Short(id))
	return sp, nil
}

// Space returns the running space with id.
func (h *Host) Space(id string) (*Space, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sp, ok := h.spaces[id]
	return sp, ok
}

// Spaces returns every running space, ordered by id.
func (h *Host) Spaces() []*Space {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Space, 0, len(h.spaces))
	for _, id := range slices.SortedFunc(maps.Keys(h.spaces), ir.CompareKeys) {
		out = append(out, h.spaces[id])
	}
	return out
}

// Close stops every space loop and leaves the transport.
func (h *Host) Close() error {
	h.cancel()
	h.mu.Lock()
	spaces := slices.Collect(maps.Values(h.spaces))
	h.mu.Unlock()

	var errs []error
	for _, sp := range spaces {
		sp.Close()
		if err := h.tr.Leave(sp.id); err != nil {
			errs = append(errs, err)
		}
	}
	h.wg.Wait()
	return errors.Join(errs...)
}

func (h *Host) newSpace(id string, store Storage) *Space {
	var tr transport.Transport
	if store != nil {
		tr = h.tr
	}
	return newSpace(config{
		id:    id,
		self:  h.identity,
		peer:  h.peer,
		store: store,
		tr:    tr,
		opts:  h.opts,
	})
}

// load restores a space from the store and starts it.
func (h *Host) load(ctx context.Context, id string) (*Space, error) {
	sp := h.newSpace(id, h.store)
	if err := sp.restore(ctx); err != nil {
		return nil, err
	}
	h.start(sp)
	snap := sp.Snapshot()
	h.logger.Info("space opened",
		"space", keys.Short(id),
		"epoch", snap.Epoch.Number,
		"members", len(snap.Members),
		"documents", len(snap.Documents),
	)
	return sp, nil
}

func (h *Host) start(sp *Space) {
	h.mu.Lock()
	h.spaces[sp.id] = sp
	h.mu.Unlock()

	if err := h.tr.Join(sp.id, sp.OnPeerMessage); err != nil {
		h.logger.Error("join transport", "space", keys.Short(sp.id), "error", err)
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := sp.Run(h.ctx); err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Error("space loop exited", "space", keys.Short(sp.id), "error", err)
		}
	}()
}

// restore rebuilds the space from its latest stored epoch and the blocks
// stored after it.
func (s *Space) restore(ctx context.Context) error {
	cand, ok, err := s.epochs.Load(ctx)
	if err != nil {
		return err
	}
	var base *epoch.Candidate
	if ok {
		base = &cand
	}
	if err := s.init(base); err != nil {
		return err
	}

	tips, err := s.store.Tips(ctx, s.id)
	if err != nil {
		return fault.Wrap(fault.StorageFailure, err, "read tips")
	}
	n := 0
	for _, f := range tips.Feeds() {
		blocks, err := s.store.GetRange(ctx, s.id, f, s.feeds.Base(f)+1, tips[f])
		if err != nil {
			return fault.Wrap(fault.StorageFailure, err, "read feed %s", keys.Short(string(f)))
		}
		for _, b := range blocks {
			if err := s.feeds.Restore(b); err != nil {
				return fmt.Errorf("restore %s: %w", b.Position(), err)
			}
			s.hold(b)
			n++
		}
	}
	s.drain(ctx)
	s.notices = nil
	s.publish()
	s.logger.Debug("space restored", "blocks", n, "gated", len(s.gate))
	return nil
}
