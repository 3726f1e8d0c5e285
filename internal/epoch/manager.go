package epoch

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/migration"
)

// Store persists committed epochs. Both store.Store and kvstore.Store
// implement it.
type Store interface {
	PutEpochSnapshot(ctx context.Context, rec ir.EpochRecord) error
	GetLatestEpoch(ctx context.Context, spaceID string) (ir.EpochRecord, bool, error)
	GetEpochSnapshot(ctx context.Context, spaceID, root string) ([]byte, bool, error)
}

// State is the replica state an epoch is folded from.
type State struct {
	SpaceID   string
	Epoch     ir.Epoch // the committed epoch the proposal extends
	Members   []ir.Member
	Timeframe ir.Timeframe
	Documents map[string]ir.Map
}

// Candidate is a proposed epoch: the snapshot, its canonical bytes and root.
type Candidate struct {
	Snapshot ir.EpochSnapshot
	Bytes    []byte
	Root     string
}

// Record returns the epoch record a set-epoch-root credential carries.
func (c Candidate) Record() ir.Epoch {
	return c.Snapshot.Record(c.Root)
}

// EpochRecord returns the persisted form of the candidate.
func (c Candidate) EpochRecord() ir.EpochRecord {
	return ir.EpochRecord{
		SpaceID:  c.Snapshot.SpaceID,
		Number:   c.Snapshot.Number,
		Root:     c.Root,
		Snapshot: c.Bytes,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists committed epochs to s.
func WithStore(s Store) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// Manager proposes and tracks the epochs of one space.
type Manager struct {
	spaceID  string
	store    Store
	registry *Registry
	logger   *slog.Logger
}

// NewManager returns a manager for spaceID.
func NewManager(spaceID string, opts ...Option) *Manager {
	m := &Manager{
		spaceID:  spaceID,
		registry: NewRegistry(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns the snapshot addressed by root, if it has been observed.
func (m *Manager) Snapshot(root string) (ir.EpochSnapshot, bool) {
	return m.registry.Snapshot(root)
}

// Bytes returns the canonical snapshot bytes addressed by root.
func (m *Manager) Bytes(root string) ([]byte, bool) {
	return m.registry.Bytes(root)
}

// Observe registers a snapshot received in an epoch message.
func (m *Manager) Observe(snap ir.EpochSnapshot) (string, error) {
	if snap.SpaceID != m.spaceID {
		return "", fault.New(fault.MalformedAssertion, "snapshot belongs to another space").
			With("space", snap.SpaceID)
	}
	if snap.Number < 1 {
		return "", fault.New(fault.MalformedAssertion, "snapshot number must be positive").
			With("number", snap.Number)
	}
	root, err := m.registry.Add(snap)
	if err != nil {
		return "", err
	}
	m.logger.Debug("epoch snapshot observed", "space", m.spaceID, "number", snap.Number, "root", root)
	return root, nil
}

// Import registers snapshot bytes received from a peer, after checking
// that they hash to root and belong to this space.
func (m *Manager) Import(root string, data []byte) (Candidate, error) {
	if err := VerifyRoot(root, data); err != nil {
		return Candidate{}, err
	}
	snap, err := Decode(data)
	if err != nil {
		return Candidate{}, err
	}
	if snap.SpaceID != m.spaceID || snap.Number < 1 {
		return Candidate{}, fault.New(fault.MalformedAssertion, "snapshot does not belong to this space").
			With("space", snap.SpaceID).With("number", snap.Number)
	}
	m.registry.put(root, snap, slices.Clone(data))
	return Candidate{Snapshot: snap, Bytes: slices.Clone(data), Root: root}, nil
}

// Propose folds st into the next epoch's candidate. If mig is set it is
// applied to the documents first; a migration that fails leaves nothing
// registered.
func (m *Manager) Propose(st State, mig *ir.Migration) (Candidate, error) {
	if st.SpaceID != m.spaceID {
		return Candidate{}, fault.New(fault.InvalidArgument, "state belongs to another space").
			With("space", st.SpaceID)
	}

	docs := make(map[string]ir.Map, len(st.Documents))
	for id, tree := range st.Documents {
		docs[id] = tree.Clone()
	}
	if mig != nil {
		migrated, err := migration.Apply(*mig, docs)
		if err != nil {
			return Candidate{}, fault.Wrap(fault.InvalidArgument, err, "apply migration %s", mig.Name)
		}
		docs = migrated
	}
	if len(docs) == 0 {
		docs = nil
	}

	members := slices.Clone(st.Members)
	slices.SortFunc(members, func(a, b ir.Member) int {
		return ir.CompareKeys(a.Key, b.Key)
	})

	snap := ir.EpochSnapshot{
		SpaceID:   st.SpaceID,
		Number:    st.Epoch.Number + 1,
		Prev:      st.Epoch.Root,
		Timeframe: st.Timeframe.Clone(),
		Members:   members,
		Documents: docs,
		Migration: mig,
	}
	data, root, err := Encode(snap)
	if err != nil {
		return Candidate{}, err
	}
	m.registry.put(root, snap, data)

	m.logger.Info("epoch proposed",
		"space", m.spaceID,
		"number", snap.Number,
		"root", root,
		"documents", len(docs),
		"members", len(members),
	)
	return Candidate{Snapshot: snap, Bytes: data, Root: root}, nil
}

// Check reports StaleEpoch if cand does not directly extend current.
func Check(current ir.Epoch, cand Candidate) error {
	if cand.Snapshot.Number <= current.Number {
		return fault.New(fault.StaleEpoch, "epoch %d is already committed", current.Number).
			With("candidate", cand.Snapshot.Number)
	}
	if cand.Snapshot.Number != current.Number+1 || cand.Snapshot.Prev != current.Root {
		return fault.New(fault.StaleEpoch, "candidate %d does not extend epoch %d",
			cand.Snapshot.Number, current.Number).With("prev", cand.Snapshot.Prev)
	}
	return nil
}

// Commit persists the snapshot of a committed epoch. The snapshot must have
// been proposed or observed first.
func (m *Manager) Commit(ctx context.Context, e ir.Epoch) error {
	data, ok := m.registry.Bytes(e.Root)
	if !ok {
		return fault.New(fault.MissingDependency, "epoch snapshot not available").With("root", e.Root)
	}
	if m.store == nil {
		return nil
	}
	rec := ir.EpochRecord{SpaceID: m.spaceID, Number: e.Number, Root: e.Root, Snapshot: data}
	if err := m.store.PutEpochSnapshot(ctx, rec); err != nil {
		return fault.Wrap(fault.StorageFailure, err, "commit epoch %d", e.Number)
	}
	m.logger.Info("epoch committed", "space", m.spaceID, "number", e.Number, "root", e.Root)
	return nil
}

// Load restores the latest committed epoch from the store. The boolean is
// false if the space has never committed an epoch.
func (m *Manager) Load(ctx context.Context) (Candidate, bool, error) {
	if m.store == nil {
		return Candidate{}, false, nil
	}
	rec, ok, err := m.store.GetLatestEpoch(ctx, m.spaceID)
	if err != nil {
		return Candidate{}, false, fault.Wrap(fault.StorageFailure, err, "load epoch")
	}
	if !ok {
		return Candidate{}, false, nil
	}
	snap, err := m.registry.AddBytes(rec.Root, rec.Snapshot)
	if err != nil {
		return Candidate{}, false, fmt.Errorf("load epoch %d: %w", rec.Number, err)
	}
	return Candidate{Snapshot: snap, Bytes: rec.Snapshot, Root: rec.Root}, true, nil
}
