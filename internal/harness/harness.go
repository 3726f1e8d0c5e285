package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/spacesync/internal/crdt"
	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/kvstore"
	"github.com/roach88/spacesync/internal/space"
	"github.com/roach88/spacesync/internal/store"
	"github.com/roach88/spacesync/internal/testutil"
	"github.com/roach88/spacesync/internal/transport"
)

// Storage backends a scenario can run on.
const (
	BackendSQLite  = "sqlite"
	BackendLevelDB = "leveldb"
)

const (
	stepTimeout = 10 * time.Second
	maxRounds   = 10000
)

// Option configures a run.
type Option func(*Harness)

// WithLogger sets the logger handed to every host. Runs are silent by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

type hostStore interface {
	space.Storage
	io.Closer
}

// Harness executes one scenario. Every peer gets its own store in a
// temporary directory and an endpoint on a shared, manually delivered
// network.
type Harness struct {
	scenario *Scenario
	dir      string
	net      *transport.Network
	ring     *testutil.KeyRing
	logger   *slog.Logger

	stores map[string]hostStore
	hosts  map[string]*space.Host
	// labels maps scenario space labels to space ids.
	labels map[string]string
}

// Run executes a scenario and returns the result.
//
// The returned error reports infrastructure failures (temporary
// directory, store open). Step and assertion failures are recorded in the
// Result instead.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h, err := newHarness(scenario, opts...)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	for i, step := range scenario.Steps {
		h.runStep(i, step, result)
	}
	for i, a := range scenario.Assertions {
		if err := h.check(a); err != nil {
			result.AddErrorf("assertions[%d] (%s): %v", i, a.Type, err)
		}
	}
	result.State = h.state()
	return result, nil
}

func newHarness(scenario *Scenario, opts ...Option) (*Harness, error) {
	dir, err := os.MkdirTemp("", "spacesync-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	h := &Harness{
		scenario: scenario,
		dir:      dir,
		ring:     testutil.NewKeyRing(),
		logger:   slog.New(slog.DiscardHandler),
		stores:   make(map[string]hostStore),
		hosts:    make(map[string]*space.Host),
		labels:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}

	netOpts := []transport.NetworkOption{
		transport.WithManualDelivery(),
		transport.WithNetworkLogger(h.logger),
	}
	if scenario.Network.ReorderSeed != 0 {
		netOpts = append(netOpts, transport.WithReordering(scenario.Network.ReorderSeed))
	}
	if scenario.Network.Duplicate > 0 {
		netOpts = append(netOpts, transport.WithDuplication(scenario.Network.Duplicate))
	}
	h.net = transport.NewNetwork(netOpts...)

	for _, peer := range scenario.Peers {
		st, err := h.openStore(peer)
		if err != nil {
			h.close()
			return nil, err
		}
		h.stores[peer] = st
		if err := h.startHost(peer); err != nil {
			h.close()
			return nil, err
		}
	}
	return h, nil
}

func (h *Harness) openStore(peer string) (hostStore, error) {
	switch h.scenario.Backend {
	case BackendLevelDB:
		st, err := kvstore.Open(filepath.Join(h.dir, peer+".ldb"))
		if err != nil {
			return nil, fmt.Errorf("failed to open leveldb store for %s: %w", peer, err)
		}
		return st, nil
	default:
		st, err := store.Open(filepath.Join(h.dir, peer+".db"))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store for %s: %w", peer, err)
		}
		return st, nil
	}
}

func (h *Harness) startHost(peer string) error {
	host := space.NewHost(h.ring.Signer(peer), h.stores[peer], h.net.Endpoint(peer), peer,
		space.WithLogger(h.logger.With("peer", peer)),
		space.WithAnnounceInterval(0),
		space.WithJoinRetry(10*time.Millisecond),
		space.WithBackfillRate(rate.Inf, 1000),
		space.WithIDGenerator(testutil.NewSequentialIDs(peer)),
	)
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	if err := host.Open(ctx); err != nil {
		host.Close()
		return fmt.Errorf("failed to open host %s: %w", peer, err)
	}
	h.hosts[peer] = host
	return nil
}

func (h *Harness) close() {
	for _, peer := range h.scenario.Peers {
		if host, ok := h.hosts[peer]; ok {
			host.Close()
		}
		if st, ok := h.stores[peer]; ok {
			st.Close()
		}
	}
	if h.net != nil {
		h.net.Close()
	}
	os.RemoveAll(h.dir)
}

// runStep executes one step and records its outcome against ExpectError.
func (h *Harness) runStep(i int, step Step, result *Result) {
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()

	err := h.execute(ctx, step)
	outcome := "ok"
	if err != nil {
		if f, ok := fault.As(err); ok {
			outcome = string(f.Code)
		} else {
			outcome = "error"
		}
	}
	result.AddStep(i, step, outcome)

	switch {
	case err == nil && step.ExpectError != "":
		result.AddErrorf("steps[%d] (%s): expected %s, got success", i, step.Op, step.ExpectError)
	case err != nil && step.ExpectError == "":
		result.AddErrorf("steps[%d] (%s): %v", i, step.Op, err)
	case err != nil && outcome != step.ExpectError:
		result.AddErrorf("steps[%d] (%s): expected %s, got %v", i, step.Op, step.ExpectError, err)
	}
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch step.Op {
	case OpCreate:
		return h.create(ctx, step)
	case OpInvite:
		return h.invite(ctx, step)
	case OpSettle:
		return h.settle(ctx)
	case OpAnnounce:
		return h.announce(ctx)
	case OpPartition:
		h.net.Partition(step.Between[0], step.Between[1])
		return nil
	case OpHeal:
		h.net.Heal()
		return nil
	case OpRestart:
		return h.restart(step.Peer)
	}

	sp, err := h.space(step.Peer, step.Space)
	if err != nil {
		return err
	}
	switch step.Op {
	case OpAdmit:
		authority, _ := ir.ParseAuthority(step.Authority)
		return sp.Admit(ctx, h.key(step.Subject), authority)
	case OpRevoke:
		return sp.Revoke(ctx, h.key(step.Subject))
	case OpDelegate:
		return sp.Delegate(ctx, h.key(step.Subject), ir.Capability(step.Capability))
	case OpOpen:
		_, err := sp.OpenDocument(ctx, step.Document)
		return err
	case OpSet, OpDelete, OpIncrement, OpPush:
		return h.mutate(ctx, sp, step)
	case OpEpoch:
		mig, err := step.Migration.toIR()
		if err != nil {
			return err
		}
		cand, err := sp.ProposeEpoch(ctx, mig)
		if err != nil {
			return err
		}
		return sp.CommitEpoch(ctx, cand)
	case OpCompact:
		_, err := sp.Compact(ctx)
		return err
	}
	return fault.New(fault.InvalidArgument, "unknown op %q", step.Op)
}

func (h *Harness) key(peer string) string {
	return h.ring.Signer(peer).PublicKey()
}

// space resolves a scenario label on a peer's host.
func (h *Harness) space(peer, label string) (*space.Space, error) {
	id, ok := h.labels[label]
	if !ok {
		return nil, fault.New(fault.UnknownSpace, "space %q was never created", label)
	}
	sp, ok := h.hosts[peer].Space(id)
	if !ok {
		return nil, fault.New(fault.UnknownSpace, "%s does not hold space %q", peer, label)
	}
	return sp, nil
}

func (h *Harness) create(ctx context.Context, step Step) error {
	if _, ok := h.labels[step.Space]; ok {
		return fault.New(fault.InvalidArgument, "space %q already exists", step.Space)
	}
	sp, err := h.hosts[step.Peer].CreateSpace(ctx)
	if err != nil {
		return err
	}
	h.labels[step.Space] = sp.ID()
	return nil
}

// invite admits the subject through an invitation and joins it from the
// subject's host, delivering messages while the join waits for its bundle.
func (h *Harness) invite(ctx context.Context, step Step) error {
	sp, err := h.space(step.Peer, step.Space)
	if err != nil {
		return err
	}
	authority, _ := ir.ParseAuthority(step.Authority)
	token, err := sp.Invite(ctx, h.key(step.Subject), authority, time.Hour)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.hosts[step.Subject].JoinSpace(ctx, token)
		done <- err
	}()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			h.net.Flush()
		}
	}
}

func (h *Harness) mutate(ctx context.Context, sp *space.Space, step Step) error {
	var v ir.Value
	if step.Op == OpSet || step.Op == OpPush {
		var err error
		if v, err = ir.FromGo(step.Value); err != nil {
			return fault.Wrap(fault.InvalidArgument, err, "step value")
		}
	}
	_, err := sp.Mutate(ctx, step.Document, func(tx *crdt.Tx) error {
		switch step.Op {
		case OpSet:
			return tx.SetPath(step.Path, v)
		case OpDelete:
			return tx.DeletePath(step.Path)
		case OpIncrement:
			return tx.IncrementPath(step.Path, step.Delta)
		default:
			return tx.PushPath(step.Path, v)
		}
	})
	return err
}

func (h *Harness) allSpaces() []*space.Space {
	var out []*space.Space
	for _, peer := range h.scenario.Peers {
		out = append(out, h.hosts[peer].Spaces()...)
	}
	return out
}

// settle delivers messages until every loop is idle and nothing is in
// flight.
func (h *Harness) settle(ctx context.Context) error {
	for range maxRounds {
		for _, sp := range h.allSpaces() {
			if err := sp.Sync(ctx); err != nil {
				return err
			}
		}
		if h.net.Flush() == 0 {
			return nil
		}
	}
	return fault.New(fault.Timeout, "network did not settle after %d rounds", maxRounds)
}

// announce runs one anti-entropy round on every space and settles.
func (h *Harness) announce(ctx context.Context) error {
	for _, sp := range h.allSpaces() {
		if err := sp.Announce(ctx); err != nil {
			return err
		}
	}
	return h.settle(ctx)
}

// restart closes a peer's host and reopens it from the same store.
func (h *Harness) restart(peer string) error {
	if err := h.hosts[peer].Close(); err != nil {
		return fmt.Errorf("close %s: %w", peer, err)
	}
	delete(h.hosts, peer)
	return h.startHost(peer)
}

// state captures every peer's view of every labelled space.
func (h *Harness) state() map[string]map[string]PeerSpace {
	out := make(map[string]map[string]PeerSpace)
	for _, peer := range h.scenario.Peers {
		host, ok := h.hosts[peer]
		if !ok {
			continue
		}
		views := make(map[string]PeerSpace)
		for label, id := range h.labels {
			sp, ok := host.Space(id)
			if !ok {
				continue
			}
			views[label] = h.view(sp.Snapshot())
		}
		out[peer] = views
	}
	return out
}

func (h *Harness) view(snap *space.Snapshot) PeerSpace {
	v := PeerSpace{
		Members:   make(map[string]string, len(snap.Members)),
		Epoch:     snap.Epoch.Number,
		Documents: make(map[string]any, len(snap.Documents)),
		Degraded:  len(snap.Degraded),
	}
	for _, m := range snap.Members {
		v.Members[h.ring.Name(m.Key)] = memberLabel(m)
	}
	for id, doc := range snap.Documents {
		v.Documents[id] = doc
	}
	return v
}

// memberLabel renders an authority with its capabilities, e.g.
// "writer+epoch".
func memberLabel(m ir.Member) string {
	caps := make([]string, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		caps = append(caps, string(c))
	}
	slices.Sort(caps)
	return strings.Join(append([]string{string(m.Authority)}, caps...), "+")
}

func (m *MigrationConfig) toIR() (*ir.Migration, error) {
	if m == nil {
		return nil, nil
	}
	mig := &ir.Migration{Name: m.Name, Version: int64(m.Version)}
	for i, s := range m.Steps {
		step := ir.MigrationStep{Op: ir.MigrationOp(s.Op), Path: s.Path, To: s.To}
		if s.Value != nil {
			v, err := ir.FromGo(s.Value)
			if err != nil {
				return nil, fault.Wrap(fault.InvalidArgument, err, "migration step %d", i)
			}
			step.Value = v
		}
		mig.Steps = append(mig.Steps, step)
	}
	return mig, nil
}

var errNotConverged = errors.New("not converged")
