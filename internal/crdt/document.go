package crdt

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
)

// BaseActor is the actor of the base change that seeds a document from an
// epoch snapshot. Every peer derives the same base change.
const BaseActor = "_base"

// DefaultBacklog bounds the deferred changes a document holds.
const DefaultBacklog = 1024

// ApplyStatus is the outcome of ApplyRemote.
type ApplyStatus int

const (
	Merged ApplyStatus = iota + 1
	Duplicate
	Deferred
	// Superseded changes belong to an older epoch generation; the current
	// base already reflects them or they were compacted away.
	Superseded
)

func (s ApplyStatus) String() string {
	switch s {
	case Merged:
		return "merged"
	case Duplicate:
		return "duplicate"
	case Deferred:
		return "deferred"
	case Superseded:
		return "superseded"
	}
	return "unknown"
}

// ApplyResult describes what ApplyRemote did.
type ApplyResult struct {
	Status ApplyStatus
	Hash   string
	// Missing lists dependency hashes a deferred change waits for.
	Missing []string
	// Released lists hashes of backlog changes merged as a consequence.
	Released []string
	// Rejected lists backlog changes that became ready but failed
	// validation. They are removed from the backlog.
	Rejected []Rejection
}

// Rejection is a deferred change dropped from the backlog because it did
// not validate once its dependencies arrived.
type Rejection struct {
	Hash   string
	Change ir.Change
	Err    error
}

// Option configures a Document.
type Option func(*Document)

// WithBacklog bounds the number of deferred changes.
func WithBacklog(n int) Option {
	return func(d *Document) { d.backlogLimit = n }
}

// Document is one replicated document.
type Document struct {
	id           string
	epoch        int64
	objects      map[string]*object
	changes      map[string]ir.Change
	heads        []string
	clock        map[string]int64
	maxOp        int64
	backlog      []deferred
	backlogLimit int
	rejected     []Rejection
	busy         atomic.Bool
}

type deferred struct {
	hash   string
	change ir.Change
}

// New creates an empty document for the given epoch generation.
func New(id string, epoch int64, opts ...Option) *Document {
	d := &Document{
		id:           id,
		epoch:        epoch,
		objects:      map[string]*object{ir.RootObj: newObject(ir.ObjMap)},
		changes:      make(map[string]ir.Change),
		clock:        make(map[string]int64),
		backlogLimit: DefaultBacklog,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewFromBase creates a document for epoch seeded with tree. The tree is
// written by one deterministic base change, so every peer rebuilding from
// the same snapshot holds the same heads.
func NewFromBase(id string, epoch int64, tree ir.Map, opts ...Option) (*Document, error) {
	d := New(id, epoch, opts...)
	if len(tree) == 0 {
		return d, nil
	}
	p, err := d.Prepare(BaseActor, func(tx *Tx) error {
		for _, k := range tree.SortedKeys() {
			if err := tx.Set(ir.RootObj, k, tree[k]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seed document %s: %w", id, err)
	}
	if _, err := p.Commit(); err != nil {
		return nil, fmt.Errorf("seed document %s: %w", id, err)
	}
	return d, nil
}

// ID returns the document id.
func (d *Document) ID() string { return d.id }

// Epoch returns the epoch generation the document belongs to.
func (d *Document) Epoch() int64 { return d.epoch }

// Heads returns the hashes of changes no other applied change depends on.
func (d *Document) Heads() []string { return slices.Clone(d.heads) }

// Has reports whether the change with hash has been applied.
func (d *Document) Has(hash string) bool {
	_, ok := d.changes[hash]
	return ok
}

// Changes returns every applied change in a deterministic order: causal
// order, ties by hash.
func (d *Document) Changes() []ir.Change {
	hashes := make([]string, 0, len(d.changes))
	for h := range d.changes {
		hashes = append(hashes, h)
	}
	slices.Sort(hashes)

	placed := make(map[string]bool, len(hashes))
	out := make([]ir.Change, 0, len(hashes))
	for len(out) < len(hashes) {
		for _, h := range hashes {
			if placed[h] {
				continue
			}
			c := d.changes[h]
			ready := true
			for _, dep := range c.Deps {
				if _, known := d.changes[dep]; known && !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				placed[h] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// Backlog returns the deferred changes in arrival order.
func (d *Document) Backlog() []ir.Change {
	out := make([]ir.Change, len(d.backlog))
	for i, p := range d.backlog {
		out[i] = p.change
	}
	return out
}

// TakeRejected returns and clears the backlog changes rejected since the
// last call. Commit can reject backlog changes too, so callers that commit
// local changes drain this after Commit.
func (d *Document) TakeRejected() []Rejection {
	out := d.rejected
	d.rejected = nil
	return out
}

// ApplyRemote merges a change made elsewhere. Applying the same change
// twice is a Duplicate; a change whose dependencies are missing is
// Deferred and merged later, when they arrive. It fails with
// RecursiveChange while a local transaction is open on the document.
func (d *Document) ApplyRemote(c ir.Change) (ApplyResult, error) {
	if !d.busy.CompareAndSwap(false, true) {
		return ApplyResult{}, fault.New(fault.RecursiveChange, "document has a change in progress").With("document", d.id)
	}
	defer d.busy.Store(false)

	if c.DocumentID != d.id {
		return ApplyResult{}, fault.New(fault.InvalidArgument, "change targets document %s", c.DocumentID).
			With("document", d.id)
	}
	hash, err := ir.ChangeHash(c)
	if err != nil {
		return ApplyResult{}, fault.Wrap(fault.InvalidArgument, err, "hash change")
	}
	res := ApplyResult{Hash: hash}

	if _, ok := d.changes[hash]; ok {
		res.Status = Duplicate
		return res, nil
	}
	if c.Epoch < d.epoch {
		res.Status = Superseded
		return res, nil
	}
	if slices.ContainsFunc(d.backlog, func(p deferred) bool { return p.hash == hash }) {
		res.Status = Deferred
		res.Missing = d.missing(c)
		return res, nil
	}

	if missing := d.missing(c); len(missing) > 0 || c.Epoch > d.epoch || !d.inSequence(c) {
		if len(d.backlog) >= d.backlogLimit {
			return res, fault.New(fault.OutOfRange, "document backlog full").
				With("document", d.id).With("limit", d.backlogLimit)
		}
		d.backlog = append(d.backlog, deferred{hash: hash, change: c})
		res.Status = Deferred
		res.Missing = missing
		return res, nil
	}

	if err := d.merge(hash, c); err != nil {
		return res, err
	}
	res.Status = Merged
	res.Released = d.release()
	res.Rejected = d.TakeRejected()
	return res, nil
}

func (d *Document) missing(c ir.Change) []string {
	var out []string
	for _, dep := range c.Deps {
		if _, ok := d.changes[dep]; !ok {
			out = append(out, dep)
		}
	}
	return out
}

// inSequence reports whether c is the actor's next change. Earlier seqs
// are let through so validate can report the reuse.
func (d *Document) inSequence(c ir.Change) bool {
	return c.Seq <= d.clock[c.Actor]+1
}

// release merges backlog changes that have become ready, repeatedly.
// Ready changes that fail validation are recorded for TakeRejected.
func (d *Document) release() []string {
	var released []string
	for progress := true; progress; {
		progress = false
		for i := 0; i < len(d.backlog); i++ {
			p := d.backlog[i]
			if _, ok := d.changes[p.hash]; ok {
				d.backlog = slices.Delete(d.backlog, i, i+1)
				i--
				continue
			}
			if p.change.Epoch != d.epoch || len(d.missing(p.change)) > 0 || !d.inSequence(p.change) {
				continue
			}
			d.backlog = slices.Delete(d.backlog, i, i+1)
			i--
			if err := d.merge(p.hash, p.change); err != nil {
				d.rejected = append(d.rejected, Rejection{Hash: p.hash, Change: p.change, Err: err})
				continue
			}
			released = append(released, p.hash)
			progress = true
		}
	}
	return released
}

// merge validates and applies a ready change.
func (d *Document) merge(hash string, c ir.Change) error {
	if err := d.validate(c); err != nil {
		return err
	}
	for i, op := range c.Ops {
		d.applyOp(OpID{Counter: c.StartOp + int64(i), Actor: c.Actor}, op)
	}
	if last := c.StartOp + int64(len(c.Ops)) - 1; last > d.maxOp {
		d.maxOp = last
	}
	d.clock[c.Actor] = c.Seq
	d.changes[hash] = c

	heads := slices.DeleteFunc(d.heads, func(h string) bool { return slices.Contains(c.Deps, h) })
	heads = append(heads, hash)
	slices.Sort(heads)
	d.heads = heads
	return nil
}

func (d *Document) applyOp(id OpID, op ir.Op) {
	obj := d.objects[op.Obj]
	if op.Action == ir.OpMake {
		d.objects[id.String()] = newObject(op.Make)
	}
	if obj.kind == ir.ObjMap {
		reg := obj.fields[op.Key].apply(id, op)
		if len(reg) == 0 {
			delete(obj.fields, op.Key)
		} else {
			obj.fields[op.Key] = reg
		}
		return
	}
	if op.Insert {
		el := &element{id: id}
		obj.insertAfter(op.Key, el)
		el.reg = el.reg.apply(id, op)
		return
	}
	el := obj.elems[obj.indexOf(op.Key)]
	el.reg = el.reg.apply(id, op)
}

// validate checks a change against the current objects before any op is
// applied, so a bad change leaves the document untouched.
func (d *Document) validate(c ir.Change) error {
	bad := func(format string, args ...any) error {
		return fault.New(fault.InvalidArgument, format, args...).
			With("document", d.id).With("actor", c.Actor).With("seq", c.Seq)
	}
	if c.Actor == "" || c.Seq < 1 || c.StartOp < 1 {
		return bad("change needs an actor, seq and start op")
	}
	if c.Seq <= d.clock[c.Actor] {
		return bad("actor reused seq %d", c.Seq)
	}

	created := map[string]ir.ObjKind{}
	elems := map[string]bool{}
	kindOf := func(obj string) (ir.ObjKind, bool) {
		if o, ok := d.objects[obj]; ok {
			return o.kind, true
		}
		k, ok := created[obj]
		return k, ok
	}
	elemExists := func(obj, elem string) bool {
		if elems[obj+"/"+elem] {
			return true
		}
		o, ok := d.objects[obj]
		return ok && o.indexOf(elem) >= 0
	}

	for i, op := range c.Ops {
		id := OpID{Counter: c.StartOp + int64(i), Actor: c.Actor}
		kind, ok := kindOf(op.Obj)
		if !ok {
			return bad("op %d targets unknown object %s", i, op.Obj)
		}
		switch op.Action {
		case ir.OpSet:
			switch op.Value.(type) {
			case ir.String, ir.Int, ir.Bool, ir.Counter:
			default:
				return bad("op %d sets a non-scalar value", i)
			}
		case ir.OpMake:
			if op.Make != ir.ObjMap && op.Make != ir.ObjList {
				return bad("op %d makes unknown kind %q", i, op.Make)
			}
			created[id.String()] = op.Make
		case ir.OpIncrement:
			if _, ok := op.Value.(ir.Int); !ok {
				return bad("op %d increments by a non-integer", i)
			}
		case ir.OpDelete:
		default:
			return bad("op %d has unknown action %q", i, op.Action)
		}

		if kind == ir.ObjMap {
			if op.Insert || op.Key == "" || ir.ReservedKey(op.Key) {
				return bad("op %d has invalid map key %q", i, op.Key)
			}
			continue
		}
		if op.Insert {
			if op.Action != ir.OpSet && op.Action != ir.OpMake {
				return bad("op %d inserts with action %s", i, op.Action)
			}
			if op.Key != ir.HeadElem && !elemExists(op.Obj, op.Key) {
				return bad("op %d inserts after unknown element %s", i, op.Key)
			}
			elems[op.Obj+"/"+id.String()] = true
			continue
		}
		if !elemExists(op.Obj, op.Key) {
			return bad("op %d targets unknown element %s", i, op.Key)
		}
	}
	return nil
}

// Export returns the typed tree: counters stay counters. Snapshots store
// this form.
func (d *Document) Export() ir.Map {
	return d.export(ir.RootObj).(ir.Map)
}

// Value returns the plain materialized tree.
func (d *Document) Value() ir.Map {
	return ir.Plain(d.Export()).(ir.Map)
}

func (d *Document) export(objID string) ir.Value {
	obj := d.objects[objID]
	if obj.kind == ir.ObjList {
		vis := obj.visible()
		out := make(ir.List, len(vis))
		for i, el := range vis {
			out[i] = d.entryValue(el.reg.winner())
		}
		return out
	}
	out := make(ir.Map, len(obj.fields))
	for k, reg := range obj.fields {
		out[k] = d.entryValue(reg.winner())
	}
	return out
}

func (d *Document) entryValue(e *entry) ir.Value {
	switch {
	case e.counter:
		return ir.Counter(e.count)
	case e.child != "":
		return d.export(e.child)
	}
	return e.value
}

// Conflicts returns every live value of a map key, winner last.
func (d *Document) Conflicts(obj, key string) []ir.Value {
	o, ok := d.objects[obj]
	if !ok || o.kind != ir.ObjMap {
		return nil
	}
	reg := o.fields[key]
	out := make([]ir.Value, len(reg))
	for i, e := range reg {
		out[i] = d.entryValue(e)
	}
	return out
}

// clone deep-copies the document state a transaction works on.
func (d *Document) clone() *Document {
	c := &Document{
		id:           d.id,
		epoch:        d.epoch,
		objects:      make(map[string]*object, len(d.objects)),
		changes:      d.changes,
		heads:        slices.Clone(d.heads),
		clock:        make(map[string]int64, len(d.clock)),
		maxOp:        d.maxOp,
		backlogLimit: d.backlogLimit,
	}
	for id, o := range d.objects {
		c.objects[id] = o.clone()
	}
	for a, s := range d.clock {
		c.clock[a] = s
	}
	return c
}
