package crdt

import (
	"strings"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
)

// Tx records local edits as ops. It works on a private copy of the
// document, so reads inside the transaction see its own writes.
type Tx struct {
	view   *Document
	actor  string
	change ir.Change
}

// Pending is a prepared local change waiting for Commit or Abort.
type Pending struct {
	doc    *Document
	change ir.Change
	done   bool
}

// Prepare runs fn in a transaction for actor and returns the resulting
// change without applying it. The caller appends the change to its feed,
// then calls Commit, or Abort if the append failed. Until then the document
// refuses another Prepare with RecursiveChange.
func (d *Document) Prepare(actor string, fn func(*Tx) error) (*Pending, error) {
	if !d.busy.CompareAndSwap(false, true) {
		return nil, fault.New(fault.RecursiveChange, "document has a change in progress").With("document", d.id)
	}
	if actor == "" {
		d.busy.Store(false)
		return nil, fault.New(fault.InvalidArgument, "actor is required")
	}
	tx := &Tx{
		view:  d.clone(),
		actor: actor,
		change: ir.Change{
			DocumentID: d.id,
			Actor:      actor,
			Seq:        d.clock[actor] + 1,
			StartOp:    d.maxOp + 1,
			Epoch:      d.epoch,
			Deps:       d.Heads(),
		},
	}
	if err := fn(tx); err != nil {
		d.busy.Store(false)
		return nil, err
	}
	if len(tx.change.Deps) == 0 {
		tx.change.Deps = nil
	}
	return &Pending{doc: d, change: tx.change}, nil
}

// Change returns the prepared change.
func (p *Pending) Change() ir.Change { return p.change }

// Empty reports whether the transaction produced no ops.
func (p *Pending) Empty() bool { return len(p.change.Ops) == 0 }

// Commit applies the prepared change to the document and returns its hash.
// An empty change is not applied.
func (p *Pending) Commit() (string, error) {
	if p.done {
		return "", fault.New(fault.InvalidArgument, "change already settled")
	}
	p.done = true
	defer p.doc.busy.Store(false)

	if p.Empty() {
		return "", nil
	}
	hash, err := ir.ChangeHash(p.change)
	if err != nil {
		return "", fault.Wrap(fault.InvalidArgument, err, "hash change")
	}
	if err := p.doc.merge(hash, p.change); err != nil {
		return "", err
	}
	p.doc.release()
	return hash, nil
}

// Abort discards the prepared change.
func (p *Pending) Abort() {
	if p.done {
		return
	}
	p.done = true
	p.doc.busy.Store(false)
}

// emit records an op and applies it to the transaction's view.
func (tx *Tx) emit(op ir.Op) OpID {
	id := OpID{Counter: tx.change.StartOp + int64(len(tx.change.Ops)), Actor: tx.actor}
	tx.change.Ops = append(tx.change.Ops, op)
	tx.view.applyOp(id, op)
	return id
}

func (tx *Tx) object(obj string, kind ir.ObjKind) (*object, error) {
	o, ok := tx.view.objects[obj]
	if !ok {
		return nil, fault.New(fault.InvalidArgument, "unknown object %s", obj)
	}
	if o.kind != kind {
		return nil, fault.New(fault.InvalidArgument, "object %s is a %s, not a %s", obj, o.kind, kind)
	}
	return o, nil
}

func checkKey(key string) error {
	if key == "" || ir.ReservedKey(key) {
		return fault.New(fault.InvalidArgument, "invalid key %q", key)
	}
	return nil
}

// Set writes v at key of map obj. Maps and lists are created as nested
// objects and filled recursively.
func (tx *Tx) Set(obj, key string, v ir.Value) error {
	o, err := tx.object(obj, ir.ObjMap)
	if err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}
	pred := o.fields[key].ids()
	return tx.write(ir.Op{Obj: obj, Key: key, Pred: pred}, v)
}

// write emits op carrying v: a plain set for scalars, a make followed by
// nested writes for containers.
func (tx *Tx) write(op ir.Op, v ir.Value) error {
	switch v := v.(type) {
	case ir.String, ir.Int, ir.Bool, ir.Counter:
		op.Action = ir.OpSet
		op.Value = v
		tx.emit(op)
		return nil
	case ir.Map:
		op.Action = ir.OpMake
		op.Make = ir.ObjMap
		child := tx.emit(op).String()
		for _, k := range v.SortedKeys() {
			if err := tx.Set(child, k, v[k]); err != nil {
				return err
			}
		}
		return nil
	case ir.List:
		op.Action = ir.OpMake
		op.Make = ir.ObjList
		child := tx.emit(op).String()
		for i, item := range v {
			if _, err := tx.Insert(child, i, item); err != nil {
				return err
			}
		}
		return nil
	}
	return fault.New(fault.InvalidArgument, "cannot store %T", v)
}

// Delete removes key from map obj. Deleting an absent key is a no-op.
func (tx *Tx) Delete(obj, key string) error {
	o, err := tx.object(obj, ir.ObjMap)
	if err != nil {
		return err
	}
	reg := o.fields[key]
	if len(reg) == 0 {
		return nil
	}
	tx.emit(ir.Op{Action: ir.OpDelete, Obj: obj, Key: key, Pred: reg.ids()})
	return nil
}

// Increment adds delta to the counter at key of map obj.
func (tx *Tx) Increment(obj, key string, delta int64) error {
	o, err := tx.object(obj, ir.ObjMap)
	if err != nil {
		return err
	}
	w := o.fields[key].winner()
	if w == nil || !w.counter {
		return fault.New(fault.InvalidArgument, "%s is not a counter", key)
	}
	tx.emit(ir.Op{Action: ir.OpIncrement, Obj: obj, Key: key, Value: ir.Int(delta), Pred: []string{w.id.String()}})
	return nil
}

// Insert adds v at index of list obj and returns the new element id.
func (tx *Tx) Insert(obj string, index int, v ir.Value) (string, error) {
	o, err := tx.object(obj, ir.ObjList)
	if err != nil {
		return "", err
	}
	vis := o.visible()
	if index < 0 || index > len(vis) {
		return "", fault.New(fault.InvalidArgument, "index %d out of range [0,%d]", index, len(vis))
	}
	ref := ir.HeadElem
	if index > 0 {
		ref = vis[index-1].id.String()
	}
	next := OpID{Counter: tx.change.StartOp + int64(len(tx.change.Ops)), Actor: tx.actor}
	if err := tx.write(ir.Op{Obj: obj, Key: ref, Insert: true}, v); err != nil {
		return "", err
	}
	return next.String(), nil
}

// Push appends v to list obj.
func (tx *Tx) Push(obj string, v ir.Value) (string, error) {
	n, err := tx.Len(obj)
	if err != nil {
		return "", err
	}
	return tx.Insert(obj, n, v)
}

// SetIndex overwrites the element at index of list obj.
func (tx *Tx) SetIndex(obj string, index int, v ir.Value) error {
	el, err := tx.element(obj, index)
	if err != nil {
		return err
	}
	return tx.write(ir.Op{Obj: obj, Key: el.id.String(), Pred: el.reg.ids()}, v)
}

// DeleteIndex removes the element at index of list obj.
func (tx *Tx) DeleteIndex(obj string, index int) error {
	el, err := tx.element(obj, index)
	if err != nil {
		return err
	}
	tx.emit(ir.Op{Action: ir.OpDelete, Obj: obj, Key: el.id.String(), Pred: el.reg.ids()})
	return nil
}

func (tx *Tx) element(obj string, index int) (*element, error) {
	o, err := tx.object(obj, ir.ObjList)
	if err != nil {
		return nil, err
	}
	vis := o.visible()
	if index < 0 || index >= len(vis) {
		return nil, fault.New(fault.InvalidArgument, "index %d out of range [0,%d)", index, len(vis))
	}
	return vis[index], nil
}

// Len returns the visible length of list obj.
func (tx *Tx) Len(obj string) (int, error) {
	o, err := tx.object(obj, ir.ObjList)
	if err != nil {
		return 0, err
	}
	return len(o.visible()), nil
}

// Get returns the visible value at key of map obj.
func (tx *Tx) Get(obj, key string) (ir.Value, bool) {
	o, ok := tx.view.objects[obj]
	if !ok || o.kind != ir.ObjMap {
		return nil, false
	}
	w := o.fields[key].winner()
	if w == nil {
		return nil, false
	}
	return tx.view.entryValue(w), true
}

// Object returns the id of the nested object at key of map obj.
func (tx *Tx) Object(obj, key string) (string, bool) {
	o, ok := tx.view.objects[obj]
	if !ok || o.kind != ir.ObjMap {
		return "", false
	}
	w := o.fields[key].winner()
	if w == nil || w.child == "" {
		return "", false
	}
	return w.child, true
}

// Value returns the transaction's view of the whole document.
func (tx *Tx) Value() ir.Map { return tx.view.Value() }

// Resolve walks a dotted path of map keys from the root and returns the
// object holding the last segment, and that segment.
func (tx *Tx) Resolve(path string) (obj, key string, err error) {
	parts := strings.Split(path, ".")
	obj = ir.RootObj
	for _, p := range parts[:len(parts)-1] {
		next, ok := tx.Object(obj, p)
		if !ok {
			return "", "", fault.New(fault.InvalidArgument, "path %q: %s is not an object", path, p)
		}
		obj = next
	}
	return obj, parts[len(parts)-1], nil
}

// SetPath sets a dotted path.
func (tx *Tx) SetPath(path string, v ir.Value) error {
	obj, key, err := tx.Resolve(path)
	if err != nil {
		return err
	}
	return tx.Set(obj, key, v)
}

// DeletePath deletes a dotted path.
func (tx *Tx) DeletePath(path string) error {
	obj, key, err := tx.Resolve(path)
	if err != nil {
		return err
	}
	return tx.Delete(obj, key)
}

// IncrementPath increments the counter at a dotted path.
func (tx *Tx) IncrementPath(path string, delta int64) error {
	obj, key, err := tx.Resolve(path)
	if err != nil {
		return err
	}
	return tx.Increment(obj, key, delta)
}

// PushPath appends to the list at a dotted path.
func (tx *Tx) PushPath(path string, v ir.Value) error {
	obj, key, err := tx.Resolve(path)
	if err != nil {
		return err
	}
	list, ok := tx.Object(obj, key)
	if !ok {
		return fault.New(fault.InvalidArgument, "path %q is not a list", path)
	}
	_, err = tx.Push(list, v)
	return err
}
