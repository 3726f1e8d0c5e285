package crdt

import (
	"slices"

	"github.com/roach88/spacesync/internal/ir"
)

// entry is one live op in a register.
type entry struct {
	id      OpID
	value   ir.Value // scalar; nil for counters and child objects
	counter bool
	count   int64
	child   string
}

func (e *entry) clone() *entry {
	c := *e
	return &c
}

// register is the live op set of a map key or list element, sorted by id.
type register []*entry

func (r register) winner() *entry {
	if len(r) == 0 {
		return nil
	}
	return r[len(r)-1]
}

func (r register) ids() []string {
	if len(r) == 0 {
		return nil
	}
	out := make([]string, len(r))
	for i, e := range r {
		out[i] = e.id.String()
	}
	return out
}

func (r register) clone() register {
	out := make(register, len(r))
	for i, e := range r {
		out[i] = e.clone()
	}
	return out
}

// apply folds one op into the register.
func (r register) apply(id OpID, op ir.Op) register {
	switch op.Action {
	case ir.OpIncrement:
		delta := int64(op.Value.(ir.Int))
		for _, e := range r {
			if e.counter && slices.Contains(op.Pred, e.id.String()) {
				e.count += delta
			}
		}
		return r
	case ir.OpDelete:
		return r.without(op.Pred)
	}

	next := r.without(op.Pred)
	e := &entry{id: id}
	switch {
	case op.Action == ir.OpMake:
		e.child = id.String()
	default:
		if c, ok := op.Value.(ir.Counter); ok {
			e.counter = true
			e.count = int64(c)
		} else {
			e.value = op.Value
		}
	}
	i, _ := slices.BinarySearchFunc(next, id, func(x *entry, id OpID) int { return x.id.Compare(id) })
	return slices.Insert(next, i, e)
}

func (r register) without(pred []string) register {
	if len(pred) == 0 {
		return r
	}
	return slices.DeleteFunc(r, func(e *entry) bool {
		return slices.Contains(pred, e.id.String())
	})
}

// element is one RGA list slot; it is visible while its register is live.
type element struct {
	id  OpID
	reg register
}

type object struct {
	kind   ir.ObjKind
	fields map[string]register
	elems  []*element
}

func newObject(kind ir.ObjKind) *object {
	o := &object{kind: kind}
	if kind == ir.ObjMap {
		o.fields = make(map[string]register)
	}
	return o
}

func (o *object) clone() *object {
	c := &object{kind: o.kind}
	if o.fields != nil {
		c.fields = make(map[string]register, len(o.fields))
		for k, r := range o.fields {
			c.fields[k] = r.clone()
		}
	}
	if o.elems != nil {
		c.elems = make([]*element, len(o.elems))
		for i, el := range o.elems {
			c.elems[i] = &element{id: el.id, reg: el.reg.clone()}
		}
	}
	return c
}

// indexOf returns the slot index of the element with the given id.
func (o *object) indexOf(elem string) int {
	for i, el := range o.elems {
		if el.id.String() == elem {
			return i
		}
	}
	return -1
}

// insertAfter places a new element after ref, skipping concurrently
// inserted siblings (and their descendants) with greater ids.
func (o *object) insertAfter(ref string, el *element) {
	i := 0
	if ref != ir.HeadElem {
		i = o.indexOf(ref) + 1
	}
	for i < len(o.elems) && o.elems[i].id.Compare(el.id) > 0 {
		i++
	}
	o.elems = slices.Insert(o.elems, i, el)
}

// visible returns the elements with a live value, in list order.
func (o *object) visible() []*element {
	var out []*element
	for _, el := range o.elems {
		if len(el.reg) > 0 {
			out = append(out, el)
		}
	}
	return out
}
