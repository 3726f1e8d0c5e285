package crdt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/spacesync/internal/ir"
)

// OpID identifies one op: its Lamport counter and the actor that made it.
type OpID struct {
	Counter int64
	Actor   string
}

func (id OpID) String() string {
	return strconv.FormatInt(id.Counter, 10) + "@" + id.Actor
}

// Compare orders ids by counter, then by actor key.
func (id OpID) Compare(o OpID) int {
	switch {
	case id.Counter < o.Counter:
		return -1
	case id.Counter > o.Counter:
		return 1
	}
	return ir.CompareKeys(id.Actor, o.Actor)
}

// ParseOpID parses the "counter@actor" form.
func ParseOpID(s string) (OpID, error) {
	counter, actor, ok := strings.Cut(s, "@")
	if !ok || actor == "" {
		return OpID{}, fmt.Errorf("invalid op id %q", s)
	}
	n, err := strconv.ParseInt(counter, 10, 64)
	if err != nil || n < 1 {
		return OpID{}, fmt.Errorf("invalid op id counter %q", s)
	}
	return OpID{Counter: n, Actor: actor}, nil
}
