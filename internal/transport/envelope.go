package transport

import (
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
)

// Kind tags the envelope variant.
type Kind string

const (
	// KindBlock carries one feed block, local or relayed.
	KindBlock Kind = "block"
	// KindAnnounce carries the sender's Timeframe for anti-entropy.
	KindAnnounce Kind = "announce"
	// KindRequest asks the receiver for a range of one feed.
	KindRequest Kind = "request"
	// KindBundleRequest asks for a bootstrap bundle.
	KindBundleRequest Kind = "bundle_request"
	// KindBundle answers a bundle request.
	KindBundle Kind = "bundle"
)

// Range is an inclusive run of one feed's sequence numbers.
type Range struct {
	Feed ir.FeedID `msgpack:"feed"`
	From int64     `msgpack:"from"`
	To   int64     `msgpack:"to"`
}

// Bundle is what a joiner needs to reach a space's current state: the
// committed snapshot (empty at genesis) and every block after Base.
type Bundle struct {
	Root     string         `msgpack:"root,omitempty"`
	Snapshot []byte         `msgpack:"snapshot,omitempty"`
	Base     ir.Timeframe   `msgpack:"base,omitempty"`
	Blocks   []ir.FeedBlock `msgpack:"blocks"`
}

// Envelope is the unit sent over a Transport.
type Envelope struct {
	ID        string        `msgpack:"id"`
	Space     string        `msgpack:"space"`
	Kind      Kind          `msgpack:"kind"`
	Block     *ir.FeedBlock `msgpack:"block,omitempty"`
	Timeframe ir.Timeframe  `msgpack:"timeframe,omitempty"`
	Range     *Range        `msgpack:"range,omitempty"`
	Bundle    *Bundle       `msgpack:"bundle,omitempty"`
}

// NewEnvelope returns an envelope of kind for space with a fresh ULID.
func NewEnvelope(space string, kind Kind) Envelope {
	return Envelope{ID: ulid.Make().String(), Space: space, Kind: kind}
}

// Encode validates e and returns its msgpack bytes.
func Encode(e Envelope) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses and validates msgpack bytes.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return Envelope{}, fault.Wrap(fault.MalformedAssertion, err, "decode envelope")
	}
	if err := e.validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func (e Envelope) validate() error {
	if _, err := ulid.ParseStrict(e.ID); err != nil {
		return fault.Wrap(fault.MalformedAssertion, err, "envelope id")
	}
	if e.Space == "" {
		return fault.New(fault.MalformedAssertion, "envelope without space").With("id", e.ID)
	}
	var ok bool
	switch e.Kind {
	case KindBlock:
		ok = e.Block != nil
	case KindAnnounce, KindBundleRequest:
		ok = true
	case KindRequest:
		ok = e.Range != nil && e.Range.From <= e.Range.To
	case KindBundle:
		ok = e.Bundle != nil
	default:
		return fault.New(fault.MalformedAssertion, "unknown envelope kind %q", e.Kind).With("id", e.ID)
	}
	if !ok {
		return fault.New(fault.MalformedAssertion, "incomplete %s envelope", e.Kind).With("id", e.ID)
	}
	return nil
}

// Time returns the envelope's creation time in Unix milliseconds.
func (e Envelope) Time() uint64 {
	id, err := ulid.Parse(e.ID)
	if err != nil {
		return 0
	}
	return id.Time()
}
