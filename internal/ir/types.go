package ir

import (
	"encoding/json"
	"fmt"
)

// FeedID identifies a feed. It is the key string of the feed owner.
type FeedID string

// Position names a single block: a feed and a sequence number.
type Position struct {
	Feed FeedID `json:"feed"`
	Seq  int64  `json:"seq"`
}

func (p Position) String() string {
	return fmt.Sprintf("%s@%d", p.Feed, p.Seq)
}

// Less orders positions by feed key, then sequence.
// This is the deterministic tie-break between causally concurrent blocks.
func (p Position) Less(o Position) bool {
	if p.Feed != o.Feed {
		return CompareKeys(string(p.Feed), string(o.Feed)) < 0
	}
	return p.Seq < o.Seq
}

// FeedBlock is the unit of durability and of replication.
// Payload is the canonical JSON of a Message; Signature is by the feed key
// over BlockDigest.
type FeedBlock struct {
	FeedID    FeedID `json:"feed_id" msgpack:"feed_id"`
	Seq       int64  `json:"seq" msgpack:"seq"`
	Payload   []byte `json:"payload" msgpack:"payload"`
	Signature []byte `json:"signature" msgpack:"signature"`
}

// Position returns the block's position.
func (b FeedBlock) Position() Position {
	return Position{Feed: b.FeedID, Seq: b.Seq}
}

// MessageKind tags the variant carried by a Message.
type MessageKind string

const (
	// KindCredential carries a trust assertion.
	KindCredential MessageKind = "credential"
	// KindChange carries a CRDT document change.
	KindChange MessageKind = "change"
	// KindEpoch carries an epoch snapshot (the compacted state).
	KindEpoch MessageKind = "epoch"
)

// Message is the decoded payload of a FeedBlock.
// Exactly one of Credential, Change or Epoch is set.
//
// Timeframe is the author's observed timeframe when the block was appended;
// it is the block's causal dependency set.
type Message struct {
	SpaceID    string         `json:"space_id"`
	Timeframe  Timeframe      `json:"timeframe,omitempty"`
	Credential *Credential    `json:"credential,omitempty"`
	Change     *Change        `json:"change,omitempty"`
	Epoch      *EpochSnapshot `json:"epoch,omitempty"`
}

// Kind returns the variant tag, or an error unless exactly one variant is set.
func (m Message) Kind() (MessageKind, error) {
	var kinds []MessageKind
	if m.Credential != nil {
		kinds = append(kinds, KindCredential)
	}
	if m.Change != nil {
		kinds = append(kinds, KindChange)
	}
	if m.Epoch != nil {
		kinds = append(kinds, KindEpoch)
	}
	if len(kinds) != 1 {
		return "", fmt.Errorf("message must carry exactly one variant, has %d", len(kinds))
	}
	return kinds[0], nil
}

// EncodeMessage validates the variant and returns canonical payload bytes.
func EncodeMessage(m Message) ([]byte, error) {
	if m.SpaceID == "" {
		return nil, fmt.Errorf("encode message: space id is required")
	}
	if _, err := m.Kind(); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return MarshalCanonical(m)
}

// DecodeMessage parses block payload bytes.
func DecodeMessage(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.SpaceID == "" {
		return Message{}, fmt.Errorf("decode message: missing space id")
	}
	if _, err := m.Kind(); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// AssertionType is the closed set of credential assertions.
type AssertionType string

const (
	AssertAdmit    AssertionType = "admit-member"
	AssertRevoke   AssertionType = "revoke-member"
	AssertEpoch    AssertionType = "set-epoch-root"
	AssertDelegate AssertionType = "delegate-capability"
)

// Valid reports whether a is one of the known assertions.
func (a AssertionType) Valid() bool {
	switch a {
	case AssertAdmit, AssertRevoke, AssertEpoch, AssertDelegate:
		return true
	}
	return false
}

// Credential is a signed assertion by Issuer about Subject.
// Signature covers CredentialDigest.
type Credential struct {
	Issuer    string        `json:"issuer"`
	Subject   string        `json:"subject"`
	Assertion AssertionType `json:"assertion"`
	Payload   Map           `json:"payload,omitempty"`
	Signature []byte        `json:"signature,omitempty"`
}

// Authority is a member's authority level.
type Authority string

const (
	AuthorityNone   Authority = ""
	AuthorityReader Authority = "reader"
	AuthorityWriter Authority = "writer"
	AuthorityAdmin  Authority = "admin"
	AuthorityOwner  Authority = "owner"
)

// Rank orders authority levels; unknown levels rank 0.
func (a Authority) Rank() int {
	switch a {
	case AuthorityReader:
		return 1
	case AuthorityWriter:
		return 2
	case AuthorityAdmin:
		return 3
	case AuthorityOwner:
		return 4
	}
	return 0
}

// AtLeast reports whether a ranks at or above o.
func (a Authority) AtLeast(o Authority) bool {
	return a.Rank() >= o.Rank() && a.Rank() > 0
}

// ParseAuthority parses a level name.
func ParseAuthority(s string) (Authority, error) {
	a := Authority(s)
	if a.Rank() == 0 {
		return AuthorityNone, fmt.Errorf("unknown authority %q", s)
	}
	return a, nil
}

// Capability is a delegated permission on top of an authority level.
type Capability string

const (
	// CapEpoch allows committing epochs.
	CapEpoch Capability = "epoch"
	// CapAdmit allows admitting readers and writers.
	CapAdmit Capability = "admit"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	return c == CapEpoch || c == CapAdmit
}

// Member is one entry of a membership set.
type Member struct {
	Key          string       `json:"key"`
	Authority    Authority    `json:"authority"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// Has reports whether the member holds capability c.
func (m Member) Has(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Epoch is a committed compaction checkpoint.
// Root is the CID of the canonical EpochSnapshot bytes.
type Epoch struct {
	Number    int64      `json:"number"`
	Root      string     `json:"root,omitempty"`
	Prev      string     `json:"prev,omitempty"`
	Timeframe Timeframe  `json:"timeframe,omitempty"`
	Migration *Migration `json:"migration,omitempty"`
}

// EpochSnapshot is the folded state an epoch's root refers to.
type EpochSnapshot struct {
	SpaceID   string         `json:"space_id"`
	Number    int64          `json:"number"`
	Prev      string         `json:"prev,omitempty"`
	Timeframe Timeframe      `json:"timeframe,omitempty"`
	Members   []Member       `json:"members,omitempty"`
	Documents map[string]Map `json:"documents,omitempty"`
	Migration *Migration     `json:"migration,omitempty"`
}

// Record returns the epoch record for a snapshot with the given root.
func (s EpochSnapshot) Record(root string) Epoch {
	return Epoch{
		Number:    s.Number,
		Root:      root,
		Prev:      s.Prev,
		Timeframe: s.Timeframe.Clone(),
		Migration: s.Migration,
	}
}

// EpochPayload encodes an epoch record as a set-epoch-root credential payload.
func EpochPayload(e Epoch) (Map, error) {
	raw, err := MarshalCanonical(e)
	if err != nil {
		return nil, fmt.Errorf("epoch payload: %w", err)
	}
	v, err := ParseValue(raw)
	if err != nil {
		return nil, fmt.Errorf("epoch payload: %w", err)
	}
	return v.(Map), nil
}

// ParseEpochPayload decodes a set-epoch-root credential payload.
func ParseEpochPayload(m Map) (Epoch, error) {
	raw, err := MarshalCanonical(m)
	if err != nil {
		return Epoch{}, fmt.Errorf("parse epoch payload: %w", err)
	}
	var e Epoch
	if err := json.Unmarshal(raw, &e); err != nil {
		return Epoch{}, fmt.Errorf("parse epoch payload: %w", err)
	}
	return e, nil
}

// OpAction is the closed set of CRDT operations.
type OpAction string

const (
	OpSet       OpAction = "set"
	OpDelete    OpAction = "del"
	OpIncrement OpAction = "inc"
	OpMake      OpAction = "make"
)

// ObjKind is the kind of a nested CRDT object.
type ObjKind string

const (
	ObjMap  ObjKind = "map"
	ObjList ObjKind = "list"
)

// Reserved object and element references.
const (
	RootObj  = "_root"
	HeadElem = "_head"
)

// Op is a single CRDT operation. Its id is (change.StartOp + index, actor).
//
// For map objects Key is the field name. For list objects Key is the target
// element id, or the reference element ("_head" or an element id) when
// Insert is set.
type Op struct {
	Action OpAction `json:"action"`
	Obj    string   `json:"obj"`
	Key    string   `json:"key"`
	Insert bool     `json:"insert,omitempty"`
	Value  Value    `json:"value,omitempty"`
	Make   ObjKind  `json:"make,omitempty"`
	Pred   []string `json:"pred,omitempty"`
}

// UnmarshalJSON decodes an op, including its sealed Value.
func (o *Op) UnmarshalJSON(data []byte) error {
	type plain Op
	var aux struct {
		plain
		Value json.RawMessage `json:"value,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*o = Op(aux.plain)
	o.Value = nil
	if len(aux.Value) > 0 {
		v, err := ParseValue(aux.Value)
		if err != nil {
			return fmt.Errorf("op value: %w", err)
		}
		o.Value = v
	}
	return nil
}

// Change is an atomic group of ops by one actor on one document.
// Deps are the hashes of the document heads the actor had applied.
type Change struct {
	DocumentID string   `json:"document_id"`
	Actor      string   `json:"actor"`
	Seq        int64    `json:"seq"`
	StartOp    int64    `json:"start_op"`
	Epoch      int64    `json:"epoch"`
	Deps       []string `json:"deps,omitempty"`
	Ops        []Op     `json:"ops"`
	Message    string   `json:"message,omitempty"`
}

// MigrationOp is the closed set of migration steps.
type MigrationOp string

const (
	MigrateRename     MigrationOp = "rename"
	MigrateSetDefault MigrationOp = "set_default"
	MigrateDrop       MigrationOp = "drop"
	MigrateCopy       MigrationOp = "copy"
)

// Migration is a deterministic transform applied to documents across an
// epoch boundary.
type Migration struct {
	Name    string          `json:"name"`
	Version int64           `json:"version"`
	Steps   []MigrationStep `json:"steps"`
}

// MigrationStep transforms one dotted field path.
type MigrationStep struct {
	Op        MigrationOp `json:"op"`
	Path      string      `json:"path"`
	To        string      `json:"to,omitempty"`
	Value     Value       `json:"value,omitempty"`
	Documents []string    `json:"documents,omitempty"`
}

// UnmarshalJSON decodes a step, including its sealed Value.
func (s *MigrationStep) UnmarshalJSON(data []byte) error {
	type plain MigrationStep
	var aux struct {
		plain
		Value json.RawMessage `json:"value,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = MigrationStep(aux.plain)
	s.Value = nil
	if len(aux.Value) > 0 {
		v, err := ParseValue(aux.Value)
		if err != nil {
			return fmt.Errorf("migration value: %w", err)
		}
		s.Value = v
	}
	return nil
}
