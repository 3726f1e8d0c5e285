package space

import (
	"context"
	"maps"
	"slices"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
)

// Storage is the persistence a Host needs. store.Store (SQLite) and
// kvstore.Store (LevelDB) both implement it.
type Storage interface {
	PutBlock(ctx context.Context, spaceID string, b ir.FeedBlock) error
	PutBlocks(ctx context.Context, spaceID string, blocks []ir.FeedBlock) error
	GetRange(ctx context.Context, spaceID string, feed ir.FeedID, from, to int64) ([]ir.FeedBlock, error)
	Tips(ctx context.Context, spaceID string) (ir.Timeframe, error)
	Prune(ctx context.Context, spaceID string, tf ir.Timeframe) (int64, error)

	PutEpochSnapshot(ctx context.Context, rec ir.EpochRecord) error
	GetLatestEpoch(ctx context.Context, spaceID string) (ir.EpochRecord, bool, error)
	GetEpochSnapshot(ctx context.Context, spaceID, root string) ([]byte, bool, error)

	PutSpace(ctx context.Context, rec ir.SpaceRecord) error
	GetSpace(ctx context.Context, spaceID string) (ir.SpaceRecord, error)
	ListSpaces(ctx context.Context) ([]ir.SpaceRecord, error)
	DeleteSpace(ctx context.Context, spaceID string) error
}

// Degradation records a peer or feed the space stopped trusting or could
// not persist.
type Degradation struct {
	Peer   string     `json:"peer,omitempty"`
	Feed   ir.FeedID  `json:"feed,omitempty"`
	Code   fault.Code `json:"code"`
	Reason string     `json:"reason"`
}

// Snapshot is an immutable view of a space, published after every event the
// loop processes. Readers never block the loop.
type Snapshot struct {
	SpaceID string
	// Collection names the space's document set; every replica of the
	// space derives the same id.
	Collection string
	Members    []ir.Member
	Documents  map[string]ir.Map
	Epoch      ir.Epoch
	Timeframe  ir.Timeframe
	Degraded   []Degradation
}

// Document returns the plain value of a document.
func (s *Snapshot) Document(id string) (ir.Map, bool) {
	doc, ok := s.Documents[id]
	return doc, ok
}

// DocumentIDs returns the document ids in key order.
func (s *Snapshot) DocumentIDs() []string {
	ids := slices.Collect(maps.Keys(s.Documents))
	slices.SortFunc(ids, ir.CompareKeys)
	return ids
}

// Member returns the membership record for key.
func (s *Snapshot) Member(key string) (ir.Member, bool) {
	for _, m := range s.Members {
		if m.Key == key {
			return m, true
		}
	}
	return ir.Member{}, false
}

// NoticeKind classifies notices.
type NoticeKind string

const (
	// NoticeMembership: the member set changed.
	NoticeMembership NoticeKind = "membership"
	// NoticeDocument: a document changed.
	NoticeDocument NoticeKind = "document"
	// NoticeEpoch: a new epoch was committed.
	NoticeEpoch NoticeKind = "epoch"
	// NoticeRejected: a block was rejected by the chain or the document layer.
	NoticeRejected NoticeKind = "rejected"
	// NoticeSuperseded: a change authored for an older epoch was dropped.
	NoticeSuperseded NoticeKind = "superseded"
	// NoticeDegraded: a peer or feed was marked degraded.
	NoticeDegraded NoticeKind = "degraded"
	// NoticeRebased: the replica was rebuilt from a peer's newer epoch
	// after a document backlog overflowed.
	NoticeRebased NoticeKind = "rebased"
)

// Notice is delivered to subscribers from the loop goroutine.
type Notice struct {
	Kind     NoticeKind
	Space    string
	Document string
	Position ir.Position
	Epoch    int64
	Err      error
}
