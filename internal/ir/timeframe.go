package ir

import (
	"slices"
	"strconv"
	"strings"
)

// Timeframe maps each feed to the highest sequence number observed
// contiguously from the feed's start. A feed that is absent has seq -1.
type Timeframe map[FeedID]int64

// Get returns the contiguous high-water mark for feed, or -1.
func (tf Timeframe) Get(feed FeedID) int64 {
	if seq, ok := tf[feed]; ok {
		return seq
	}
	return -1
}

// Advance raises feed's mark to seq. Marks never move backwards.
func (tf Timeframe) Advance(feed FeedID, seq int64) {
	if seq > tf.Get(feed) {
		tf[feed] = seq
	}
}

// Covers reports whether the block at p is inside the timeframe.
func (tf Timeframe) Covers(p Position) bool {
	return p.Seq <= tf.Get(p.Feed)
}

// Merge returns the pointwise maximum of tf and other.
func (tf Timeframe) Merge(other Timeframe) Timeframe {
	out := make(Timeframe, len(tf)+len(other))
	for feed, seq := range tf {
		out[feed] = seq
	}
	for feed, seq := range other {
		out.Advance(feed, seq)
	}
	return out
}

// Dominates reports whether tf covers everything other covers.
func (tf Timeframe) Dominates(other Timeframe) bool {
	for feed, seq := range other {
		if tf.Get(feed) < seq {
			return false
		}
	}
	return true
}

// Missing returns the feeds where deps is ahead of tf, with tf's mark.
// An empty result means every dependency is satisfied.
func (tf Timeframe) Missing(deps Timeframe) []Position {
	var out []Position
	for _, feed := range deps.Feeds() {
		if have := tf.Get(feed); have < deps[feed] {
			out = append(out, Position{Feed: feed, Seq: have + 1})
		}
	}
	return out
}

// Clone returns a copy; nil stays nil.
func (tf Timeframe) Clone() Timeframe {
	if tf == nil {
		return nil
	}
	out := make(Timeframe, len(tf))
	for feed, seq := range tf {
		out[feed] = seq
	}
	return out
}

// Feeds returns the feed ids in key order.
func (tf Timeframe) Feeds() []FeedID {
	feeds := make([]FeedID, 0, len(tf))
	for feed := range tf {
		feeds = append(feeds, feed)
	}
	slices.SortFunc(feeds, func(a, b FeedID) int {
		return CompareKeys(string(a), string(b))
	})
	return feeds
}

// Equal reports whether both timeframes hold the same marks.
// Entries at -1 are equivalent to absent entries.
func (tf Timeframe) Equal(other Timeframe) bool {
	return tf.Dominates(other) && other.Dominates(tf)
}

func (tf Timeframe) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, feed := range tf.Feeds() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(feed))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(tf[feed], 10))
	}
	b.WriteByte('}')
	return b.String()
}
