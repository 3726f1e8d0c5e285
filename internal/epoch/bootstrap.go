package epoch

import (
	"github.com/roach88/spacesync/internal/ir"
)

// Range is an inclusive run of one feed's sequence numbers.
type Range struct {
	Feed ir.FeedID `json:"feed"`
	From int64     `json:"from"`
	To   int64     `json:"to"`
}

// Len returns the number of blocks in the range.
func (r Range) Len() int64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

// Plan selects what a new member needs to reach the current state: the
// snapshot addressed by Epoch.Root and every block after Base.
type Plan struct {
	Epoch ir.Epoch
	Base  ir.Timeframe
	Tail  []Range
}

// Blocks returns the number of tail blocks the plan transfers.
func (p Plan) Blocks() int64 {
	var n int64
	for _, r := range p.Tail {
		n += r.Len()
	}
	return n
}

// BootstrapPlan returns the plan for a joiner of a space whose committed
// epoch is current and whose feeds end at tips. The tail starts after the
// epoch's Timeframe, so its size depends on activity since the epoch and
// not on the length of the history. Genesis (epoch 0) has an empty base
// and the tail is every feed in full.
func BootstrapPlan(current ir.Epoch, tips ir.Timeframe) Plan {
	base := current.Timeframe.Clone()
	if base == nil {
		base = ir.Timeframe{}
	}
	plan := Plan{Epoch: current, Base: base}
	for _, feed := range tips.Feeds() {
		from := base.Get(feed) + 1
		if to := tips[feed]; to >= from {
			plan.Tail = append(plan.Tail, Range{Feed: feed, From: from, To: to})
		}
	}
	return plan
}
