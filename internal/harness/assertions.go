package harness

import (
	"fmt"

	"github.com/roach88/spacesync/internal/ir"
)

// check evaluates one assertion against the live hosts.
func (h *Harness) check(a Assertion) error {
	switch a.Type {
	case AssertDocument:
		return h.assertDocument(a)
	case AssertConverged:
		return h.assertConverged(a)
	case AssertMember:
		return h.assertMember(a)
	case AssertEpoch:
		return h.assertEpoch(a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func (h *Harness) assertDocument(a Assertion) error {
	sp, err := h.space(a.Peer, a.Space)
	if err != nil {
		return err
	}
	got, err := sp.Document(a.Document)
	if err != nil {
		return err
	}
	want, err := ir.FromGo(a.Expect)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}
	if !ir.Equal(want, got) {
		return fmt.Errorf("document %q on %s: want %s, got %s", a.Document, a.Peer, render(want), render(got))
	}
	return nil
}

// assertConverged compares every peer that holds the space against the
// first one: same timeframe and same document value.
func (h *Harness) assertConverged(a Assertion) error {
	var (
		first    string
		refDoc   ir.Map
		refFrame ir.Timeframe
		holders  int
	)
	for _, peer := range h.scenario.Peers {
		sp, err := h.space(peer, a.Space)
		if err != nil {
			continue
		}
		doc, err := sp.Document(a.Document)
		if err != nil {
			return fmt.Errorf("%s: %w", peer, err)
		}
		frame := sp.Snapshot().Timeframe
		holders++
		if holders == 1 {
			first, refDoc, refFrame = peer, doc, frame
			continue
		}
		if !ir.Equal(refDoc, doc) {
			return fmt.Errorf("%w: document %q is %s on %s but %s on %s",
				errNotConverged, a.Document, render(refDoc), first, render(doc), peer)
		}
		if !refFrame.Equal(frame) {
			return fmt.Errorf("%w: timeframe %s on %s but %s on %s",
				errNotConverged, refFrame, first, frame, peer)
		}
	}
	if holders < 2 {
		return fmt.Errorf("space %q is held by %d peers, need at least 2", a.Space, holders)
	}
	return nil
}

func (h *Harness) assertMember(a Assertion) error {
	sp, err := h.space(a.Peer, a.Space)
	if err != nil {
		return err
	}
	m, ok := sp.Snapshot().Member(h.key(a.Subject))
	got := ""
	if ok {
		got = string(m.Authority)
	}
	if got != a.Authority {
		return fmt.Errorf("%s on %s: want authority %q, got %q", a.Subject, a.Peer, a.Authority, got)
	}
	return nil
}

func (h *Harness) assertEpoch(a Assertion) error {
	sp, err := h.space(a.Peer, a.Space)
	if err != nil {
		return err
	}
	if got := sp.Snapshot().Epoch.Number; got != a.Number {
		return fmt.Errorf("epoch on %s: want %d, got %d", a.Peer, a.Number, got)
	}
	return nil
}

func render(v ir.Value) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
