package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
)

func TestEnvelope_BlockRoundTrip(t *testing.T) {
	e := NewEnvelope("space", KindBlock)
	e.Block = &ir.FeedBlock{FeedID: "feed", Seq: 3, Payload: []byte(`{"x":1}`), Signature: []byte{1, 2}}
	e.Timeframe = ir.Timeframe{"feed": 2, "other": 0}

	data, err := Encode(e)
	require.NoError(t, err)
	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, e, back)
	assert.NotZero(t, back.Time())
}

func TestEnvelope_BundleRoundTrip(t *testing.T) {
	e := NewEnvelope("space", KindBundle)
	e.Bundle = &Bundle{
		Root:     "bafkroot",
		Snapshot: []byte(`{}`),
		Base:     ir.Timeframe{"a": 4},
		Blocks:   []ir.FeedBlock{{FeedID: "a", Seq: 5, Payload: []byte("p"), Signature: []byte("s")}},
	}
	data, err := Encode(e)
	require.NoError(t, err)
	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, e, back)
}

func TestEnvelope_IDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for range 100 {
		id := NewEnvelope("s", KindAnnounce).ID
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestEnvelope_Invalid(t *testing.T) {
	valid := NewEnvelope("s", KindAnnounce)

	tests := []struct {
		name string
		mod  func(*Envelope)
	}{
		{"bad id", func(e *Envelope) { e.ID = "nope" }},
		{"no space", func(e *Envelope) { e.Space = "" }},
		{"unknown kind", func(e *Envelope) { e.Kind = "gossip" }},
		{"block without block", func(e *Envelope) { e.Kind = KindBlock }},
		{"request without range", func(e *Envelope) { e.Kind = KindRequest }},
		{"inverted range", func(e *Envelope) {
			e.Kind = KindRequest
			e.Range = &Range{Feed: "a", From: 3, To: 1}
		}},
		{"bundle without bundle", func(e *Envelope) { e.Kind = KindBundle }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mod(&e)
			_, err := Encode(e)
			assert.True(t, fault.Is(err, fault.MalformedAssertion), "encode: %v", err)

			raw, err := msgpack.Marshal(e)
			require.NoError(t, err)
			_, err = Decode(raw)
			assert.True(t, fault.Is(err, fault.MalformedAssertion), "decode: %v", err)
		})
	}
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte{0xc1})
	assert.True(t, fault.Is(err, fault.MalformedAssertion))
}
