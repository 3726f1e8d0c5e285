package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageKind(t *testing.T) {
	k, err := Message{SpaceID: "s", Change: &Change{}}.Kind()
	require.NoError(t, err)
	assert.Equal(t, KindChange, k)

	_, err = Message{SpaceID: "s"}.Kind()
	assert.Error(t, err)

	_, err = Message{SpaceID: "s", Change: &Change{}, Credential: &Credential{}}.Kind()
	assert.Error(t, err)
}

func TestEncodeDecodeMessage(t *testing.T) {
	msg := Message{
		SpaceID:   "space",
		Timeframe: Timeframe{"a": 1},
		Credential: &Credential{
			Issuer:    "a",
			Subject:   "b",
			Assertion: AssertAdmit,
			Payload:   Map{"authority": String("writer")},
			Signature: []byte{1, 2, 3},
		},
	}

	payload, err := EncodeMessage(msg)
	require.NoError(t, err)

	back, err := DecodeMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, msg, back)

	again, err := EncodeMessage(back)
	require.NoError(t, err)
	assert.Equal(t, payload, again, "encoding is canonical")
}

func TestEncodeMessageRequiresSpace(t *testing.T) {
	_, err := EncodeMessage(Message{Change: &Change{}})
	assert.Error(t, err)
}

func TestDecodeMessageRejectsEmptyVariant(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"space_id":"s"}`))
	assert.Error(t, err)
	_, err = DecodeMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestOpValueRoundTrip(t *testing.T) {
	change := Change{
		DocumentID: "doc",
		Actor:      "a",
		Seq:        1,
		StartOp:    1,
		Ops: []Op{
			{Action: OpSet, Obj: RootObj, Key: "title", Value: String("x")},
			{Action: OpSet, Obj: RootObj, Key: "views", Value: Counter(0)},
			{Action: OpMake, Obj: RootObj, Key: "tags", Make: ObjList},
			{Action: OpSet, Obj: "3@a", Key: HeadElem, Insert: true, Value: Bool(true)},
			{Action: OpDelete, Obj: RootObj, Key: "old", Pred: []string{"1@b"}},
		},
	}

	payload, err := EncodeMessage(Message{SpaceID: "s", Change: &change})
	require.NoError(t, err)
	back, err := DecodeMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, change, *back.Change)
}

func TestAuthorityRank(t *testing.T) {
	assert.True(t, AuthorityOwner.AtLeast(AuthorityAdmin))
	assert.True(t, AuthorityWriter.AtLeast(AuthorityWriter))
	assert.False(t, AuthorityReader.AtLeast(AuthorityWriter))
	assert.False(t, AuthorityNone.AtLeast(AuthorityNone))

	a, err := ParseAuthority("admin")
	require.NoError(t, err)
	assert.Equal(t, AuthorityAdmin, a)

	_, err = ParseAuthority("root")
	assert.Error(t, err)
}

func TestEpochPayloadRoundTrip(t *testing.T) {
	e := Epoch{
		Number:    2,
		Root:      "bafkroot",
		Prev:      "bafkprev",
		Timeframe: Timeframe{"a": 3, "b": 0},
		Migration: &Migration{
			Name:    "rename-title",
			Version: 1,
			Steps: []MigrationStep{
				{Op: MigrateRename, Path: "title", To: "name"},
				{Op: MigrateSetDefault, Path: "done", Value: Bool(false)},
			},
		},
	}

	payload, err := EpochPayload(e)
	require.NoError(t, err)
	assert.Equal(t, Int(2), payload["number"])

	back, err := ParseEpochPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, e, back)
}

func TestMemberHas(t *testing.T) {
	m := Member{Key: "k", Authority: AuthorityWriter, Capabilities: []Capability{CapEpoch}}
	assert.True(t, m.Has(CapEpoch))
	assert.False(t, m.Has(CapAdmit))
}

func TestAssertionValid(t *testing.T) {
	assert.True(t, AssertRevoke.Valid())
	assert.False(t, AssertionType("grant-everything").Valid())
	assert.True(t, CapAdmit.Valid())
	assert.False(t, Capability("root").Valid())
}
