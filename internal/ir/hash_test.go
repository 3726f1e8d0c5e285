package ir

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockDigestDeterminism(t *testing.T) {
	d1, err := BlockDigest("feed-a", 3, []byte(`{"x":1}`))
	require.NoError(t, err)
	d2, err := BlockDigest("feed-a", 3, []byte(`{"x":1}`))
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 32)
}

func TestBlockDigestBindsPosition(t *testing.T) {
	payload := []byte(`{"x":1}`)
	base, err := BlockDigest("feed-a", 3, payload)
	require.NoError(t, err)

	otherSeq, err := BlockDigest("feed-a", 4, payload)
	require.NoError(t, err)
	otherFeed, err := BlockDigest("feed-b", 3, payload)
	require.NoError(t, err)
	otherPayload, err := BlockDigest("feed-a", 3, []byte(`{"x":2}`))
	require.NoError(t, err)

	assert.NotEqual(t, base, otherSeq)
	assert.NotEqual(t, base, otherFeed)
	assert.NotEqual(t, base, otherPayload)
}

func TestBlockHashIsHexDigest(t *testing.T) {
	b := FeedBlock{FeedID: "f", Seq: 0, Payload: []byte("p"), Signature: []byte("sig")}
	h, err := BlockHash(b)
	require.NoError(t, err)

	d, err := BlockDigest("f", 0, []byte("p"))
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(d), h)

	b.Signature = []byte("other")
	h2, err := BlockHash(b)
	require.NoError(t, err)
	assert.Equal(t, h, h2, "signature is not part of the block hash")
}

func TestCredentialDigestExcludesSignature(t *testing.T) {
	c := Credential{
		Issuer:    "issuer",
		Subject:   "subject",
		Assertion: AssertAdmit,
		Payload:   Map{"authority": String("writer")},
	}
	unsigned, err := CredentialDigest(c)
	require.NoError(t, err)

	c.Signature = []byte("signature")
	signed, err := CredentialDigest(c)
	require.NoError(t, err)
	assert.Equal(t, unsigned, signed)

	c.Payload = Map{"authority": String("admin")}
	changed, err := CredentialDigest(c)
	require.NoError(t, err)
	assert.NotEqual(t, unsigned, changed)
}

func TestChangeHash(t *testing.T) {
	c := Change{
		DocumentID: "doc",
		Actor:      "a",
		Seq:        1,
		StartOp:    1,
		Ops:        []Op{{Action: OpSet, Obj: RootObj, Key: "k", Value: Int(1)}},
	}
	h1 := MustChangeHash(c)
	assert.Len(t, h1, 64)
	assert.Equal(t, h1, MustChangeHash(c))

	c.Deps = []string{"dep"}
	assert.NotEqual(t, h1, MustChangeHash(c))
}

func TestDomainSeparation(t *testing.T) {
	data := []byte("same bytes")
	seen := map[string]string{}
	for _, domain := range []string{DomainBlock, DomainChange, DomainCredential, DomainCollection} {
		h := hashWithDomain(domain, data)
		for other, prev := range seen {
			assert.NotEqual(t, prev, h, "%s collides with %s", domain, other)
		}
		seen[domain] = h
	}
}

func TestHashWithDomainNullSeparator(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not collide.
	assert.NotEqual(t, hashWithDomain("ab", []byte("c")), hashWithDomain("a", []byte("bc")))
}

func TestCollectionID(t *testing.T) {
	assert.Equal(t, CollectionID("s1"), CollectionID("s1"))
	assert.NotEqual(t, CollectionID("s1"), CollectionID("s2"))
}

func TestMustChangeHashPanics(t *testing.T) {
	bad := Change{Ops: []Op{{Action: OpSet, Obj: RootObj, Key: "k", Value: List{nil}}}}
	assert.Panics(t, func() { MustChangeHash(bad) })
}
