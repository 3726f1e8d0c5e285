package keys

import (
	"bytes"
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/spacesync/internal/fault"
)

func digest(s string) []byte {
	d := sha256.Sum256([]byte(s))
	return d[:]
}

func TestSignVerify(t *testing.T) {
	for _, alg := range []Algorithm{Ed25519, Dilithium3} {
		t.Run(string(alg), func(t *testing.T) {
			s, err := FromSeed(alg, DeriveSeed([]byte("root"), "alice"))
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(s.PublicKey(), string(alg)+":"))

			sig, err := s.Sign(digest("hello"))
			require.NoError(t, err)

			require.NoError(t, Verify(s.PublicKey(), digest("hello"), sig))

			err = Verify(s.PublicKey(), digest("tampered"), sig)
			assert.True(t, fault.Is(err, fault.SignatureInvalid))
		})
	}
}

func TestVerifyWrongKey(t *testing.T) {
	alice := NewEd25519(DeriveSeed([]byte("root"), "alice"))
	bob := NewEd25519(DeriveSeed([]byte("root"), "bob"))

	sig, err := alice.Sign(digest("x"))
	require.NoError(t, err)
	assert.True(t, fault.Is(Verify(bob.PublicKey(), digest("x"), sig), fault.SignatureInvalid))
}

func TestVerifyBadKeyString(t *testing.T) {
	for _, key := range []string{"", "ed25519", "ed25519:", "rsa:abc", "ed25519:0OIl"} {
		err := Verify(key, digest("x"), []byte("sig"))
		assert.True(t, fault.Is(err, fault.SignatureInvalid), key)
	}
}

func TestDeterministicSeeds(t *testing.T) {
	a1 := NewEd25519(DeriveSeed([]byte("root"), "alice"))
	a2 := NewEd25519(DeriveSeed([]byte("root"), "alice"))
	b := NewEd25519(DeriveSeed([]byte("root"), "bob"))

	assert.Equal(t, a1.PublicKey(), a2.PublicKey())
	assert.NotEqual(t, a1.PublicKey(), b.PublicKey())
	assert.Equal(t, DeriveSeed([]byte("root"), "alice"), a1.Seed())
}

func TestGenerateUsesReader(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, SeedSize)
	s, err := Generate(Ed25519, bytes.NewReader(seed))
	require.NoError(t, err)
	assert.Equal(t, NewEd25519(seed).PublicKey(), s.PublicKey())

	_, err = Generate(Ed25519, bytes.NewReader([]byte{1, 2}))
	assert.Error(t, err)
}

func TestFromSeedRejects(t *testing.T) {
	_, err := FromSeed(Ed25519, []byte("short"))
	assert.Error(t, err)
	_, err = FromSeed("rsa", make([]byte, SeedSize))
	assert.Error(t, err)
}

func TestParseKeyRoundTrip(t *testing.T) {
	s := NewDilithium3(DeriveSeed([]byte("root"), "pq"))
	alg, pub, err := ParseKey(s.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, Dilithium3, alg)
	assert.Equal(t, s.PublicKey(), FormatKey(alg, pub))
}

func TestShort(t *testing.T) {
	key := NewEd25519(DeriveSeed([]byte("root"), "alice")).PublicKey()
	short := Short(key)
	assert.True(t, strings.HasPrefix(key, short))
	assert.Len(t, short, len("ed25519:")+8)
	assert.Equal(t, "x", Short("x"))
}
