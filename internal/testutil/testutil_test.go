package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs("")
	assert.Equal(t, "doc-0001", g.Generate())
	assert.Equal(t, "doc-0002", g.Generate())

	g.Reset()
	assert.Equal(t, "doc-0001", g.Generate())
}

func TestSequentialIDsConcurrent(t *testing.T) {
	g := NewSequentialIDs("x")
	var wg sync.WaitGroup
	seen := sync.Map{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, dup := seen.LoadOrStore(g.Generate(), true)
			assert.False(t, dup)
		}()
	}
	wg.Wait()
}

func TestDeterministicKeys(t *testing.T) {
	assert.Equal(t, Key("alice"), Key("alice"))
	assert.NotEqual(t, Key("alice"), Key("bob"))
}

func TestKeyRing(t *testing.T) {
	r := NewKeyRing()
	alice := r.Signer("alice")
	assert.Same(t, alice, r.Signer("alice"))
	r.Signer("bob")

	assert.Equal(t, "alice", r.Name(alice.PublicKey()))
	assert.Equal(t, "unknown-key", r.Name("unknown-key"))
	assert.Equal(t, []string{"alice", "bob"}, r.Names())
}
