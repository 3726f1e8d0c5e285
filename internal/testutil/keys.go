package testutil

import (
	"sort"
	"sync"

	"github.com/roach88/spacesync/internal/keys"
)

var rootSeed = []byte("spacesync-test-root")

// Signer returns the deterministic ed25519 signer for name.
// The same name always yields the same key.
func Signer(name string) *keys.Ed25519Signer {
	return keys.NewEd25519(keys.DeriveSeed(rootSeed, name))
}

// Key returns the key string of the deterministic signer for name.
func Key(name string) string {
	return Signer(name).PublicKey()
}

// KeyRing maps human-readable peer names to deterministic signers and back.
// Golden output uses names, never key strings.
type KeyRing struct {
	mu     sync.Mutex
	byName map[string]*keys.Ed25519Signer
	byKey  map[string]string
}

// NewKeyRing creates an empty ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		byName: make(map[string]*keys.Ed25519Signer),
		byKey:  make(map[string]string),
	}
}

// Signer returns (creating on first use) the signer for name.
func (r *KeyRing) Signer(name string) *keys.Ed25519Signer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byName[name]; ok {
		return s
	}
	s := Signer(name)
	r.byName[name] = s
	r.byKey[s.PublicKey()] = name
	return s
}

// Name returns the name registered for key, or key itself if unknown.
func (r *KeyRing) Name(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name, ok := r.byKey[key]; ok {
		return name
	}
	return key
}

// Names returns every registered name in sorted order.
func (r *KeyRing) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
