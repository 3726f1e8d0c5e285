package epoch

import (
	"sync"

	"github.com/roach88/spacesync/internal/ir"
)

// Registry holds every snapshot a replica has seen, addressed by root.
// It satisfies credential.Resolver.
type Registry struct {
	mu     sync.RWMutex
	byRoot map[string]held
}

type held struct {
	snap ir.EpochSnapshot
	data []byte
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byRoot: make(map[string]held)}
}

// Add registers snap and returns its root. Adding the same snapshot twice is
// a no-op.
func (r *Registry) Add(snap ir.EpochSnapshot) (string, error) {
	data, root, err := Encode(snap)
	if err != nil {
		return "", err
	}
	r.put(root, snap, data)
	return root, nil
}

// AddBytes verifies data against root, decodes it and registers it.
func (r *Registry) AddBytes(root string, data []byte) (ir.EpochSnapshot, error) {
	if err := VerifyRoot(root, data); err != nil {
		return ir.EpochSnapshot{}, err
	}
	snap, err := Decode(data)
	if err != nil {
		return ir.EpochSnapshot{}, err
	}
	r.put(root, snap, data)
	return snap, nil
}

func (r *Registry) put(root string, snap ir.EpochSnapshot, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byRoot[root]; ok {
		return
	}
	r.byRoot[root] = held{snap: snap, data: data}
}

// Snapshot returns the snapshot addressed by root.
func (r *Registry) Snapshot(root string) (ir.EpochSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byRoot[root]
	return h.snap, ok
}

// Bytes returns the canonical bytes addressed by root.
func (r *Registry) Bytes(root string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byRoot[root]
	return h.data, ok
}

// Len returns the number of registered snapshots.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoot)
}
