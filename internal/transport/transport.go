package transport

// Handler receives bytes from peer for the space it was registered on.
// Handlers must not block; the coordinator only enqueues.
type Handler func(peer string, data []byte)

// Transport delivers bytes between the replicas of a space. Delivery is
// at-least-once and unordered. Send and Broadcast do not wait for the
// receiver.
type Transport interface {
	// Join starts delivering the space's traffic to h.
	Join(spaceID string, h Handler) error
	// Leave stops delivery for the space.
	Leave(spaceID string) error
	// Send delivers data to one peer of the space.
	Send(spaceID, peer string, data []byte) error
	// Broadcast delivers data to every other joined peer of the space.
	Broadcast(spaceID string, data []byte) error
}
