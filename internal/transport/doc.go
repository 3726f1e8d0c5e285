// Package transport carries envelopes between the replicas of a space.
//
// The coordinator only needs at-least-once, unordered delivery of opaque
// bytes to the peers of a space; Transport is that contract. Network is an
// in-memory implementation for tests and scenarios that can duplicate and
// reorder deliveries. WebSocket connects hosts over gorilla/websocket.
//
// Envelopes are msgpack maps. Every envelope carries a ULID so receivers can
// suppress duplicates and relayed copies.
package transport
