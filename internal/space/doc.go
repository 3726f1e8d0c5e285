// Package space coordinates replicas of shared spaces.
//
// A Host holds one identity, one Storage and one transport.Transport, and
// runs a Space for every space the identity belongs to. Each Space owns a
// single event loop: peer messages, local intents, anti-entropy ticks and
// storage retries are queued and processed one at a time, so the feed set,
// the credential chain, the documents and the epoch manager never need
// their own locking. Readers use Snapshot, an immutable view republished
// after every event.
//
// Blocks are dispatched in causal order. A block waits behind the gate
// until its feed predecessor and every block named in its timeframe have
// been dispatched; credentials are then folded into the chain, changes are
// checked against the chain and merged into their document, and epoch
// snapshots are registered for the set-epoch-root credential that commits
// them. When the membership or the committed epoch changes, documents are
// rebuilt from the epoch's snapshot plus the changes outside it, so a
// revocation retracts concurrent edits on every replica alike.
package space
