// Package harness runs multi-peer replication scenarios.
//
// A scenario names a set of peers, a sequence of steps and assertions on the
// final state. Every peer runs a space.Host over its own store and a shared
// in-memory network. Delivery is manual: nothing moves between peers until a
// settle or announce step, so a scenario controls exactly which edits are
// concurrent.
//
// # Scenario Format
//
//	name: revoke_concurrent_edit
//	description: "A write concurrent with its author's revocation is retracted"
//	backend: sqlite            # or leveldb
//	network:
//	  reorder_seed: 7          # deliver queued messages in seeded random order
//	  duplicate: 0.2           # deliver a message twice with this probability
//	peers: [alice, bob]
//	steps:
//	  - op: create
//	    peer: alice
//	    space: s
//	  - op: invite
//	    peer: alice
//	    space: s
//	    subject: bob
//	    authority: writer
//	  - op: set
//	    peer: bob
//	    space: s
//	    document: todo
//	    path: title
//	    value: groceries
//	  - op: settle
//	assertions:
//	  - type: document
//	    peer: alice
//	    space: s
//	    document: todo
//	    expect: { title: groceries }
//
// Any step may carry expect_error with a fault code; the step must then
// fail with exactly that code.
//
// # Golden Files
//
// RunWithGolden records each step's outcome and every peer's final view of
// every space (members by peer name, epoch number, document values) and
// compares it with testdata/golden/<name>.golden. Peer identities derive from
// peer names, and reports never contain keys, so golden files are stable
// across runs as long as a scenario avoids concurrent writes to one field
// (whose winner depends on actor keys).
package harness
