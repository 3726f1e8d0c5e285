// Package ir holds the wire and persisted representation shared by every
// spacesync layer: the document value model, canonical JSON, content hashes,
// and the feed/credential/epoch/change record types.
//
// ir imports nothing internal. Every other package builds on it.
//
// Key design constraints:
//   - No floats and no null anywhere in hashed data; numbers are int64
//   - Canonical JSON (RFC 8785 ordering, NFC strings) is the only encoding used
//     for signatures and content addressing
//   - Sequence numbers and Lamport counters only, never wall-clock timestamps
//   - All JSON tags use snake_case
package ir
