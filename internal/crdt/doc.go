// Package crdt implements the replicated document model: nested maps,
// lists and counters merged with an op/pred scheme.
//
// Every op has an id (counter, actor) and names the ops it supersedes in
// pred. The live value of a map key or list element is the set of ops not
// yet superseded; the visible value is the live op with the greatest id.
// Counters sum their increments. Lists use RGA ordering: an element is
// placed after its reference, ahead of any concurrently inserted siblings
// with smaller ids.
//
// Changes group ops by one actor and name the document heads they were made
// against. A change whose dependencies have not been applied yet waits in a
// bounded backlog and is released as soon as they arrive, so any two
// documents that have applied the same set of changes have identical values
// and heads.
//
// A Document is owned by one goroutine. The change-in-progress guard only
// detects re-entrant transactions; it is not a lock.
package crdt
