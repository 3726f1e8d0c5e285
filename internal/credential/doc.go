// Package credential folds signed credentials into membership state.
//
// A Chain holds every credential entry it has been given and derives the
// membership, the current epoch and the per-key membership history from them
// with Fold. The fold is a pure function of the entry set: entries are
// ordered causally (an entry follows earlier entries of its own feed and
// every entry its timeframe covers) with (feed key, seq) as the tie-break,
// so peers that hold the same entries hold the same state regardless of the
// order in which they arrived.
//
// A Chain is owned by one goroutine (the space event loop) and does no
// locking of its own.
package credential
