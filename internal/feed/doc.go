// Package feed implements the append-only signed log.
//
// Every member of a space owns exactly one feed and is the only writer of
// it. A Set holds the local feed plus read replicas of every other member's
// feed, enforces strict per-feed sequence continuity, and tracks the
// resulting Timeframe.
//
// Sequence numbers start at 0. A replica bootstrapped from an epoch starts
// after the epoch's mark for that feed (see Set.StartAt); blocks at or below
// the base are treated as already held.
//
// Subscribers are called synchronously, outside the Set's lock, after every
// block that advances the Timeframe.
package feed
