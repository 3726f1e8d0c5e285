// Package epoch compacts a space's history into content-addressed snapshots.
//
// An epoch snapshot folds the membership and every document of a space at a
// Timeframe into one canonical JSON value. Its root is a CIDv1 (raw codec,
// sha2-256 multihash), so any peer holding the same state computes the same
// root and can verify a snapshot it was handed.
//
// The Manager proposes candidates, checks them against the committed epoch,
// keeps the snapshots it has seen addressable by root for the credential
// chain, and plans the bootstrap bundle a new member needs: the latest
// snapshot plus the tail of every feed after the snapshot's Timeframe.
//
// Committing is not done here. The space coordinator appends the snapshot
// and the set-epoch-root credential to its feed and lets the credential
// chain pick the winner among concurrent proposals.
package epoch
