// Package state holds the versioned game state and the transition engine
// that advances it by applying certified proposals.
//
// Readers never block: the current snapshot sits behind an atomic pointer
// that is swapped on commit, and a snapshot is immutable once published.
// Commits are serialized by round advancement, compute the next state as a
// pure function of (current state, certified proposal), and durably append
// to the ledger before the new snapshot becomes visible.
//
// Committed snapshots are retained in an append-only table until the
// dispute window for their round has closed, so fork evidence can be
// checked against the exact state it refers to.
package state
