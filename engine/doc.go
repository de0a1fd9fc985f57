// Package engine runs one consensus node: it glues the vote tracker,
// the state engine, the randomness strategy, the dispute resolver, the
// ledger and the transport into the round lifecycle.
//
// # Round Lifecycle
//
// A round moves through propose, vote, certify, commit. The node keeps
// exactly one proposal of its own in flight; an incoming certificate
// commits the round on every correct node, a timeout discards it with
// no state change. Randomness rounds add the commit, reveal and close
// phases before the roll proposal is made.
//
// All collaborators are injected at construction. The node owns no
// global state, so many nodes can share one process, which is how the
// tests and the local demo run.
package engine
