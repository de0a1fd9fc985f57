// Package dispute watches the stream of quorum certificates for
// conflicting commits, slashes equivocators with cryptographic evidence,
// and selects a canonical branch deterministically so all correct nodes
// converge without further communication.
//
// A fork exists when two valid certificates for the same round carry
// different state hashes. On detection the resolver collects both
// certificates as evidence, slashes every participant who signed votes
// supporting both hashes, and picks the branch with the lexicographically
// smaller state hash as canonical.
//
// Slash records are append-only and never deleted; they form the
// permanent audit trail. The exclusion set derived from them is mutated
// only here and read everywhere else through consensus.ExclusionView.
package dispute
