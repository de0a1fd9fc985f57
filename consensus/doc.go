// Package consensus implements the core of a Byzantine Fault Tolerant (BFT)
// consensus protocol for a distributed dice game. It provides the message
// types (proposals, votes, quorum certificates), signature verification with
// a bounded cache, and per-round vote tracking with equivocation detection.
//
// The consensus layer ensures that all nodes agree on the sequence of game
// state transitions and can detect and slash participants who sign two
// conflicting values for the same round.
//
// # Core Components
//
// ParticipantSet: The fixed membership of one consensus group, with a
// deterministic slot assignment derived from the sorted participant ids.
//
// Verifier: Ed25519 signature verification that fails closed on malformed
// input and caches recent results.
//
// RoundTracker: Collects votes for a single round, detects equivocation,
// and assembles a QuorumCertificate once strictly more than two thirds of
// the non-excluded participants accept the same proposal.
//
// # Consensus Protocol
//
// The protocol follows these steps:
//  1. A proposer broadcasts a signed proposal for the next open round
//  2. Each node validates the proposal independently
//  3. Nodes broadcast their votes (ACCEPT or REJECT)
//  4. Once quorum is reached, a certificate is assembled and the
//     proposal is committed
//  5. Conflicting votes from the same participant become slashing evidence
//
// # Byzantine Fault Tolerance
//
// The system tolerates up to (n-1)/3 Byzantine (malicious or faulty) nodes
// out of n total nodes. The quorum threshold is ceil((2n+1)/3): strictly
// more than two thirds, so that a coalition of exactly one third can never
// tip a round on its own.
package consensus
