// Package randomness produces verifiable, unbiased entropy for dice
// rolls. Two interchangeable strategies sit behind one interface,
// selected at construction time:
//
// CommitReveal: every active participant commits to a hidden nonce, then
// reveals it inside a bounded window. The combined entropy is the hash of
// all accepted reveals in ascending participant-id order, so no
// last-mover can bias the outcome. Participants silent past the grace
// period are flagged and dropped from the round's entropy.
//
// VRF: a round-designated leader evaluates a verifiable random function
// over the round seed and broadcasts output and proof; any participant
// verifies the proof against the leader's public key before trusting the
// entropy. This avoids the two-phase reveal latency at the cost of
// leader rotation.
//
// Both strategies emit the same result: entropy bytes plus an embedded
// proof that travels inside the roll proposal, so an auditor can later
// re-verify that the dice outcome was not manipulated. Dice values are
// mapped from entropy by rejection sampling to avoid modulo bias.
package randomness
