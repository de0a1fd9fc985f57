package consensus

import (
	"fmt"
	"math/bits"
	"sort"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// RoundPhase is the state of one round's vote collection.
type RoundPhase uint8

const (
	// RoundOpen is a round that has not seen a vote yet.
	RoundOpen RoundPhase = iota
	// RoundCollecting is a round with at least one vote and no outcome.
	RoundCollecting
	// RoundQuorate is a round whose certificate has been assembled.
	RoundQuorate
	// RoundTimedOut is a round whose deadline elapsed before quorum.
	RoundTimedOut
)

func (p RoundPhase) String() string {
	switch p {
	case RoundOpen:
		return "open"
	case RoundCollecting:
		return "collecting"
	case RoundQuorate:
		return "quorate"
	case RoundTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ExclusionView answers whether a participant is excluded from quorum
// counting at a given round. The dispute resolver owns the underlying
// set; everyone else only reads it through this interface.
type ExclusionView interface {
	IsExcluded(id ParticipantID, round uint64) bool
}

// EquivocationEvidence is the pair of conflicting signed votes proving a
// participant voted twice with different proposal hashes in one round.
// Evidence is never deleted once raised.
type EquivocationEvidence struct {
	Voter  ParticipantID
	Round  uint64
	First  Vote
	Second Vote
}

// candidate accumulates accepting votes for one proposal hash. The bits
// field is a membership mask over participant slots, so union and count
// are single-word operations.
type candidate struct {
	bits  uint64
	votes []Vote
}

func (c *candidate) count() int { return bits.OnesCount64(c.bits) }

// RoundTracker collects votes for a single round. On each incoming vote
// it verifies the signature, rejects double votes, detects equivocation,
// and assembles a deterministic QuorumCertificate once the accepting
// votes for one proposal hash reach the threshold.
type RoundTracker struct {
	mu deadlock.Mutex

	round     uint64
	set       *ParticipantSet
	verifier  *Verifier
	exclusion ExclusionView
	threshold int
	deadline  time.Time

	phase        RoundPhase
	votesBySlot  map[int]Vote
	candidates   map[Hash]*candidate
	equivocators uint64
	evidence     []EquivocationEvidence
	cert         *QuorumCertificate
}

// NewRoundTracker opens vote collection for round. The threshold is
// computed over the participants not excluded at this round; exclusion
// may be nil when no dispute resolver is attached.
func NewRoundTracker(round uint64, set *ParticipantSet, verifier *Verifier, exclusion ExclusionView, deadline time.Time) *RoundTracker {
	active := set.Size()
	if exclusion != nil {
		active = 0
		for _, id := range set.IDs() {
			if !exclusion.IsExcluded(id, round) {
				active++
			}
		}
	}
	return &RoundTracker{
		round:       round,
		set:         set,
		verifier:    verifier,
		exclusion:   exclusion,
		threshold:   Quorum(active),
		deadline:    deadline,
		phase:       RoundOpen,
		votesBySlot: make(map[int]Vote),
		candidates:  make(map[Hash]*candidate),
	}
}

// Round returns the round number this tracker collects for.
func (rt *RoundTracker) Round() uint64 { return rt.round }

// Threshold returns the number of distinct accepting votes required for
// quorum in this round.
func (rt *RoundTracker) Threshold() int { return rt.threshold }

// Phase returns the current phase of the round.
func (rt *RoundTracker) Phase() RoundPhase {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.phase
}

// AddVote processes one incoming vote. It returns a certificate when this
// vote completes a quorum, equivocation evidence when the voter conflicts
// with an earlier vote of theirs, or an error describing why the vote was
// not counted. A nil, nil, nil return means the vote was recorded but did
// not change the outcome.
func (rt *RoundTracker) AddVote(v Vote) (*QuorumCertificate, *EquivocationEvidence, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.phase == RoundQuorate || rt.phase == RoundTimedOut {
		return nil, nil, ErrRoundClosed
	}
	if v.Round != rt.round {
		return nil, nil, fmt.Errorf("%w: got %d, tracking %d", ErrWrongRound, v.Round, rt.round)
	}
	slot, ok := rt.set.Slot(v.Voter)
	if !ok {
		return nil, nil, ErrUnknownParticipant
	}
	if !v.VerifySignature(rt.verifier) {
		return nil, nil, ErrAuthentication
	}
	if rt.exclusion != nil && rt.exclusion.IsExcluded(v.Voter, rt.round) {
		return nil, nil, ErrExcludedParticipant
	}
	if rt.equivocators&(1<<uint(slot)) != 0 {
		// Already caught; nothing from this voter counts.
		return nil, nil, ErrEquivocation
	}

	if prev, voted := rt.votesBySlot[slot]; voted {
		if prev.ProposalHash == v.ProposalHash && prev.Value == v.Value {
			// Retransmission of the vote already counted.
			return nil, nil, nil
		}
		ev := rt.recordEquivocation(slot, prev, v)
		return nil, ev, ErrEquivocation
	}

	rt.votesBySlot[slot] = v
	rt.phase = RoundCollecting

	if v.Value != VoteAccept {
		return nil, nil, nil
	}

	c := rt.candidates[v.ProposalHash]
	if c == nil {
		c = &candidate{}
		rt.candidates[v.ProposalHash] = c
	}
	c.bits |= 1 << uint(slot)
	c.votes = append(c.votes, v)

	if c.count() >= rt.threshold {
		rt.cert = rt.makeCertificate(v.ProposalHash, c)
		rt.phase = RoundQuorate
		return rt.cert, nil, nil
	}
	return nil, nil, nil
}

// recordEquivocation removes the voter's earlier vote from every count
// and returns the evidence pair. Caller holds rt.mu.
func (rt *RoundTracker) recordEquivocation(slot int, first, second Vote) *EquivocationEvidence {
	rt.equivocators |= 1 << uint(slot)
	delete(rt.votesBySlot, slot)
	for _, c := range rt.candidates {
		if c.bits&(1<<uint(slot)) != 0 {
			c.bits &^= 1 << uint(slot)
			kept := c.votes[:0]
			for _, cv := range c.votes {
				if cv.Voter != first.Voter {
					kept = append(kept, cv)
				}
			}
			c.votes = kept
		}
	}
	ev := EquivocationEvidence{
		Voter:  first.Voter,
		Round:  rt.round,
		First:  first,
		Second: second,
	}
	rt.evidence = append(rt.evidence, ev)
	return &ev
}

// makeCertificate assembles the certificate for hash with votes ordered
// by ascending voter id. Caller holds rt.mu.
func (rt *RoundTracker) makeCertificate(hash Hash, c *candidate) *QuorumCertificate {
	votes := make([]Vote, len(c.votes))
	copy(votes, c.votes)
	sort.Slice(votes, func(i, j int) bool { return votes[i].Voter.Less(votes[j].Voter) })
	return &QuorumCertificate{
		Round:        rt.round,
		ProposalHash: hash,
		Votes:        votes,
	}
}

// Certificate returns the assembled certificate, or nil before quorum.
func (rt *RoundTracker) Certificate() *QuorumCertificate {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cert
}

// Evidence returns all equivocation evidence collected this round.
func (rt *RoundTracker) Evidence() []EquivocationEvidence {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]EquivocationEvidence, len(rt.evidence))
	copy(out, rt.evidence)
	return out
}

// Expire transitions the round to TimedOut if its deadline has passed
// without quorum. It reports whether the round is now timed out.
func (rt *RoundTracker) Expire(now time.Time) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.phase == RoundQuorate {
		return false
	}
	if rt.phase == RoundTimedOut {
		return true
	}
	if now.Before(rt.deadline) {
		return false
	}
	rt.phase = RoundTimedOut
	return true
}

// VoteCount returns the number of counted votes (accepts and rejects,
// equivocators removed).
func (rt *RoundTracker) VoteCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.votesBySlot)
}
