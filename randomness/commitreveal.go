package randomness

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/sasha-s/go-deadlock"
	"go.dedis.ch/protobuf"

	"github.com/dicemesh/dicemesh/consensus"
)

// Commitment binds a participant to a hidden nonce for one round.
type Commitment struct {
	Round       uint64
	Participant consensus.ParticipantID
	Digest      consensus.Hash
	Signature   []byte
}

func (c *Commitment) serialize() ([]byte, error) {
	tmp := *c
	tmp.Signature = nil
	return protobuf.Encode(&tmp)
}

// Sign signs the commitment with the participant's private key.
func (c *Commitment) Sign(priv ed25519.PrivateKey) error {
	b, err := c.serialize()
	if err != nil {
		return err
	}
	c.Signature = ed25519.Sign(priv, b)
	return nil
}

// VerifySignature checks the commitment signature.
func (c *Commitment) VerifySignature(v *consensus.Verifier) bool {
	if len(c.Signature) == 0 {
		return false
	}
	b, err := c.serialize()
	if err != nil {
		return false
	}
	return v.Verify(b, c.Signature, c.Participant.PublicKey())
}

// Reveal discloses the nonce behind a prior commitment.
type Reveal struct {
	Round       uint64
	Participant consensus.ParticipantID
	Nonce       [32]byte
	Signature   []byte
}

func (r *Reveal) serialize() ([]byte, error) {
	tmp := *r
	tmp.Signature = nil
	return protobuf.Encode(&tmp)
}

// Sign signs the reveal with the participant's private key.
func (r *Reveal) Sign(priv ed25519.PrivateKey) error {
	b, err := r.serialize()
	if err != nil {
		return err
	}
	r.Signature = ed25519.Sign(priv, b)
	return nil
}

// VerifySignature checks the reveal signature.
func (r *Reveal) VerifySignature(v *consensus.Verifier) bool {
	if len(r.Signature) == 0 {
		return false
	}
	b, err := r.serialize()
	if err != nil {
		return false
	}
	return v.Verify(b, r.Signature, r.Participant.PublicKey())
}

// CommitDigest computes the commitment digest for a nonce in a round.
// Binding the round prevents replaying a commitment into a later round.
func CommitDigest(round uint64, nonce [32]byte) consensus.Hash {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], round)
	h.Write(buf[:])
	h.Write(nonce[:])
	var out consensus.Hash
	h.Sum(out[:0])
	return out
}

// contribution is one accepted reveal inside an entropy proof.
type contribution struct {
	Participant consensus.ParticipantID
	Nonce       [32]byte
}

// entropyProof is the serialized evidence embedded in a roll proposal:
// the accepted reveals in ascending participant order.
type entropyProof struct {
	Round         uint64
	Contributions []contribution
}

// crRound is the per-round commit-reveal state.
type crRound struct {
	commits    map[consensus.ParticipantID]consensus.Hash
	reveals    map[consensus.ParticipantID][32]byte
	flagged    map[consensus.ParticipantID]bool
	revealOpen bool
	closed     bool
}

// CommitReveal is the two-phase randomness strategy. The node drives the
// phases: collect commitments until they form a quorum, open the reveal
// window, and close it after reveal_window plus reveal_grace.
type CommitReveal struct {
	mu        deadlock.Mutex
	set       *consensus.ParticipantSet
	verifier  *consensus.Verifier
	exclusion consensus.ExclusionView
	rounds    map[uint64]*crRound
}

// NewCommitReveal builds the strategy for one consensus group. The
// exclusion view may be nil.
func NewCommitReveal(set *consensus.ParticipantSet, verifier *consensus.Verifier, exclusion consensus.ExclusionView) *CommitReveal {
	return &CommitReveal{
		set:       set,
		verifier:  verifier,
		exclusion: exclusion,
		rounds:    make(map[uint64]*crRound),
	}
}

// Name implements Strategy.
func (cr *CommitReveal) Name() string { return "commit-reveal" }

func (cr *CommitReveal) round(round uint64) *crRound {
	r := cr.rounds[round]
	if r == nil {
		r = &crRound{
			commits: make(map[consensus.ParticipantID]consensus.Hash),
			reveals: make(map[consensus.ParticipantID][32]byte),
			flagged: make(map[consensus.ParticipantID]bool),
		}
		cr.rounds[round] = r
	}
	return r
}

// AddCommit records a signed commitment. It reports whether the
// commitments now form a quorum of the active participants. Once the
// reveal window has opened the commit phase is over: a nonce chosen
// with knowledge of other reveals never enters the round.
func (cr *CommitReveal) AddCommit(c Commitment) (bool, error) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	if !cr.set.Contains(c.Participant) {
		return false, consensus.ErrUnknownParticipant
	}
	if cr.excluded(c.Participant, c.Round) {
		return false, consensus.ErrExcludedParticipant
	}
	if !c.VerifySignature(cr.verifier) {
		return false, consensus.ErrAuthentication
	}

	r := cr.round(c.Round)
	if r.revealOpen || r.closed {
		return false, fmt.Errorf("%w: round %d", ErrCommitClosed, c.Round)
	}
	if prev, ok := r.commits[c.Participant]; ok {
		if prev == c.Digest {
			return cr.commitQuorumLocked(c.Round, r), nil
		}
		return false, fmt.Errorf("%w: %s round %d", ErrDoubleCommit, c.Participant, c.Round)
	}
	r.commits[c.Participant] = c.Digest
	return cr.commitQuorumLocked(c.Round, r), nil
}

func (cr *CommitReveal) commitQuorumLocked(round uint64, r *crRound) bool {
	return len(r.commits) >= consensus.Quorum(cr.activeLocked(round))
}

// CommitsComplete reports whether every active participant has
// committed for the round.
func (cr *CommitReveal) CommitsComplete(round uint64) bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	r := cr.rounds[round]
	return r != nil && len(r.commits) >= cr.activeLocked(round)
}

func (cr *CommitReveal) activeLocked(round uint64) int {
	if cr.exclusion == nil {
		return cr.set.Size()
	}
	n := 0
	for _, id := range cr.set.IDs() {
		if !cr.exclusion.IsExcluded(id, round) {
			n++
		}
	}
	return n
}

func (cr *CommitReveal) excluded(id consensus.ParticipantID, round uint64) bool {
	return cr.exclusion != nil && cr.exclusion.IsExcluded(id, round)
}

// OpenReveal opens the bounded reveal window for a round. Reveals
// arriving before the window opens are rejected.
func (cr *CommitReveal) OpenReveal(round uint64) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.round(round).revealOpen = true
}

// AddReveal records a signed reveal. A reveal is accepted only if it
// hashes to the participant's prior commitment; otherwise the
// contribution is dropped with ErrRandomnessMismatch.
func (cr *CommitReveal) AddReveal(rv Reveal) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	if !cr.set.Contains(rv.Participant) {
		return consensus.ErrUnknownParticipant
	}
	if !rv.VerifySignature(cr.verifier) {
		return consensus.ErrAuthentication
	}

	r := cr.rounds[rv.Round]
	if r == nil || !r.revealOpen || r.closed {
		return ErrRevealClosed
	}
	digest, committed := r.commits[rv.Participant]
	if !committed {
		return ErrNeverCommited
	}
	if CommitDigest(rv.Round, rv.Nonce) != digest {
		r.flagged[rv.Participant] = true
		return fmt.Errorf("%w: %s round %d", ErrRandomnessMismatch, rv.Participant, rv.Round)
	}
	r.reveals[rv.Participant] = rv.Nonce
	return nil
}

// CloseReveal ends the reveal window after the grace period. Committers
// who stayed silent are flagged and dropped from this round's entropy;
// the returned list is what the caller reports to the dispute layer.
func (cr *CommitReveal) CloseReveal(round uint64) []consensus.ParticipantID {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	r := cr.rounds[round]
	if r == nil {
		return nil
	}
	r.closed = true
	var silent []consensus.ParticipantID
	for id := range r.commits {
		if _, revealed := r.reveals[id]; !revealed && !r.flagged[id] {
			r.flagged[id] = true
			silent = append(silent, id)
		}
	}
	sort.Slice(silent, func(i, j int) bool { return silent[i].Less(silent[j]) })
	return silent
}

// Flagged returns the participants whose contribution was dropped this
// round (bad reveal or silence past the grace period).
func (cr *CommitReveal) Flagged(round uint64) []consensus.ParticipantID {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	r := cr.rounds[round]
	if r == nil {
		return nil
	}
	var out []consensus.ParticipantID
	for id := range r.flagged {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// ProduceEntropy implements Strategy. The combined entropy is the hash
// of all accepted reveals concatenated in ascending participant-id
// order; the proof embeds the reveals so auditors can recompute it.
func (cr *CommitReveal) ProduceEntropy(round uint64) (*Result, error) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	r := cr.rounds[round]
	if r == nil {
		return nil, ErrUnknownRound
	}
	if !r.closed {
		return nil, ErrNotReady
	}
	if len(r.reveals) == 0 {
		return nil, ErrNoContribution
	}

	contribs := make([]contribution, 0, len(r.reveals))
	for id, nonce := range r.reveals {
		contribs = append(contribs, contribution{Participant: id, Nonce: nonce})
	}
	sort.Slice(contribs, func(i, j int) bool {
		return contribs[i].Participant.Less(contribs[j].Participant)
	})

	doc := entropyProof{Round: round, Contributions: contribs}
	proof, err := protobuf.Encode(&doc)
	if err != nil {
		return nil, err
	}
	entropy := combineEntropy(round, contribs)
	return &Result{Entropy: entropy, Proof: proof}, nil
}

// VerifyEntropy implements Strategy. Every contribution must be backed
// by a commitment and an accepted reveal recorded this round, and the
// proof must list every accepted reveal, so a proposer can neither
// invent contributors nor drop reveals. The entropy is recomputed from
// the contributions in ascending participant order.
func (cr *CommitReveal) VerifyEntropy(round uint64, res *Result) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	var doc entropyProof
	if err := protobuf.Decode(res.Proof, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if doc.Round != round {
		return fmt.Errorf("%w: proof is for round %d", ErrInvalidProof, doc.Round)
	}
	if len(doc.Contributions) == 0 {
		return ErrNoContribution
	}

	r := cr.rounds[round]
	if r == nil {
		return fmt.Errorf("%w: round %d", ErrUnknownRound, round)
	}
	for i, c := range doc.Contributions {
		if !cr.set.Contains(c.Participant) {
			return fmt.Errorf("%w: unknown contributor %s", ErrInvalidProof, c.Participant)
		}
		if i > 0 && !doc.Contributions[i-1].Participant.Less(c.Participant) {
			return fmt.Errorf("%w: contributions out of order", ErrInvalidProof)
		}
		digest, committed := r.commits[c.Participant]
		if !committed {
			return fmt.Errorf("%w: contributor %s", ErrNeverCommited, c.Participant)
		}
		if CommitDigest(round, c.Nonce) != digest {
			return fmt.Errorf("%w: %s", ErrRandomnessMismatch, c.Participant)
		}
		if _, revealed := r.reveals[c.Participant]; !revealed {
			return fmt.Errorf("%w: %s never revealed", ErrInvalidProof, c.Participant)
		}
	}
	if len(doc.Contributions) != len(r.reveals) {
		return fmt.Errorf("%w: proof omits accepted reveals", ErrInvalidProof)
	}

	expected := combineEntropy(round, doc.Contributions)
	if len(res.Entropy) != len(expected) {
		return ErrInvalidProof
	}
	for i := range expected {
		if res.Entropy[i] != expected[i] {
			return ErrInvalidProof
		}
	}
	return nil
}

// Prune drops randomness state for rounds before floor.
func (cr *CommitReveal) Prune(floor uint64) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	for round := range cr.rounds {
		if round < floor {
			delete(cr.rounds, round)
		}
	}
}

func combineEntropy(round uint64, contribs []contribution) []byte {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], round)
	h.Write(buf[:])
	for _, c := range contribs {
		h.Write(c.Participant[:])
		h.Write(c.Nonce[:])
	}
	return h.Sum(nil)
}
