package randomness

import (
	"crypto/rand"
	"errors"
)

var (
	// ErrRandomnessMismatch reports a reveal that does not hash to its
	// prior commitment. The contribution is dropped; the round proceeds
	// with the remaining contributors.
	ErrRandomnessMismatch = errors.New("reveal does not match commitment")

	// ErrNotReady reports that the strategy cannot produce entropy yet
	// (commit quorum not reached, or reveal window still open).
	ErrNotReady = errors.New("entropy not ready")

	// ErrNoContribution reports a round with no accepted reveals at all.
	ErrNoContribution = errors.New("no entropy contributions")

	// ErrNotLeader reports a VRF evaluation attempted by a participant
	// who is not the round's designated leader.
	ErrNotLeader = errors.New("not the leader for this round")

	ErrUnknownRound  = errors.New("no randomness state for round")
	ErrInvalidProof  = errors.New("entropy proof does not verify")
	ErrDoubleCommit  = errors.New("conflicting commitment from same participant")
	ErrCommitClosed  = errors.New("commit phase is closed")
	ErrRevealClosed  = errors.New("reveal window is not open")
	ErrNeverCommited = errors.New("reveal without prior commitment")
)

// Result is the abstract outcome of either strategy: entropy bytes and
// the proof needed to re-verify them later.
type Result struct {
	Entropy []byte
	Proof   []byte
}

// Strategy is the one capability contract both randomness schemes
// implement. The choice is made at construction time, never by runtime
// type inspection.
type Strategy interface {
	// Name identifies the strategy ("commit-reveal" or "vrf").
	Name() string

	// ProduceEntropy returns the round's entropy and proof, or
	// ErrNotReady while the protocol phase is still in progress.
	ProduceEntropy(round uint64) (*Result, error)

	// VerifyEntropy checks a received result against the round's
	// expectations. A nil error means the entropy is safe to apply.
	VerifyEntropy(round uint64, res *Result) error
}

// NewNonce draws a fresh 32-byte nonce from the system entropy source.
func NewNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return [32]byte{}, err
	}
	return nonce, nil
}
