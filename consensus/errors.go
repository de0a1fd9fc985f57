package consensus

import "errors"

var (
	// ErrValidation reports a proposal that violates operation-level
	// constraints (negative bet, insufficient balance, bad payload hash).
	// The proposer may correct and resubmit.
	ErrValidation = errors.New("proposal failed validation")

	// ErrAuthentication reports a message whose signature does not verify.
	// Such messages are dropped without further processing.
	ErrAuthentication = errors.New("signature verification failed")

	// ErrEquivocation reports a participant who signed two conflicting
	// votes for the same round.
	ErrEquivocation = errors.New("conflicting vote from same participant")

	// ErrQuorumTimeout reports a round that expired before reaching
	// quorum. The proposal may be resubmitted in a new round.
	ErrQuorumTimeout = errors.New("round timed out before quorum")

	ErrUnknownParticipant  = errors.New("participant not in consensus group")
	ErrExcludedParticipant = errors.New("participant is excluded from quorum")
	ErrRoundClosed         = errors.New("round is no longer collecting votes")
	ErrWrongRound          = errors.New("message is for a different round")
	ErrGroupTooLarge       = errors.New("consensus group exceeds maximum size")
	ErrMissingSignature    = errors.New("missing signature")
)
