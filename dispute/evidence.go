package dispute

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"go.dedis.ch/protobuf"

	"github.com/dicemesh/dicemesh/consensus"
)

var (
	// ErrForkDetected signals two valid certificates for the same round
	// with different state hashes. It halts progress on the affected
	// branch only; resolution is deterministic and local.
	ErrForkDetected = errors.New("conflicting certificates for same round")

	// ErrBadEvidence reports evidence that does not prove what it
	// claims (signatures missing, rounds differing, values equal).
	ErrBadEvidence = errors.New("evidence does not prove a violation")
)

// EvidenceKind tags the two shapes of dispute evidence.
type EvidenceKind uint32

const (
	// EvidenceDoubleVote is a pair of conflicting votes from one
	// participant in one round.
	EvidenceDoubleVote EvidenceKind = 1
	// EvidenceForkCerts is a pair of conflicting certificates for one
	// round.
	EvidenceForkCerts EvidenceKind = 2
)

// Evidence is the broadcast proof of a protocol violation. It is
// self-contained: any node can validate it offline and reach the same
// slashing decision.
type Evidence struct {
	Kind       EvidenceKind
	Round      uint64
	Accused    consensus.ParticipantID
	FirstVote  *consensus.Vote
	SecondVote *consensus.Vote
	FirstCert  *consensus.QuorumCertificate
	SecondCert *consensus.QuorumCertificate
	Reporter   consensus.ParticipantID
	Signature  []byte
}

func (e *Evidence) serialize() ([]byte, error) {
	tmp := *e
	tmp.Signature = nil
	return protobuf.Encode(&tmp)
}

// Sign signs the evidence with the reporter's private key.
func (e *Evidence) Sign(priv ed25519.PrivateKey) error {
	b, err := e.serialize()
	if err != nil {
		return err
	}
	e.Signature = ed25519.Sign(priv, b)
	return nil
}

// VerifySignature checks the reporter's signature.
func (e *Evidence) VerifySignature(v *consensus.Verifier) bool {
	if len(e.Signature) == 0 {
		return false
	}
	b, err := e.serialize()
	if err != nil {
		return false
	}
	return v.Verify(b, e.Signature, e.Reporter.PublicKey())
}

// Validate checks that the evidence proves the violation it claims,
// independent of who reported it.
func (e *Evidence) Validate(v *consensus.Verifier) error {
	switch e.Kind {
	case EvidenceDoubleVote:
		return e.validateDoubleVote(v)
	case EvidenceForkCerts:
		return e.validateForkCerts(v)
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrBadEvidence, e.Kind)
	}
}

func (e *Evidence) validateDoubleVote(v *consensus.Verifier) error {
	if e.FirstVote == nil || e.SecondVote == nil {
		return fmt.Errorf("%w: missing vote pair", ErrBadEvidence)
	}
	a, b := e.FirstVote, e.SecondVote
	if a.Voter != e.Accused || b.Voter != e.Accused {
		return fmt.Errorf("%w: votes are not from the accused", ErrBadEvidence)
	}
	if a.Round != e.Round || b.Round != e.Round {
		return fmt.Errorf("%w: votes are from different rounds", ErrBadEvidence)
	}
	if a.ProposalHash == b.ProposalHash && a.Value == b.Value {
		return fmt.Errorf("%w: votes do not conflict", ErrBadEvidence)
	}
	if !a.VerifySignature(v) || !b.VerifySignature(v) {
		return fmt.Errorf("%w: vote signature invalid", ErrBadEvidence)
	}
	return nil
}

func (e *Evidence) validateForkCerts(v *consensus.Verifier) error {
	if e.FirstCert == nil || e.SecondCert == nil {
		return fmt.Errorf("%w: missing certificate pair", ErrBadEvidence)
	}
	a, b := e.FirstCert, e.SecondCert
	if a.Round != e.Round || b.Round != e.Round {
		return fmt.Errorf("%w: certificates are from different rounds", ErrBadEvidence)
	}
	if a.StateHash == b.StateHash {
		return fmt.Errorf("%w: certificates agree", ErrBadEvidence)
	}
	for _, qc := range []*consensus.QuorumCertificate{a, b} {
		for i := range qc.Votes {
			vote := &qc.Votes[i]
			if vote.Round != qc.Round || vote.ProposalHash != qc.ProposalHash {
				return fmt.Errorf("%w: certificate vote does not match certificate", ErrBadEvidence)
			}
			if !vote.VerifySignature(v) {
				return fmt.Errorf("%w: certificate vote signature invalid", ErrBadEvidence)
			}
		}
	}
	return nil
}

// SlashRecord is one permanent entry of the audit trail. Records are
// append-only; even after the exclusion window ends the record stays.
type SlashRecord struct {
	Participant   consensus.ParticipantID
	Round         uint64
	Evidence      Evidence
	ExcludedUntil uint64
}
