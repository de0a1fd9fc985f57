package consensus

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

// Every wire message must survive the deterministic codec; a field the
// codec cannot encode would make Sign and Hash fail at runtime.
func TestProposalSignsEveryOperationKind(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id := IDFromPublicKey(pub)
	verifier := NewVerifier(0)

	ops := []Operation{
		{Kind: OpPlaceBet, Bet: &BetOp{Player: id, BetKind: 1, Amount: 50}},
		{Kind: OpRollDice, Roll: &RollOp{Die1: 3, Die2: 5, Entropy: []byte("round entropy")}},
		{Kind: OpAdmin, Admin: &AdminOp{Player: id, Delta: 100, Reason: "buy-in"}},
	}
	for _, op := range ops {
		p := &Proposal{Round: 1, Proposer: id, Operation: op, Timestamp: 42}
		if err := p.Sign(priv); err != nil {
			t.Fatalf("sign proposal kind %d: %v", op.Kind, err)
		}
		if !p.VerifySignature(verifier) {
			t.Fatalf("proposal kind %d does not verify", op.Kind)
		}
		if _, err := p.Hash(); err != nil {
			t.Fatalf("hash proposal kind %d: %v", op.Kind, err)
		}
	}
}

func TestVoteSignsBothValues(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id := IDFromPublicKey(pub)
	verifier := NewVerifier(0)

	for _, value := range []VoteValue{VoteAccept, VoteReject} {
		v := &Vote{
			Round:        1,
			ProposalHash: HashBytes([]byte("proposal")),
			Voter:        id,
			Value:        value,
			Reason:       "because",
		}
		if err := v.Sign(priv); err != nil {
			t.Fatalf("sign vote value %d: %v", value, err)
		}
		if !v.VerifySignature(verifier) {
			t.Fatalf("vote value %d does not verify", value)
		}
	}
}
