package randomness

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sort"
	"testing"

	"go.dedis.ch/protobuf"

	"github.com/dicemesh/dicemesh/consensus"
)

type party struct {
	id    consensus.ParticipantID
	priv  ed25519.PrivateKey
	nonce [32]byte
}

func newParties(t *testing.T, n int) ([]party, *consensus.ParticipantSet) {
	t.Helper()
	parties := make([]party, n)
	ids := make([]consensus.ParticipantID, n)
	for i := range parties {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		nonce, err := NewNonce()
		if err != nil {
			t.Fatalf("draw nonce: %v", err)
		}
		parties[i] = party{id: consensus.IDFromPublicKey(pub), priv: priv, nonce: nonce}
		ids[i] = parties[i].id
	}
	set, err := consensus.NewParticipantSet(ids)
	if err != nil {
		t.Fatalf("build set: %v", err)
	}
	sort.Slice(parties, func(i, j int) bool { return parties[i].id.Less(parties[j].id) })
	return parties, set
}

func signedCommit(t *testing.T, p party, round uint64) Commitment {
	t.Helper()
	c := Commitment{
		Round:       round,
		Participant: p.id,
		Digest:      CommitDigest(round, p.nonce),
	}
	if err := c.Sign(p.priv); err != nil {
		t.Fatalf("sign commitment: %v", err)
	}
	return c
}

func signedReveal(t *testing.T, p party, round uint64) Reveal {
	t.Helper()
	r := Reveal{Round: round, Participant: p.id, Nonce: p.nonce}
	if err := r.Sign(p.priv); err != nil {
		t.Fatalf("sign reveal: %v", err)
	}
	return r
}

func TestCommitRevealQuorumAndSilentCommitter(t *testing.T) {
	parties, set := newParties(t, 5)
	cr := NewCommitReveal(set, consensus.NewVerifier(0), nil)
	const round = 3

	// Quorum over 5 is 4; the fourth commitment crosses it.
	for i, p := range parties {
		quorum, err := cr.AddCommit(signedCommit(t, p, round))
		if err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
		if quorum != (i >= 3) {
			t.Fatalf("commit %d: quorum=%v", i, quorum)
		}
	}

	cr.OpenReveal(round)
	// Everyone but the last reveals.
	for _, p := range parties[:4] {
		if err := cr.AddReveal(signedReveal(t, p, round)); err != nil {
			t.Fatalf("reveal: %v", err)
		}
	}

	silent := cr.CloseReveal(round)
	if len(silent) != 1 || silent[0] != parties[4].id {
		t.Fatalf("expected exactly the silent committer flagged, got %v", silent)
	}
	flagged := cr.Flagged(round)
	if len(flagged) != 1 || flagged[0] != parties[4].id {
		t.Fatalf("Flagged() disagrees: %v", flagged)
	}

	// Entropy proceeds with the four accepted contributions.
	res, err := cr.ProduceEntropy(round)
	if err != nil {
		t.Fatalf("produce entropy: %v", err)
	}
	if len(res.Entropy) == 0 || len(res.Proof) == 0 {
		t.Fatal("empty entropy or proof")
	}
	if err := cr.VerifyEntropy(round, res); err != nil {
		t.Fatalf("verify own entropy: %v", err)
	}
}

func TestCommitRevealEntropyMatchesAcrossNodes(t *testing.T) {
	parties, set := newParties(t, 4)
	a := NewCommitReveal(set, consensus.NewVerifier(0), nil)
	b := NewCommitReveal(set, consensus.NewVerifier(0), nil)
	const round = 1

	for _, cr := range []*CommitReveal{a, b} {
		for _, p := range parties {
			if _, err := cr.AddCommit(signedCommit(t, p, round)); err != nil {
				t.Fatalf("commit: %v", err)
			}
		}
		cr.OpenReveal(round)
		for _, p := range parties {
			if err := cr.AddReveal(signedReveal(t, p, round)); err != nil {
				t.Fatalf("reveal: %v", err)
			}
		}
		cr.CloseReveal(round)
	}

	ra, err := a.ProduceEntropy(round)
	if err != nil {
		t.Fatalf("produce on a: %v", err)
	}
	rb, err := b.ProduceEntropy(round)
	if err != nil {
		t.Fatalf("produce on b: %v", err)
	}
	if string(ra.Entropy) != string(rb.Entropy) {
		t.Fatal("two nodes derived different entropy from the same reveals")
	}
	// Cross verification: a's result checks out against b's view.
	if err := b.VerifyEntropy(round, ra); err != nil {
		t.Fatalf("cross verify: %v", err)
	}
}

func TestCommitRevealBadRevealFlagged(t *testing.T) {
	parties, set := newParties(t, 4)
	cr := NewCommitReveal(set, consensus.NewVerifier(0), nil)
	const round = 2

	for _, p := range parties {
		if _, err := cr.AddCommit(signedCommit(t, p, round)); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	cr.OpenReveal(round)

	liar := parties[0]
	liar.nonce[0] ^= 0xff
	err := cr.AddReveal(signedReveal(t, liar, round))
	if !errors.Is(err, ErrRandomnessMismatch) {
		t.Fatalf("expected ErrRandomnessMismatch, got %v", err)
	}
	flagged := cr.Flagged(round)
	if len(flagged) != 1 || flagged[0] != parties[0].id {
		t.Fatalf("liar not flagged: %v", flagged)
	}

	for _, p := range parties[1:] {
		if err := cr.AddReveal(signedReveal(t, p, round)); err != nil {
			t.Fatalf("honest reveal: %v", err)
		}
	}
	cr.CloseReveal(round)
	res, err := cr.ProduceEntropy(round)
	if err != nil {
		t.Fatalf("produce entropy: %v", err)
	}
	if err := cr.VerifyEntropy(round, res); err != nil {
		t.Fatalf("verify entropy without liar: %v", err)
	}
}

func TestCommitRevealPhaseErrors(t *testing.T) {
	parties, set := newParties(t, 4)
	cr := NewCommitReveal(set, consensus.NewVerifier(0), nil)
	const round = 7

	// Reveal before the window opens.
	if _, err := cr.AddCommit(signedCommit(t, parties[0], round)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := cr.AddReveal(signedReveal(t, parties[0], round)); !errors.Is(err, ErrRevealClosed) {
		t.Fatalf("expected ErrRevealClosed before open, got %v", err)
	}

	// Conflicting second commitment.
	second := parties[0]
	second.nonce[5] ^= 1
	if _, err := cr.AddCommit(signedCommit(t, second, round)); !errors.Is(err, ErrDoubleCommit) {
		t.Fatalf("expected ErrDoubleCommit, got %v", err)
	}

	cr.OpenReveal(round)
	// Reveal without a commitment.
	if err := cr.AddReveal(signedReveal(t, parties[1], round)); !errors.Is(err, ErrNeverCommited) {
		t.Fatalf("expected ErrNeverCommited, got %v", err)
	}

	// Entropy before the window closes.
	if _, err := cr.ProduceEntropy(round); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	// Reveal after close.
	cr.CloseReveal(round)
	if err := cr.AddReveal(signedReveal(t, parties[0], round)); !errors.Is(err, ErrRevealClosed) {
		t.Fatalf("expected ErrRevealClosed after close, got %v", err)
	}
}

func TestCommitRevealRejectsLateCommit(t *testing.T) {
	parties, set := newParties(t, 5)
	cr := NewCommitReveal(set, consensus.NewVerifier(0), nil)
	const round = 4

	for _, p := range parties[:4] {
		if _, err := cr.AddCommit(signedCommit(t, p, round)); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	cr.OpenReveal(round)
	for _, p := range parties[:4] {
		if err := cr.AddReveal(signedReveal(t, p, round)); err != nil {
			t.Fatalf("reveal: %v", err)
		}
	}

	// A participant who commits after watching reveals is turned away,
	// and so is their reveal.
	if _, err := cr.AddCommit(signedCommit(t, parties[4], round)); !errors.Is(err, ErrCommitClosed) {
		t.Fatalf("expected ErrCommitClosed, got %v", err)
	}
	if err := cr.AddReveal(signedReveal(t, parties[4], round)); !errors.Is(err, ErrNeverCommited) {
		t.Fatalf("expected ErrNeverCommited, got %v", err)
	}

	cr.CloseReveal(round)
	res, err := cr.ProduceEntropy(round)
	if err != nil {
		t.Fatalf("produce entropy: %v", err)
	}
	if err := cr.VerifyEntropy(round, res); err != nil {
		t.Fatalf("verify entropy: %v", err)
	}
}

func TestCommitRevealVerifyRejectsFabricatedContributor(t *testing.T) {
	parties, set := newParties(t, 4)
	cr := NewCommitReveal(set, consensus.NewVerifier(0), nil)
	const round = 6

	for _, p := range parties[:3] {
		if _, err := cr.AddCommit(signedCommit(t, p, round)); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	cr.OpenReveal(round)
	for _, p := range parties[:3] {
		if err := cr.AddReveal(signedReveal(t, p, round)); err != nil {
			t.Fatalf("reveal: %v", err)
		}
	}
	cr.CloseReveal(round)

	// A proof naming a participant who never committed, with a nonce of
	// the forger's choosing. parties is sorted, so appending the last id
	// keeps the contribution order valid.
	contribs := make([]contribution, 0, 4)
	for _, p := range parties[:3] {
		contribs = append(contribs, contribution{Participant: p.id, Nonce: p.nonce})
	}
	var chosen [32]byte
	chosen[0] = 0x42
	contribs = append(contribs, contribution{Participant: parties[3].id, Nonce: chosen})
	doc := entropyProof{Round: round, Contributions: contribs}
	proof, err := protobuf.Encode(&doc)
	if err != nil {
		t.Fatalf("encode proof: %v", err)
	}
	forged := &Result{Entropy: combineEntropy(round, contribs), Proof: proof}
	if err := cr.VerifyEntropy(round, forged); !errors.Is(err, ErrNeverCommited) {
		t.Fatalf("expected ErrNeverCommited for fabricated contributor, got %v", err)
	}
}

func TestCommitRevealVerifyRejectsDroppedReveal(t *testing.T) {
	parties, set := newParties(t, 4)
	cr := NewCommitReveal(set, consensus.NewVerifier(0), nil)
	const round = 8

	for _, p := range parties {
		if _, err := cr.AddCommit(signedCommit(t, p, round)); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	cr.OpenReveal(round)
	for _, p := range parties {
		if err := cr.AddReveal(signedReveal(t, p, round)); err != nil {
			t.Fatalf("reveal: %v", err)
		}
	}
	cr.CloseReveal(round)

	// A proof silently omitting one of the four accepted reveals.
	contribs := make([]contribution, 0, 3)
	for _, p := range parties[:3] {
		contribs = append(contribs, contribution{Participant: p.id, Nonce: p.nonce})
	}
	doc := entropyProof{Round: round, Contributions: contribs}
	proof, err := protobuf.Encode(&doc)
	if err != nil {
		t.Fatalf("encode proof: %v", err)
	}
	partial := &Result{Entropy: combineEntropy(round, contribs), Proof: proof}
	if err := cr.VerifyEntropy(round, partial); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof for dropped reveal, got %v", err)
	}
}

func TestCommitRevealVerifyRejectsTampering(t *testing.T) {
	parties, set := newParties(t, 4)
	cr := NewCommitReveal(set, consensus.NewVerifier(0), nil)
	const round = 1

	for _, p := range parties {
		if _, err := cr.AddCommit(signedCommit(t, p, round)); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	cr.OpenReveal(round)
	for _, p := range parties {
		if err := cr.AddReveal(signedReveal(t, p, round)); err != nil {
			t.Fatalf("reveal: %v", err)
		}
	}
	cr.CloseReveal(round)
	res, err := cr.ProduceEntropy(round)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}

	tampered := &Result{Entropy: append([]byte(nil), res.Entropy...), Proof: res.Proof}
	tampered.Entropy[0] ^= 1
	if err := cr.VerifyEntropy(round, tampered); err == nil {
		t.Fatal("tampered entropy verified")
	}
	if err := cr.VerifyEntropy(round+1, res); err == nil {
		t.Fatal("entropy verified against the wrong round")
	}
}

func TestCommitRevealPrune(t *testing.T) {
	parties, set := newParties(t, 4)
	cr := NewCommitReveal(set, consensus.NewVerifier(0), nil)
	for round := uint64(1); round <= 5; round++ {
		if _, err := cr.AddCommit(signedCommit(t, parties[0], round)); err != nil {
			t.Fatalf("commit round %d: %v", round, err)
		}
	}
	cr.Prune(4)
	if _, err := cr.ProduceEntropy(2); !errors.Is(err, ErrUnknownRound) {
		t.Fatalf("expected ErrUnknownRound after prune, got %v", err)
	}
}
