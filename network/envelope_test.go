package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/dicemesh/dicemesh/consensus"
)

func testSender(t *testing.T) consensus.ParticipantID {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return consensus.IDFromPublicKey(pub)
}

func TestEnvelopeRoundtrip(t *testing.T) {
	sender := testSender(t)
	e := Envelope{Kind: KindVote, Round: 7, Sender: sender, Payload: []byte("payload")}
	raw, err := e.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != e.Kind || got.Round != e.Round || got.Sender != e.Sender {
		t.Fatalf("header mangled: %+v", got)
	}
	if string(got.Payload) != "payload" {
		t.Fatal("payload mangled")
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalEnvelope([]byte{0xff, 0x02, 0x17}); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope, got %v", err)
	}
}

func TestUnmarshalRejectsUnknownKind(t *testing.T) {
	e := Envelope{Kind: KindEvidence + 1, Round: 1, Sender: testSender(t), Payload: []byte("x")}
	raw, err := e.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := UnmarshalEnvelope(raw); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope for unknown kind, got %v", err)
	}
}

func TestWrapCarriesPayload(t *testing.T) {
	sender := testSender(t)
	vote := consensus.Vote{Round: 3, Voter: sender, Value: consensus.VoteAccept}
	e, err := Wrap(KindVote, 3, sender, &vote)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if e.Kind != KindVote || e.Round != 3 || len(e.Payload) == 0 {
		t.Fatalf("bad envelope: %+v", e)
	}
}

func TestKindString(t *testing.T) {
	if KindProposal.String() != "proposal" || KindVrfOutput.String() != "vrf-output" {
		t.Fatal("kind names changed")
	}
	if Kind(99).String() != "kind(99)" {
		t.Fatalf("unexpected fallback: %s", Kind(99).String())
	}
}
