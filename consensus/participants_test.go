package consensus

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func newTestIDs(t *testing.T, n int) []ParticipantID {
	t.Helper()
	ids := make([]ParticipantID, n)
	for i := range ids {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		ids[i] = IDFromPublicKey(pub)
	}
	return ids
}

func TestQuorumThresholds(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{1, 1},
		{2, 2},
		{3, 3},
		{4, 3},
		{6, 5},
		{7, 5},
		{10, 7},
		{64, 43},
	}
	for _, c := range cases {
		if got := Quorum(c.n); got != c.want {
			t.Fatalf("Quorum(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestQuorumExceedsTwoThirds(t *testing.T) {
	for n := 1; n <= MaxGroupSize; n++ {
		q := Quorum(n)
		if 3*q <= 2*n {
			t.Fatalf("Quorum(%d) = %d is not strictly greater than 2n/3", n, q)
		}
		if 3*(q-1) > 2*n {
			t.Fatalf("Quorum(%d) = %d is not minimal", n, q)
		}
	}
}

func TestParticipantSetSlots(t *testing.T) {
	ids := newTestIDs(t, 8)
	set, err := NewParticipantSet(ids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if set.Size() != 8 {
		t.Fatalf("expected size 8, got %d", set.Size())
	}

	// Slots must follow ascending id order regardless of input order.
	ordered := set.IDs()
	for i := 1; i < len(ordered); i++ {
		if !ordered[i-1].Less(ordered[i]) {
			t.Fatalf("ids not in ascending order at %d", i)
		}
	}
	for i, id := range ordered {
		slot, ok := set.Slot(id)
		if !ok || slot != i {
			t.Fatalf("slot of id %d: got %d ok=%v", i, slot, ok)
		}
		back, ok := set.BySlot(i)
		if !ok || back != id {
			t.Fatalf("BySlot(%d) did not round-trip", i)
		}
	}
}

func TestParticipantSetRejectsDuplicates(t *testing.T) {
	ids := newTestIDs(t, 3)
	ids = append(ids, ids[0])
	if _, err := NewParticipantSet(ids); err == nil {
		t.Fatal("expected error for duplicate participant, got nil")
	}
}

func TestParticipantSetRejectsOversized(t *testing.T) {
	ids := newTestIDs(t, MaxGroupSize+1)
	if _, err := NewParticipantSet(ids); err == nil {
		t.Fatal("expected error for oversized group, got nil")
	}
}

func TestParticipantSetRejectsEmpty(t *testing.T) {
	if _, err := NewParticipantSet(nil); err == nil {
		t.Fatal("expected error for empty group, got nil")
	}
}
