package ledger

import (
	"path/filepath"
	"testing"

	"github.com/dicemesh/dicemesh/consensus"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, []byte("game-1"), consensus.HashBytes([]byte("initial")))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestStoreAppendAndReplay(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")
	s := openTestStore(t, dir)
	defer s.Close()

	for v := uint64(1); v <= 4; v++ {
		if err := s.Append(testEntry(v)); err != nil {
			t.Fatalf("append %d: %v", v, err)
		}
	}

	tip, err := s.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if tip.Index != 4 || tip.Entry.Version != 4 {
		t.Fatalf("tip index %d version %d", tip.Index, tip.Entry.Version)
	}

	entries, err := s.ReplaySince(1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Version != uint64(i+2) {
			t.Fatalf("entry %d carries version %d", i, e.Version)
		}
	}

	if err := s.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")

	s := openTestStore(t, dir)
	for v := uint64(1); v <= 3; v++ {
		if err := s.Append(testEntry(v)); err != nil {
			t.Fatalf("append %d: %v", v, err)
		}
	}
	wantTip, err := s.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestStore(t, dir)
	defer reopened.Close()
	tip, err := reopened.Latest()
	if err != nil {
		t.Fatalf("latest after reopen: %v", err)
	}
	if tip.Index != wantTip.Index || tip.Hash != wantTip.Hash {
		t.Fatal("tip changed across reopen")
	}
	if err := reopened.Verify(); err != nil {
		t.Fatalf("verify after reopen: %v", err)
	}

	// Reopening must not write a second genesis.
	entries, err := reopened.ReplaySince(0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries after reopen, got %d", len(entries))
	}

	// And the chain keeps growing from the persisted tip.
	if err := reopened.Append(testEntry(4)); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if err := reopened.Verify(); err != nil {
		t.Fatalf("verify after growth: %v", err)
	}
}
