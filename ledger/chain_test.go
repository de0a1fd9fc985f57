package ledger

import (
	"errors"
	"testing"

	"github.com/dicemesh/dicemesh/consensus"
	"github.com/dicemesh/dicemesh/state"
)

func testEntry(version uint64) state.Entry {
	return state.Entry{
		Version:     version,
		Round:       version,
		StateHash:   consensus.HashBytes([]byte{byte(version)}),
		Proposal:    []byte("proposal"),
		Certificate: []byte("certificate"),
	}
}

func TestChainGenesis(t *testing.T) {
	initial := consensus.HashBytes([]byte("initial state"))
	c, err := NewChain([]byte("game-1"), initial)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("fresh chain has %d blocks, want 1", c.Len())
	}
	genesis, err := c.ByIndex(0)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if genesis.Entry.Version != 0 || genesis.Entry.StateHash != initial {
		t.Fatal("genesis does not carry the initial state")
	}
	if !genesis.PrevHash.IsZero() {
		t.Fatal("genesis has a previous hash")
	}
	if err := c.Verify(); err != nil {
		t.Fatalf("verify fresh chain: %v", err)
	}
}

func TestChainAppendLinks(t *testing.T) {
	c, err := NewChain([]byte("game-1"), consensus.HashBytes([]byte("initial")))
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	for v := uint64(1); v <= 5; v++ {
		if err := c.Append(testEntry(v)); err != nil {
			t.Fatalf("append %d: %v", v, err)
		}
	}
	if c.Len() != 6 {
		t.Fatalf("chain length %d, want 6", c.Len())
	}
	if err := c.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tip, err := c.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if tip.Index != 5 || tip.Entry.Version != 5 {
		t.Fatalf("tip index %d version %d", tip.Index, tip.Entry.Version)
	}
	prev, err := c.ByIndex(4)
	if err != nil {
		t.Fatalf("by index: %v", err)
	}
	if tip.PrevHash != prev.Hash {
		t.Fatal("tip not linked to its predecessor")
	}
}

func TestChainReplaySince(t *testing.T) {
	c, err := NewChain([]byte("game-1"), consensus.HashBytes([]byte("initial")))
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	for v := uint64(1); v <= 4; v++ {
		if err := c.Append(testEntry(v)); err != nil {
			t.Fatalf("append %d: %v", v, err)
		}
	}

	entries, err := c.ReplaySince(2)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(entries) != 2 || entries[0].Version != 3 || entries[1].Version != 4 {
		t.Fatalf("unexpected replay window: %v", entries)
	}

	all, err := c.ReplaySince(0)
	if err != nil {
		t.Fatalf("replay from zero: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected all 4 entries, got %d", len(all))
	}
}

func TestChainVerifyDetectsTampering(t *testing.T) {
	c, err := NewChain([]byte("game-1"), consensus.HashBytes([]byte("initial")))
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	for v := uint64(1); v <= 3; v++ {
		if err := c.Append(testEntry(v)); err != nil {
			t.Fatalf("append %d: %v", v, err)
		}
	}

	// Rewriting an entry invalidates its block hash.
	c.blocks[2].Entry.StateHash = consensus.HashBytes([]byte("rewritten"))
	if err := c.Verify(); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken after tampering, got %v", err)
	}
}

func TestChainVerifyDetectsBrokenLink(t *testing.T) {
	c, err := NewChain([]byte("game-1"), consensus.HashBytes([]byte("initial")))
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	for v := uint64(1); v <= 3; v++ {
		if err := c.Append(testEntry(v)); err != nil {
			t.Fatalf("append %d: %v", v, err)
		}
	}

	// Re-pointing a block at the wrong parent breaks the walk even if the
	// block hash itself is recomputed.
	c.blocks[2].PrevHash = consensus.HashBytes([]byte("elsewhere"))
	h, err := blockHash(c.blocks[2])
	if err != nil {
		t.Fatalf("rehash: %v", err)
	}
	c.blocks[2].Hash = h
	if err := c.Verify(); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken for broken link, got %v", err)
	}
}

func TestChainDistinctGamesDiverge(t *testing.T) {
	initial := consensus.HashBytes([]byte("initial"))
	a, err := NewChain([]byte("game-a"), initial)
	if err != nil {
		t.Fatalf("chain a: %v", err)
	}
	b, err := NewChain([]byte("game-b"), initial)
	if err != nil {
		t.Fatalf("chain b: %v", err)
	}
	ga, _ := a.ByIndex(0)
	gb, _ := b.ByIndex(0)
	if ga.Hash == gb.Hash {
		t.Fatal("two games share a genesis hash")
	}
}
