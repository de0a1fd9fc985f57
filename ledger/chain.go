package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/dicemesh/dicemesh/consensus"
	"github.com/dicemesh/dicemesh/state"
)

var (
	// ErrEmptyChain reports a chain with no blocks at all, which cannot
	// happen through the constructor.
	ErrEmptyChain = errors.New("chain is empty")

	// ErrChainBroken reports a hash or index mismatch somewhere in the
	// chain.
	ErrChainBroken = errors.New("chain integrity violated")
)

// Chain is the in-memory hash-chained ledger. It starts from a genesis
// block bound to the game id so two games never share a chain prefix.
type Chain struct {
	mu     deadlock.RWMutex
	blocks []Block
}

// NewChain creates a chain with its genesis block. The genesis entry
// carries version 0 and the initial state hash.
func NewChain(gameID []byte, initialStateHash consensus.Hash) (*Chain, error) {
	genesis := Block{
		Index:     0,
		Timestamp: time.Now().Unix(),
		Entry: state.Entry{
			Version:   0,
			Round:     0,
			StateHash: initialStateHash,
			Proposal:  gameID,
		},
	}
	h, err := blockHash(genesis)
	if err != nil {
		return nil, err
	}
	genesis.Hash = h
	return &Chain{blocks: []Block{genesis}}, nil
}

// Append implements state.Ledger. The entry is wrapped into a block
// linked to the current tip.
func (c *Chain) Append(e state.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tip := c.blocks[len(c.blocks)-1]
	b := Block{
		Index:     tip.Index + 1,
		Timestamp: time.Now().Unix(),
		PrevHash:  tip.Hash,
		Entry:     e,
	}
	h, err := blockHash(b)
	if err != nil {
		return err
	}
	b.Hash = h
	if err := validateBlock(b, tip); err != nil {
		return err
	}
	c.blocks = append(c.blocks, b)
	return nil
}

// ReplaySince implements state.Ledger: the committed entries with a
// version strictly greater than version, in order.
func (c *Chain) ReplaySince(version uint64) ([]state.Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []state.Entry
	for _, b := range c.blocks[1:] {
		if b.Entry.Version > version {
			out = append(out, b.Entry)
		}
	}
	return out, nil
}

// Latest returns the tip block.
func (c *Chain) Latest() (Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.blocks) == 0 {
		return Block{}, ErrEmptyChain
	}
	return c.blocks[len(c.blocks)-1], nil
}

// ByIndex retrieves a block by chain index.
func (c *Chain) ByIndex(index uint64) (Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index >= uint64(len(c.blocks)) {
		return Block{}, fmt.Errorf("%w: index %d out of range", ErrChainBroken, index)
	}
	return c.blocks[index], nil
}

// Len returns the number of blocks including genesis.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// Verify walks the whole chain and checks every hash link.
func (c *Chain) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.blocks) == 0 {
		return ErrEmptyChain
	}
	if !c.blocks[0].PrevHash.IsZero() {
		return fmt.Errorf("%w: genesis has a previous hash", ErrChainBroken)
	}
	for i := 1; i < len(c.blocks); i++ {
		if err := validateBlock(c.blocks[i], c.blocks[i-1]); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}

func validateBlock(current, previous Block) error {
	if current.Index != previous.Index+1 {
		return fmt.Errorf("%w: index %d after %d", ErrChainBroken, current.Index, previous.Index)
	}
	if current.PrevHash != previous.Hash {
		return fmt.Errorf("%w: previous hash mismatch at index %d", ErrChainBroken, current.Index)
	}
	expected, err := blockHash(current)
	if err != nil {
		return err
	}
	if current.Hash != expected {
		return fmt.Errorf("%w: hash mismatch at index %d", ErrChainBroken, current.Index)
	}
	return nil
}
