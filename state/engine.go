package state

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.dedis.ch/protobuf"

	"github.com/dicemesh/dicemesh/consensus"
	"github.com/dicemesh/dicemesh/randomness"
)

var (
	// ErrSequenceMismatch reports a certificate whose round does not
	// follow the current committed version (stale or reordered).
	ErrSequenceMismatch = errors.New("certificate does not follow current state version")

	// ErrPersistence reports a failed durable append. The node must not
	// acknowledge or broadcast a commit it could not log.
	ErrPersistence = errors.New("durable append failed")

	// ErrStateDivergence reports a certificate attesting a state hash
	// different from the locally computed one.
	ErrStateDivergence = errors.New("certified state hash differs from local result")
)

// Rules is the game-rules collaborator. Both functions are pure: given
// the same inputs they return the same outputs on every node, and they
// never mutate the state they receive.
type Rules interface {
	// ApplyBet validates and applies a bet, returning the next state or
	// an error when the bet violates the game rules.
	ApplyBet(s *GameState, bet consensus.BetOp) (*GameState, error)

	// ApplyRoll resolves active bets against a certified roll and
	// returns the next state.
	ApplyRoll(s *GameState, roll DiceRoll) *GameState
}

// Entry is one record of the append-only commit log. Proposal and
// Certificate hold the canonical encodings so replay rebuilds the exact
// bytes that were certified.
type Entry struct {
	Version     uint64
	Round       uint64
	StateHash   consensus.Hash
	Proposal    []byte
	Certificate []byte
}

// Ledger is the persistence collaborator: an append-only log with
// replay. Append must not return before the entry is durable.
type Ledger interface {
	Append(e Entry) error
	ReplaySince(version uint64) ([]Entry, error)
}

// Snapshot is one published version of the game state. All fields are
// immutable after publication; any number of readers may hold one.
type Snapshot struct {
	Version   uint64
	Round     uint64
	StateHash consensus.Hash
	State     *GameState
}

// DefaultDisputeWindow is how many rounds a committed snapshot (and its
// votes) stays retrievable for dispute checks before pruning.
const DefaultDisputeWindow = 8

// Engine applies certified proposals to versioned snapshots. Reads go
// through an atomic pointer and never block on a writer; writers never
// block on readers. Exactly one commit is in flight at a time: round
// advancement is the serialization point, not a general state lock.
type Engine struct {
	log    *slog.Logger
	rules  Rules
	ledger Ledger

	current atomic.Pointer[Snapshot]

	mu            sync.Mutex // serializes commits
	history       []*Snapshot
	disputeWindow uint64
}

// NewEngine creates an engine at the given genesis state. The ledger may
// be nil for ephemeral use (tests); logger nil falls back to
// slog.Default().
func NewEngine(genesis *GameState, rules Rules, ledger Ledger, disputeWindow uint64, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if disputeWindow == 0 {
		disputeWindow = DefaultDisputeWindow
	}
	e := &Engine{
		log:           log,
		rules:         rules,
		ledger:        ledger,
		disputeWindow: disputeWindow,
	}
	snap := &Snapshot{
		Version:   genesis.Version,
		StateHash: genesis.Hash(),
		State:     genesis,
	}
	e.current.Store(snap)
	e.history = append(e.history, snap)
	return e
}

// Current returns the latest committed snapshot without blocking.
func (e *Engine) Current() *Snapshot {
	return e.current.Load()
}

// SnapshotAt returns the snapshot at the given version if it is still
// inside the dispute window.
func (e *Engine) SnapshotAt(version uint64) (*Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.history {
		if s.Version == version {
			return s, true
		}
	}
	return nil, false
}

// ValidateOperation checks operation-level constraints against the
// current committed state, before a proposal is signed or broadcast.
func (e *Engine) ValidateOperation(op consensus.Operation) error {
	cur := e.Current().State
	switch op.Kind {
	case consensus.OpPlaceBet:
		if op.Bet == nil {
			return fmt.Errorf("%w: missing bet payload", consensus.ErrValidation)
		}
		if op.Bet.Amount == 0 {
			return fmt.Errorf("%w: zero bet", consensus.ErrValidation)
		}
		if cur.IsExcluded(op.Bet.Player) {
			return fmt.Errorf("%w: player is excluded", consensus.ErrValidation)
		}
		if cur.Balance(op.Bet.Player) < int64(op.Bet.Amount) {
			return fmt.Errorf("%w: insufficient balance", consensus.ErrValidation)
		}
	case consensus.OpRollDice:
		if op.Roll == nil {
			return fmt.Errorf("%w: missing roll payload", consensus.ErrValidation)
		}
		if len(op.Roll.Entropy) == 0 {
			return fmt.Errorf("%w: missing entropy", consensus.ErrValidation)
		}
	case consensus.OpAdmin:
		if op.Admin == nil {
			return fmt.Errorf("%w: missing admin payload", consensus.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown operation kind %d", consensus.ErrValidation, op.Kind)
	}
	return nil
}

// PreviewHash applies the proposal to the current snapshot without
// committing and returns the hash of the resulting state. Votes attest
// this value.
func (e *Engine) PreviewHash(p *consensus.Proposal) (consensus.Hash, error) {
	cur := e.Current()
	if p.Round != cur.Version+1 {
		return consensus.Hash{}, fmt.Errorf("%w: proposal round %d, current version %d",
			ErrSequenceMismatch, p.Round, cur.Version)
	}
	next, err := e.apply(cur.State, p)
	if err != nil {
		return consensus.Hash{}, err
	}
	return next.Hash(), nil
}

// Commit applies a certified proposal, durably logs it, and publishes
// the next snapshot. Durability precedes visibility: if the ledger
// append fails nothing is published and ErrPersistence is returned.
func (e *Engine) Commit(p *consensus.Proposal, qc *consensus.QuorumCertificate) (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commitLocked(p, qc, true)
}

func (e *Engine) commitLocked(p *consensus.Proposal, qc *consensus.QuorumCertificate, persist bool) (*Snapshot, error) {
	cur := e.current.Load()
	if p.Round != cur.Version+1 {
		return nil, fmt.Errorf("%w: proposal round %d, current version %d",
			ErrSequenceMismatch, p.Round, cur.Version)
	}
	ph, err := p.Hash()
	if err != nil {
		return nil, err
	}
	if qc.ProposalHash != ph {
		return nil, fmt.Errorf("%w: certificate is for a different proposal", consensus.ErrValidation)
	}
	if qc.Round != p.Round {
		return nil, fmt.Errorf("%w: certificate round %d, proposal round %d",
			ErrSequenceMismatch, qc.Round, p.Round)
	}

	next, err := e.apply(cur.State, p)
	if err != nil {
		return nil, err
	}
	hash := next.Hash()
	if !qc.StateHash.IsZero() && qc.StateHash != hash {
		return nil, fmt.Errorf("%w: certified %s, computed %s", ErrStateDivergence, qc.StateHash, hash)
	}

	if persist && e.ledger != nil {
		pb, err := protobuf.Encode(p)
		if err != nil {
			return nil, err
		}
		cb, err := protobuf.Encode(qc)
		if err != nil {
			return nil, err
		}
		entry := Entry{
			Version:     next.Version,
			Round:       p.Round,
			StateHash:   hash,
			Proposal:    pb,
			Certificate: cb,
		}
		if err := e.ledger.Append(entry); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	snap := &Snapshot{
		Version:   next.Version,
		Round:     p.Round,
		StateHash: hash,
		State:     next,
	}
	e.current.Store(snap)
	e.history = append(e.history, snap)
	e.pruneLocked(snap.Version)

	e.log.Debug("committed state",
		"version", snap.Version,
		"round", snap.Round,
		"state_hash", snap.StateHash.String())
	return snap, nil
}

// pruneLocked drops snapshots whose dispute window has closed. Caller
// holds e.mu.
func (e *Engine) pruneLocked(latest uint64) {
	if latest <= e.disputeWindow {
		return
	}
	floor := latest - e.disputeWindow
	kept := e.history[:0]
	for _, s := range e.history {
		if s.Version >= floor {
			kept = append(kept, s)
		}
	}
	e.history = kept
}

// apply computes the next state as a pure function of the current state
// and the proposal. Only the fields the operation touches are copied.
func (e *Engine) apply(s *GameState, p *consensus.Proposal) (*GameState, error) {
	var next *GameState
	switch p.Operation.Kind {
	case consensus.OpPlaceBet:
		if p.Operation.Bet == nil {
			return nil, fmt.Errorf("%w: missing bet payload", consensus.ErrValidation)
		}
		applied, err := e.rules.ApplyBet(s, *p.Operation.Bet)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", consensus.ErrValidation, err)
		}
		next = applied

	case consensus.OpRollDice:
		roll := p.Operation.Roll
		if roll == nil {
			return nil, fmt.Errorf("%w: missing roll payload", consensus.ErrValidation)
		}
		// Every node re-derives the dice from the certified entropy; a
		// proposer cannot smuggle in a different outcome.
		d1, d2 := randomness.Dice(roll.Entropy)
		if uint32(d1) != roll.Die1 || uint32(d2) != roll.Die2 {
			return nil, fmt.Errorf("%w: dice do not match entropy", consensus.ErrValidation)
		}
		next = e.rules.ApplyRoll(s, DiceRoll{Die1: d1, Die2: d2})

	case consensus.OpAdmin:
		admin := p.Operation.Admin
		if admin == nil {
			return nil, fmt.Errorf("%w: missing admin payload", consensus.ErrValidation)
		}
		next = s
		if admin.Delta != 0 {
			next = next.WithBalance(admin.Player, next.Balance(admin.Player)+admin.Delta)
		}
		if admin.Exclude && !next.IsExcluded(admin.Player) {
			next = next.WithExcluded(append(next.Excluded, admin.Player))
		}
		if next == s {
			next = s.shallow()
		}

	default:
		return nil, fmt.Errorf("%w: unknown operation kind %d", consensus.ErrValidation, p.Operation.Kind)
	}

	next.Version = s.Version + 1
	return next, nil
}

// Replay rebuilds the engine state by applying every ledger entry in
// order, without re-appending. Replaying the full log from genesis
// yields a state bit-identical to the live state at that version.
func (e *Engine) Replay() error {
	if e.ledger == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.current.Load().Version
	entries, err := e.ledger.ReplaySince(from)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	for _, entry := range entries {
		var p consensus.Proposal
		if err := protobuf.Decode(entry.Proposal, &p); err != nil {
			return fmt.Errorf("replay: decode proposal v%d: %w", entry.Version, err)
		}
		var qc consensus.QuorumCertificate
		if err := protobuf.Decode(entry.Certificate, &qc); err != nil {
			return fmt.Errorf("replay: decode certificate v%d: %w", entry.Version, err)
		}
		snap, err := e.commitLocked(&p, &qc, false)
		if err != nil {
			return fmt.Errorf("replay: apply v%d: %w", entry.Version, err)
		}
		if snap.StateHash != entry.StateHash {
			return fmt.Errorf("%w: replayed v%d hash %s, logged %s",
				ErrStateDivergence, entry.Version, snap.StateHash, entry.StateHash)
		}
	}
	return nil
}
