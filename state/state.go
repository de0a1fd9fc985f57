package state

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/dicemesh/dicemesh/consensus"
)

// Game phases for the dice game.
const (
	PhaseComeOut uint8 = 0
	PhasePoint   uint8 = 1
)

// DiceRoll is the outcome of one certified roll.
type DiceRoll struct {
	Die1 uint8
	Die2 uint8
}

// Total returns the sum of both dice.
func (r DiceRoll) Total() int { return int(r.Die1) + int(r.Die2) }

// Bet is an active bet awaiting resolution.
type Bet struct {
	Player consensus.ParticipantID
	Kind   uint32
	Amount uint64
}

// GameState is one immutable version of the shared game state. A new
// version is produced only by the deterministic application of a
// certified proposal to the prior version; nothing mutates a published
// state in place.
type GameState struct {
	Version  uint64
	Phase    uint8
	Point    uint8
	Balances map[consensus.ParticipantID]int64
	Bets     []Bet
	LastRoll *DiceRoll
	Excluded []consensus.ParticipantID
}

// NewGameState builds the genesis state with the given starting balance
// for every participant.
func NewGameState(participants []consensus.ParticipantID, startingBalance int64) *GameState {
	balances := make(map[consensus.ParticipantID]int64, len(participants))
	for _, id := range participants {
		balances[id] = startingBalance
	}
	return &GameState{
		Version:  0,
		Phase:    PhaseComeOut,
		Balances: balances,
	}
}

// Balance returns the committed balance of a player.
func (s *GameState) Balance(id consensus.ParticipantID) int64 {
	return s.Balances[id]
}

// IsExcluded reports whether id appears in the state's exclusion list.
func (s *GameState) IsExcluded(id consensus.ParticipantID) bool {
	for _, e := range s.Excluded {
		if e == id {
			return true
		}
	}
	return false
}

// shallow copies the version struct while sharing every field with the
// receiver. Callers replace only the fields they touch, so commit cost is
// proportional to the size of the change.
func (s *GameState) shallow() *GameState {
	next := *s
	return &next
}

// WithBalance returns a new state in which only the balances map was
// copied and id's balance replaced.
func (s *GameState) WithBalance(id consensus.ParticipantID, balance int64) *GameState {
	next := s.shallow()
	next.Balances = make(map[consensus.ParticipantID]int64, len(s.Balances))
	for k, v := range s.Balances {
		next.Balances[k] = v
	}
	next.Balances[id] = balance
	return next
}

// WithBalances returns a new state with the balances map replaced.
func (s *GameState) WithBalances(balances map[consensus.ParticipantID]int64) *GameState {
	next := s.shallow()
	next.Balances = balances
	return next
}

// WithBets returns a new state with the active bet list replaced.
func (s *GameState) WithBets(bets []Bet) *GameState {
	next := s.shallow()
	next.Bets = bets
	return next
}

// WithRoll returns a new state with the last roll replaced.
func (s *GameState) WithRoll(roll DiceRoll) *GameState {
	next := s.shallow()
	next.LastRoll = &roll
	return next
}

// WithPhase returns a new state with phase and point replaced.
func (s *GameState) WithPhase(phase, point uint8) *GameState {
	next := s.shallow()
	next.Phase = phase
	next.Point = point
	return next
}

// WithExcluded returns a new state with the exclusion list replaced by a
// sorted copy of ids.
func (s *GameState) WithExcluded(ids []consensus.ParticipantID) *GameState {
	next := s.shallow()
	sorted := make([]consensus.ParticipantID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	next.Excluded = sorted
	return next
}

// Hash computes the canonical digest of the state. The encoding is fixed:
// scalar fields in order, balances sorted by participant id, bets in list
// order, then the exclusion list. Every correct node produces the same
// bytes for the same state, so the digest is what the next round's votes
// attest to.
func (s *GameState) Hash() consensus.Hash {
	h := sha256.New()
	var buf [8]byte

	binary.BigEndian.PutUint64(buf[:], s.Version)
	h.Write(buf[:])
	h.Write([]byte{s.Phase, s.Point})

	ids := make([]consensus.ParticipantID, 0, len(s.Balances))
	for id := range s.Balances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	binary.BigEndian.PutUint64(buf[:], uint64(len(ids)))
	h.Write(buf[:])
	for _, id := range ids {
		h.Write(id[:])
		binary.BigEndian.PutUint64(buf[:], uint64(s.Balances[id]))
		h.Write(buf[:])
	}

	binary.BigEndian.PutUint64(buf[:], uint64(len(s.Bets)))
	h.Write(buf[:])
	for _, b := range s.Bets {
		h.Write(b.Player[:])
		binary.BigEndian.PutUint32(buf[:4], b.Kind)
		h.Write(buf[:4])
		binary.BigEndian.PutUint64(buf[:], b.Amount)
		h.Write(buf[:])
	}

	if s.LastRoll != nil {
		h.Write([]byte{1, s.LastRoll.Die1, s.LastRoll.Die2})
	} else {
		h.Write([]byte{0})
	}

	binary.BigEndian.PutUint64(buf[:], uint64(len(s.Excluded)))
	h.Write(buf[:])
	for _, id := range s.Excluded {
		h.Write(id[:])
	}

	var out consensus.Hash
	h.Sum(out[:0])
	return out
}
