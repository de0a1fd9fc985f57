package dice

import (
	"fmt"

	"github.com/dicemesh/dicemesh/consensus"
	"github.com/dicemesh/dicemesh/state"
)

// Bet kinds.
const (
	// BetPass wins on a come-out 7 or 11 and on making the point.
	BetPass uint32 = 1
	// BetDontPass wins on a come-out 2 or 3 and on a seven-out; a
	// come-out 12 is a push.
	BetDontPass uint32 = 2
)

// Rules implements state.Rules for the pass / don't-pass game.
type Rules struct{}

// New returns the rule set.
func New() Rules { return Rules{} }

// ApplyBet stakes a bet: the amount leaves the player's balance and the
// bet joins the active list. Validation beyond what the engine already
// enforces lives here so a certified bet can still be rejected
// identically on every node.
func (Rules) ApplyBet(s *state.GameState, bet consensus.BetOp) (*state.GameState, error) {
	if bet.BetKind != BetPass && bet.BetKind != BetDontPass {
		return nil, fmt.Errorf("unknown bet kind %d", bet.BetKind)
	}
	if bet.Amount == 0 {
		return nil, fmt.Errorf("zero amount")
	}
	balance := s.Balance(bet.Player)
	if balance < int64(bet.Amount) {
		return nil, fmt.Errorf("insufficient balance: have %d, need %d", balance, bet.Amount)
	}
	if s.Phase == state.PhasePoint && bet.BetKind == BetDontPass {
		return nil, fmt.Errorf("don't-pass bets close once a point is set")
	}

	next := s.WithBalance(bet.Player, balance-int64(bet.Amount))
	bets := make([]state.Bet, len(s.Bets), len(s.Bets)+1)
	copy(bets, s.Bets)
	return next.WithBets(append(bets, state.Bet{
		Player: bet.Player,
		Kind:   bet.BetKind,
		Amount: bet.Amount,
	})), nil
}

// ApplyRoll resolves one certified roll against the phase machine.
func (Rules) ApplyRoll(s *state.GameState, roll state.DiceRoll) *state.GameState {
	next := s.WithRoll(roll)
	total := roll.Total()

	if s.Phase == state.PhaseComeOut {
		switch {
		case total == 7 || total == 11:
			return settle(next, BetPass, nil)
		case total == 2 || total == 3:
			return settle(next, BetDontPass, nil)
		case total == 12:
			// Don't-pass pushes on twelve; pass loses.
			push := map[uint32]bool{BetDontPass: true}
			return settle(next, 0, push)
		default:
			return next.WithPhase(state.PhasePoint, uint8(total))
		}
	}

	switch {
	case total == int(s.Point):
		return settle(next.WithPhase(state.PhaseComeOut, 0), BetPass, nil)
	case total == 7:
		return settle(next.WithPhase(state.PhaseComeOut, 0), BetDontPass, nil)
	default:
		return next
	}
}

// settle pays every bet of the winning kind even money, refunds pushed
// kinds, and clears the bet list. Losing stakes were already deducted
// when placed.
func settle(s *state.GameState, winner uint32, push map[uint32]bool) *state.GameState {
	if len(s.Bets) == 0 {
		return s.WithBets(nil)
	}
	updated := make(map[consensus.ParticipantID]int64, len(s.Balances))
	for id, v := range s.Balances {
		updated[id] = v
	}
	for _, b := range s.Bets {
		switch {
		case b.Kind == winner:
			updated[b.Player] += 2 * int64(b.Amount)
		case push != nil && push[b.Kind]:
			updated[b.Player] += int64(b.Amount)
		}
	}
	return s.WithBalances(updated).WithBets(nil)
}
