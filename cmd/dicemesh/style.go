package main

import (
	"sort"

	"github.com/pterm/pterm"

	"github.com/dicemesh/dicemesh/consensus"
	"github.com/dicemesh/dicemesh/state"
)

func printTable(snap *state.Snapshot) {
	s := snap.State

	var panels []pterm.Panel
	ids := make([]consensus.ParticipantID, 0, len(s.Balances))
	for id := range s.Balances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	for _, id := range ids {
		panels = append(panels, pterm.Panel{Data: printPlayerInfo(s, id)})
	}

	board := pterm.Panel{Data: pterm.DefaultHeader.
		WithBackgroundStyle(pterm.BgGreen.ToStyle()).
		Sprint(printBoardInfo(snap))}

	pterm.DefaultPanel.WithPanels([][]pterm.Panel{
		panels,
		{board},
	}).Render()
}

func printPlayerInfo(s *state.GameState, id consensus.ParticipantID) string {
	pbox := pterm.DefaultBox.WithHorizontalPadding(4).WithTopPadding(1).WithBottomPadding(1)
	status := pterm.LightGreen("Active")
	if s.IsExcluded(id) {
		status = pterm.LightRed("Excluded")
	}
	staked := int64(0)
	for _, b := range s.Bets {
		if b.Player == id {
			staked += int64(b.Amount)
		}
	}
	return pbox.WithTitle(id.String()).WithTitleTopLeft().
		Sprintf("Balance: %d\nStaked: %d\n%s", s.Balance(id), staked, status)
}

func printBoardInfo(snap *state.Snapshot) string {
	s := snap.State
	phase := "come-out"
	if s.Phase == state.PhasePoint {
		phase = pterm.Sprintf("point %d", s.Point)
	}
	roll := "no roll yet"
	if s.LastRoll != nil {
		roll = pterm.Sprintf("last roll %d + %d = %d",
			s.LastRoll.Die1, s.LastRoll.Die2, s.LastRoll.Total())
	}
	return pterm.Sprintf("v%d | %s | %s | %d open bets",
		s.Version, phase, roll, len(s.Bets))
}
