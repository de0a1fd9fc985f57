package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"

	"github.com/dicemesh/dicemesh/config"
	"github.com/dicemesh/dicemesh/consensus"
	"github.com/dicemesh/dicemesh/discovery"
	"github.com/dicemesh/dicemesh/dispute"
	"github.com/dicemesh/dicemesh/domain/dice"
	"github.com/dicemesh/dicemesh/engine"
	"github.com/dicemesh/dicemesh/ledger"
	"github.com/dicemesh/dicemesh/network"
	"github.com/dicemesh/dicemesh/randomness"
	"github.com/dicemesh/dicemesh/state"
)

const players = 5

func main() {
	handler := pterm.NewSlogHandler(&pterm.DefaultLogger)
	logger := slog.New(handler)

	pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("Dice", pterm.FgRed.ToStyle()),
		putils.LettersFromStringWithStyle("Mesh", pterm.FgDarkGray.ToStyle()),
	).Render()

	args := os.Args[1:]
	serve := len(args) > 0 && args[0] == "serve"
	if serve {
		args = args[1:]
	}
	cfgPath := ""
	if len(args) > 0 {
		cfgPath = args[0]
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("bad configuration", "err", err)
		os.Exit(1)
	}
	if serve {
		if err := runServe(cfg, logger); err != nil {
			logger.Error("node failed", "err", err)
			os.Exit(1)
		}
		return
	}
	// The demo runs in one process; long windows would only make the
	// reader wait.
	cfg.RevealWindow = 300 * time.Millisecond
	cfg.RevealGrace = 200 * time.Millisecond

	nodes, err := buildTable(cfg, logger)
	if err != nil {
		logger.Error("table setup failed", "err", err)
		os.Exit(1)
	}
	for _, n := range nodes {
		if err := n.Start(); err != nil {
			logger.Error("node start failed", "err", err)
			os.Exit(1)
		}
	}
	defer func() {
		for _, n := range nodes {
			n.Stop()
		}
	}()
	pterm.Success.Printfln("table of %d players agreed on genesis", len(nodes))

	ctx := context.Background()

	spinner, _ := pterm.DefaultSpinner.Start("Placing bets ...")
	if err := nodes[0].PlaceBet(ctx, dice.BetPass, 100); err != nil {
		spinner.Fail(err.Error())
		os.Exit(1)
	}
	if err := waitForVersion(nodes, 1, 10*time.Second); err != nil {
		spinner.Fail(err.Error())
		os.Exit(1)
	}
	if err := nodes[1].PlaceBet(ctx, dice.BetDontPass, 50); err != nil {
		spinner.Fail(err.Error())
		os.Exit(1)
	}
	if err := waitForVersion(nodes, 2, 10*time.Second); err != nil {
		spinner.Fail(err.Error())
		os.Exit(1)
	}
	spinner.Success("both bets certified")
	printTable(nodes[0].State())

	spinner, _ = pterm.DefaultSpinner.Start("Rolling the dice ...")
	if err := nodes[0].StartRoll(ctx); err != nil {
		spinner.Fail(err.Error())
		os.Exit(1)
	}
	if err := waitForVersion(nodes, 3, 10*time.Second); err != nil {
		spinner.Fail(err.Error())
		os.Exit(1)
	}
	spinner.Success("roll certified")
	printTable(nodes[0].State())
}

// runServe runs one networked node: it announces itself over localhost
// discovery, waits for the rest of the table, and speaks HTTP to its
// peers. The player with the smallest id drives a short game; everyone
// else follows the protocol until interrupted.
func runServe(cfg config.Config, logger *slog.Logger) error {
	identity, err := engine.NewIdentity()
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	ann := discovery.Entry{
		ID:   hex.EncodeToString(identity.ID[:]),
		Addr: l.Addr().String(),
	}
	disc, err := discovery.NewWithOptions(ann,
		discovery.WithPortRange(9000, 9010),
		discovery.WithAttempts(60),
	)
	if err != nil {
		l.Close()
		return err
	}
	defer disc.Close()

	spinner, _ := pterm.DefaultSpinner.Start(
		fmt.Sprintf("Announcing %s, waiting for %d more players ...", ann.Addr, players-1))
	ids := []consensus.ParticipantID{identity.ID}
	peerAddrs := append([]string(nil), cfg.Peers...)
	found := map[string]bool{ann.ID: true}
	for len(found) < players {
		entry := <-disc.Entries
		if found[entry.ID] {
			continue
		}
		raw, err := hex.DecodeString(entry.ID)
		if err != nil || len(raw) != len(identity.ID) {
			continue
		}
		var id consensus.ParticipantID
		copy(id[:], raw)
		found[entry.ID] = true
		ids = append(ids, id)
		peerAddrs = append(peerAddrs, entry.Addr)
		spinner.UpdateText(fmt.Sprintf("Found %d of %d players", len(found), players))
	}
	spinner.Success("table complete")

	set, err := consensus.NewParticipantSet(ids)
	if err != nil {
		return err
	}
	bus := network.NewHTTPBus(l, peerAddrs, network.WithLogger(logger))
	defer bus.Close()

	verifier := consensus.NewVerifier(cfg.VerifyCacheSize)
	resolver := dispute.NewResolver(set, verifier, cfg.SlashRounds, logger)
	cr := randomness.NewCommitReveal(set, verifier, resolver)

	gameID := []byte("dicemesh-lan")
	genesisHash := state.NewGameState(set.IDs(), cfg.StartingBalance).Hash()
	var led state.Ledger
	if cfg.LedgerPath != "" {
		store, err := ledger.Open(cfg.LedgerPath, gameID, genesisHash)
		if err != nil {
			return err
		}
		led = store
	} else {
		chain, err := ledger.NewChain(gameID, genesisHash)
		if err != nil {
			return err
		}
		led = chain
	}

	node, err := engine.NewNode(engine.Options{
		Config:       cfg,
		Identity:     identity,
		Set:          set,
		Verifier:     verifier,
		Rules:        dice.New(),
		Ledger:       led,
		Bus:          bus,
		Resolver:     resolver,
		Strategy:     cr,
		CommitReveal: cr,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	defer node.Stop()

	// One node opens the game; the lowest id is the same on every node.
	wait := cfg.RoundTimeout + cfg.RevealWindow + cfg.RevealGrace
	ctx := context.Background()
	if set.IDs()[0] == identity.ID {
		if err := node.PlaceBet(ctx, dice.BetPass, 100); err != nil {
			return err
		}
		if err := waitForVersion([]*engine.Node{node}, 1, wait); err != nil {
			return err
		}
		if err := node.StartRoll(ctx); err != nil {
			return err
		}
	}
	if err := waitForVersion([]*engine.Node{node}, 2, 2*wait); err != nil {
		return err
	}
	printTable(node.State())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	return nil
}

// buildTable wires identities, trackers, strategies and ledgers for an
// in-process game over a loopback bus.
func buildTable(cfg config.Config, logger *slog.Logger) ([]*engine.Node, error) {
	identities := make([]engine.Identity, players)
	ids := make([]consensus.ParticipantID, players)
	for i := range identities {
		id, err := engine.NewIdentity()
		if err != nil {
			return nil, err
		}
		identities[i] = id
		ids[i] = id.ID
	}
	set, err := consensus.NewParticipantSet(ids)
	if err != nil {
		return nil, err
	}

	gameID := []byte("dicemesh-demo")
	bus := network.NewLoopback()
	nodes := make([]*engine.Node, players)
	for i, identity := range identities {
		verifier := consensus.NewVerifier(cfg.VerifyCacheSize)
		resolver := dispute.NewResolver(set, verifier, cfg.SlashRounds, logger)
		cr := randomness.NewCommitReveal(set, verifier, resolver)

		genesisHash := state.NewGameState(ids, cfg.StartingBalance).Hash()
		var led state.Ledger
		if cfg.LedgerPath != "" {
			store, err := ledger.Open(fmt.Sprintf("%s/node%d", cfg.LedgerPath, i), gameID, genesisHash)
			if err != nil {
				return nil, err
			}
			led = store
		} else {
			chain, err := ledger.NewChain(gameID, genesisHash)
			if err != nil {
				return nil, err
			}
			led = chain
		}

		node, err := engine.NewNode(engine.Options{
			Config:       cfg,
			Identity:     identity,
			Set:          set,
			Verifier:     verifier,
			Rules:        dice.New(),
			Ledger:       led,
			Bus:          bus.Endpoint(),
			Resolver:     resolver,
			Strategy:     cr,
			CommitReveal: cr,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		nodes[i] = node
	}
	return nodes, nil
}

// waitForVersion blocks until every node has committed version v.
func waitForVersion(nodes []*engine.Node, v uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		done := true
		for _, n := range nodes {
			if n.State().Version < v {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for version %d", v)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
