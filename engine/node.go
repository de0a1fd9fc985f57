package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.dedis.ch/protobuf"

	"github.com/dicemesh/dicemesh/config"
	"github.com/dicemesh/dicemesh/consensus"
	"github.com/dicemesh/dicemesh/dispute"
	"github.com/dicemesh/dicemesh/network"
	"github.com/dicemesh/dicemesh/randomness"
	"github.com/dicemesh/dicemesh/state"
)

var (
	// ErrProposalInFlight reports a submit while this node's previous
	// proposal has neither committed nor timed out.
	ErrProposalInFlight = errors.New("a proposal is already in flight")

	// ErrNotRunning reports an operation on a stopped node.
	ErrNotRunning = errors.New("node is not running")
)

// Options carries the injected collaborators of a Node. Strategy must be
// the CommitReveal or VRF instance also passed as its concrete field so
// the node can drive the phase-specific messages.
type Options struct {
	Config   config.Config
	Identity Identity
	Set      *consensus.ParticipantSet
	Verifier *consensus.Verifier
	Rules    state.Rules
	Ledger   state.Ledger
	Bus      network.Bus
	Resolver *dispute.Resolver
	Strategy randomness.Strategy

	// CommitReveal is set when Strategy is the commit-reveal scheme.
	CommitReveal *randomness.CommitReveal
	// VRF is set when Strategy is the VRF scheme.
	VRF *randomness.VRF

	Logger *slog.Logger
}

// roundState is the node's bookkeeping for the round currently being
// decided.
type roundState struct {
	round     uint64
	tracker   *consensus.RoundTracker
	proposals map[consensus.Hash]*consensus.Proposal
	// cert is a certificate that arrived before its proposal did.
	cert       *consensus.QuorumCertificate
	ownPending bool
	rollAsked  bool
	timer      *time.Timer
}

// Node is one consensus participant.
type Node struct {
	log      *slog.Logger
	cfg      config.Config
	id       consensus.ParticipantID
	identity Identity

	set      *consensus.ParticipantSet
	verifier *consensus.Verifier
	st       *state.Engine
	strategy randomness.Strategy
	cr       *randomness.CommitReveal
	vrf      *randomness.VRF
	resolver *dispute.Resolver
	bus      network.Bus

	mu           deadlock.Mutex
	cur          *roundState
	nonces       map[uint64][32]byte
	revealOpened map[uint64]bool
	cancelSub    func()
	running      bool
}

// NewNode builds a node over a fresh genesis state, replaying the ledger
// if it already holds commits.
func NewNode(opts Options) (*Node, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("node", opts.Identity.ID.String())

	genesis := state.NewGameState(opts.Set.IDs(), opts.Config.StartingBalance)
	st := state.NewEngine(genesis, opts.Rules, opts.Ledger, uint64(opts.Config.DisputeWindow), log)
	if err := st.Replay(); err != nil {
		return nil, fmt.Errorf("replay ledger: %w", err)
	}

	return &Node{
		log:      log,
		cfg:      opts.Config,
		id:       opts.Identity.ID,
		identity: opts.Identity,
		set:      opts.Set,
		verifier: opts.Verifier,
		st:       st,
		strategy: opts.Strategy,
		cr:       opts.CommitReveal,
		vrf:      opts.VRF,
		resolver: opts.Resolver,
		bus:          opts.Bus,
		nonces:       make(map[uint64][32]byte),
		revealOpened: make(map[uint64]bool),
	}, nil
}

// ID returns the node's participant id.
func (n *Node) ID() consensus.ParticipantID { return n.id }

// State returns the latest committed snapshot.
func (n *Node) State() *state.Snapshot { return n.st.Current() }

// Start subscribes the node to the bus.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}
	n.cancelSub = n.bus.Subscribe(n.handle)
	n.running = true
	n.log.Info("node started",
		"participants", n.set.Size(),
		"strategy", n.strategy.Name())
	return nil
}

// Stop unsubscribes and drops any round in flight.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	if n.cancelSub != nil {
		n.cancelSub()
	}
	if n.cur != nil && n.cur.timer != nil {
		n.cur.timer.Stop()
	}
	n.cur = nil
	n.running = false
}

// PlaceBet proposes a bet by this node for the next round.
func (n *Node) PlaceBet(ctx context.Context, kind uint32, amount uint64) error {
	op := consensus.Operation{
		Kind: consensus.OpPlaceBet,
		Bet:  &consensus.BetOp{Player: n.id, BetKind: kind, Amount: amount},
	}
	return n.propose(ctx, op, nil)
}

// Credit proposes an administrative balance change (a buy-in).
func (n *Node) Credit(ctx context.Context, player consensus.ParticipantID, delta int64, reason string) error {
	op := consensus.Operation{
		Kind:  consensus.OpAdmin,
		Admin: &consensus.AdminOp{Player: player, Delta: delta, Reason: reason},
	}
	return n.propose(ctx, op, nil)
}

// StartRoll begins the randomness phase for the next round. With
// commit-reveal the node broadcasts its commitment and proposes the roll
// once the reveal window closes; with VRF the leader evaluates and
// proposes immediately.
func (n *Node) StartRoll(ctx context.Context) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return ErrNotRunning
	}
	if n.cur != nil && n.cur.ownPending {
		n.mu.Unlock()
		return ErrProposalInFlight
	}
	round := n.st.Current().Version + 1
	n.mu.Unlock()

	if n.vrf != nil {
		return n.startRollVRF(ctx, round)
	}
	return n.startRollCommitReveal(ctx, round)
}

func (n *Node) startRollVRF(ctx context.Context, round uint64) error {
	res, err := n.vrf.ProduceEntropy(round)
	if err != nil {
		return err
	}
	leader, err := n.vrf.Leader(round)
	if err != nil {
		return err
	}
	if leader == n.id {
		out := randomness.VrfOutput{
			Round:   round,
			Leader:  n.id,
			Entropy: res.Entropy,
			Proof:   res.Proof,
		}
		if err := out.Sign(n.identity.Priv); err != nil {
			return err
		}
		e, err := network.Wrap(network.KindVrfOutput, round, n.id, &out)
		if err != nil {
			return err
		}
		if err := n.bus.Broadcast(ctx, e); err != nil {
			n.log.Debug("vrf output broadcast incomplete", "err", err)
		}
	}
	return n.proposeRoll(ctx, round, res)
}

func (n *Node) startRollCommitReveal(ctx context.Context, round uint64) error {
	nonce, err := randomness.NewNonce()
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.nonces[round] = nonce
	if n.cur == nil || n.cur.round != round {
		n.openRoundLocked(round)
	}
	n.cur.rollAsked = true
	n.mu.Unlock()

	c := randomness.Commitment{
		Round:       round,
		Participant: n.id,
		Digest:      randomness.CommitDigest(round, nonce),
	}
	if err := c.Sign(n.identity.Priv); err != nil {
		return err
	}
	quorum, err := n.cr.AddCommit(c)
	if err != nil {
		return err
	}
	e, err := network.Wrap(network.KindCommitment, round, n.id, &c)
	if err != nil {
		return err
	}
	if err := n.bus.Broadcast(ctx, e); err != nil {
		n.log.Debug("commitment broadcast incomplete", "err", err)
	}
	if quorum {
		n.scheduleRevealPhase(round)
	}
	return nil
}

// joinCommitPhase contributes this node's commitment after a peer opened
// the commit phase for the next round. Without it a single initiator
// could never gather a commit quorum.
func (n *Node) joinCommitPhase(round uint64) {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	if _, committed := n.nonces[round]; committed {
		n.mu.Unlock()
		return
	}
	if round != n.st.Current().Version+1 {
		n.mu.Unlock()
		return
	}
	nonce, err := randomness.NewNonce()
	if err != nil {
		n.mu.Unlock()
		n.log.Error("draw nonce", "err", err)
		return
	}
	n.nonces[round] = nonce
	n.mu.Unlock()

	c := randomness.Commitment{
		Round:       round,
		Participant: n.id,
		Digest:      randomness.CommitDigest(round, nonce),
	}
	if err := c.Sign(n.identity.Priv); err != nil {
		n.log.Error("sign commitment", "err", err)
		return
	}
	quorum, err := n.cr.AddCommit(c)
	if err != nil {
		n.log.Error("own commitment rejected", "round", round, "err", err)
		return
	}
	e, err := network.Wrap(network.KindCommitment, round, n.id, &c)
	if err != nil {
		n.log.Error("wrap commitment", "err", err)
		return
	}
	if err := n.bus.Broadcast(context.Background(), e); err != nil {
		n.log.Debug("commitment broadcast incomplete", "err", err)
	}
	if quorum {
		n.scheduleRevealPhase(round)
	}
}

// scheduleRevealPhase opens the reveal window once every active
// participant has committed. At quorum with commitments still in
// flight it waits one grace period first, because a commitment is
// rejected once the window opens.
func (n *Node) scheduleRevealPhase(round uint64) {
	if n.cr.CommitsComplete(round) {
		n.openRevealPhase(round)
		return
	}
	time.AfterFunc(n.cfg.RevealGrace, func() {
		n.openRevealPhase(round)
	})
}

// openRevealPhase opens the reveal window, reveals our own nonce, and
// schedules the close after reveal_window plus reveal_grace. Later
// commitments past quorum do not reopen the window.
func (n *Node) openRevealPhase(round uint64) {
	n.mu.Lock()
	if n.revealOpened[round] {
		n.mu.Unlock()
		return
	}
	n.revealOpened[round] = true
	nonce, committed := n.nonces[round]
	n.mu.Unlock()

	n.cr.OpenReveal(round)
	if committed {
		rv := randomness.Reveal{Round: round, Participant: n.id, Nonce: nonce}
		if err := rv.Sign(n.identity.Priv); err != nil {
			n.log.Error("sign reveal", "err", err)
			return
		}
		if err := n.cr.AddReveal(rv); err != nil {
			n.log.Error("local reveal rejected", "err", err)
		}
		e, err := network.Wrap(network.KindReveal, round, n.id, &rv)
		if err != nil {
			n.log.Error("wrap reveal", "err", err)
			return
		}
		if err := n.bus.Broadcast(context.Background(), e); err != nil {
			n.log.Debug("reveal broadcast incomplete", "err", err)
		}
	}

	time.AfterFunc(n.cfg.RevealWindow+n.cfg.RevealGrace, func() {
		n.closeRevealPhase(round)
	})
}

func (n *Node) closeRevealPhase(round uint64) {
	silent := n.cr.CloseReveal(round)
	for _, id := range silent {
		n.log.Warn("committer revealed nothing", "round", round, "participant", id.String())
	}

	n.mu.Lock()
	asked := n.cur != nil && n.cur.round == round && n.cur.rollAsked
	n.mu.Unlock()
	if !asked {
		return
	}
	res, err := n.cr.ProduceEntropy(round)
	if err != nil {
		n.log.Error("entropy unavailable", "round", round, "err", err)
		return
	}
	if err := n.proposeRoll(context.Background(), round, res); err != nil {
		n.log.Error("roll proposal failed", "round", round, "err", err)
	}
}

func (n *Node) proposeRoll(ctx context.Context, round uint64, res *randomness.Result) error {
	d1, d2 := randomness.Dice(res.Entropy)
	op := consensus.Operation{
		Kind: consensus.OpRollDice,
		Roll: &consensus.RollOp{Die1: uint32(d1), Die2: uint32(d2), Entropy: res.Entropy},
	}
	return n.propose(ctx, op, res.Proof)
}

// propose validates, signs and broadcasts a proposal for the next round,
// then votes for it.
func (n *Node) propose(ctx context.Context, op consensus.Operation, entropyProof []byte) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return ErrNotRunning
	}
	if n.cur != nil && n.cur.ownPending {
		n.mu.Unlock()
		return ErrProposalInFlight
	}
	if err := n.st.ValidateOperation(op); err != nil {
		n.mu.Unlock()
		return err
	}

	round := n.st.Current().Version + 1
	opBytes, err := protobuf.Encode(&op)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	p := &consensus.Proposal{
		Round:        round,
		Proposer:     n.id,
		Operation:    op,
		PayloadHash:  consensus.HashBytes(opBytes),
		EntropyProof: entropyProof,
		Timestamp:    time.Now().Unix(),
	}
	if err := p.Sign(n.identity.Priv); err != nil {
		n.mu.Unlock()
		return err
	}
	ph, err := p.Hash()
	if err != nil {
		n.mu.Unlock()
		return err
	}

	if n.cur == nil || n.cur.round != round {
		n.openRoundLocked(round)
	}
	n.cur.proposals[ph] = p
	n.cur.ownPending = true
	n.mu.Unlock()

	e, err := network.Wrap(network.KindProposal, round, n.id, p)
	if err != nil {
		return err
	}
	if err := n.bus.Broadcast(ctx, e); err != nil {
		n.log.Debug("proposal broadcast incomplete", "err", err)
	}

	n.log.Info("proposed", "round", round, "kind", op.Kind, "proposal", ph.String())
	return n.castVote(ctx, p, ph, consensus.VoteAccept, "")
}

// openRoundLocked installs the tracker and timeout for round. Caller
// holds n.mu.
func (n *Node) openRoundLocked(round uint64) {
	if n.cur != nil && n.cur.timer != nil {
		n.cur.timer.Stop()
	}
	deadline := time.Now().Add(n.cfg.RoundTimeout)
	rs := &roundState{
		round:     round,
		tracker:   consensus.NewRoundTracker(round, n.set, n.verifier, n.resolver, deadline),
		proposals: make(map[consensus.Hash]*consensus.Proposal),
	}
	rs.timer = time.AfterFunc(n.cfg.RoundTimeout, func() {
		n.expireRound(round)
	})
	n.cur = rs
}

// expireRound times the round out if it has not reached quorum. The
// committed state is untouched; the operation can be resubmitted.
func (n *Node) expireRound(round uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cur == nil || n.cur.round != round {
		return
	}
	if !n.cur.tracker.Expire(time.Now()) {
		return
	}
	n.log.Warn("round timed out",
		"round", round,
		"votes", n.cur.tracker.VoteCount(),
		"threshold", n.cur.tracker.Threshold())
	n.cur = nil
	delete(n.nonces, round)
	delete(n.revealOpened, round)
}

// castVote signs and broadcasts our vote, then counts it locally.
func (n *Node) castVote(ctx context.Context, p *consensus.Proposal, ph consensus.Hash, value consensus.VoteValue, reason string) error {
	v := consensus.Vote{
		Round:        p.Round,
		ProposalHash: ph,
		Voter:        n.id,
		Value:        value,
		Reason:       reason,
	}
	if err := v.Sign(n.identity.Priv); err != nil {
		return err
	}
	e, err := network.Wrap(network.KindVote, p.Round, n.id, &v)
	if err != nil {
		return err
	}
	if err := n.bus.Broadcast(ctx, e); err != nil {
		n.log.Debug("vote broadcast incomplete", "err", err)
	}
	n.countVote(v)
	return nil
}
