package engine

import (
	"context"
	"errors"

	"go.dedis.ch/protobuf"

	"github.com/dicemesh/dicemesh/consensus"
	"github.com/dicemesh/dicemesh/dispute"
	"github.com/dicemesh/dicemesh/network"
	"github.com/dicemesh/dicemesh/randomness"
)

// handle dispatches one inbound envelope. It runs on the bus delivery
// goroutine, so each branch does its own locking.
func (n *Node) handle(e network.Envelope) {
	switch e.Kind {
	case network.KindProposal:
		var p consensus.Proposal
		if err := protobuf.Decode(e.Payload, &p); err != nil {
			n.log.Debug("drop malformed proposal", "err", err)
			return
		}
		n.onProposal(&p)

	case network.KindVote:
		var v consensus.Vote
		if err := protobuf.Decode(e.Payload, &v); err != nil {
			n.log.Debug("drop malformed vote", "err", err)
			return
		}
		n.countVote(v)

	case network.KindCommitment:
		var c randomness.Commitment
		if err := protobuf.Decode(e.Payload, &c); err != nil {
			n.log.Debug("drop malformed commitment", "err", err)
			return
		}
		n.onCommitment(c)

	case network.KindReveal:
		var rv randomness.Reveal
		if err := protobuf.Decode(e.Payload, &rv); err != nil {
			n.log.Debug("drop malformed reveal", "err", err)
			return
		}
		n.onReveal(rv)

	case network.KindVrfOutput:
		var out randomness.VrfOutput
		if err := protobuf.Decode(e.Payload, &out); err != nil {
			n.log.Debug("drop malformed vrf output", "err", err)
			return
		}
		n.onVrfOutput(out)

	case network.KindEvidence:
		var ev dispute.Evidence
		if err := protobuf.Decode(e.Payload, &ev); err != nil {
			n.log.Debug("drop malformed evidence", "err", err)
			return
		}
		n.onEvidence(ev)

	default:
		n.log.Debug("drop unknown envelope", "kind", e.Kind.String())
	}
}

// onProposal validates an incoming proposal and votes on it. An invalid
// proposal gets an explicit reject vote, not silence, so the proposer
// learns why the round will not certify.
func (n *Node) onProposal(p *consensus.Proposal) {
	if !n.set.Contains(p.Proposer) {
		n.log.Debug("drop proposal from unknown participant", "proposer", p.Proposer.String())
		return
	}
	if !p.VerifySignature(n.verifier) {
		n.log.Debug("drop proposal with bad signature", "proposer", p.Proposer.String())
		return
	}
	ph, err := p.Hash()
	if err != nil {
		return
	}

	cur := n.st.Current()
	if p.Round != cur.Version+1 {
		n.log.Debug("drop proposal for wrong round",
			"round", p.Round, "version", cur.Version)
		return
	}

	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	if n.cur == nil || n.cur.round != p.Round {
		n.openRoundLocked(p.Round)
	}
	n.cur.proposals[ph] = p
	pendingCert := n.cur.cert
	n.mu.Unlock()

	// A certificate may already be waiting for this proposal.
	if pendingCert != nil && pendingCert.ProposalHash == ph {
		n.finalize(p, pendingCert)
		return
	}

	value, reason := consensus.VoteAccept, ""
	if err := n.reviewProposal(p); err != nil {
		value, reason = consensus.VoteReject, err.Error()
		n.log.Info("rejecting proposal",
			"round", p.Round, "proposer", p.Proposer.String(), "reason", reason)
	}
	if err := n.castVote(context.Background(), p, ph, value, reason); err != nil {
		n.log.Error("cast vote", "round", p.Round, "err", err)
	}
}

// reviewProposal is the validation every voter runs: exclusion, the
// operation-level checks, the entropy proof for rolls, and a full dry
// application of the state transition.
func (n *Node) reviewProposal(p *consensus.Proposal) error {
	if n.resolver != nil && n.resolver.IsExcluded(p.Proposer, p.Round) {
		return consensus.ErrExcludedParticipant
	}
	if err := n.st.ValidateOperation(p.Operation); err != nil {
		return err
	}
	if p.Operation.Kind == consensus.OpRollDice {
		res := &randomness.Result{
			Entropy: p.Operation.Roll.Entropy,
			Proof:   p.EntropyProof,
		}
		if err := n.strategy.VerifyEntropy(p.Round, res); err != nil {
			return err
		}
	}
	if _, err := n.st.PreviewHash(p); err != nil {
		return err
	}
	return nil
}

// countVote feeds one vote into the round tracker and acts on the
// outcome: a completed certificate commits the round, equivocation
// evidence is slashed locally and broadcast.
func (n *Node) countVote(v consensus.Vote) {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	if n.cur == nil || n.cur.round != v.Round {
		if v.Round != n.st.Current().Version+1 {
			n.mu.Unlock()
			return
		}
		n.openRoundLocked(v.Round)
	}
	rs := n.cur
	n.mu.Unlock()

	cert, ev, err := rs.tracker.AddVote(v)
	if ev != nil {
		n.onEquivocation(*ev)
	}
	if err != nil && !errors.Is(err, consensus.ErrEquivocation) {
		n.log.Debug("vote not counted", "round", v.Round, "voter", v.Voter.String(), "err", err)
	}
	if cert == nil {
		return
	}

	n.mu.Lock()
	p := rs.proposals[cert.ProposalHash]
	if p == nil {
		// Quorum arrived before the proposal itself; finalize on arrival.
		rs.cert = cert
		n.mu.Unlock()
		n.log.Debug("certificate waiting for proposal", "round", cert.Round)
		return
	}
	n.mu.Unlock()
	n.finalize(p, cert)
}

// finalize fills the certificate's state hash, runs fork detection, and
// commits. Only the canonical branch is committed; a fork on the other
// branch leaves our state untouched.
func (n *Node) finalize(p *consensus.Proposal, cert *consensus.QuorumCertificate) {
	hash, err := n.st.PreviewHash(p)
	if err != nil {
		n.log.Error("certified proposal does not apply", "round", p.Round, "err", err)
		return
	}
	cert.StateHash = hash

	if n.resolver != nil {
		report, err := n.resolver.ObserveCertificate(cert)
		if errors.Is(err, dispute.ErrForkDetected) && report != nil {
			n.broadcastForkEvidence(report, cert)
			if report.Canonical != hash {
				n.log.Warn("abandoning non-canonical branch",
					"round", p.Round, "abandoned", hash.String())
				return
			}
		}
	}

	snap, err := n.st.Commit(p, cert)
	if err != nil {
		n.log.Error("commit failed", "round", p.Round, "err", err)
		return
	}
	n.log.Info("committed",
		"round", snap.Round,
		"version", snap.Version,
		"state_hash", snap.StateHash.String())

	n.mu.Lock()
	if n.cur != nil && n.cur.round == p.Round {
		if n.cur.timer != nil {
			n.cur.timer.Stop()
		}
		n.cur = nil
	}
	delete(n.nonces, p.Round)
	delete(n.revealOpened, p.Round)
	n.mu.Unlock()

	n.pruneAfter(snap.Version)
}

// pruneAfter drops per-round bookkeeping outside the dispute window.
func (n *Node) pruneAfter(version uint64) {
	window := uint64(n.cfg.DisputeWindow)
	if version <= window {
		return
	}
	floor := version - window
	if n.cr != nil {
		n.cr.Prune(floor)
	}
	if n.vrf != nil {
		n.vrf.Prune(floor)
	}
	if n.resolver != nil {
		n.resolver.PruneCerts(floor)
	}
}

// onEquivocation slashes locally and shares the evidence so every node
// reaches the same exclusion without trusting the reporter.
func (n *Node) onEquivocation(ev consensus.EquivocationEvidence) {
	n.log.Warn("equivocation detected",
		"round", ev.Round, "voter", ev.Voter.String())
	if n.resolver == nil {
		return
	}
	if _, err := n.resolver.SlashEquivocation(ev); err != nil {
		n.log.Error("slash failed", "err", err)
		return
	}
	wire := dispute.Evidence{
		Kind:       dispute.EvidenceDoubleVote,
		Round:      ev.Round,
		Accused:    ev.Voter,
		FirstVote:  &ev.First,
		SecondVote: &ev.Second,
		Reporter:   n.id,
	}
	if err := wire.Sign(n.identity.Priv); err != nil {
		n.log.Error("sign evidence", "err", err)
		return
	}
	e, err := network.Wrap(network.KindEvidence, ev.Round, n.id, &wire)
	if err != nil {
		return
	}
	if err := n.bus.Broadcast(context.Background(), e); err != nil {
		n.log.Debug("evidence broadcast incomplete", "err", err)
	}
}

// broadcastForkEvidence shares both conflicting certificates.
func (n *Node) broadcastForkEvidence(report *dispute.ForkReport, cert *consensus.QuorumCertificate) {
	other, ok := n.resolverCertFor(report, cert)
	if !ok {
		return
	}
	wire := dispute.Evidence{
		Kind:       dispute.EvidenceForkCerts,
		Round:      report.Round,
		FirstCert:  cert,
		SecondCert: other,
		Reporter:   n.id,
	}
	if err := wire.Sign(n.identity.Priv); err != nil {
		n.log.Error("sign fork evidence", "err", err)
		return
	}
	e, err := network.Wrap(network.KindEvidence, report.Round, n.id, &wire)
	if err != nil {
		return
	}
	if err := n.bus.Broadcast(context.Background(), e); err != nil {
		n.log.Debug("fork evidence broadcast incomplete", "err", err)
	}
}

// resolverCertFor recovers the conflicting certificate named by the
// report.
func (n *Node) resolverCertFor(report *dispute.ForkReport, cert *consensus.QuorumCertificate) (*consensus.QuorumCertificate, bool) {
	otherHash := report.Canonical
	if otherHash == cert.StateHash {
		otherHash = report.Abandoned
	}
	return n.resolver.CertificateFor(report.Round, otherHash)
}

func (n *Node) onCommitment(c randomness.Commitment) {
	if n.cr == nil {
		return
	}
	quorum, err := n.cr.AddCommit(c)
	if err != nil {
		n.log.Debug("commitment rejected",
			"round", c.Round, "participant", c.Participant.String(), "err", err)
		return
	}
	if quorum {
		n.scheduleRevealPhase(c.Round)
		return
	}
	n.joinCommitPhase(c.Round)
}

func (n *Node) onReveal(rv randomness.Reveal) {
	if n.cr == nil {
		return
	}
	if err := n.cr.AddReveal(rv); err != nil {
		n.log.Debug("reveal rejected",
			"round", rv.Round, "participant", rv.Participant.String(), "err", err)
	}
}

func (n *Node) onVrfOutput(out randomness.VrfOutput) {
	if n.vrf == nil {
		return
	}
	if !out.VerifySignature(n.verifier) {
		n.log.Debug("drop vrf output with bad signature", "round", out.Round)
		return
	}
	res := &randomness.Result{Entropy: out.Entropy, Proof: out.Proof}
	if err := n.vrf.Observe(out.Round, res); err != nil {
		n.log.Debug("vrf output rejected", "round", out.Round, "err", err)
	}
}

func (n *Node) onEvidence(ev dispute.Evidence) {
	if n.resolver == nil {
		return
	}
	records, err := n.resolver.SubmitEvidence(ev)
	if err != nil {
		n.log.Debug("evidence rejected", "round", ev.Round, "err", err)
		return
	}
	for _, rec := range records {
		n.log.Warn("participant slashed by evidence",
			"round", rec.Round,
			"participant", rec.Participant.String(),
			"excluded_until", rec.ExcludedUntil)
	}
	if ev.Kind != dispute.EvidenceForkCerts {
		return
	}
	canonical, ok := n.resolver.CanonicalHash(ev.Round)
	if !ok {
		return
	}
	if snap, found := n.st.SnapshotAt(ev.Round); found && snap.StateHash != canonical {
		n.log.Warn("committed branch abandoned by fork resolution",
			"round", ev.Round,
			"local", snap.StateHash.String(),
			"canonical", canonical.String())
	}
}
