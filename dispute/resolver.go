package dispute

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/sasha-s/go-deadlock"

	"github.com/dicemesh/dicemesh/consensus"
)

// DefaultSlashRounds is how many rounds a slashed participant is
// excluded from quorum counting.
const DefaultSlashRounds = 16

// ForkReport describes a resolved fork: which branch became canonical
// and who signed both sides.
type ForkReport struct {
	Round        uint64
	Canonical    consensus.Hash
	Abandoned    consensus.Hash
	Equivocators []consensus.ParticipantID
}

// Resolver observes certificates, resolves forks, and owns the shared
// exclusion set. It is the only writer of exclusions; all other
// components read them through consensus.ExclusionView.
type Resolver struct {
	mu  deadlock.RWMutex
	log *slog.Logger

	set         *consensus.ParticipantSet
	verifier    *consensus.Verifier
	slashRounds uint64

	// certs maps round -> state hash -> first certificate seen.
	certs    map[uint64]map[consensus.Hash]*consensus.QuorumCertificate
	slashes  []SlashRecord
	excluded map[consensus.ParticipantID]uint64
}

// NewResolver builds a resolver for one consensus group.
func NewResolver(set *consensus.ParticipantSet, verifier *consensus.Verifier, slashRounds uint64, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	if slashRounds == 0 {
		slashRounds = DefaultSlashRounds
	}
	return &Resolver{
		log:         log,
		set:         set,
		verifier:    verifier,
		slashRounds: slashRounds,
		certs:       make(map[uint64]map[consensus.Hash]*consensus.QuorumCertificate),
		excluded:    make(map[consensus.ParticipantID]uint64),
	}
}

// IsExcluded implements consensus.ExclusionView. An excluded
// participant's votes do not count toward quorum until their window ends.
func (r *Resolver) IsExcluded(id consensus.ParticipantID, round uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	until, ok := r.excluded[id]
	return ok && round < until
}

// ObserveCertificate feeds one certificate from the commit stream into
// fork detection. When the certificate conflicts with one already seen
// for the same round, the fork is resolved immediately: equivocators are
// slashed, the branch with the lexicographically smaller state hash
// becomes canonical, and a report is returned together with
// ErrForkDetected. The caller freezes commits descending from the
// abandoned branch and resumes on the canonical one.
func (r *Resolver) ObserveCertificate(qc *consensus.QuorumCertificate) (*ForkReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byHash := r.certs[qc.Round]
	if byHash == nil {
		byHash = make(map[consensus.Hash]*consensus.QuorumCertificate)
		r.certs[qc.Round] = byHash
	}
	if _, seen := byHash[qc.StateHash]; seen {
		return nil, nil
	}
	byHash[qc.StateHash] = qc

	for otherHash, other := range byHash {
		if otherHash == qc.StateHash {
			continue
		}
		ev := Evidence{
			Kind:       EvidenceForkCerts,
			Round:      qc.Round,
			FirstCert:  other,
			SecondCert: qc,
		}
		report, _ := r.resolveForkLocked(qc.Round, other, qc, ev)
		return report, fmt.Errorf("%w: round %d", ErrForkDetected, qc.Round)
	}
	return nil, nil
}

// resolveForkLocked slashes everyone who signed both certificates and
// picks the canonical branch. Signers already slashed for the round are
// not recorded twice. Caller holds r.mu.
func (r *Resolver) resolveForkLocked(round uint64, a, b *consensus.QuorumCertificate, ev Evidence) (*ForkReport, []SlashRecord) {
	canonical, abandoned := a, b
	if b.StateHash.Less(a.StateHash) {
		canonical, abandoned = b, a
	}

	equivocators := intersectSigners(a, b)
	var records []SlashRecord
	for _, id := range equivocators {
		if r.alreadySlashedLocked(id, round) {
			continue
		}
		records = append(records, r.slashLocked(id, round, ev))
	}

	if len(records) > 0 {
		r.log.Warn("fork resolved",
			"round", round,
			"canonical", canonical.StateHash.String(),
			"abandoned", abandoned.StateHash.String(),
			"slashed", len(records))
	}
	return &ForkReport{
		Round:        round,
		Canonical:    canonical.StateHash,
		Abandoned:    abandoned.StateHash,
		Equivocators: equivocators,
	}, records
}

// slashLocked appends the permanent record and opens the exclusion
// window. Caller holds r.mu.
func (r *Resolver) slashLocked(id consensus.ParticipantID, round uint64, ev Evidence) SlashRecord {
	until := round + r.slashRounds
	rec := SlashRecord{
		Participant:   id,
		Round:         round,
		Evidence:      ev,
		ExcludedUntil: until,
	}
	r.slashes = append(r.slashes, rec)
	if current, ok := r.excluded[id]; !ok || until > current {
		r.excluded[id] = until
	}
	r.log.Warn("participant slashed",
		"participant", id.String(),
		"round", round,
		"excluded_until", until)
	return rec
}

// SlashEquivocation turns tracker evidence into a slash record. The
// evidence is re-validated so a forged report cannot exclude anyone.
func (r *Resolver) SlashEquivocation(ev consensus.EquivocationEvidence) (*SlashRecord, error) {
	wrapped := Evidence{
		Kind:       EvidenceDoubleVote,
		Round:      ev.Round,
		Accused:    ev.Voter,
		FirstVote:  &ev.First,
		SecondVote: &ev.Second,
	}
	if err := wrapped.Validate(r.verifier); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.slashLocked(ev.Voter, ev.Round, wrapped)
	return &rec, nil
}

// SubmitEvidence processes evidence received from a peer. Validation is
// deterministic, so every correct node reaches the same slashing
// decision independently of who reported first.
func (r *Resolver) SubmitEvidence(ev Evidence) ([]SlashRecord, error) {
	if !r.set.Contains(ev.Reporter) {
		return nil, consensus.ErrUnknownParticipant
	}
	if !ev.VerifySignature(r.verifier) {
		return nil, consensus.ErrAuthentication
	}
	if err := ev.Validate(r.verifier); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Kind {
	case EvidenceDoubleVote:
		if r.alreadySlashedLocked(ev.Accused, ev.Round) {
			return nil, nil
		}
		rec := r.slashLocked(ev.Accused, ev.Round, ev)
		return []SlashRecord{rec}, nil

	case EvidenceForkCerts:
		// Both certificates enter fork tracking, so canonical selection
		// works even when this node assembled neither of them itself.
		byHash := r.certs[ev.Round]
		if byHash == nil {
			byHash = make(map[consensus.Hash]*consensus.QuorumCertificate)
			r.certs[ev.Round] = byHash
		}
		if _, ok := byHash[ev.FirstCert.StateHash]; !ok {
			byHash[ev.FirstCert.StateHash] = ev.FirstCert
		}
		if _, ok := byHash[ev.SecondCert.StateHash]; !ok {
			byHash[ev.SecondCert.StateHash] = ev.SecondCert
		}
		_, records := r.resolveForkLocked(ev.Round, ev.FirstCert, ev.SecondCert, ev)
		return records, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %d", ErrBadEvidence, ev.Kind)
}

func (r *Resolver) alreadySlashedLocked(id consensus.ParticipantID, round uint64) bool {
	for _, rec := range r.slashes {
		if rec.Participant == id && rec.Round == round {
			return true
		}
	}
	return false
}

// Records returns a copy of the permanent slash record trail.
func (r *Resolver) Records() []SlashRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SlashRecord, len(r.slashes))
	copy(out, r.slashes)
	return out
}

// CertificateFor returns the observed certificate attesting the given
// state hash in a round.
func (r *Resolver) CertificateFor(round uint64, stateHash consensus.Hash) (*consensus.QuorumCertificate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	qc, ok := r.certs[round][stateHash]
	return qc, ok
}

// CanonicalHash returns the canonical state hash for a round, if any
// certificate has been observed for it.
func (r *Resolver) CanonicalHash(round uint64) (consensus.Hash, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byHash := r.certs[round]
	if len(byHash) == 0 {
		return consensus.Hash{}, false
	}
	var best consensus.Hash
	first := true
	for h := range byHash {
		if first || h.Less(best) {
			best = h
			first = false
		}
	}
	return best, true
}

// PruneCerts drops certificate bookkeeping for rounds before floor.
// Slash records are never pruned.
func (r *Resolver) PruneCerts(floor uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for round := range r.certs {
		if round < floor {
			delete(r.certs, round)
		}
	}
}

// intersectSigners returns the participants who signed votes in both
// certificates, in ascending id order.
func intersectSigners(a, b *consensus.QuorumCertificate) []consensus.ParticipantID {
	inA := make(map[consensus.ParticipantID]bool, len(a.Votes))
	for _, v := range a.Votes {
		inA[v.Voter] = true
	}
	var both []consensus.ParticipantID
	for _, v := range b.Votes {
		if inA[v.Voter] {
			both = append(both, v.Voter)
			inA[v.Voter] = false
		}
	}
	sort.Slice(both, func(i, j int) bool { return both[i].Less(both[j]) })
	return both
}
