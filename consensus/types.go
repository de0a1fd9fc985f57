package consensus

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"

	"go.dedis.ch/protobuf"
)

// Hash is a 32-byte SHA-256 digest.
type Hash [32]byte

// HashBytes returns the SHA-256 digest of data.
func HashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Less orders hashes lexicographically. The fork resolver uses this
// ordering to pick the canonical branch.
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

// ParticipantID identifies a participant for the lifetime of a session.
// It is the raw Ed25519 public key of the participant.
type ParticipantID [ed25519.PublicKeySize]byte

// IDFromPublicKey derives the session identity from an Ed25519 public key.
func IDFromPublicKey(pub ed25519.PublicKey) ParticipantID {
	var id ParticipantID
	copy(id[:], pub)
	return id
}

// PublicKey returns the identity as an Ed25519 public key.
func (id ParticipantID) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(id[:])
}

func (id ParticipantID) String() string {
	return hex.EncodeToString(id[:8])
}

// Less orders participant ids lexicographically. Slot assignment and
// entropy combination both rely on this ordering being identical on
// every node.
func (id ParticipantID) Less(other ParticipantID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// OperationKind tags the variants of Operation. Tag and enum fields on
// wire messages are uint32; the wire codec has no 8-bit integer
// encoding.
type OperationKind uint32

const (
	// OpPlaceBet places a bet against the player's committed balance.
	OpPlaceBet OperationKind = 1
	// OpRollDice applies a dice roll derived from certified entropy.
	OpRollDice OperationKind = 2
	// OpAdmin applies an administrative balance or membership change.
	OpAdmin OperationKind = 3
)

// BetOp is a bet placed by a player.
type BetOp struct {
	Player  ParticipantID
	BetKind uint32
	Amount  uint64
}

// RollOp is a dice roll request resolved with verifiable entropy.
// Die1 and Die2 are derived deterministically from Entropy; every
// validator re-derives them and rejects a proposal where they differ.
type RollOp struct {
	Die1    uint32
	Die2    uint32
	Entropy []byte
}

// AdminOp applies an administrative change outside of normal game flow:
// crediting a buy-in, or recording a slashing exclusion in the state so
// that replay reproduces it.
type AdminOp struct {
	Player  ParticipantID
	Delta   int64
	Exclude bool
	Reason  string
}

// Operation is the tagged union of state changes a proposal can carry.
// Exactly one of the pointer fields is set, matching Kind.
type Operation struct {
	Kind  OperationKind
	Bet   *BetOp
	Roll  *RollOp
	Admin *AdminOp
}

// Proposal asks the group to advance the state by one round. It is
// immutable once signed; a proposal lives for exactly one round and is
// either committed or discarded on timeout.
type Proposal struct {
	Round       uint64
	Proposer    ParticipantID
	Operation   Operation
	PayloadHash Hash
	// EntropyProof carries the randomness proof for roll operations so
	// any later auditor can re-verify the outcome. Empty otherwise.
	EntropyProof []byte
	Timestamp    int64
	Signature    []byte
}

// serialize returns the deterministic encoding of the Proposal with the
// Signature field cleared, so the signature is not part of the signed data.
func (p *Proposal) serialize() ([]byte, error) {
	tmp := *p
	tmp.Signature = nil
	return protobuf.Encode(&tmp)
}

// Sign signs the proposal with the proposer's Ed25519 private key.
func (p *Proposal) Sign(priv ed25519.PrivateKey) error {
	b, err := p.serialize()
	if err != nil {
		return err
	}
	p.Signature = ed25519.Sign(priv, b)
	return nil
}

// VerifySignature checks the proposal signature against the proposer key
// using the given verifier.
func (p *Proposal) VerifySignature(v *Verifier) bool {
	if len(p.Signature) == 0 {
		return false
	}
	b, err := p.serialize()
	if err != nil {
		return false
	}
	return v.Verify(b, p.Signature, p.Proposer.PublicKey())
}

// Hash returns the digest of the signed proposal; votes reference the
// proposal through this value rather than through a direct link.
func (p *Proposal) Hash() (Hash, error) {
	b, err := protobuf.Encode(p)
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(b), nil
}

// VoteValue is the stance a vote takes on a proposal.
type VoteValue uint32

const (
	VoteAccept VoteValue = 1
	VoteReject VoteValue = 2
)

// Vote is one participant's stance on one proposal. A participant gets
// exactly one vote per round; a second vote with a different proposal
// hash is equivocation.
type Vote struct {
	Round        uint64
	ProposalHash Hash
	Voter        ParticipantID
	Value        VoteValue
	Reason       string
	Signature    []byte
}

func (v *Vote) serialize() ([]byte, error) {
	tmp := *v
	tmp.Signature = nil
	return protobuf.Encode(&tmp)
}

// Sign signs the vote with the voter's Ed25519 private key.
func (v *Vote) Sign(priv ed25519.PrivateKey) error {
	b, err := v.serialize()
	if err != nil {
		return err
	}
	v.Signature = ed25519.Sign(priv, b)
	return nil
}

// VerifySignature checks the vote signature against the voter key.
func (v *Vote) VerifySignature(verifier *Verifier) bool {
	if len(v.Signature) == 0 {
		return false
	}
	b, err := v.serialize()
	if err != nil {
		return false
	}
	return verifier.Verify(b, v.Signature, v.Voter.PublicKey())
}

// QuorumCertificate proves that strictly more than two thirds of the
// non-excluded participants accepted the same proposal. Votes are ordered
// by ascending voter id so the certificate's encoding, and therefore its
// hash, is identical on every correct node.
type QuorumCertificate struct {
	Round        uint64
	ProposalHash Hash
	// StateHash is the digest of the state produced by applying the
	// certified proposal. The next round's votes attest to it.
	StateHash Hash
	Votes     []Vote
}

// Hash returns the digest of the certificate's deterministic encoding.
func (qc *QuorumCertificate) Hash() (Hash, error) {
	b, err := protobuf.Encode(qc)
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(b), nil
}

// Signers returns the voter ids in certificate order.
func (qc *QuorumCertificate) Signers() []ParticipantID {
	ids := make([]ParticipantID, len(qc.Votes))
	for i, v := range qc.Votes {
		ids[i] = v.Voter
	}
	return ids
}
