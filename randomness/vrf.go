package randomness

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/sasha-s/go-deadlock"
	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/proof/dleq"
	"go.dedis.ch/kyber/v4/suites"
	"go.dedis.ch/kyber/v4/util/random"
	"go.dedis.ch/protobuf"

	"github.com/dicemesh/dicemesh/consensus"
)

var suite = suites.MustFind("Ed25519")

// VRFKey is a participant's keypair for the VRF strategy, distinct from
// the Ed25519 signing key: the VRF secret is a raw group scalar so the
// DLEQ proof can be computed over it.
type VRFKey struct {
	Secret kyber.Scalar
	Public kyber.Point
}

// NewVRFKey draws a fresh VRF keypair.
func NewVRFKey() *VRFKey {
	secret := suite.Scalar().Pick(random.New())
	return &VRFKey{
		Secret: secret,
		Public: suite.Point().Mul(secret, nil),
	}
}

// PublicBytes returns the marshaled public point for registration with
// the other participants.
func (k *VRFKey) PublicBytes() ([]byte, error) {
	return k.Public.MarshalBinary()
}

// VrfOutput is the broadcast message carrying a leader's entropy and
// proof for one round.
type VrfOutput struct {
	Round     uint64
	Leader    consensus.ParticipantID
	Entropy   []byte
	Proof     []byte
	Signature []byte
}

func (o *VrfOutput) serialize() ([]byte, error) {
	tmp := *o
	tmp.Signature = nil
	return protobuf.Encode(&tmp)
}

// Sign signs the output with the leader's Ed25519 private key.
func (o *VrfOutput) Sign(priv ed25519.PrivateKey) error {
	b, err := o.serialize()
	if err != nil {
		return err
	}
	o.Signature = ed25519.Sign(priv, b)
	return nil
}

// VerifySignature checks the output's transport signature. The entropy
// itself is additionally guarded by the DLEQ proof.
func (o *VrfOutput) VerifySignature(v *consensus.Verifier) bool {
	if len(o.Signature) == 0 {
		return false
	}
	b, err := o.serialize()
	if err != nil {
		return false
	}
	return v.Verify(b, o.Signature, o.Leader.PublicKey())
}

// vrfProof is the wire form of the DLEQ proof plus the output point.
type vrfProof struct {
	Output kyber.Point
	C      kyber.Scalar
	R      kyber.Scalar
	VG     kyber.Point
	VH     kyber.Point
}

func groupConstructors() protobuf.Constructors {
	return protobuf.Constructors{
		reflect.TypeOf((*kyber.Point)(nil)).Elem():  func() interface{} { return suite.Point() },
		reflect.TypeOf((*kyber.Scalar)(nil)).Elem(): func() interface{} { return suite.Scalar() },
	}
}

// VRF is the leader-based randomness strategy. The leader for a round is
// chosen round-robin over the non-excluded participants in ascending id
// order, so every correct node agrees on it without communication.
type VRF struct {
	mu        deadlock.Mutex
	set       *consensus.ParticipantSet
	exclusion consensus.ExclusionView
	gameID    []byte
	self      consensus.ParticipantID
	key       *VRFKey
	pubs      map[consensus.ParticipantID]kyber.Point
	results   map[uint64]*Result
}

// NewVRF builds the strategy. pubs maps every participant to their
// marshaled VRF public point; key may be nil on a verify-only node.
func NewVRF(
	set *consensus.ParticipantSet,
	exclusion consensus.ExclusionView,
	gameID []byte,
	self consensus.ParticipantID,
	key *VRFKey,
	pubs map[consensus.ParticipantID][]byte,
) (*VRF, error) {
	points := make(map[consensus.ParticipantID]kyber.Point, len(pubs))
	for id, raw := range pubs {
		p := suite.Point()
		if err := p.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("bad VRF public key for %s: %w", id, err)
		}
		points[id] = p
	}
	return &VRF{
		set:       set,
		exclusion: exclusion,
		gameID:    gameID,
		self:      self,
		key:       key,
		pubs:      points,
		results:   make(map[uint64]*Result),
	}, nil
}

// Name implements Strategy.
func (v *VRF) Name() string { return "vrf" }

// Leader returns the round's designated leader.
func (v *VRF) Leader(round uint64) (consensus.ParticipantID, error) {
	var active []consensus.ParticipantID
	for _, id := range v.set.IDs() {
		if v.exclusion == nil || !v.exclusion.IsExcluded(id, round) {
			active = append(active, id)
		}
	}
	if len(active) == 0 {
		return consensus.ParticipantID{}, fmt.Errorf("no active participants for round %d", round)
	}
	return active[round%uint64(len(active))], nil
}

// seed derives the round's VRF input point. The point is picked from a
// seeded XOF so nobody knows its discrete log.
func (v *VRF) seedPoint(round uint64) kyber.Point {
	h := sha256.New()
	h.Write(v.gameID)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], round)
	h.Write(buf[:])
	seed := h.Sum(nil)
	return suite.Point().Pick(suite.XOF(seed))
}

// Evaluate computes (entropy, proof) for a round this node leads.
func (v *VRF) Evaluate(round uint64) (*Result, error) {
	leader, err := v.Leader(round)
	if err != nil {
		return nil, err
	}
	if leader != v.self || v.key == nil {
		return nil, fmt.Errorf("%w: leader for round %d is %s", ErrNotLeader, round, leader)
	}

	h := v.seedPoint(round)
	proof, _, xH, err := dleq.NewDLEQProof(suite, suite.Point().Base(), h, v.key.Secret)
	if err != nil {
		return nil, err
	}
	wire := vrfProof{Output: xH, C: proof.C, R: proof.R, VG: proof.VG, VH: proof.VH}
	proofBytes, err := protobuf.Encode(&wire)
	if err != nil {
		return nil, err
	}
	outBytes, err := xH.MarshalBinary()
	if err != nil {
		return nil, err
	}
	entropy := sha256.Sum256(outBytes)

	res := &Result{Entropy: entropy[:], Proof: proofBytes}
	v.mu.Lock()
	v.results[round] = res
	v.mu.Unlock()
	return res, nil
}

// Observe stores a verified result received from the round leader so
// ProduceEntropy can serve it later.
func (v *VRF) Observe(round uint64, res *Result) error {
	if err := v.VerifyEntropy(round, res); err != nil {
		return err
	}
	v.mu.Lock()
	v.results[round] = res
	v.mu.Unlock()
	return nil
}

// ProduceEntropy implements Strategy: evaluate when leading, otherwise
// serve the observed output or report ErrNotReady.
func (v *VRF) ProduceEntropy(round uint64) (*Result, error) {
	leader, err := v.Leader(round)
	if err != nil {
		return nil, err
	}
	if leader == v.self && v.key != nil {
		return v.Evaluate(round)
	}
	v.mu.Lock()
	res := v.results[round]
	v.mu.Unlock()
	if res == nil {
		return nil, ErrNotReady
	}
	return res, nil
}

// VerifyEntropy implements Strategy: check the DLEQ proof against the
// round leader's public key and the round's seed point.
func (v *VRF) VerifyEntropy(round uint64, res *Result) error {
	leader, err := v.Leader(round)
	if err != nil {
		return err
	}
	pub, ok := v.pubs[leader]
	if !ok {
		return fmt.Errorf("%w: no VRF key for leader %s", ErrInvalidProof, leader)
	}

	var wire vrfProof
	if err := protobuf.DecodeWithConstructors(res.Proof, &wire, groupConstructors()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	proof := dleq.Proof{C: wire.C, R: wire.R, VG: wire.VG, VH: wire.VH}
	h := v.seedPoint(round)
	if err := proof.Verify(suite, suite.Point().Base(), h, pub, wire.Output); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	outBytes, err := wire.Output.MarshalBinary()
	if err != nil {
		return err
	}
	expected := sha256.Sum256(outBytes)
	if len(res.Entropy) != len(expected) {
		return ErrInvalidProof
	}
	for i := range expected {
		if res.Entropy[i] != expected[i] {
			return ErrInvalidProof
		}
	}
	return nil
}

// Prune drops stored results for rounds before floor.
func (v *VRF) Prune(floor uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for round := range v.results {
		if round < floor {
			delete(v.results, round)
		}
	}
}
