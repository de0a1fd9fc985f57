package network

import (
	"errors"
	"fmt"

	"go.dedis.ch/protobuf"

	"github.com/dicemesh/dicemesh/consensus"
)

// ErrBadEnvelope reports a frame that cannot be decoded or carries an
// unknown kind.
var ErrBadEnvelope = errors.New("malformed envelope")

// Kind tags the payload type inside an envelope.
type Kind uint32

const (
	KindProposal   Kind = 1
	KindVote       Kind = 2
	KindCommitment Kind = 3
	KindReveal     Kind = 4
	KindVrfOutput  Kind = 5
	KindEvidence   Kind = 6
)

// String returns the kind's wire name.
func (k Kind) String() string {
	switch k {
	case KindProposal:
		return "proposal"
	case KindVote:
		return "vote"
	case KindCommitment:
		return "commitment"
	case KindReveal:
		return "reveal"
	case KindVrfOutput:
		return "vrf-output"
	case KindEvidence:
		return "evidence"
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// Envelope is the wire frame. Payload is the protobuf encoding of the
// message named by Kind; the payload carries its own signature, so the
// envelope itself is not signed.
type Envelope struct {
	Kind    Kind
	Round   uint64
	Sender  consensus.ParticipantID
	Payload []byte
}

// Marshal encodes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return protobuf.Encode(e)
}

// UnmarshalEnvelope decodes a wire frame.
func UnmarshalEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := protobuf.Decode(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if e.Kind < KindProposal || e.Kind > KindEvidence {
		return Envelope{}, fmt.Errorf("%w: unknown kind %d", ErrBadEnvelope, e.Kind)
	}
	return e, nil
}

// Wrap encodes msg with protobuf and frames it.
func Wrap(kind Kind, round uint64, sender consensus.ParticipantID, msg interface{}) (Envelope, error) {
	payload, err := protobuf.Encode(msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Round: round, Sender: sender, Payload: payload}, nil
}
