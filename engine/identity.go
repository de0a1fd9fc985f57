package engine

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/dicemesh/dicemesh/consensus"
)

// Identity is a node's signing keypair and derived participant id.
type Identity struct {
	ID   consensus.ParticipantID
	Pub  ed25519.PublicKey
	Priv ed25519.PrivateKey
}

// NewIdentity generates a fresh Ed25519 identity.
func NewIdentity() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		ID:   consensus.IDFromPublicKey(pub),
		Pub:  pub,
		Priv: priv,
	}, nil
}
