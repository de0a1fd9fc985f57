package randomness

import (
	"crypto/sha256"
	"encoding/binary"
)

// rejectionBound is the largest multiple of 6 that fits in a byte.
// Bytes at or above it are discarded and resampled, so each face keeps
// exactly the same probability mass.
const rejectionBound = 252

// Dice maps entropy to two dice in {1..6} by rejection sampling. The
// mapping is deterministic: every node derives the same dice from the
// same entropy.
func Dice(entropy []byte) (uint8, uint8) {
	s := newEntropyStream(entropy)
	return s.die(), s.die()
}

// entropyStream yields an unbounded byte sequence derived from a seed by
// hashing the seed with an incrementing counter.
type entropyStream struct {
	seed  []byte
	block [sha256.Size]byte
	pos   int
	ctr   uint64
}

func newEntropyStream(seed []byte) *entropyStream {
	s := &entropyStream{seed: seed, pos: sha256.Size}
	return s
}

func (s *entropyStream) next() byte {
	if s.pos >= sha256.Size {
		h := sha256.New()
		h.Write(s.seed)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], s.ctr)
		h.Write(buf[:])
		h.Sum(s.block[:0])
		s.ctr++
		s.pos = 0
	}
	b := s.block[s.pos]
	s.pos++
	return b
}

func (s *entropyStream) die() uint8 {
	for {
		b := s.next()
		if b < rejectionBound {
			return b%6 + 1
		}
	}
}
