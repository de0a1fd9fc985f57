package ledger

import (
	"crypto/sha256"
	"encoding/binary"

	"go.dedis.ch/protobuf"

	"github.com/dicemesh/dicemesh/consensus"
	"github.com/dicemesh/dicemesh/state"
)

// Block is one link of the hash chain: a committed entry plus the
// cryptographic link to its predecessor.
type Block struct {
	Index     uint64
	Timestamp int64
	PrevHash  consensus.Hash
	Hash      consensus.Hash
	Entry     state.Entry
}

// blockHash computes the block hash over the index, timestamp, previous
// hash and the serialized entry.
func blockHash(b Block) (consensus.Hash, error) {
	entryBytes, err := protobuf.Encode(&b.Entry)
	if err != nil {
		return consensus.Hash{}, err
	}
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], b.Index)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(b.Timestamp))
	h.Write(buf[:])
	h.Write(b.PrevHash[:])
	h.Write(entryBytes)
	var out consensus.Hash
	h.Sum(out[:0])
	return out, nil
}
