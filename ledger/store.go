package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.dedis.ch/protobuf"

	"github.com/dicemesh/dicemesh/consensus"
	"github.com/dicemesh/dicemesh/state"
)

const (
	blockPrefix = "b/"
	tipKey      = "tip"
)

// Store is the LevelDB-backed ledger. Every Append is a synced write, so
// an acknowledged commit survives a crash.
type Store struct {
	db *leveldb.DB
}

// Open opens or creates the store at path and writes the genesis block
// if the database is fresh.
func Open(path string, gameID []byte, initialStateHash consensus.Hash) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	s := &Store{db: db}

	_, err = s.db.Get([]byte(tipKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		genesis := Block{
			Index:     0,
			Timestamp: time.Now().Unix(),
			Entry: state.Entry{
				Version:   0,
				Round:     0,
				StateHash: initialStateHash,
				Proposal:  gameID,
			},
		}
		h, herr := blockHash(genesis)
		if herr != nil {
			db.Close()
			return nil, herr
		}
		genesis.Hash = h
		if werr := s.writeBlock(genesis); werr != nil {
			db.Close()
			return nil, werr
		}
	} else if err != nil {
		db.Close()
		return nil, fmt.Errorf("read ledger tip: %w", err)
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func blockKey(index uint64) []byte {
	key := make([]byte, len(blockPrefix)+8)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint64(key[len(blockPrefix):], index)
	return key
}

func (s *Store) writeBlock(b Block) error {
	raw, err := protobuf.Encode(&b)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(blockKey(b.Index), raw)

	var tip [8]byte
	binary.BigEndian.PutUint64(tip[:], b.Index)
	batch.Put([]byte(tipKey), tip[:])

	return s.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func (s *Store) readBlock(index uint64) (Block, error) {
	raw, err := s.db.Get(blockKey(index), nil)
	if err != nil {
		return Block{}, err
	}
	var b Block
	if err := protobuf.Decode(raw, &b); err != nil {
		return Block{}, fmt.Errorf("decode block %d: %w", index, err)
	}
	return b, nil
}

// Latest returns the tip block.
func (s *Store) Latest() (Block, error) {
	raw, err := s.db.Get([]byte(tipKey), nil)
	if err != nil {
		return Block{}, fmt.Errorf("read ledger tip: %w", err)
	}
	return s.readBlock(binary.BigEndian.Uint64(raw))
}

// Append implements state.Ledger. The write is synced before returning,
// which is what lets the engine make the commit visible afterwards.
func (s *Store) Append(e state.Entry) error {
	tip, err := s.Latest()
	if err != nil {
		return err
	}
	b := Block{
		Index:     tip.Index + 1,
		Timestamp: time.Now().Unix(),
		PrevHash:  tip.Hash,
		Entry:     e,
	}
	h, err := blockHash(b)
	if err != nil {
		return err
	}
	b.Hash = h
	if err := validateBlock(b, tip); err != nil {
		return err
	}
	return s.writeBlock(b)
}

// ReplaySince implements state.Ledger: committed entries with version
// strictly greater than version, in chain order.
func (s *Store) ReplaySince(version uint64) ([]state.Entry, error) {
	var out []state.Entry
	iter := s.db.NewIterator(util.BytesPrefix([]byte(blockPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var b Block
		if err := protobuf.Decode(iter.Value(), &b); err != nil {
			return nil, fmt.Errorf("decode block: %w", err)
		}
		if b.Index == 0 {
			continue
		}
		if b.Entry.Version > version {
			out = append(out, b.Entry)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Verify walks the persisted chain and checks every hash link.
func (s *Store) Verify() error {
	tip, err := s.Latest()
	if err != nil {
		return err
	}
	prev, err := s.readBlock(0)
	if err != nil {
		return err
	}
	if !prev.PrevHash.IsZero() {
		return fmt.Errorf("%w: genesis has a previous hash", ErrChainBroken)
	}
	for i := uint64(1); i <= tip.Index; i++ {
		b, err := s.readBlock(i)
		if err != nil {
			return err
		}
		if err := validateBlock(b, prev); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		prev = b
	}
	return nil
}
