package consensus

import (
	"crypto/ed25519"
	"fmt"
	"sort"
)

// MaxGroupSize bounds the population of one consensus group. Membership
// bitmasks fit in a single machine word because of this bound.
const MaxGroupSize = 64

// ParticipantSet is the fixed membership of one consensus group for the
// lifetime of a session. Slots are assigned by ascending participant id,
// so every correct node derives the same assignment without coordination.
type ParticipantSet struct {
	ids   []ParticipantID
	slots map[ParticipantID]int
}

// NewParticipantSet builds the slot assignment from the given identities.
func NewParticipantSet(ids []ParticipantID) (*ParticipantSet, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("empty participant set")
	}
	if len(ids) > MaxGroupSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrGroupTooLarge, len(ids), MaxGroupSize)
	}
	sorted := make([]ParticipantID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	slots := make(map[ParticipantID]int, len(sorted))
	for i, id := range sorted {
		if _, dup := slots[id]; dup {
			return nil, fmt.Errorf("duplicate participant %s", id)
		}
		slots[id] = i
	}
	return &ParticipantSet{ids: sorted, slots: slots}, nil
}

// NewParticipantSetFromKeys derives identities from public keys and
// builds the set.
func NewParticipantSetFromKeys(keys []ed25519.PublicKey) (*ParticipantSet, error) {
	ids := make([]ParticipantID, len(keys))
	for i, pk := range keys {
		ids[i] = IDFromPublicKey(pk)
	}
	return NewParticipantSet(ids)
}

// Size returns the number of participants in the group.
func (s *ParticipantSet) Size() int { return len(s.ids) }

// Slot returns the bit index assigned to id.
func (s *ParticipantSet) Slot(id ParticipantID) (int, bool) {
	slot, ok := s.slots[id]
	return slot, ok
}

// Contains reports whether id belongs to the group.
func (s *ParticipantSet) Contains(id ParticipantID) bool {
	_, ok := s.slots[id]
	return ok
}

// BySlot returns the participant assigned to the given slot.
func (s *ParticipantSet) BySlot(slot int) (ParticipantID, bool) {
	if slot < 0 || slot >= len(s.ids) {
		return ParticipantID{}, false
	}
	return s.ids[slot], true
}

// IDs returns the participant ids in slot order. The returned slice is a
// copy.
func (s *ParticipantSet) IDs() []ParticipantID {
	out := make([]ParticipantID, len(s.ids))
	copy(out, s.ids)
	return out
}

// Quorum returns the vote threshold for a group of n participants:
// ceil((2n+1)/3), strictly more than two thirds of n. With this threshold
// a coalition of exactly n/3 voters can never be decisive, which the
// weaker floor(2n/3) bound does not guarantee for n divisible by three.
func Quorum(n int) int {
	return (2*n + 3) / 3
}
