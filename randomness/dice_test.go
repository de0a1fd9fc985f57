package randomness

import (
	"fmt"
	"testing"
)

func TestDiceDeterministic(t *testing.T) {
	entropy := []byte("round 9 combined entropy")
	a1, a2 := Dice(entropy)
	b1, b2 := Dice(entropy)
	if a1 != b1 || a2 != b2 {
		t.Fatalf("same entropy gave different dice: %d,%d vs %d,%d", a1, a2, b1, b2)
	}
}

func TestDiceRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		d1, d2 := Dice([]byte(fmt.Sprintf("entropy %d", i)))
		if d1 < 1 || d1 > 6 || d2 < 1 || d2 > 6 {
			t.Fatalf("dice out of range: %d, %d", d1, d2)
		}
	}
}

func TestDiceRoughlyUniform(t *testing.T) {
	// 20000 die values in total; each face expects ~1/6. A face falling
	// outside [0.14, 0.20] would indicate a biased mapping, which the
	// rejection sampling exists to prevent.
	const rounds = 10000
	counts := make(map[uint8]int)
	for i := 0; i < rounds; i++ {
		d1, d2 := Dice([]byte(fmt.Sprintf("uniformity %d", i)))
		counts[d1]++
		counts[d2]++
	}
	total := float64(2 * rounds)
	for face := uint8(1); face <= 6; face++ {
		freq := float64(counts[face]) / total
		if freq < 0.14 || freq > 0.20 {
			t.Fatalf("face %d frequency %.4f outside tolerance", face, freq)
		}
	}
	for face := range counts {
		if face < 1 || face > 6 {
			t.Fatalf("impossible face %d", face)
		}
	}
}

func TestEntropyStreamRejectsHighBytes(t *testing.T) {
	// The stream must skip bytes >= 252 rather than fold them in; verify
	// by walking a stream manually and checking die outputs always come
	// from accepted bytes.
	s := newEntropyStream([]byte("rejection"))
	for i := 0; i < 256; i++ {
		d := s.die()
		if d < 1 || d > 6 {
			t.Fatalf("die %d out of range", d)
		}
	}
}
