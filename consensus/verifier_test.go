package consensus

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestVerifierAcceptsValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	msg := []byte("advance round 7")
	sig := ed25519.Sign(priv, msg)

	v := NewVerifier(16)
	if !v.Verify(msg, sig, pub) {
		t.Fatal("valid signature rejected")
	}
}

func TestVerifierFailsClosed(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	msg := []byte("advance round 7")
	sig := ed25519.Sign(priv, msg)

	v := NewVerifier(16)
	if v.Verify(msg, sig[:10], pub) {
		t.Fatal("truncated signature accepted")
	}
	if v.Verify(msg, sig, pub[:16]) {
		t.Fatal("truncated public key accepted")
	}
	if v.Verify(msg, make([]byte, ed25519.SignatureSize), pub) {
		t.Fatal("zero signature accepted")
	}
	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 1
	if v.Verify(tampered, sig, pub) {
		t.Fatal("signature accepted for tampered message")
	}
}

func TestVerifierCachesResults(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	msg := []byte("cached")
	sig := ed25519.Sign(priv, msg)

	v := NewVerifier(16)
	if !v.Verify(msg, sig, pub) {
		t.Fatal("valid signature rejected")
	}
	if got := v.CacheLen(); got != 1 {
		t.Fatalf("expected 1 cached result, got %d", got)
	}
	// Second call serves the cache; same result, same size.
	if !v.Verify(msg, sig, pub) {
		t.Fatal("cached verification flipped to reject")
	}
	if got := v.CacheLen(); got != 1 {
		t.Fatalf("expected 1 cached result after retransmission, got %d", got)
	}
}

func TestVerifierCacheEviction(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	v := NewVerifier(4)
	for i := 0; i < 10; i++ {
		msg := []byte{byte(i)}
		v.Verify(msg, ed25519.Sign(priv, msg), pub)
	}
	if got := v.CacheLen(); got != 4 {
		t.Fatalf("expected cache bounded at 4, got %d", got)
	}
}
