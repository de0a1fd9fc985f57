package consensus

import (
	"crypto/ed25519"
	"crypto/sha256"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultVerifyCacheSize is the bounded capacity of the recent-verification
// cache.
const DefaultVerifyCacheSize = 10000

// Verifier validates Ed25519 signatures. It fails closed: a malformed key
// or signature is a verification failure, never a panic. Results for
// recently seen (message, pubkey) pairs are cached so retransmitted
// proposals and votes are not re-verified; eviction is least recently used
// with a fixed capacity.
type Verifier struct {
	cache *lru.Cache[Hash, bool]
}

// NewVerifier creates a Verifier with the given cache capacity. A
// non-positive size falls back to DefaultVerifyCacheSize.
func NewVerifier(cacheSize int) *Verifier {
	if cacheSize <= 0 {
		cacheSize = DefaultVerifyCacheSize
	}
	// lru.New only errors on a non-positive size, which is ruled out above.
	cache, _ := lru.New[Hash, bool](cacheSize)
	return &Verifier{cache: cache}
}

// Verify reports whether sig is a valid signature of message under pub.
func (v *Verifier) Verify(message, sig []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}

	key := cacheKey(message, sig, pub)
	if ok, hit := v.cache.Get(key); hit {
		return ok
	}

	ok := ed25519.Verify(pub, message, sig)
	v.cache.Add(key, ok)
	return ok
}

// CacheLen returns the number of cached verification results.
func (v *Verifier) CacheLen() int {
	return v.cache.Len()
}

func cacheKey(message, sig []byte, pub ed25519.PublicKey) Hash {
	h := sha256.New()
	h.Write(message)
	h.Write(sig)
	h.Write(pub)
	var key Hash
	h.Sum(key[:0])
	return key
}
