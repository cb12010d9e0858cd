// Package merkle maintains a per-partition digest tree over record
// fingerprints. Leaf digests are XOR-combined so key upserts and
// removals commute; replicas compare roots cheaply and descend only
// into differing buckets during anti-entropy.
package merkle

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/TopGunBuild/topgun/internal/hlc"
)

// DigestSize is the truncated sha256 width used for all digests.
const DigestSize = 16

// Digest is one node or leaf digest.
type Digest [DigestSize]byte

// Fingerprint hashes one record's identity: key, canonical value bytes
// and latest timestamp. Equal fingerprints mean replicas hold the same
// record state for the key.
func Fingerprint(key string, canonical []byte, ts hlc.Timestamp) Digest {
	h := sha256.New()
	h.Write([]byte(key))
	h.Write(canonical)
	h.Write(ts.Bytes())

	var d Digest
	copy(d[:], h.Sum(nil)[:DigestSize])
	return d
}

// Tree is a fixed-fanout digest tree. Leaf count is fanout^depth; keys
// map to leaves by stable hash. The zero digest is the empty bucket.
type Tree struct {
	fanout    int
	depth     int
	leafCount int

	mu     sync.RWMutex
	leaves []Digest
}

const (
	// DefaultFanout is the child count of internal nodes.
	DefaultFanout = 16
	// DefaultDepth yields fanout^depth leaf buckets (256 by default).
	DefaultDepth = 2
)

// New creates a tree with the given fanout and depth. Zero arguments
// select the defaults.
func New(fanout, depth int) *Tree {
	if fanout <= 1 {
		fanout = DefaultFanout
	}
	if depth < 1 {
		depth = DefaultDepth
	}
	leafCount := 1
	for i := 0; i < depth; i++ {
		leafCount *= fanout
	}
	return &Tree{
		fanout:    fanout,
		depth:     depth,
		leafCount: leafCount,
		leaves:    make([]Digest, leafCount),
	}
}

// LeafCount returns the number of leaf buckets.
func (t *Tree) LeafCount() int {
	return t.leafCount
}

// BucketFor returns the leaf bucket index for a key.
func (t *Tree) BucketFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(t.leafCount))
}

// Upsert folds a record fingerprint into its bucket. A record whose
// fingerprint changed must be Removed under the old fingerprint first;
// XOR makes both directions O(1).
func (t *Tree) Upsert(key string, fp Digest) {
	t.xorInto(t.BucketFor(key), fp)
}

// Remove cancels a previously upserted fingerprint.
func (t *Tree) Remove(key string, fp Digest) {
	t.xorInto(t.BucketFor(key), fp)
}

func (t *Tree) xorInto(bucket int, fp Digest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < DigestSize; i++ {
		t.leaves[bucket][i] ^= fp[i]
	}
}

// Root computes the tree root from the current leaves.
func (t *Tree) Root() Digest {
	t.mu.RLock()
	level := append([]Digest(nil), t.leaves...)
	t.mu.RUnlock()

	for len(level) > 1 {
		parents := make([]Digest, len(level)/t.fanout)
		for p := range parents {
			h := sha256.New()
			for c := 0; c < t.fanout; c++ {
				h.Write(level[p*t.fanout+c][:])
			}
			copy(parents[p][:], h.Sum(nil)[:DigestSize])
		}
		level = parents
	}
	return level[0]
}

// Leaves returns a snapshot of all leaf digests for exchange with a
// peer replica.
func (t *Tree) Leaves() []Digest {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Digest(nil), t.leaves...)
}

// Diff returns the bucket indexes whose digests differ from the peer's
// leaf snapshot. An empty result means both sides hold exactly the same
// key/fingerprint multiset. Both trees must be built with the same
// bucket count; comparing mismatched geometries would silently skip the
// peer's extra buckets.
func (t *Tree) Diff(peer []Digest) ([]int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(peer) != t.leafCount {
		return nil, fmt.Errorf("leaf count mismatch: local %d, peer %d", t.leafCount, len(peer))
	}
	var differing []int
	for i := 0; i < t.leafCount; i++ {
		if t.leaves[i] != peer[i] {
			differing = append(differing, i)
		}
	}
	return differing, nil
}

// Reset clears all buckets.
func (t *Tree) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.leaves {
		t.leaves[i] = Digest{}
	}
}
