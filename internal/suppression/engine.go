// Package suppression implements the suppression index: a constant-time
// membership test over three namespaces (global, tenant, domain) that the
// JIT validator consults before every send and the allocator consults
// during sourcing.
//
// The hot path is an in-memory two-layer engine:
//
//	Layer 1: bloom filter: O(1) probabilistic test; resolves the vast
//	         majority of negative lookups without touching storage.
//	Layer 2: sorted binary MD5 array: O(log n) verification for bloom
//	         positives, 16 bytes per entry with no string overhead.
//
// The engine is a replica refreshed from Postgres; the repository remains
// authoritative, and a bloom positive is always confirmed against it.
// Writes between refreshes land in a small overlay set so new
// suppressions take effect immediately.
package suppression

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Hash is a 16-byte binary MD5 of a namespaced suppression key. Fixed
// arrays keep the set compact and comparisons allocation-free.
type Hash [16]byte

// HashKey hashes a (scope, tenant, key) triple into the engine keyspace.
// The key is lowercased and trimmed first; tenant is empty for global and
// domain scopes.
func HashKey(scope, tenantID, key string) Hash {
	normalized := fmt.Sprintf("%s|%s|%s", scope, tenantID, strings.ToLower(strings.TrimSpace(key)))
	return md5.Sum([]byte(normalized))
}

func (h Hash) compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// bloomFilter is a fixed-size probabilistic membership filter. False
// positives fall through to the sorted array; false negatives cannot
// occur, so no suppressed key is ever missed.
type bloomFilter struct {
	bits    []uint64
	numBits uint64
	hashes  int
}

const (
	bloomBitsPerEntry = 10 // ~1% false positive rate
	bloomHashCount    = 7
)

func newBloomFilter(expected int) *bloomFilter {
	if expected < 1024 {
		expected = 1024
	}
	numBits := uint64(expected) * bloomBitsPerEntry
	return &bloomFilter{
		bits:    make([]uint64, (numBits+63)/64),
		numBits: numBits,
		hashes:  bloomHashCount,
	}
}

// positions derives k bit positions from the two 64-bit halves of the
// MD5 using double hashing.
func (b *bloomFilter) positions(h Hash) [bloomHashCount]uint64 {
	var h1, h2 uint64
	for i := 0; i < 8; i++ {
		h1 = h1<<8 | uint64(h[i])
		h2 = h2<<8 | uint64(h[i+8])
	}
	if h2 == 0 {
		h2 = 0x9e3779b97f4a7c15
	}
	var out [bloomHashCount]uint64
	for i := 0; i < b.hashes; i++ {
		out[i] = (h1 + uint64(i)*h2) % b.numBits
	}
	return out
}

func (b *bloomFilter) add(h Hash) {
	for _, pos := range b.positions(h) {
		b.bits[pos/64] |= 1 << (pos % 64)
	}
}

func (b *bloomFilter) mayContain(h Hash) bool {
	for _, pos := range b.positions(h) {
		if b.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Engine is the in-memory replica of the active suppression set. Safe
// for concurrent use; Reload swaps the whole set atomically under the
// write lock.
type Engine struct {
	mu      sync.RWMutex
	bloom   *bloomFilter
	sorted  []Hash            // verification layer, sorted ascending
	overlay map[Hash]struct{} // writes since last reload
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{
		bloom:   newBloomFilter(0),
		overlay: make(map[Hash]struct{}),
	}
}

// Reload replaces the engine contents with the given hashes. The input
// slice is sorted in place.
func (e *Engine) Reload(hashes []Hash) {
	sort.Slice(hashes, func(i, j int) bool {
		return hashes[i].compare(hashes[j]) < 0
	})

	bloom := newBloomFilter(len(hashes))
	for _, h := range hashes {
		bloom.add(h)
	}

	e.mu.Lock()
	e.bloom = bloom
	e.sorted = hashes
	e.overlay = make(map[Hash]struct{})
	e.mu.Unlock()
}

// Add registers a hash immediately, ahead of the next reload.
func (e *Engine) Add(h Hash) {
	e.mu.Lock()
	e.overlay[h] = struct{}{}
	e.mu.Unlock()
}

// Contains reports whether the hash is in the replica. A true result may
// be a bloom false positive and must be confirmed against the repository.
func (e *Engine) Contains(h Hash) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.overlay[h]; ok {
		return true
	}
	if !e.bloom.mayContain(h) {
		return false
	}
	i := sort.Search(len(e.sorted), func(i int) bool {
		return e.sorted[i].compare(h) >= 0
	})
	return i < len(e.sorted) && e.sorted[i] == h
}

// Size returns the number of loaded entries plus overlay writes.
func (e *Engine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sorted) + len(e.overlay)
}
