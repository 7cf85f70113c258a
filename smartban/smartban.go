// Package smartban implements the per-block hash fingerprinting used to
// catch a peer that fed corrupt bytes under a BEP 6 allowed-fast request
// (spec.md §4.O): a bounded cache holding, for each block, the fingerprint
// and address of the peer that most recently supplied it, which a later
// delivery of the same block is compared against. Grounded on the teacher's
// recordBlockForSmartBan hook in peer.go; uses github.com/cespare/xxhash
// (present in the teacher's own go.mod) rather than a cryptographic hash —
// collisions only need to be rare enough to be useful secondary evidence,
// the real SHA-1 piece check still gates acceptance.
package smartban

import (
	"github.com/cespare/xxhash"
)

// BlockKey identifies one block within one piece.
type BlockKey struct {
	PieceIndex int
	Begin      int
}

type fingerprint struct {
	bannableAddr string
	sum          uint64
}

// Cache is a bounded LRU of the most recent fingerprint recorded for each
// block, together with the address that supplied it; a block keeps only one
// entry, whichever peer recorded it last. It is not safe for concurrent use, matching
// the rest of the core's single-threaded-by-contract model.
type Cache struct {
	capacity int
	entries  map[BlockKey]*fingerprint
	order    []BlockKey // front = most recently touched
}

// New returns a Cache holding at most capacity block fingerprints.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[BlockKey]*fingerprint, capacity),
	}
}

// Record stores the fingerprint of data supplied by bannableAddr for the
// given block, evicting the least recently touched entry if the cache is
// full. An empty bannableAddr is a no-op: spec.md §3 says smart-ban is
// skipped for peers without a stable address.
func (c *Cache) Record(key BlockKey, bannableAddr string, data []byte) {
	if bannableAddr == "" {
		return
	}
	sum := xxhash.Sum64(data)
	if fp, ok := c.entries[key]; ok {
		fp.bannableAddr = bannableAddr
		fp.sum = sum
		c.touch(key)
		return
	}
	if len(c.order) >= c.capacity {
		c.evictOldest()
	}
	c.entries[key] = &fingerprint{bannableAddr: bannableAddr, sum: sum}
	c.order = append(c.order, key)
}

// Conflicts reports the bannableAddr of the peer that most recently supplied
// this block, when its recorded fingerprint differs from goodData's. ok is
// false when the fingerprints match or there's no recorded fingerprint to
// compare against.
func (c *Cache) Conflicts(key BlockKey, goodData []byte) (badAddr string, ok bool) {
	fp, present := c.entries[key]
	if !present {
		return "", false
	}
	if fp.sum == xxhash.Sum64(goodData) {
		return "", false
	}
	return fp.bannableAddr, true
}

// Forget drops a block's fingerprint once its piece has been verified or
// wiped, keeping the cache scoped to blocks still in flight or under suspicion.
func (c *Cache) Forget(key BlockKey) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cache) touch(key BlockKey) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, key)
}

func (c *Cache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
}

// Len reports the number of fingerprints currently cached.
func (c *Cache) Len() int { return len(c.entries) }
