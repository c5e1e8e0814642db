package core

// Routing Table (C6): Kademlia-style k-buckets keyed by XOR distance over
// DhtKey, with stale-node eviction.
//
// Grounded on the teacher's Kademlia type (core/kademlia.go), which stored
// peers in 160 flat SHA-256-derived buckets with no eviction and a Nearest
// that only scanned forward from one bucket index (so it could miss closer
// peers sitting in an earlier bucket — §8 invariant 8, lookup termination,
// depends on Nearest actually returning the true closest set). This version
// fixes that and adds the eviction and diversity behavior spec.md §4.4/§4.5
// require. Single-writer / many-reader: AddPeer/RemovePeer take the write
// lock, everything else only reads.

import (
	"sort"
	"sync"
)

// NodeID identifies a peer for routing-table purposes; it is hashed down to
// a DhtKey for distance comparisons.
type NodeID string

func nodeKey(id NodeID) DhtKey { return blake3Sum([]byte(id)) }

func xorDistance(a, b DhtKey) DhtKey {
	var out DhtKey
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// bucketIndex returns the index (0 = furthest, 255 = closest) of the
// highest set bit in the XOR distance, i.e. the shared-prefix-length bucket
// Kademlia places a peer in relative to self.
func bucketIndex(distance DhtKey) int {
	for i, b := range distance {
		if b == 0 {
			continue
		}
		bit := 0
		for m := uint8(0x80); m > 0; m >>= 1 {
			if b&m != 0 {
				return 255 - (i*8 + bit)
			}
			bit++
		}
	}
	return 0 // distance is zero: identical key
}

type bucketEntry struct {
	id        NodeID
	addr      string
	lastSeen  int64
	strikes   int
}

// RoutingTable holds k-sized buckets over 256 bits of XOR distance.
type RoutingTable struct {
	self    NodeID
	selfKey DhtKey
	k       int

	mu      sync.RWMutex
	buckets [256][]*bucketEntry
}

// NewRoutingTable creates a table bound to self with bucket size k
// (spec.md §6.7 dht_k, default 20).
func NewRoutingTable(self NodeID, k int) *RoutingTable {
	if k <= 0 {
		k = 20
	}
	return &RoutingTable{self: self, selfKey: nodeKey(self), k: k}
}

// AddPeer inserts or refreshes a peer. If the peer's bucket is full, the
// least-recently-seen entry is evicted to make room (stale-node eviction,
// spec.md §6: "Routing Table — stale-node eviction").
func (rt *RoutingTable) AddPeer(id NodeID, addr string, now int64) {
	if id == rt.self {
		return
	}
	idx := bucketIndex(xorDistance(rt.selfKey, nodeKey(id)))
	rt.mu.Lock()
	defer rt.mu.Unlock()
	bucket := rt.buckets[idx]
	for _, e := range bucket {
		if e.id == id {
			e.lastSeen = now
			e.addr = addr
			return
		}
	}
	if len(bucket) >= rt.k {
		oldest := 0
		for i, e := range bucket {
			if e.lastSeen < bucket[oldest].lastSeen {
				oldest = i
			}
		}
		bucket[oldest] = &bucketEntry{id: id, addr: addr, lastSeen: now}
		return
	}
	rt.buckets[idx] = append(bucket, &bucketEntry{id: id, addr: addr, lastSeen: now})
}

// RemovePeer evicts id from its bucket outright, e.g. after it accumulates
// too many malformed-response strikes (see StrikeTracker).
func (rt *RoutingTable) RemovePeer(id NodeID) {
	idx := bucketIndex(xorDistance(rt.selfKey, nodeKey(id)))
	rt.mu.Lock()
	defer rt.mu.Unlock()
	bucket := rt.buckets[idx]
	for i, e := range bucket {
		if e.id == id {
			rt.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// Nearest returns up to count peer IDs sorted by ascending XOR distance to
// target, scanning outward from target's bucket in both directions so
// peers in neighboring buckets are never missed.
func (rt *RoutingTable) Nearest(target DhtKey, count int) []NodeID {
	idx := bucketIndex(xorDistance(rt.selfKey, target))

	rt.mu.RLock()
	candidates := make([]*bucketEntry, 0, count*2)
	for dist := 0; dist < len(rt.buckets) && len(candidates) < count*4; dist++ {
		if idx+dist < len(rt.buckets) {
			candidates = append(candidates, rt.buckets[idx+dist]...)
		}
		if dist > 0 && idx-dist >= 0 {
			candidates = append(candidates, rt.buckets[idx-dist]...)
		}
	}
	rt.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		di := xorDistance(nodeKey(candidates[i].id), target)
		dj := xorDistance(nodeKey(candidates[j].id), target)
		return lessKey(di, dj)
	})
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	out := make([]NodeID, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

// DiverseHops picks up to count peers from Nearest, skipping peers that
// share a bucket index with one already chosen — the onion router's
// "no two relays in the same bucket when possible" diversity rule
// (spec.md §4.4).
func (rt *RoutingTable) DiverseHops(count int) []NodeID {
	candidates := rt.Nearest(rt.selfKey, count*4)
	seen := make(map[int]bool)
	out := make([]NodeID, 0, count)
	for _, c := range candidates {
		idx := bucketIndex(xorDistance(rt.selfKey, nodeKey(c)))
		if seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, c)
		if len(out) == count {
			return out
		}
	}
	// Not enough bucket diversity: fill the rest from whatever remains.
	for _, c := range candidates {
		if len(out) == count {
			break
		}
		found := false
		for _, o := range out {
			if o == c {
				found = true
				break
			}
		}
		if !found {
			out = append(out, c)
		}
	}
	return out
}

func lessKey(a, b DhtKey) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Addr returns the last known address for id, if any.
func (rt *RoutingTable) Addr(id NodeID) (string, bool) {
	idx := bucketIndex(xorDistance(rt.selfKey, nodeKey(id)))
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, e := range rt.buckets[idx] {
		if e.id == id {
			return e.addr, true
		}
	}
	return "", false
}

// Size returns the total number of known peers across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		n += len(b)
	}
	return n
}
