package core

// Rate Limiter / Replay Cache (C15): bounded LRU-with-TTL caches shared by
// the RPC layer (seen request IDs), the SGE (seen application-message
// tuples) and the DHT (provider/value expiration, malformed-response
// strikes). Eviction is deterministic least-recently-seen; memory is capped
// regardless of traffic, per spec.md §5.

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// ReplaySeen is a bounded, TTL-expiring set of arbitrary comparable keys,
// used both for the RPC seen-request-ID cache (C8) and the SGE's
// (group, epoch, sender, seq) replay cache (invariant 3 in spec.md §8).
type ReplaySeen[K comparable] struct {
	lru *expirable.LRU[K, struct{}]
}

// NewReplaySeen creates a cache bounded by capacity entries, each expiring
// ttl after insertion.
func NewReplaySeen[K comparable](capacity int, ttl time.Duration) *ReplaySeen[K] {
	return &ReplaySeen[K]{lru: expirable.NewLRU[K, struct{}](capacity, nil, ttl)}
}

// SeenOrRecord reports whether key was already present, and records it if
// not. Both the check and the insert happen under one lock acquisition in
// the underlying LRU, so concurrent callers cannot race past each other.
func (r *ReplaySeen[K]) SeenOrRecord(key K) bool {
	if _, ok := r.lru.Get(key); ok {
		return true
	}
	r.lru.Add(key, struct{}{})
	return false
}

// Len reports the current number of tracked entries (for metrics/tests).
func (r *ReplaySeen[K]) Len() int { return r.lru.Len() }

// ReplayTuple is the (group, epoch, sender, seq) key the SGE's application
// message path checks before decrypting, per spec.md §4.8 and invariant 3.
type ReplayTuple struct {
	Group  GroupId
	Epoch  Epoch
	Sender MemberIndex
	Seq    uint64
}

// PeerLimiter is a per-peer token-bucket rate limiter (C8), backed by
// golang.org/x/time/rate, bounded to a fixed number of tracked peers via an
// expiring LRU so an unbounded set of distinct peers cannot exhaust memory.
type PeerLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[PeerId, *rate.Limiter]
	rps      rate.Limit
	burst    int
}

// NewPeerLimiter configures a limiter allowing maxRequests per window per
// peer, tracking up to trackedPeers distinct peers at once.
func NewPeerLimiter(maxRequests int, window time.Duration, trackedPeers int) *PeerLimiter {
	rps := rate.Limit(float64(maxRequests) / window.Seconds())
	return &PeerLimiter{
		limiters: expirable.NewLRU[PeerId, *rate.Limiter](trackedPeers, nil, window*2),
		rps:      rps,
		burst:    maxRequests,
	}
}

// Allow reports whether peer may make another request right now. On the
// first sighting of a peer it lazily creates a fresh bucket; exhaustion
// returns false and the caller should respond RateLimited rather than
// closing the connection (spec.md §4.6).
func (pl *PeerLimiter) Allow(peer PeerId) bool {
	pl.mu.Lock()
	lim, ok := pl.limiters.Get(peer)
	if !ok {
		lim = rate.NewLimiter(pl.rps, pl.burst)
		pl.limiters.Add(peer, lim)
	}
	pl.mu.Unlock()
	return lim.Allow()
}

// StrikeTracker counts malformed responses per peer within a sliding
// window, used by the DHT engine to mark peers stale after three strikes
// and evict them after N further failures (spec.md §4.5).
type StrikeTracker struct {
	mu      sync.Mutex
	strikes *expirable.LRU[PeerId, int]
	staleAt int
	evictAt int
}

func NewStrikeTracker(staleAt, evictAt int, window time.Duration) *StrikeTracker {
	return &StrikeTracker{
		strikes: expirable.NewLRU[PeerId, int](4096, nil, window),
		staleAt: staleAt,
		evictAt: evictAt,
	}
}

// Strike records a malformed response from peer and returns the new total
// and whether the peer has crossed into "evict" territory.
func (s *StrikeTracker) Strike(peer PeerId) (count int, evict bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.strikes.Get(peer)
	n++
	s.strikes.Add(peer, n)
	return n, n >= s.staleAt+s.evictAt
}

// IsStale reports whether peer has crossed the stale threshold.
func (s *StrikeTracker) IsStale(peer PeerId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.strikes.Get(peer)
	return n >= s.staleAt
}

// Clear resets strikes for peer, e.g. after a verified-good response.
func (s *StrikeTracker) Clear(peer PeerId) {
	s.mu.Lock()
	s.strikes.Remove(peer)
	s.mu.Unlock()
}

func (k ReplayTuple) String() string {
	return fmt.Sprintf("%x/%d/%d/%d", k.Group, k.Epoch, k.Sender, k.Seq)
}
