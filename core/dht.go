package core

// DHT Engine (C7): iterative FIND_NODE / GET / STORE over the Routing
// Table, with replication factor dht_k, validation-before-store, and a
// provider-expiration cache for stored values.
//
// Grounded on the teacher's Kademlia.Store/Lookup (core/kademlia.go), which
// was a single-node in-memory map with no peer fan-out at all; this version
// adds the iterative multi-peer lookup, replication and validation spec.md
// §4.5 requires. The network fan-out itself goes through a Transport
// (injected as DHTTransport) so the engine stays unit-testable without a
// real socket.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DHTValue is a validated, content-addressed record. Validate is supplied
// by the caller per record kind (ChannelDescriptor vs KeyPackage), per
// spec.md §4.5's "validation-before-store is mandatory".
type DHTValue struct {
	Key       DhtKey
	Data      []byte
	StoredAt  time.Time
	Validator string // record kind tag, for logging/metrics only
}

// DHTTransport abstracts the network fan-out an iterative lookup performs.
// A real implementation routes these through Session/Onion; tests can
// supply an in-memory fake.
type DHTTransport interface {
	// FindNode asks peer for its k closest known nodes to target.
	FindNode(ctx context.Context, peer NodeID, target DhtKey) ([]NodeID, error)
	// FetchValue asks peer for the value stored under key, if any.
	FetchValue(ctx context.Context, peer NodeID, key DhtKey) (*DHTValue, bool, error)
	// PutValue asks peer to store value under key.
	PutValue(ctx context.Context, peer NodeID, key DhtKey, value *DHTValue) error
}

// Validator checks a value before it is accepted into the store: signature
// verification, expiry, size bound.
type Validator func(data []byte) error

const maxValueSize = 64 * 1024

// DHTEngine composes a RoutingTable with iterative lookup/store logic.
type DHTEngine struct {
	rt        *RoutingTable
	transport DHTTransport
	metrics   *Metrics

	alpha int
	k     int
	ttl   time.Duration

	mu      sync.RWMutex
	local   map[DhtKey]*DHTValue
	expiry  *expirable.LRU[DhtKey, time.Time]
	strikes *StrikeTracker
}

// DHTConfig mirrors the enumerated knobs in spec.md §6.7.
type DHTConfig struct {
	K     int           // dht_k, default 20
	Alpha int           // dht_alpha, default 3
	TTL   time.Duration // dht_value_ttl, default 1h
}

func DefaultDHTConfig() DHTConfig {
	return DHTConfig{K: 20, Alpha: 3, TTL: time.Hour}
}

// NewDHTEngine builds an engine over rt, fanning network requests out
// through transport.
func NewDHTEngine(rt *RoutingTable, transport DHTTransport, cfg DHTConfig, metrics *Metrics) *DHTEngine {
	if cfg.K <= 0 {
		cfg.K = 20
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = 3
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &DHTEngine{
		rt:        rt,
		transport: transport,
		metrics:   metrics,
		alpha:     cfg.Alpha,
		k:         cfg.K,
		ttl:       cfg.TTL,
		local:     make(map[DhtKey]*DHTValue),
		expiry:    expirable.NewLRU[DhtKey, time.Time](100_000, nil, cfg.TTL),
		strikes:   NewStrikeTracker(3, 5, 10*time.Minute),
	}
}

// FindNode performs an iterative lookup for the k closest live nodes to
// target, with parallelism alpha, terminating when a round does not bring
// any closer node into the result set (spec.md §4.5). Invariant 8
// (O(log N) rounds in a stable overlay) follows from shrinking the
// candidate frontier by roughly a factor of 2 per round.
func (d *DHTEngine) FindNode(ctx context.Context, target DhtKey) ([]NodeID, error) {
	seen := make(map[NodeID]bool)
	frontier := d.rt.Nearest(target, d.k)
	for _, n := range frontier {
		seen[n] = true
	}

	rounds := 0
	for rounds < 64 { // hard ceiling; a stable overlay converges far sooner
		rounds++
		progressed := false
		type result struct {
			nodes []NodeID
			err   error
		}
		toQuery := frontier
		if len(toQuery) > d.alpha {
			toQuery = toQuery[:d.alpha]
		}
		results := make([]result, len(toQuery))
		var wg sync.WaitGroup
		for i, peer := range toQuery {
			wg.Add(1)
			go func(i int, peer NodeID) {
				defer wg.Done()
				nodes, err := d.transport.FindNode(ctx, peer, target)
				results[i] = result{nodes: nodes, err: err}
			}(i, peer)
		}
		wg.Wait()

		for i, r := range results {
			peer := toQuery[i]
			if r.err != nil {
				if n, evict := d.strikes.Strike(peer); evict {
					d.rt.RemovePeer(peer)
					_ = n
				}
				continue
			}
			for _, n := range r.nodes {
				if !seen[n] {
					seen[n] = true
					frontier = append(frontier, n)
					progressed = true
				}
			}
		}
		if !progressed {
			break
		}
		frontier = closestN(d.rt, target, frontier, d.k)
	}
	d.metrics.observeLookupRounds(rounds)
	return closestN(d.rt, target, frontier, d.k), nil
}

func closestN(rt *RoutingTable, target DhtKey, nodes []NodeID, n int) []NodeID {
	// Delegate distance sorting to the routing table's key ordering so both
	// code paths use one definition of "closest".
	keyed := make([]NodeID, 0, len(nodes))
	dedup := make(map[NodeID]bool)
	for _, node := range nodes {
		if !dedup[node] {
			dedup[node] = true
			keyed = append(keyed, node)
		}
	}
	for i := 1; i < len(keyed); i++ {
		for j := i; j > 0; j-- {
			di := xorDistance(nodeKey(keyed[j]), target)
			dj := xorDistance(nodeKey(keyed[j-1]), target)
			if lessKey(di, dj) {
				keyed[j], keyed[j-1] = keyed[j-1], keyed[j]
			} else {
				break
			}
		}
	}
	if len(keyed) > n {
		keyed = keyed[:n]
	}
	return keyed
}

// Store validates value, then replicates it to the k nodes closest to key.
// Validation-before-store is mandatory; a malformed value is never placed
// in the local store or forwarded to a peer.
func (d *DHTEngine) Store(ctx context.Context, key DhtKey, data []byte, kind string, validate Validator) error {
	if len(data) > maxValueSize {
		return newErr("DHTEngine.Store", KindValidationFailure, fmt.Errorf("value exceeds max size"))
	}
	if validate != nil {
		if err := validate(data); err != nil {
			return newErr("DHTEngine.Store", KindValidationFailure, err)
		}
	}
	value := &DHTValue{Key: key, Data: append([]byte(nil), data...), StoredAt: time.Now(), Validator: kind}

	d.mu.Lock()
	d.local[key] = value
	d.expiry.Add(key, value.StoredAt.Add(d.ttl))
	d.mu.Unlock()

	targets, _ := d.FindNode(ctx, key)
	if len(targets) > d.k {
		targets = targets[:d.k]
	}
	for _, peer := range targets {
		_ = d.transport.PutValue(ctx, peer, key, value)
	}
	return nil
}

// Get performs an iterative lookup for key, returning the first validated
// value found, preferring values already present locally.
func (d *DHTEngine) Get(ctx context.Context, key DhtKey, validate Validator) (*DHTValue, bool, error) {
	d.mu.RLock()
	if v, ok := d.local[key]; ok {
		d.mu.RUnlock()
		if _, fresh := d.expiry.Get(key); fresh {
			return v, true, nil
		}
	} else {
		d.mu.RUnlock()
	}

	peers, err := d.FindNode(ctx, key)
	if err != nil {
		return nil, false, newErr("DHTEngine.Get", KindNetworkFailure, err)
	}
	for _, peer := range peers {
		v, ok, err := d.transport.FetchValue(ctx, peer, key)
		if err != nil || !ok {
			if err != nil {
				d.strikes.Strike(peer)
			}
			continue
		}
		if validate != nil {
			if verr := validate(v.Data); verr != nil {
				d.strikes.Strike(peer)
				continue
			}
		}
		d.mu.Lock()
		d.local[key] = v
		d.expiry.Add(key, time.Now().Add(d.ttl))
		d.mu.Unlock()
		return v, true, nil
	}
	return nil, false, nil
}

// ExpireOnce removes any locally-stored values whose TTL has elapsed.
// Intended to be called periodically; kept separate from Get so tests can
// drive it deterministically.
func (d *DHTEngine) ExpireOnce(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.local {
		if exp, ok := d.expiry.Peek(k); !ok || now.After(exp) {
			delete(d.local, k)
		}
	}
}
