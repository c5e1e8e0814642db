package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeDHTTransport is an in-memory stand-in for the network fan-out, keyed
// by the routing tables of the simulated peers that share it.
type fakeDHTTransport struct {
	mu    sync.Mutex
	peers map[NodeID]*RoutingTable
	store map[NodeID]map[DhtKey]*DHTValue
	fail  map[NodeID]bool
}

func newFakeDHTTransport() *fakeDHTTransport {
	return &fakeDHTTransport{
		peers: make(map[NodeID]*RoutingTable),
		store: make(map[NodeID]map[DhtKey]*DHTValue),
		fail:  make(map[NodeID]bool),
	}
}

func (f *fakeDHTTransport) addPeer(id NodeID, rt *RoutingTable) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers[id] = rt
	f.store[id] = make(map[DhtKey]*DHTValue)
}

func (f *fakeDHTTransport) FindNode(ctx context.Context, peer NodeID, target DhtKey) ([]NodeID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[peer] {
		return nil, errors.New("simulated peer failure")
	}
	rt, ok := f.peers[peer]
	if !ok {
		return nil, errors.New("unknown peer")
	}
	return rt.Nearest(target, rt.Size()), nil
}

func (f *fakeDHTTransport) FetchValue(ctx context.Context, peer NodeID, key DhtKey) (*DHTValue, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[peer] {
		return nil, false, errors.New("simulated peer failure")
	}
	v, ok := f.store[peer][key]
	return v, ok, nil
}

func (f *fakeDHTTransport) PutValue(ctx context.Context, peer NodeID, key DhtKey, value *DHTValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[peer] {
		return errors.New("simulated peer failure")
	}
	if f.store[peer] == nil {
		f.store[peer] = make(map[DhtKey]*DHTValue)
	}
	f.store[peer][key] = value
	return nil
}

func hashDhtKey(seed byte) DhtKey {
	var k DhtKey
	k[0] = seed
	return k
}

func TestDHTEngineFindNodeConvergesOverPeers(t *testing.T) {
	transport := newFakeDHTTransport()
	selfRT := NewRoutingTable("self", 20)
	selfRT.AddPeer("peer-1", "addr-1", 1)
	transport.addPeer("peer-1", NewRoutingTable("peer-1", 20))
	transport.peers["peer-1"].AddPeer("peer-2", "addr-2", 1)
	transport.addPeer("peer-2", NewRoutingTable("peer-2", 20))

	engine := NewDHTEngine(selfRT, transport, DefaultDHTConfig(), NewMetrics())
	nodes, err := engine.FindNode(context.Background(), hashDhtKey(0x01))
	if err != nil {
		t.Fatal(err)
	}
	found := make(map[NodeID]bool)
	for _, n := range nodes {
		found[n] = true
	}
	if !found["peer-1"] || !found["peer-2"] {
		t.Fatalf("expected lookup to discover peer-2 transitively, got %v", nodes)
	}
}

func TestDHTEngineStoreRejectsInvalidValueBeforeReplication(t *testing.T) {
	transport := newFakeDHTTransport()
	selfRT := NewRoutingTable("self", 20)
	selfRT.AddPeer("peer-1", "addr-1", 1)
	transport.addPeer("peer-1", NewRoutingTable("peer-1", 20))

	engine := NewDHTEngine(selfRT, transport, DefaultDHTConfig(), NewMetrics())
	key := hashDhtKey(0x02)
	rejectAll := func([]byte) error { return errors.New("always invalid") }

	err := engine.Store(context.Background(), key, []byte("payload"), "test-kind", rejectAll)
	if !Is(err, KindValidationFailure) {
		t.Fatalf("expected ValidationFailure, got %v", err)
	}
	if _, ok, _ := engine.Get(context.Background(), key, nil); ok {
		t.Fatal("expected rejected value to never land in the local store")
	}
	if len(transport.store["peer-1"]) != 0 {
		t.Fatal("expected rejected value to never be replicated to any peer")
	}
}

func TestDHTEngineGetPrefersFreshLocalValue(t *testing.T) {
	transport := newFakeDHTTransport()
	selfRT := NewRoutingTable("self", 20)
	engine := NewDHTEngine(selfRT, transport, DefaultDHTConfig(), NewMetrics())
	key := hashDhtKey(0x03)

	if err := engine.Store(context.Background(), key, []byte("local-value"), "test-kind", nil); err != nil {
		t.Fatal(err)
	}
	v, ok, err := engine.Get(context.Background(), key, nil)
	if err != nil || !ok {
		t.Fatalf("expected local hit, got ok=%v err=%v", ok, err)
	}
	if string(v.Data) != "local-value" {
		t.Fatalf("unexpected value: %q", v.Data)
	}
}

func TestDHTEngineGetFallsBackToExpiredLocalEntryOnlyViaNetwork(t *testing.T) {
	transport := newFakeDHTTransport()
	selfRT := NewRoutingTable("self", 20)
	cfg := DefaultDHTConfig()
	cfg.TTL = time.Millisecond
	engine := NewDHTEngine(selfRT, transport, cfg, NewMetrics())
	key := hashDhtKey(0x04)

	if err := engine.Store(context.Background(), key, []byte("stale"), "test-kind", nil); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	_, ok, err := engine.Get(context.Background(), key, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected expired local entry not to be returned as a cache hit")
	}
}

func TestDHTEngineExpireOnceRemovesStaleEntries(t *testing.T) {
	transport := newFakeDHTTransport()
	selfRT := NewRoutingTable("self", 20)
	engine := NewDHTEngine(selfRT, transport, DefaultDHTConfig(), NewMetrics())
	key := hashDhtKey(0x05)
	if err := engine.Store(context.Background(), key, []byte("v"), "test-kind", nil); err != nil {
		t.Fatal(err)
	}
	engine.ExpireOnce(time.Now().Add(2 * time.Hour))
	if _, ok, _ := engine.Get(context.Background(), key, nil); ok {
		t.Fatal("expected ExpireOnce to purge the stale entry")
	}
}
