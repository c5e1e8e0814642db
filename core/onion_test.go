package core

import (
	"testing"
)

// fakeRelayKeyDirectory maps a PeerId straight to the HPKE public key bytes
// handed out by that peer's own Provider.GenerateKeyPackage.
type fakeRelayKeyDirectory struct {
	pub map[PeerId][]byte
}

func newFakeRelayKeyDirectory() *fakeRelayKeyDirectory {
	return &fakeRelayKeyDirectory{pub: make(map[PeerId][]byte)}
}

func (f *fakeRelayKeyDirectory) HPKEPubFor(peer PeerId) ([]byte, error) {
	pub, ok := f.pub[peer]
	if !ok {
		return nil, newErr("HPKEPubFor", KindNoMatchingKeyPackage, errStub("no key package for peer"))
	}
	return pub, nil
}

type errStub string

func (e errStub) Error() string { return string(e) }

type relayHop struct {
	peer     PeerId
	provider *Provider
	ref      KeyPackageRef
}

func newRelayHop(t *testing.T, label string, dir *fakeRelayKeyDirectory) relayHop {
	t.Helper()
	p, err := NewProvider(label)
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := p.GenerateKeyPackage(CiphersuiteDefault, 1<<40)
	if err != nil {
		t.Fatal(err)
	}
	dir.pub[p.identity.PeerId] = bundle.HPKEInitPub
	return relayHop{peer: p.identity.PeerId, provider: p, ref: bundle.Ref}
}

func TestOnionBuildAndPeelThreeHopCircuit(t *testing.T) {
	dir := newFakeRelayKeyDirectory()
	hopA := newRelayHop(t, "relay-a", dir)
	hopB := newRelayHop(t, "relay-b", dir)
	hopC := newRelayHop(t, "relay-c", dir)

	sender, err := NewProvider("sender")
	if err != nil {
		t.Fatal(err)
	}
	router := NewOnionRouter(sender, NewRoutingTable("sender", 20), dir, DefaultOnionConfig(), NewMetrics())

	target := PeerId("final-recipient")
	payload := []byte("application payload")
	hops := []NodeID{NodeID(hopA.peer), NodeID(hopB.peer), NodeID(hopC.peer)}

	firstHop, sealed, err := router.BuildCircuit(target, payload, hops)
	if err != nil {
		t.Fatal(err)
	}
	if firstHop != hopA.peer {
		t.Fatalf("expected first hop %v, got %v", hopA.peer, firstHop)
	}

	routerA := NewOnionRouter(hopA.provider, nil, dir, DefaultOnionConfig(), NewMetrics())
	resA, err := routerA.ProcessLayer(hopA.ref, sealed)
	if err != nil {
		t.Fatalf("hop A peel: %v", err)
	}
	if !resA.Forward || resA.NextHop != hopB.peer {
		t.Fatalf("expected hop A to forward to hop B, got %+v", resA)
	}

	routerB := NewOnionRouter(hopB.provider, nil, dir, DefaultOnionConfig(), NewMetrics())
	resB, err := routerB.ProcessLayer(hopB.ref, resA.Remaining)
	if err != nil {
		t.Fatalf("hop B peel: %v", err)
	}
	if !resB.Forward || resB.NextHop != hopC.peer {
		t.Fatalf("expected hop B to forward to hop C, got %+v", resB)
	}

	routerC := NewOnionRouter(hopC.provider, nil, dir, DefaultOnionConfig(), NewMetrics())
	resC, err := routerC.ProcessLayer(hopC.ref, resB.Remaining)
	if err != nil {
		t.Fatalf("hop C peel: %v", err)
	}
	if !resC.Delivered || string(resC.Payload) != string(payload) {
		t.Fatalf("expected final hop to deliver payload, got %+v", resC)
	}
}

func TestOnionProcessLayerFailsClosedOnWrongKey(t *testing.T) {
	dir := newFakeRelayKeyDirectory()
	hopA := newRelayHop(t, "relay-a", dir)
	hopB := newRelayHop(t, "relay-b", dir)

	sender, err := NewProvider("sender")
	if err != nil {
		t.Fatal(err)
	}
	router := NewOnionRouter(sender, NewRoutingTable("sender", 20), dir, DefaultOnionConfig(), NewMetrics())
	_, sealed, err := router.BuildCircuit("final-recipient", []byte("payload"), []NodeID{NodeID(hopA.peer)})
	if err != nil {
		t.Fatal(err)
	}

	// hopB tries to peel a layer sealed to hopA's key: must fail closed.
	routerB := NewOnionRouter(hopB.provider, nil, dir, DefaultOnionConfig(), NewMetrics())
	if _, err := routerB.ProcessLayer(hopB.ref, sealed); err == nil {
		t.Fatal("expected peeling with the wrong hop's key to fail")
	}
}

func TestOnionBuildCircuitFailsWithoutKnownRelayKey(t *testing.T) {
	dir := newFakeRelayKeyDirectory()
	sender, err := NewProvider("sender")
	if err != nil {
		t.Fatal(err)
	}
	router := NewOnionRouter(sender, NewRoutingTable("sender", 20), dir, DefaultOnionConfig(), NewMetrics())
	_, _, err = router.BuildCircuit("final-recipient", []byte("payload"), []NodeID{"unknown-relay"})
	if !Is(err, KindNoMatchingKeyPackage) {
		t.Fatalf("expected NoMatchingKeyPackage, got %v", err)
	}
}

func TestOnionRetryWithFreshPathExcludesFailedHop(t *testing.T) {
	rt := NewRoutingTable("sender", 20)
	rt.AddPeer("relay-1", "addr", 1)
	rt.AddPeer("relay-2", "addr", 2)
	rt.AddPeer("relay-3", "addr", 3)
	router := NewOnionRouter(nil, rt, newFakeRelayKeyDirectory(), DefaultOnionConfig(), NewMetrics())

	fresh := router.RetryWithFreshPath("relay-1")
	for _, hop := range fresh {
		if hop == "relay-1" {
			t.Fatal("expected failed hop excluded from the retry path")
		}
	}
}
