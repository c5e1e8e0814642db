package core

// Onion Router (C5): nested HPKE-sealed layers so each relay sees only its
// own next hop, with TTL decrement and diverse relay selection.
//
// Grounded on the teacher's relay selection heuristics in network.go
// (picking peers out of its flat peer table) and the HPKE usage pattern in
// other_examples' hpke-server.go; the teacher has no onion/layered-envelope
// concept at all, so the layer encode/decode and peeling state machine here
// are new, built from spec.md §4.4/§6.2 on top of the Provider's HPKE
// primitives and the Routing Table's DiverseHops selection.

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const onionVersion = 1

// RelayKeyDirectory resolves a peer's current HPKE public key, used to seal
// the layer addressed to it. In production this is backed by the DHT
// (key packages are DHT values); tests can supply a fixed map.
type RelayKeyDirectory interface {
	HPKEPubFor(peer PeerId) ([]byte, error)
}

// onionLayer is the plaintext structure sealed inside one HPKE layer.
// Wire layout: 1 byte version, 1 byte TTL, 1 byte isFinal, 2 bytes nextHop
// length, nextHop bytes, 4 bytes inner length, inner bytes.
type onionLayer struct {
	TTL     uint8
	IsFinal bool
	NextHop PeerId
	Inner   []byte
}

func encodeOnionLayer(l onionLayer) []byte {
	out := make([]byte, 0, 3+2+len(l.NextHop)+4+len(l.Inner))
	out = append(out, onionVersion, l.TTL)
	if l.IsFinal {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	var hopLen [2]byte
	binary.BigEndian.PutUint16(hopLen[:], uint16(len(l.NextHop)))
	out = append(out, hopLen[:]...)
	out = append(out, []byte(l.NextHop)...)
	var innerLen [4]byte
	binary.BigEndian.PutUint32(innerLen[:], uint32(len(l.Inner)))
	out = append(out, innerLen[:]...)
	out = append(out, l.Inner...)
	return out
}

func decodeOnionLayer(raw []byte) (onionLayer, error) {
	if len(raw) < 3+2 {
		return onionLayer{}, fmt.Errorf("onion layer too short")
	}
	if raw[0] != onionVersion {
		return onionLayer{}, fmt.Errorf("unsupported onion version %d", raw[0])
	}
	ttl := raw[1]
	isFinal := raw[2] == 1
	hopLen := binary.BigEndian.Uint16(raw[3:5])
	off := 5
	if len(raw) < off+int(hopLen)+4 {
		return onionLayer{}, fmt.Errorf("onion layer truncated")
	}
	nextHop := PeerId(raw[off : off+int(hopLen)])
	off += int(hopLen)
	innerLen := binary.BigEndian.Uint32(raw[off : off+4])
	off += 4
	if len(raw) < off+int(innerLen) {
		return onionLayer{}, fmt.Errorf("onion inner truncated")
	}
	inner := raw[off : off+int(innerLen)]
	return onionLayer{TTL: ttl, IsFinal: isFinal, NextHop: nextHop, Inner: inner}, nil
}

// OnionRouter builds and peels nested HPKE-sealed circuits.
type OnionRouter struct {
	provider   *Provider
	rt         *RoutingTable
	keys       RelayKeyDirectory
	metrics    *Metrics
	maxHops    int
	maxRetries int
}

// OnionConfig mirrors spec.md §6.7's onion-facing knobs.
type OnionConfig struct {
	HopCount   int // default 3
	MaxRetries int // default 2, with a fresh path each retry
}

func DefaultOnionConfig() OnionConfig {
	return OnionConfig{HopCount: 3, MaxRetries: 2}
}

func NewOnionRouter(provider *Provider, rt *RoutingTable, keys RelayKeyDirectory, cfg OnionConfig, metrics *Metrics) *OnionRouter {
	if cfg.HopCount <= 0 {
		cfg.HopCount = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	return &OnionRouter{provider: provider, rt: rt, keys: keys, metrics: metrics, maxHops: cfg.HopCount, maxRetries: cfg.MaxRetries}
}

// onionInfo is the HPKE "info" context string binding a seal to its purpose,
// preventing ciphertext reuse across unrelated protocols.
var onionInfo = []byte("veilmesh-onion-v1")

// BuildCircuit selects maxHops diverse relays (or uses hops if given
// explicitly, e.g. for retry with a disjoint path) and nests an HPKE layer
// per hop around payload, innermost first. The first element of the
// returned (firstHop, sealed) pair is where the caller must send sealed.
func (o *OnionRouter) BuildCircuit(target PeerId, payload []byte, hops []NodeID) (firstHop PeerId, sealed []byte, err error) {
	if len(hops) == 0 {
		hops = o.rt.DiverseHops(o.maxHops)
	}
	if len(hops) == 0 {
		return "", nil, newErr("BuildCircuit", KindNetworkFailure, fmt.Errorf("no relays available"))
	}
	layer := onionLayer{TTL: uint8(len(hops) + 1), IsFinal: true, NextHop: target, Inner: payload}
	current := encodeOnionLayer(layer)

	// Seal from the target backwards to the first hop so each successive
	// HPKE seal wraps the previous one: the first hop peels the outermost
	// layer first.
	nextAddressed := target
	for i := len(hops) - 1; i >= 0; i-- {
		hop := PeerId(hops[i])
		pub, kerr := o.keys.HPKEPubFor(hop)
		if kerr != nil {
			return "", nil, newErr("BuildCircuit", KindNoMatchingKeyPackage, kerr)
		}
		inner := onionLayer{TTL: layer.TTL - uint8(len(hops)-1-i), IsFinal: false, NextHop: nextAddressed, Inner: current}
		encoded := encodeOnionLayer(inner)
		enc, ct, serr := hpkeSeal(pub, onionInfo, nil, encoded)
		if serr != nil {
			return "", nil, newErr("BuildCircuit", KindCryptoFailure, serr)
		}
		current = append(append(make([]byte, 0, len(enc)+len(ct)+4), lenPrefix(enc)...), ct...)
		nextAddressed = hop
	}
	return PeerId(hops[0]), current, nil
}

func lenPrefix(enc []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(enc)))
	return append(l[:], enc...)
}

func splitLenPrefix(raw []byte) (enc, rest []byte, err error) {
	if len(raw) < 4 {
		return nil, nil, fmt.Errorf("sealed onion message too short")
	}
	n := binary.BigEndian.Uint32(raw[:4])
	if len(raw) < 4+int(n) {
		return nil, nil, fmt.Errorf("sealed onion message truncated")
	}
	return raw[4 : 4+n], raw[4+n:], nil
}

// PeelResult is the outcome of processing one hop's layer.
type PeelResult struct {
	Forward    bool   // true: relay onward to NextHop with Remaining
	Delivered  bool   // true: this is the final hop, Payload is the plaintext for the application
	NextHop    PeerId
	Remaining  []byte
	Payload    []byte
}

// ProcessLayer peels exactly one HPKE layer addressed to this node's own
// key package, using ref to select which private HPKE key to open with.
// Ciphertext sealed to a key package this node never generated, or already
// consumed, yields KindNoMatchingKeyPackage — this is the mechanism behind
// "half-open circuit": the whole circuit fails closed at the broken hop,
// never silently drops an inner layer.
func (o *OnionRouter) ProcessLayer(ref KeyPackageRef, sealed []byte) (PeelResult, error) {
	enc, rest, err := splitLenPrefix(sealed)
	if err != nil {
		return PeelResult{}, newErr("ProcessLayer", KindValidationFailure, err)
	}
	plain, err := o.provider.hpkeOpen(ref, enc, onionInfo, nil, rest)
	if err != nil {
		o.metrics.incOnionHopFailure()
		return PeelResult{}, err
	}
	layer, err := decodeOnionLayer(plain)
	if err != nil {
		return PeelResult{}, newErr("ProcessLayer", KindValidationFailure, err)
	}
	if layer.TTL == 0 {
		return PeelResult{}, newErr("ProcessLayer", KindValidationFailure, fmt.Errorf("onion TTL exhausted"))
	}
	if layer.IsFinal {
		return PeelResult{Delivered: true, Payload: layer.Inner}, nil
	}
	return PeelResult{Forward: true, NextHop: layer.NextHop, Remaining: layer.Inner}, nil
}

// RetryWithFreshPath is a helper for callers implementing spec.md's
// "capped exponential backoff, fresh path each retry" circuit-failure
// policy: it excludes the failed first hop from the candidate set before
// asking the routing table for a new diverse path.
func (o *OnionRouter) RetryWithFreshPath(failedFirstHop NodeID) []NodeID {
	candidates := o.rt.DiverseHops(o.maxHops + 1)
	out := make([]NodeID, 0, o.maxHops)
	for _, c := range candidates {
		if c == failedFirstHop {
			continue
		}
		out = append(out, c)
		if len(out) == o.maxHops {
			break
		}
	}
	return out
}

// circuitID is a convenience for callers correlating retries/logging; it
// has no wire role.
func newCircuitID() string { return uuid.New().String() }
