package core

// RPC Protocol (C8): request/response correlation over RoutedEnvelopes,
// with a bounded seen-request-ID cache and a per-peer rate limiter.
//
// Grounded on the teacher's correlation-free fire-and-forget messaging in
// peer_management.go (SendAsync/Subscribe); this adds the request/response
// correlation, timeout handling and duplicate suppression spec.md §4.6
// requires, which the teacher's pubsub-only model does not have.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RPCSender is how RPC delivers bytes to a peer; callers inject a Session-
// or Onion-backed implementation.
type RPCSender interface {
	SendTo(ctx context.Context, peer PeerId, frameType FrameType, payload []byte) error
}

// RPCRequest is a correlated outbound request awaiting a response.
type rpcPending struct {
	resultCh chan rpcResult
}

type rpcResult struct {
	payload []byte
	err     error
}

// RateLimited is returned to a caller whose peer has exceeded its token
// bucket; it is a cheap, single response, never a connection drop
// (spec.md §4.6).
var errRateLimited = newErr("RPC", KindRateLimited, fmt.Errorf("per-peer rate limit exceeded"))

// RPC implements request/response correlation with bounded duplicate
// suppression and per-peer rate limiting.
type RPC struct {
	sender  RPCSender
	limiter *PeerLimiter
	metrics *Metrics

	seen *ReplaySeen[uuid.UUID]

	mu      sync.Mutex
	pending map[uuid.UUID]*rpcPending

	handlersMu sync.RWMutex
	handlers   map[FrameType]func(peer PeerId, payload []byte) ([]byte, error)
}

// RPCConfig mirrors spec.md §6.7's enumerated RPC knobs.
type RPCConfig struct {
	SeenRequestsMaxCapacity int
	ReplayCacheTTL          time.Duration
	RateLimitMaxPerPeer     int
	RateLimitWindow         time.Duration
}

func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		SeenRequestsMaxCapacity: 65536,
		ReplayCacheTTL:          10 * time.Minute,
		RateLimitMaxPerPeer:     100,
		RateLimitWindow:         time.Minute,
	}
}

func NewRPC(sender RPCSender, cfg RPCConfig, metrics *Metrics) *RPC {
	return &RPC{
		sender:   sender,
		limiter:  NewPeerLimiter(cfg.RateLimitMaxPerPeer, cfg.RateLimitWindow, 100_000),
		metrics:  metrics,
		seen:     NewReplaySeen[uuid.UUID](cfg.SeenRequestsMaxCapacity, cfg.ReplayCacheTTL),
		pending:  make(map[uuid.UUID]*rpcPending),
		handlers: make(map[FrameType]func(peer PeerId, payload []byte) ([]byte, error)),
	}
}

// rpcEnvelope is the wire wrapper carrying a correlation ID alongside the
// caller's opaque payload. It is marshaled with a trivial fixed layout so
// RPC does not depend on a general-purpose codec.
type rpcEnvelope struct {
	ID        uuid.UUID
	IsReq     bool
	FrameType FrameType
	Payload   []byte
}

func encodeRPCEnvelope(e rpcEnvelope) []byte {
	out := make([]byte, 0, 17+1+len(e.Payload))
	out = append(out, e.ID[:]...)
	if e.IsReq {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, byte(e.FrameType))
	out = append(out, e.Payload...)
	return out
}

func decodeRPCEnvelope(raw []byte) (rpcEnvelope, error) {
	if len(raw) < 18 {
		return rpcEnvelope{}, fmt.Errorf("rpc envelope too short")
	}
	var e rpcEnvelope
	copy(e.ID[:], raw[:16])
	e.IsReq = raw[16] == 1
	e.FrameType = FrameType(raw[17])
	e.Payload = raw[18:]
	return e, nil
}

// Handle registers a responder for inbound requests carrying frameType.
func (r *RPC) Handle(frameType FrameType, fn func(peer PeerId, payload []byte) ([]byte, error)) {
	r.handlersMu.Lock()
	r.handlers[frameType] = fn
	r.handlersMu.Unlock()
}

// Request sends payload to peer and blocks until a matching response
// arrives, ctx is done, or timeout elapses. On timeout the correlation
// entry is reclaimed; a response that arrives after that is dropped
// (spec.md §4.6).
func (r *RPC) Request(ctx context.Context, peer PeerId, frameType FrameType, payload []byte, timeout time.Duration) ([]byte, error) {
	if !r.limiter.Allow(peer) {
		r.metrics.incRateLimited()
		return nil, errRateLimited
	}
	id := uuid.New()
	pending := &rpcPending{resultCh: make(chan rpcResult, 1)}
	r.mu.Lock()
	r.pending[id] = pending
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	wire := encodeRPCEnvelope(rpcEnvelope{ID: id, IsReq: true, FrameType: frameType, Payload: payload})
	if err := r.sender.SendTo(ctx, peer, frameType, wire); err != nil {
		return nil, newErr("RPC.Request", KindNetworkFailure, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-pending.resultCh:
		return res.payload, res.err
	case <-timer.C:
		return nil, newErr("RPC.Request", KindNetworkFailure, fmt.Errorf("timeout waiting for response"))
	case <-ctx.Done():
		return nil, newErr("RPC.Request", KindNetworkFailure, ctx.Err())
	}
}

// Deliver is called by the transport layer when a frame addressed to the
// RPC subsystem arrives. It demultiplexes requests (dispatch to a handler,
// send the response) from responses (resolve a pending Request call).
func (r *RPC) Deliver(ctx context.Context, from PeerId, raw []byte) {
	env, err := decodeRPCEnvelope(raw)
	if err != nil {
		return
	}
	if env.IsReq {
		if r.seen.SeenOrRecord(env.ID) {
			r.metrics.incReplayDetected()
			return // duplicate request id: silently dropped
		}
		if !r.limiter.Allow(from) {
			r.metrics.incRateLimited()
			resp := encodeRPCEnvelope(rpcEnvelope{ID: env.ID, IsReq: false, FrameType: env.FrameType, Payload: []byte("RATE_LIMITED")})
			_ = r.sender.SendTo(ctx, from, env.FrameType, resp)
			return
		}
		r.handlersMu.RLock()
		fn := r.handlers[env.FrameType]
		r.handlersMu.RUnlock()
		if fn == nil {
			return
		}
		respPayload, err := fn(from, env.Payload)
		if err != nil {
			return
		}
		resp := encodeRPCEnvelope(rpcEnvelope{ID: env.ID, IsReq: false, FrameType: env.FrameType, Payload: respPayload})
		_ = r.sender.SendTo(ctx, from, env.FrameType, resp)
		return
	}

	r.mu.Lock()
	pending, ok := r.pending[env.ID]
	if ok {
		delete(r.pending, env.ID)
	}
	r.mu.Unlock()
	if !ok {
		return // response arrived after timeout reclaimed the entry
	}
	pending.resultCh <- rpcResult{payload: env.Payload}
}
