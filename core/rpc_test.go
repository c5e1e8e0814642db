package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

type loopbackRPCSender struct {
	rpc     *RPC
	failFor map[PeerId]bool
}

func (l *loopbackRPCSender) SendTo(ctx context.Context, peer PeerId, frameType FrameType, payload []byte) error {
	if l.failFor[peer] {
		return errors.New("simulated send failure")
	}
	l.rpc.Deliver(ctx, "self", payload)
	return nil
}

func newLoopbackRPC(cfg RPCConfig) *RPC {
	sender := &loopbackRPCSender{failFor: make(map[PeerId]bool)}
	rpc := NewRPC(sender, cfg, NewMetrics())
	sender.rpc = rpc
	return rpc
}

func TestRPCRequestResponseRoundTrip(t *testing.T) {
	rpc := newLoopbackRPC(DefaultRPCConfig())
	rpc.Handle(FrameGroup, func(peer PeerId, payload []byte) ([]byte, error) {
		return append([]byte("echo:"), payload...), nil
	})

	resp, err := rpc.Request(context.Background(), "self", FrameGroup, []byte("ping"), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "echo:ping" {
		t.Fatalf("unexpected response: %q", resp)
	}
}

func TestRPCDeliverSuppressesDuplicateRequestID(t *testing.T) {
	rpc := newLoopbackRPC(DefaultRPCConfig())
	var calls int32
	rpc.Handle(FrameGroup, func(peer PeerId, payload []byte) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("ok"), nil
	})

	wire := encodeRPCEnvelope(rpcEnvelope{ID: uuid.New(), IsReq: true, FrameType: FrameGroup, Payload: []byte("x")})
	rpc.Deliver(context.Background(), "peer-a", wire)
	rpc.Deliver(context.Background(), "peer-a", wire)

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected handler invoked exactly once for a duplicate request id, got %d", calls)
	}
}

func TestRPCRequestFailsClosedWhenRateLimited(t *testing.T) {
	cfg := DefaultRPCConfig()
	cfg.RateLimitMaxPerPeer = 1
	cfg.RateLimitWindow = time.Minute
	rpc := newLoopbackRPC(cfg)
	rpc.Handle(FrameGroup, func(peer PeerId, payload []byte) ([]byte, error) {
		return []byte("ok"), nil
	})

	if _, err := rpc.Request(context.Background(), "self", FrameGroup, []byte("a"), time.Second); err != nil {
		t.Fatalf("expected first request to succeed, got %v", err)
	}
	_, err := rpc.Request(context.Background(), "self", FrameGroup, []byte("b"), time.Second)
	if !Is(err, KindRateLimited) {
		t.Fatalf("expected RateLimited on the second request, got %v", err)
	}
}

func TestRPCRequestTimesOutWithoutAHandler(t *testing.T) {
	rpc := newLoopbackRPC(DefaultRPCConfig())
	_, err := rpc.Request(context.Background(), "self", FrameGroup, []byte("unhandled"), 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error when no handler is registered for the frame type")
	}
}

func TestRPCRequestSurfacesSendFailure(t *testing.T) {
	sender := &loopbackRPCSender{failFor: map[PeerId]bool{"bad-peer": true}}
	rpc := NewRPC(sender, DefaultRPCConfig(), NewMetrics())
	sender.rpc = rpc
	_, err := rpc.Request(context.Background(), "bad-peer", FrameGroup, []byte("x"), time.Second)
	if !Is(err, KindNetworkFailure) {
		t.Fatalf("expected NetworkFailure, got %v", err)
	}
}
