package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

type captureDispatcher struct {
	mu   sync.Mutex
	recv []struct {
		peer PeerId
		raw  []byte
	}
	got chan struct{}
}

func newCaptureDispatcher() *captureDispatcher {
	return &captureDispatcher{got: make(chan struct{}, 16)}
}

func (c *captureDispatcher) Deliver(ctx context.Context, from PeerId, raw []byte) {
	c.mu.Lock()
	c.recv = append(c.recv, struct {
		peer PeerId
		raw  []byte
	}{from, raw})
	c.mu.Unlock()
	c.got <- struct{}{}
}

func newLoopbackTransport(t *testing.T) *Transport {
	t.Helper()
	cfg := DefaultTransportConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	tr, err := NewTransport(cfg, newHandshakeIdentity(t), NewMetrics(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTransportDialServeAndSendTo(t *testing.T) {
	server := newLoopbackTransport(t)
	client := newLoopbackTransport(t)

	disp := newCaptureDispatcher()
	server.RegisterDispatcher(FrameGroup, disp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	peer, err := client.Dial(ctx, server.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if peer == "" {
		t.Fatal("expected a resolved peer identity from the handshake")
	}

	if err := client.SendTo(ctx, peer, FrameGroup, []byte("ping")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	select {
	case <-disp.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched frame")
	}
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.recv) != 1 || string(disp.recv[0].raw) != "ping" {
		t.Fatalf("unexpected dispatched frames: %+v", disp.recv)
	}
}

func TestTransportSendToUnknownPeerFails(t *testing.T) {
	client := newLoopbackTransport(t)
	err := client.SendTo(context.Background(), "nobody", FrameGroup, []byte("x"))
	if !Is(err, KindNetworkFailure) {
		t.Fatalf("expected NetworkFailure for an unestablished peer, got %v", err)
	}
}

func TestTransportCloseTearsDownPooledSessions(t *testing.T) {
	server := newLoopbackTransport(t)
	client := newLoopbackTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	peer, err := client.Dial(ctx, server.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if err := client.SendTo(ctx, peer, FrameGroup, []byte("x")); !Is(err, KindNetworkFailure) {
		t.Fatalf("expected SendTo after Close to fail, got %v", err)
	}
}
