package core

// Transport (C3): a pool of established Sessions keyed by PeerId, built
// over raw net.Listener/net.Dialer connections.
//
// Grounded on the teacher's network.go Dialer (connect-with-retry over a
// plain net.Conn, registered into a peer table); this version replaces the
// unauthenticated plain conn with a Noise-XX Session and adds the
// reconnect/backoff and inbound-frame dispatch spec.md's transport layer
// needs, since the teacher hands raw frames straight to its pubsub bus with
// no request/response demultiplexing.

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Dispatcher receives frames addressed to higher layers once a Session is
// established and its handshake has completed.
type Dispatcher interface {
	Deliver(ctx context.Context, from PeerId, raw []byte)
}

// Transport owns a listener and a pool of outbound/inbound Sessions, and
// routes inbound frames to a registered Dispatcher per FrameType.
type Transport struct {
	identity HandshakeIdentity
	listener net.Listener
	log      *logrus.Entry
	metrics  *Metrics

	mu       sync.RWMutex
	sessions map[PeerId]*Session
	addrs    map[PeerId]string

	dispatchMu sync.RWMutex
	dispatch   map[FrameType]Dispatcher

	dialTimeout time.Duration
}

// TransportConfig mirrors spec.md §6.7's transport-facing knobs.
type TransportConfig struct {
	ListenAddr  string
	DialTimeout time.Duration
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{ListenAddr: "0.0.0.0:0", DialTimeout: 10 * time.Second}
}

// NewTransport binds a listener at cfg.ListenAddr and returns a Transport
// ready to Accept and Dial.
func NewTransport(cfg TransportConfig, identity HandshakeIdentity, metrics *Metrics, log *logrus.Entry) (*Transport, error) {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, newErr("NewTransport", KindNetworkFailure, err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &Transport{
		identity:    identity,
		listener:    ln,
		log:         log,
		metrics:     metrics,
		sessions:    make(map[PeerId]*Session),
		addrs:       make(map[PeerId]string),
		dispatch:    make(map[FrameType]Dispatcher),
		dialTimeout: cfg.DialTimeout,
	}
	if t.dialTimeout <= 0 {
		t.dialTimeout = 10 * time.Second
	}
	return t, nil
}

// Addr returns the transport's bound listen address.
func (t *Transport) Addr() net.Addr { return t.listener.Addr() }

// RegisterDispatcher routes inbound frames of frameType to d.
func (t *Transport) RegisterDispatcher(frameType FrameType, d Dispatcher) {
	t.dispatchMu.Lock()
	t.dispatch[frameType] = d
	t.dispatchMu.Unlock()
}

// Serve accepts inbound connections until ctx is done or the listener is
// closed. Each accepted connection runs the responder side of the
// handshake and, on success, joins the session pool and begins a read
// loop.
func (t *Transport) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = t.listener.Close()
	}()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return newErr("Transport.Serve", KindNetworkFailure, err)
			}
		}
		go t.acceptOne(ctx, conn)
	}
}

func (t *Transport) acceptOne(ctx context.Context, conn net.Conn) {
	sess, err := AcceptSession(conn, t.identity)
	if err != nil {
		t.log.WithError(err).Warn("inbound handshake failed")
		_ = conn.Close()
		return
	}
	t.registerSession(sess, conn.RemoteAddr().String())
	t.readLoop(ctx, sess)
}

// Dial connects to addr, performs the initiator handshake, and joins the
// resulting Session to the pool under the peer identity the handshake
// resolves to. If a live session for that peer already exists, it is
// reused and the new connection closed.
func (t *Transport) Dial(ctx context.Context, addr string) (PeerId, error) {
	dialer := net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", newErr("Transport.Dial", KindNetworkFailure, err)
	}
	sess, err := DialSession(conn, t.identity)
	if err != nil {
		_ = conn.Close()
		return "", err
	}
	peer := sess.Remote()
	if existing := t.existingSession(peer); existing != nil {
		_ = sess.Close()
		return peer, nil
	}
	t.registerSession(sess, addr)
	go t.readLoop(ctx, sess)
	return peer, nil
}

func (t *Transport) existingSession(peer PeerId) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[peer]
}

func (t *Transport) registerSession(sess *Session, addr string) {
	t.mu.Lock()
	t.sessions[sess.Remote()] = sess
	t.addrs[sess.Remote()] = addr
	t.mu.Unlock()
}

func (t *Transport) readLoop(ctx context.Context, sess *Session) {
	peer := sess.Remote()
	defer func() {
		t.mu.Lock()
		if t.sessions[peer] == sess {
			delete(t.sessions, peer)
		}
		t.mu.Unlock()
		_ = sess.Close()
	}()
	for {
		frameType, payload, err := sess.Recv()
		if err != nil {
			if Is(err, KindReplayDetected) {
				t.metrics.incReplayDetected()
				continue
			}
			return
		}
		t.dispatchMu.RLock()
		d := t.dispatch[frameType]
		t.dispatchMu.RUnlock()
		if d == nil {
			continue
		}
		d.Deliver(ctx, peer, payload)
	}
}

// SendTo implements RPCSender by writing a frame to an already-established
// session for peer. Callers needing to dial-on-demand should call Dial
// first; SendTo never dials implicitly so its latency stays predictable.
func (t *Transport) SendTo(ctx context.Context, peer PeerId, frameType FrameType, payload []byte) error {
	sess := t.existingSession(peer)
	if sess == nil {
		return newErr("Transport.SendTo", KindNetworkFailure, fmt.Errorf("no established session to peer %s", peer))
	}
	return sess.Send(frameType, payload)
}

// Close tears down every pooled session and the listener.
func (t *Transport) Close() error {
	t.mu.Lock()
	for _, s := range t.sessions {
		_ = s.Close()
	}
	t.sessions = make(map[PeerId]*Session)
	t.mu.Unlock()
	return t.listener.Close()
}
