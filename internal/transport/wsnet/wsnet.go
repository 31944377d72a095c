// Package wsnet is the real-deployment Transport implementation: each peer
// is addressed by a websocket URL taken from TRANSPORT_ENDPOINT-derived
// configuration, and envelopes cross the wire JSON-encoded (§6). It
// implements the same transport.Transport interface the in-memory hub does,
// so internal/node never knows which one it is driving.
package wsnet

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quorum5/counter/internal/message"
	"github.com/quorum5/counter/internal/transport"
)

// PeerAddr maps a peer's node ID to the websocket URL its listener accepts
// connections on.
type PeerAddr struct {
	NodeID string
	URL    string // e.g. "ws://10.0.0.12:7946/quorum"
}

// Transport is a websocket-backed transport.Transport. It listens for
// inbound peer connections on ListenAddr and lazily dials outbound
// connections to peers as messages need to be sent to them.
type Transport struct {
	selfID string
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*websocket.Conn // nodeID -> outbound connection
	peers   map[string]string          // nodeID -> URL

	inbox    chan message.Envelope
	server   *http.Server
	upgrader websocket.Upgrader

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a websocket transport for selfID, listening on listenAddr and
// aware of peers (which should include every other node, not self).
func New(selfID, listenAddr string, peers []PeerAddr, logger *zap.Logger) (*Transport, error) {
	peerMap := make(map[string]string, len(peers))
	for _, p := range peers {
		peerMap[p.NodeID] = p.URL
	}

	t := &Transport{
		selfID:  selfID,
		logger:  logger,
		clients: make(map[string]*websocket.Conn),
		peers:   peerMap,
		inbox:   make(chan message.Envelope, 256),
		closed:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/quorum", t.handleInbound)
	t.server = &http.Server{Addr: listenAddr, Handler: mux}

	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("wsnet: listener stopped", zap.Error(err))
		}
	}()

	return t, nil
}

func (t *Transport) handleInbound(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("wsnet: upgrade failed", zap.Error(err))
		return
	}
	go t.readLoop(conn)
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := message.Decode(data)
		if err != nil {
			t.logger.Warn("wsnet: dropping malformed message", zap.Error(err))
			continue
		}
		select {
		case t.inbox <- env:
		case <-t.closed:
			return
		default:
			t.logger.Warn("wsnet: inbox full, dropping message", zap.String("from", env.SourceNodeID))
		}
	}
}

func (t *Transport) clientFor(peerID string) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.clients[peerID]; ok {
		return conn, nil
	}
	url, ok := t.peers[peerID]
	if !ok {
		return nil, transport.ErrUnknownPeer
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsnet: dial %s: %w", peerID, err)
	}
	t.clients[peerID] = conn
	return conn, nil
}

// SendTo implements transport.Transport.
func (t *Transport) SendTo(ctx context.Context, peerID string, msg message.Envelope) error {
	conn, err := t.clientFor(peerID)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	t.mu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	t.mu.Unlock()
	if err != nil {
		// Transport failure on outbound send: logged, never fatal (§7).
		t.logger.Warn("wsnet: send failed", zap.String("peer", peerID), zap.Error(err))
		t.dropClient(peerID)
	}
	return err
}

// Broadcast implements transport.Transport. Peers are dialed and written to
// concurrently: a federation member on the far side of a slow or down link
// must never delay delivery to the rest of the quorum (§7's "transport
// failure... logged; the protocol's quorum tolerance absorbs lost messages"
// only holds if one bad peer can't serialize behind the others).
func (t *Transport) Broadcast(ctx context.Context, msg message.Envelope) (int, error) {
	var reached int64
	g, gctx := errgroup.WithContext(ctx)
	for peerID := range t.peers {
		peerID := peerID
		g.Go(func() error {
			if err := t.SendTo(gctx, peerID, msg); err == nil {
				atomic.AddInt64(&reached, 1)
			}
			return nil
		})
	}
	_ = g.Wait() // errors are per-peer and already logged in SendTo; never fatal
	return int(reached), nil
}

// Receive implements transport.Transport.
func (t *Transport) Receive(ctx context.Context) (message.Envelope, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-t.closed:
		return message.Envelope{}, transport.ErrClosed
	case <-ctx.Done():
		return message.Envelope{}, transport.ErrTimeout
	}
}

func (t *Transport) dropClient(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.clients[peerID]; ok {
		conn.Close()
		delete(t.clients, peerID)
	}
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.server.Close()
		t.mu.Lock()
		for _, conn := range t.clients {
			conn.Close()
		}
		t.mu.Unlock()
	})
	return err
}
