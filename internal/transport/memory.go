package transport

import (
	"context"
	"sync"

	"github.com/quorum5/counter/internal/message"
)

// Network is an in-memory hub wiring a fixed set of nodes together: one
// inbound queue per node, per §6's "real deployment uses per-node inbound
// queues plus a broadcast queue fan-out" note. It exists for tests and the
// single-process demo; internal/transport/wsnet provides the real
// deployment transport.
type Network struct {
	mu    sync.RWMutex
	nodes map[string]*memoryTransport
}

// NewNetwork creates an empty hub. Call AddNode once per participating node
// before starting any of them.
func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*memoryTransport)}
}

// AddNode registers nodeID and returns its Transport handle. The inbound
// channel is buffered generously so a slow consumer does not stall senders
// — this is the "best-effort" half of the contract; a truly full channel
// drops the message and the sender observes no error, matching "transport
// failure... logged; the protocol's quorum tolerance absorbs lost messages"
// from §7.
func (n *Network) AddNode(nodeID string) Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &memoryTransport{
		selfID:  nodeID,
		network: n,
		inbox:   make(chan message.Envelope, 256),
		closed:  make(chan struct{}),
	}
	n.nodes[nodeID] = t
	return t
}

func (n *Network) peerIDs(exclude string) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.nodes))
	for id := range n.nodes {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func (n *Network) deliver(peerID string, msg message.Envelope) error {
	n.mu.RLock()
	target, ok := n.nodes[peerID]
	n.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}
	select {
	case target.inbox <- msg:
		return nil
	default:
		// Inbox full: best-effort delivery drops the message silently,
		// exercising the same tolerance a real lossy queue would require.
		return nil
	}
}

type memoryTransport struct {
	selfID  string
	network *Network
	inbox   chan message.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

func (t *memoryTransport) SendTo(ctx context.Context, peerID string, msg message.Envelope) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	return t.network.deliver(peerID, msg)
}

func (t *memoryTransport) Broadcast(ctx context.Context, msg message.Envelope) (int, error) {
	select {
	case <-t.closed:
		return 0, ErrClosed
	default:
	}
	reached := 0
	for _, peerID := range t.network.peerIDs(t.selfID) {
		if err := t.network.deliver(peerID, msg); err == nil {
			reached++
		}
	}
	return reached, nil
}

func (t *memoryTransport) Receive(ctx context.Context) (message.Envelope, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-t.closed:
		return message.Envelope{}, ErrClosed
	case <-ctx.Done():
		return message.Envelope{}, ErrTimeout
	}
}

func (t *memoryTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}
