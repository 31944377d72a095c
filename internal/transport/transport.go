// Package transport defines the abstract message transport the core depends
// on (§6) and provides an in-memory implementation suitable for tests and
// single-process demos. A real deployment transport (internal/transport/wsnet)
// implements the same interface over websockets.
package transport

import (
	"context"
	"errors"

	"github.com/quorum5/counter/internal/message"
)

// ErrTimeout is returned by Receive when no message arrives before the
// caller's context deadline.
var ErrTimeout = errors.New("transport: receive timed out")

// ErrUnknownPeer is returned by SendTo when targeting a peer the transport
// has no route for.
var ErrUnknownPeer = errors.New("transport: unknown peer")

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("transport: closed")

// Transport is the abstract interface the core consumes (§6). Implementers
// provide at-most-once, best-effort delivery with rough FIFO per
// sender->receiver pair; the core tolerates duplicates and reordering
// across distinct senders (§5).
type Transport interface {
	// SendTo delivers msg to exactly one peer. Failures are reported to the
	// caller but must never block the state machine (§5); callers log and
	// move on.
	SendTo(ctx context.Context, peerID string, msg message.Envelope) error

	// Broadcast delivers msg to every known peer except this transport's
	// own node, returning how many peers were reached.
	Broadcast(ctx context.Context, msg message.Envelope) (reached int, err error)

	// Receive blocks until the next inbound message arrives or ctx is done,
	// in which case it returns ErrTimeout.
	Receive(ctx context.Context) (message.Envelope, error)

	// Close releases transport resources. Safe to call more than once.
	Close() error
}
