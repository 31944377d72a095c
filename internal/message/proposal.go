package message

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// ProposalIDAllocator mints proposal identifiers unique per (node, proposal)
// pair, per the encoding recommended in §3: nodeId-counter-random. The
// counter makes IDs from a single node trivially orderable for debugging;
// the UUID suffix makes collisions across restarts (where the counter
// resets) practically impossible.
type ProposalIDAllocator struct {
	nodeID  string
	counter uint64
}

// NewProposalIDAllocator builds an allocator for one node.
func NewProposalIDAllocator(nodeID string) *ProposalIDAllocator {
	return &ProposalIDAllocator{nodeID: nodeID}
}

// Next returns a fresh, unique proposal ID.
func (a *ProposalIDAllocator) Next() string {
	n := atomic.AddUint64(&a.counter, 1)
	return fmt.Sprintf("%s-%d-%s", a.nodeID, n, uuid.NewString())
}
