package node

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorum5/counter/internal/consensus"
	"github.com/quorum5/counter/internal/message"
	"github.com/quorum5/counter/internal/recovery"
	"github.com/quorum5/counter/internal/state"
	"github.com/quorum5/counter/internal/transport"
)

type harness struct {
	net         *transport.Network
	nodes       map[string]*Node
	transports  map[string]transport.Transport
	clock       *clock.Mock
}

func newHarness(t *testing.T, ids []string) *harness {
	t.Helper()
	net := transport.NewNetwork()
	mockClock := clock.NewMock()
	h := &harness{net: net, nodes: make(map[string]*Node), transports: make(map[string]transport.Transport), clock: mockClock}

	for _, id := range ids {
		peers := make([]string, 0, len(ids)-1)
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		store := state.New(id, peers)
		tr := net.AddNode(id)
		h.transports[id] = tr
		engine := consensus.New(consensus.Config{
			Store:           store,
			QuorumSize:      3,
			Clock:           mockClock,
			ProposalTimeout: 60 * time.Second,
			VoteTimeout:     10 * time.Second,
		})
		rc := recovery.New(recovery.Config{
			Store:     store,
			Transport: tr,
			Clock:     mockClock,
			RetryWait: 30 * time.Second,
		})
		n := New(Config{
			Store:             store,
			Engine:            engine,
			Recovery:          rc,
			Transport:         tr,
			Clock:             mockClock,
			HeartbeatInterval: time.Hour,
		})
		h.nodes[id] = n
	}
	return h
}

// seedRecovery unblocks the cold-start bootstrap gap left open by §4.3 (a
// recovering node never answers another recovering node's RECOVERY_REQUEST,
// so a federation with no prior persisted state and every member starting
// simultaneously has no responder). A real deployment avoids this by
// staggering startup or seeding an initial count out of band; here a
// registered bystander transport plays that role, feeding each real node
// three distinct fabricated RECOVERY_RESPONSE(0) messages so its first
// round clears quorum.
func (h *harness) seedRecovery(t *testing.T, ids []string) {
	t.Helper()
	seed := h.net.AddNode("seed")
	zero := uint64(0)
	for _, id := range ids {
		for i := 0; i < 3; i++ {
			resp := message.Envelope{
				Type:          message.TypeRecoveryResponse,
				SourceNodeID:  "seed-" + id + "-" + string(rune('a'+i)),
				TargetNodeID:  id,
				ProposedValue: &zero,
			}
			require.NoError(t, seed.SendTo(context.Background(), id, resp))
		}
	}
}

func TestNodeProposeCommitsAcrossFiveNodes(t *testing.T) {
	ids := []string{"n1", "n2", "n3", "n4", "n5"}
	h := newHarness(t, ids)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, n := range h.nodes {
		n.Start(ctx)
	}
	// Let each node's pump/run goroutines reach their first select before
	// advancing the clock, so the first recovery round's responses land
	// inside the window evaluated at the retry timer's first firing.
	time.Sleep(20 * time.Millisecond)
	h.seedRecovery(t, ids)
	time.Sleep(20 * time.Millisecond)
	h.clock.Add(31 * time.Second)
	time.Sleep(20 * time.Millisecond)

	for id, n := range h.nodes {
		assert.False(t, n.Snapshot().IsRecovering, "node %s should have left recovery", id)
	}

	proposeCtx, proposeCancel := context.WithTimeout(ctx, 2*time.Second)
	defer proposeCancel()
	result, err := h.nodes["n1"].Propose(proposeCtx)
	require.NoError(t, err)
	assert.True(t, result.Committed)
	assert.Equal(t, uint64(1), result.Value)

	time.Sleep(50 * time.Millisecond)
	for id, n := range h.nodes {
		snap := n.Snapshot()
		assert.Equal(t, uint64(1), snap.CurrentCount, "node %s should have converged", id)
	}
}

func TestNodeProposeFailsWhileRecovering(t *testing.T) {
	ids := []string{"n1", "n2", "n3", "n4", "n5"}
	h := newHarness(t, ids)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, n := range h.nodes {
		n.Start(ctx)
	}
	time.Sleep(10 * time.Millisecond)

	proposeCtx, proposeCancel := context.WithTimeout(ctx, time.Second)
	defer proposeCancel()
	_, err := h.nodes["n1"].Propose(proposeCtx)
	assert.ErrorIs(t, err, consensus.ErrRecovering)
}

func TestNodeStopDrainsWithinBudget(t *testing.T) {
	ids := []string{"n1", "n2", "n3", "n4", "n5"}
	h := newHarness(t, ids)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, n := range h.nodes {
		n.Start(ctx)
	}
	time.Sleep(10 * time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, h.nodes["n1"].Stop(stopCtx))
}
