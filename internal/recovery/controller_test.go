package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorum5/counter/internal/message"
	"github.com/quorum5/counter/internal/state"
	"github.com/quorum5/counter/internal/transport"
)

func newTestController(t *testing.T, id string, peers []string) (*Controller, *state.Store, transport.Transport) {
	t.Helper()
	net := transport.NewNetwork()
	tr := net.AddNode(id)
	for _, p := range peers {
		net.AddNode(p)
	}
	store := state.New(id, peers)
	c := New(Config{
		Store:     store,
		Transport: tr,
		Clock:     clock.NewMock(),
		RetryWait: 30 * time.Second,
	})
	return c, store, tr
}

func TestBeginRecoveringForcesRecoveringPhase(t *testing.T) {
	c, store, _ := newTestController(t, "n1", []string{"n2", "n3", "n4", "n5"})
	require.NoError(t, store.TransitionPhase(state.PhaseIdle, "init"))
	store.SetRecovering(false)
	c.BeginRecovering()
	assert.True(t, store.IsRecovering())
	assert.Equal(t, state.PhaseRecovering, store.Phase())
}

func TestEvaluateRequiresQuorumOfResponses(t *testing.T) {
	c, _, _ := newTestController(t, "n1", []string{"n2", "n3", "n4", "n5"})
	c.HandleResponse(message.Envelope{SourceNodeID: "n2", ProposedValue: uintPtr(4)})
	c.HandleResponse(message.Envelope{SourceNodeID: "n3", ProposedValue: uintPtr(4)})
	_, ok := c.Evaluate()
	assert.False(t, ok, "two responses is short of quorum 3")

	c.HandleResponse(message.Envelope{SourceNodeID: "n4", ProposedValue: uintPtr(4)})
	chosen, ok := c.Evaluate()
	require.True(t, ok)
	assert.Equal(t, uint64(4), chosen)
}

func TestEvaluatePicksMajorityModeOverLargerValue(t *testing.T) {
	c, _, _ := newTestController(t, "n1", []string{"n2", "n3", "n4", "n5"})
	c.HandleResponse(message.Envelope{SourceNodeID: "n2", ProposedValue: uintPtr(3)})
	c.HandleResponse(message.Envelope{SourceNodeID: "n3", ProposedValue: uintPtr(3)})
	c.HandleResponse(message.Envelope{SourceNodeID: "n4", ProposedValue: uintPtr(5)})

	chosen, ok := c.Evaluate()
	require.True(t, ok)
	assert.Equal(t, uint64(3), chosen, "3 has 2 votes to 5's 1")
}

func TestEvaluateTiesBreakToLargestValue(t *testing.T) {
	c, _, _ := newTestController(t, "n1", []string{"n2", "n3", "n4", "n5", "n6"})
	c.HandleResponse(message.Envelope{SourceNodeID: "n2", ProposedValue: uintPtr(3)})
	c.HandleResponse(message.Envelope{SourceNodeID: "n3", ProposedValue: uintPtr(7)})
	c.HandleResponse(message.Envelope{SourceNodeID: "n4", ProposedValue: uintPtr(3)})
	c.HandleResponse(message.Envelope{SourceNodeID: "n5", ProposedValue: uintPtr(7)})

	chosen, ok := c.Evaluate()
	require.True(t, ok)
	assert.Equal(t, uint64(7), chosen, "3 and 7 tie at 2 votes each, 7 is larger")
}

func TestApplyAdoptsValueAndReleasesRecovering(t *testing.T) {
	c, store, _ := newTestController(t, "n1", []string{"n2", "n3", "n4", "n5"})
	require.NoError(t, c.Apply(9))
	assert.Equal(t, uint64(9), store.CurrentCount())
	assert.False(t, store.IsRecovering())
	assert.Equal(t, state.PhaseIdle, store.Phase())
}

func TestBeginRoundResetsPriorResponses(t *testing.T) {
	c, _, _ := newTestController(t, "n1", []string{"n2", "n3", "n4", "n5"})
	c.HandleResponse(message.Envelope{SourceNodeID: "n2", ProposedValue: uintPtr(1)})
	c.HandleResponse(message.Envelope{SourceNodeID: "n3", ProposedValue: uintPtr(1)})
	c.HandleResponse(message.Envelope{SourceNodeID: "n4", ProposedValue: uintPtr(1)})
	_, ok := c.Evaluate()
	require.True(t, ok)

	c.BeginRound(context.Background())
	_, ok = c.Evaluate()
	assert.False(t, ok, "BeginRound must clear the previous round's tally")
}

func TestHandleRequestAnswersOnlyWhenNotRecovering(t *testing.T) {
	c, store, _ := newTestController(t, "n1", []string{"n2", "n3", "n4", "n5"})
	req := message.NewRecoveryRequest("n2")

	_, ok := c.HandleRequest(req)
	assert.False(t, ok, "a recovering node must not answer")

	require.NoError(t, store.TransitionPhase(state.PhaseIdle, "test"))
	store.SetRecovering(false)

	resp, ok := c.HandleRequest(req)
	require.True(t, ok)
	assert.Equal(t, message.TypeRecoveryResponse, resp.Type)
	assert.Equal(t, "n2", resp.TargetNodeID)
	assert.Equal(t, store.CurrentCount(), resp.Value())
}

func uintPtr(v uint64) *uint64 { return &v }
