package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *Store {
	return New("node-1", []string{"node-2", "node-3", "node-4", "node-5"})
}

func TestNewStoreStartsRecovering(t *testing.T) {
	s := newTestStore()
	assert.Equal(t, PhaseRecovering, s.Phase())
	assert.True(t, s.IsRecovering())
	assert.Equal(t, uint64(0), s.CurrentCount())
	assert.Equal(t, 5, s.PeerCount())
}

func TestTransitionPhaseValidAndInvalid(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.TransitionPhase(PhaseIdle, "recovery complete"))
	require.NoError(t, s.TransitionPhase(PhaseProposing, "increment request"))

	err := s.TransitionPhase(PhaseVoting, "bogus")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestUpdateCountRejectsLowerOutsideRecovery(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.UpdateCount(5, false))
	err := s.UpdateCount(3, false)
	assert.Error(t, err)
	assert.Equal(t, uint64(5), s.CurrentCount())
}

func TestUpdateCountAllowsLowerDuringRecovery(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.UpdateCount(5, false))
	require.NoError(t, s.UpdateCount(3, true))
	assert.Equal(t, uint64(3), s.CurrentCount())
}

func TestUpdateCountIdempotentForEqualValue(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.UpdateCount(5, false))
	require.NoError(t, s.UpdateCount(5, false))
	assert.Equal(t, uint64(5), s.CurrentCount())
}

func TestBeginProposalEnforcesSingleActive(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.BeginProposal("p1", 1))
	err := s.BeginProposal("p2", 2)
	assert.Error(t, err)

	s.EndProposal()
	require.NoError(t, s.BeginProposal("p2", 2))
	id, v, active := s.CurrentProposal()
	assert.Equal(t, "p2", id)
	assert.Equal(t, uint64(2), v)
	assert.True(t, active)
}

func TestRecordVoteIdempotentLastWins(t *testing.T) {
	s := newTestStore()
	s.RecordVote("p1", "node-2", VoteAccept)
	s.RecordVote("p1", "node-2", VoteAccept)
	tally := s.Votes("p1")
	assert.Len(t, tally, 1)
	assert.Equal(t, VoteAccept, tally["node-2"])

	// Last value received wins even if it differs (observability only; the
	// spec notes honest peers don't actually change their vote).
	s.RecordVote("p1", "node-2", VoteReject)
	tally = s.Votes("p1")
	assert.Equal(t, VoteReject, tally["node-2"])
}

func TestForceRecoveringFromAnyPhase(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.TransitionPhase(PhaseIdle, "startup"))
	require.NoError(t, s.TransitionPhase(PhaseProposing, "propose"))
	s.ForceRecovering()
	assert.Equal(t, PhaseRecovering, s.Phase())
	assert.True(t, s.IsRecovering())
	_, _, active := s.CurrentProposal()
	assert.False(t, active)
}

func TestLastCommittedProposalTracksMostRecentRecordCommit(t *testing.T) {
	s := newTestStore()
	_, ok := s.LastCommittedProposal()
	assert.False(t, ok, "no commit recorded yet")

	s.RecordCommit("p1")
	id, ok := s.LastCommittedProposal()
	require.True(t, ok)
	assert.Equal(t, "p1", id)

	s.RecordCommit("p2")
	id, ok = s.LastCommittedProposal()
	require.True(t, ok)
	assert.Equal(t, "p2", id)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := newTestStore()
	snap := s.Snapshot()
	snap.KnownPeers[0] = "tampered"
	assert.NotEqual(t, "tampered", s.Peers()[0])
}
