// Package state holds the State Store (§4.1): the single source of truth
// for one node's consensus state. Every mutation the Consensus Engine or
// Recovery Controller wants to make funnels through this type, which
// validates phase transitions against the fixed adjacency in §4.2 and keeps
// the invariants from §3 intact.
//
// The Store is not safe for concurrent use by itself — §5 requires the
// node's actor to serialize all mutator calls, so Store does not take its
// own lock. Read accessors return copies of mutable fields to keep callers
// from mutating shared state out from under the actor.
package state

import (
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition is returned when a requested phase transition is not
// present in the adjacency fixed by §4.2. Per §4.1 this must fail loudly;
// callers receive it as an error, and internal/node logs it without forcing
// recovery.
var ErrIllegalTransition = errors.New("state: illegal phase transition")

// Vote is one peer's decision on a proposal this node originated.
type Vote string

const (
	VoteAccept Vote = "ACCEPT"
	VoteReject Vote = "REJECT"
)

// Store is the authoritative in-memory state for one node.
type Store struct {
	nodeID string

	currentCount uint64
	phase        Phase

	knownPeers map[string]struct{}

	currentProposalID    string
	currentProposedValue uint64
	hasActiveProposal    bool

	// receivedVotes[proposalID][peerID] = decision. Filled by the proposer's
	// tally; votes arriving for a proposal that is not active here are also
	// recorded (observability) and are not discarded afterwards.
	receivedVotes map[string]map[string]Vote

	// votesCastAccept remembers proposal ids this node itself voted ACCEPT
	// on, even after returning to IDLE (§4.2.2's "voter does not wait for
	// the outcome"). §4.2.4 needs this to decide whether an inbound COMMIT
	// is one this node participated in. Trimmed opportunistically by
	// EndProposal's callers once a commit/abort for the id is observed.
	votesCastAccept map[string]struct{}

	// lastCommittedProposalID records the most recently applied COMMIT's
	// proposal id so a redelivery of that exact message can be recognized as
	// already-applied and answered idempotently (§8), rather than being
	// mistaken for a distinct, colliding commit once currentCount has moved
	// past value-1 (§7, scenario S2).
	lastCommittedProposalID string
	hasCommitted            bool

	isRecovering bool
	lastHeartbeat time.Time
}

// New creates a node's State Store at process start: count zero, phase
// RECOVERING, isRecovering true — per the §3 lifecycle.
func New(nodeID string, peers []string) *Store {
	peerSet := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		peerSet[p] = struct{}{}
	}
	peerSet[nodeID] = struct{}{}
	return &Store{
		nodeID:        nodeID,
		phase:         PhaseRecovering,
		isRecovering:  true,
		knownPeers:      peerSet,
		receivedVotes:   make(map[string]map[string]Vote),
		votesCastAccept: make(map[string]struct{}),
		lastHeartbeat:   time.Now(),
	}
}

// --- read-only accessors ---

func (s *Store) NodeID() string       { return s.nodeID }
func (s *Store) CurrentCount() uint64 { return s.currentCount }
func (s *Store) Phase() Phase         { return s.phase }
func (s *Store) IsRecovering() bool   { return s.isRecovering }
func (s *Store) LastHeartbeat() time.Time { return s.lastHeartbeat }

// CurrentProposal returns the active proposal id/value and whether one is
// set at all (invariant 1: at most one non-null at any instant).
func (s *Store) CurrentProposal() (id string, value uint64, active bool) {
	return s.currentProposalID, s.currentProposedValue, s.hasActiveProposal
}

// Peers returns a copy of the known peer set, including self.
func (s *Store) Peers() []string {
	out := make([]string, 0, len(s.knownPeers))
	for p := range s.knownPeers {
		out = append(out, p)
	}
	return out
}

// PeerCount returns the federation size (nominally 5).
func (s *Store) PeerCount() int { return len(s.knownPeers) }

// Votes returns a copy of the vote tally for proposalID.
func (s *Store) Votes(proposalID string) map[string]Vote {
	out := make(map[string]Vote, len(s.receivedVotes[proposalID]))
	for k, v := range s.receivedVotes[proposalID] {
		out[k] = v
	}
	return out
}

// --- mutators ---

// TransitionPhase validates and applies a phase change. reason is carried
// only for logging at the call site; the Store itself does not log.
func (s *Store) TransitionPhase(to Phase, reason string) error {
	if !s.phase.canTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrIllegalTransition, s.phase, to, reason)
	}
	s.phase = to
	return nil
}

// ForceRecovering bypasses adjacency validation. It is the one escape hatch
// used when an invariant violation (§7) is detected and the node must enter
// RECOVERING regardless of its current phase.
func (s *Store) ForceRecovering() {
	s.phase = PhaseRecovering
	s.isRecovering = true
	s.hasActiveProposal = false
	s.currentProposalID = ""
	s.currentProposedValue = 0
}

// UpdateCount sets currentCount. fromRecovery must be true for the recovery
// adoption path (§4.1: "MUST accept a lower value only when called by the
// recovery path"); outside recovery a lower value is rejected. An equal
// value is accepted as a no-op in either case.
func (s *Store) UpdateCount(v uint64, fromRecovery bool) error {
	if v == s.currentCount {
		return nil // idempotent for equal values
	}
	if v < s.currentCount && !fromRecovery {
		return fmt.Errorf("state: refusing to lower currentCount from %d to %d outside recovery", s.currentCount, v)
	}
	s.currentCount = v
	return nil
}

// BeginProposal records this node as the originator or evaluator of a
// proposal (invariant 1: at most one active proposal at a time).
func (s *Store) BeginProposal(proposalID string, value uint64) error {
	if s.hasActiveProposal {
		return fmt.Errorf("state: proposal %s already active", s.currentProposalID)
	}
	s.currentProposalID = proposalID
	s.currentProposedValue = value
	s.hasActiveProposal = true
	return nil
}

// EndProposal clears the active proposal fields.
func (s *Store) EndProposal() {
	s.currentProposalID = ""
	s.currentProposedValue = 0
	s.hasActiveProposal = false
}

// RecordVote records peer's decision on proposalID. Duplicate votes from the
// same peer are idempotent — the last value received wins (§4.2.3).
func (s *Store) RecordVote(proposalID, peerID string, decision Vote) {
	tally, ok := s.receivedVotes[proposalID]
	if !ok {
		tally = make(map[string]Vote)
		s.receivedVotes[proposalID] = tally
	}
	tally[peerID] = decision
}

// DiscardVotes drops the vote tally for proposalID once a commit/abort
// decision has been made (§4.2.3).
func (s *Store) DiscardVotes(proposalID string) {
	delete(s.receivedVotes, proposalID)
}

// RecordOwnVoteAccept remembers that this node itself cast an ACCEPT vote
// for proposalID, surviving the voter's return to IDLE (§4.2.2/§4.2.4).
func (s *Store) RecordOwnVoteAccept(proposalID string) {
	s.votesCastAccept[proposalID] = struct{}{}
}

// VotedAccept reports whether this node cast an ACCEPT vote for proposalID,
// either as the proposer's implicit self-vote or as a peer evaluating a
// PROPOSE.
func (s *Store) VotedAccept(proposalID string) bool {
	if _, ok := s.votesCastAccept[proposalID]; ok {
		return true
	}
	return s.receivedVotes[proposalID][s.nodeID] == VoteAccept
}

// ForgetOwnVote releases the bookkeeping for proposalID once its outcome
// (commit or abort) has been observed, keeping votesCastAccept bounded.
func (s *Store) ForgetOwnVote(proposalID string) {
	delete(s.votesCastAccept, proposalID)
}

// RecordCommit remembers proposalID as the most recently applied commit, so
// a later redelivery of the same COMMIT can be recognized and answered
// idempotently (§8) instead of being forced into recovery.
func (s *Store) RecordCommit(proposalID string) {
	s.lastCommittedProposalID = proposalID
	s.hasCommitted = true
}

// LastCommittedProposal reports the most recently applied commit's proposal
// id, if any has been applied yet.
func (s *Store) LastCommittedProposal() (string, bool) {
	return s.lastCommittedProposalID, s.hasCommitted
}

// SetRecovering flips isRecovering. Setting it false also requires the
// caller to separately transition the phase to IDLE.
func (s *Store) SetRecovering(b bool) {
	s.isRecovering = b
}

// TouchHeartbeat records observability-only liveness; does not gate
// correctness per §3.
func (s *Store) TouchHeartbeat(t time.Time) {
	s.lastHeartbeat = t
}

// Snapshot is a read-only copy of the full state, used by the node's status
// API and by tests.
type Snapshot struct {
	NodeID               string
	CurrentCount         uint64
	Phase                Phase
	KnownPeers           []string
	CurrentProposalID    string
	CurrentProposedValue uint64
	HasActiveProposal    bool
	IsRecovering         bool
	LastHeartbeat        time.Time
}

// Snapshot returns a point-in-time copy of the store's state.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		NodeID:               s.nodeID,
		CurrentCount:         s.currentCount,
		Phase:                s.phase,
		KnownPeers:           s.Peers(),
		CurrentProposalID:    s.currentProposalID,
		CurrentProposedValue: s.currentProposedValue,
		HasActiveProposal:    s.hasActiveProposal,
		IsRecovering:         s.isRecovering,
		LastHeartbeat:        s.lastHeartbeat,
	}
}
