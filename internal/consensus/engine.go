// Package consensus implements the Consensus Engine (§4.2): given one
// inbound message and the current node state, it produces a new state (by
// mutating the State Store in place, under the actor's serialization
// guarantee from §5) and zero or more outbound messages for the caller to
// send.
//
// The Engine never touches the transport directly — internal/node owns
// that, which keeps this package pure enough to unit test without any I/O.
package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/quorum5/counter/internal/message"
	"github.com/quorum5/counter/internal/metrics"
	"github.com/quorum5/counter/internal/state"
)

// Sentinel errors for the precondition-violation error kind from §7.
var (
	ErrNotIdle        = errors.New("consensus: node is not idle")
	ErrRecovering     = errors.New("consensus: node is recovering")
	ErrProposalActive = errors.New("consensus: a proposal is already active")
)

// Outbound is one message this node needs to send, paired with how: a
// broadcast (message.Broadcast target) or a direct send to one peer.
type Outbound = message.Envelope

// Decision is delivered to the proposer's waiter once a proposal's fate is
// known, terminating the blocking Propose() call (§4.2.3).
type Decision struct {
	ProposalID string
	Committed  bool
	Value      uint64
	Reason     string // populated on abort
}

// Engine drives the propose/vote/commit/timeout state machine for one node.
type Engine struct {
	store      *state.Store
	quorumSize int
	ids        *message.ProposalIDAllocator
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *metrics.Collectors

	proposalTimeout time.Duration
	voteTimeout     time.Duration
}

// Config bundles Engine construction parameters.
type Config struct {
	Store           *state.Store
	QuorumSize      int
	Clock           clock.Clock
	Logger          *zap.Logger
	Metrics         *metrics.Collectors
	ProposalTimeout time.Duration
	VoteTimeout     time.Duration
}

// New builds a Consensus Engine around an already-constructed Store.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Engine{
		store:           cfg.Store,
		quorumSize:      cfg.QuorumSize,
		ids:             message.NewProposalIDAllocator(cfg.Store.NodeID()),
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		proposalTimeout: cfg.ProposalTimeout,
		voteTimeout:     cfg.VoteTimeout,
	}
}

// Clock exposes the engine's clock so internal/node can arm timers on the
// same (possibly fake) time source used for tests.
func (e *Engine) Clock() clock.Clock { return e.clock }

// ProposalTimeout and VoteTimeout expose the configured durations so
// internal/node can arm its own timers, on the node's clock (§4.2.5).
func (e *Engine) ProposalTimeout() time.Duration { return e.proposalTimeout }
func (e *Engine) VoteTimeout() time.Duration     { return e.voteTimeout }

// BeginProposal implements §4.2.1: initiating a proposal from an
// INCREMENT_REQUEST. On success it transitions to PROPOSING, records the
// implicit self-ACCEPT, and returns the PROPOSE broadcast to send.
func (e *Engine) BeginProposal() (out Outbound, proposalID string, err error) {
	if e.store.IsRecovering() {
		return Outbound{}, "", ErrRecovering
	}
	if e.store.Phase() != state.PhaseIdle {
		return Outbound{}, "", ErrNotIdle
	}

	proposedValue := e.store.CurrentCount() + 1
	proposalID = e.ids.Next()

	if err := e.store.TransitionPhase(state.PhaseProposing, "increment request"); err != nil {
		return Outbound{}, "", err
	}
	if err := e.store.BeginProposal(proposalID, proposedValue); err != nil {
		e.store.ForceRecovering()
		return Outbound{}, "", fmt.Errorf("consensus: invariant violation: %w", err)
	}
	e.store.RecordVote(proposalID, e.store.NodeID(), state.VoteAccept)
	e.store.RecordOwnVoteAccept(proposalID)

	if e.metrics != nil {
		e.metrics.ProposalsStarted.Inc()
	}
	e.logInfo("proposal started", zap.String("proposal_id", proposalID), zap.Uint64("value", proposedValue))

	return message.NewPropose(e.store.NodeID(), proposalID, proposedValue), proposalID, nil
}

// HandlePropose implements §4.2.2: evaluating a PROPOSE from a peer.
func (e *Engine) HandlePropose(env message.Envelope) (Outbound, error) {
	proposalID := env.Proposal()
	proposedValue := env.Value()

	accept := e.store.Phase() == state.PhaseIdle &&
		!e.store.IsRecovering() &&
		proposedValue == e.store.CurrentCount()+1

	if !accept {
		e.logInfo("rejecting propose",
			zap.String("proposal_id", proposalID),
			zap.String("from", env.SourceNodeID),
			zap.Uint64("proposed_value", proposedValue),
			zap.Uint64("current_count", e.store.CurrentCount()),
			zap.String("phase", string(e.store.Phase())),
			zap.Bool("recovering", e.store.IsRecovering()),
		)
		if e.metrics != nil {
			e.metrics.VotesCast.WithLabelValues("reject").Inc()
		}
		return message.NewVote(e.store.NodeID(), env.SourceNodeID, proposalID, false), nil
	}

	if err := e.store.TransitionPhase(state.PhaseVoting, "propose received"); err != nil {
		return Outbound{}, err
	}
	if err := e.store.BeginProposal(proposalID, proposedValue); err != nil {
		e.store.ForceRecovering()
		return Outbound{}, fmt.Errorf("consensus: invariant violation: %w", err)
	}
	// The voter does not wait for the outcome; it returns to IDLE
	// immediately after voting, per §4.2.2's rationale.
	e.store.RecordOwnVoteAccept(proposalID)
	e.store.EndProposal()
	if err := e.store.TransitionPhase(state.PhaseIdle, "vote emitted"); err != nil {
		return Outbound{}, err
	}

	if e.metrics != nil {
		e.metrics.VotesCast.WithLabelValues("accept").Inc()
	}
	e.logInfo("accepting propose", zap.String("proposal_id", proposalID), zap.Uint64("value", proposedValue))
	return message.NewVote(e.store.NodeID(), env.SourceNodeID, proposalID, true), nil
}

// VoteOutcome reports what HandleVote learned after folding in one vote.
type VoteOutcome struct {
	Decision  *Decision // non-nil once commit/abort is decided
	Broadcast *Outbound // non-nil when a COMMIT must be broadcast
}

// HandleVote implements the proposer's side of §4.2.3: tallying votes and
// deciding commit/abort. Votes for a proposal that is not this node's active
// PROPOSING proposal (including one already decided) are recorded for
// observability only and produce no decision or further state change.
func (e *Engine) HandleVote(env message.Envelope) (VoteOutcome, error) {
	proposalID := env.Proposal()
	id, value, active := e.store.CurrentProposal()
	if !active || id != proposalID || e.store.Phase() != state.PhaseProposing {
		// Stale or foreign vote: record for observability, no decision.
		e.store.RecordVote(proposalID, env.SourceNodeID, decisionOf(env))
		return VoteOutcome{}, nil
	}

	e.store.RecordVote(proposalID, env.SourceNodeID, decisionOf(env))
	return e.tally(proposalID, value)
}

func decisionOf(env message.Envelope) state.Vote {
	if env.Accepted() {
		return state.VoteAccept
	}
	return state.VoteReject
}

// tally counts the current votes for proposalID and returns a decision once
// quorum is reached in either direction (§4.2.3).
func (e *Engine) tally(proposalID string, value uint64) (VoteOutcome, error) {
	votes := e.store.Votes(proposalID)
	accepts, rejects := 0, 0
	for _, v := range votes {
		switch v {
		case state.VoteAccept:
			accepts++
		case state.VoteReject:
			rejects++
		}
	}

	switch {
	case accepts >= e.quorumSize:
		return e.commitDecision(proposalID, value)
	case rejects >= e.quorumSize:
		return e.abortDecision(proposalID, "quorum_reject")
	default:
		return VoteOutcome{}, nil
	}
}

func (e *Engine) commitDecision(proposalID string, value uint64) (VoteOutcome, error) {
	if err := e.store.TransitionPhase(state.PhaseCommitting, "quorum accept"); err != nil {
		return VoteOutcome{}, err
	}
	commit := message.NewCommit(e.store.NodeID(), proposalID, value)
	if err := e.applyCommitLocally(proposalID, value); err != nil {
		return VoteOutcome{}, err
	}
	e.store.DiscardVotes(proposalID)

	if e.metrics != nil {
		e.metrics.ProposalsCommitted.Inc()
	}
	e.logInfo("proposal committed", zap.String("proposal_id", proposalID), zap.Uint64("value", value))

	return VoteOutcome{
		Decision:  &Decision{ProposalID: proposalID, Committed: true, Value: value},
		Broadcast: &commit,
	}, nil
}

func (e *Engine) abortDecision(proposalID, reason string) (VoteOutcome, error) {
	e.store.DiscardVotes(proposalID)
	e.store.ForgetOwnVote(proposalID)
	e.store.EndProposal()
	if err := e.store.TransitionPhase(state.PhaseIdle, "abort: "+reason); err != nil {
		return VoteOutcome{}, err
	}

	if e.metrics != nil {
		e.metrics.ProposalsAborted.WithLabelValues(reason).Inc()
	}
	e.logInfo("proposal aborted", zap.String("proposal_id", proposalID), zap.String("reason", reason))

	return VoteOutcome{
		Decision: &Decision{ProposalID: proposalID, Committed: false, Reason: reason},
	}, nil
}

// HandleVoteTimeout implements the vote-timeout branch of §4.2.5: treats
// any peer that has not yet voted as an implicit REJECT and re-evaluates
// the tally. No-op if the proposal already committed or no longer active.
func (e *Engine) HandleVoteTimeout(proposalID string) (VoteOutcome, error) {
	id, _, active := e.store.CurrentProposal()
	if !active || id != proposalID || e.store.Phase() != state.PhaseProposing {
		return VoteOutcome{}, nil
	}

	votes := e.store.Votes(proposalID)
	accepts := 0
	for _, v := range votes {
		if v == state.VoteAccept {
			accepts++
		}
	}
	if accepts >= e.quorumSize {
		return VoteOutcome{}, nil
	}
	e.logInfo("vote timeout, treating missing votes as reject", zap.String("proposal_id", proposalID))
	return e.abortDecision(proposalID, "vote_timeout")
}

// HandleProposalTimeout implements the proposal-timeout branch of §4.2.5:
// aborts if the proposal is still outstanding when the 60s timer fires.
func (e *Engine) HandleProposalTimeout(proposalID string) (VoteOutcome, error) {
	id, _, active := e.store.CurrentProposal()
	if !active || id != proposalID || e.store.Phase() != state.PhaseProposing {
		return VoteOutcome{}, nil
	}
	e.logInfo("proposal timeout", zap.String("proposal_id", proposalID))
	return e.abortDecision(proposalID, "timeout")
}

// HandleCommit implements §4.2.4: applying an inbound COMMIT.
func (e *Engine) HandleCommit(env message.Envelope) error {
	proposalID := env.Proposal()
	value := env.Value()

	// Redelivery of a commit already applied: §8 requires this to reproduce
	// the first application's state exactly, not be re-evaluated against
	// currentCount (which has already moved past value-1 by now, and would
	// otherwise look like the colliding-commit case below).
	if lastID, ok := e.store.LastCommittedProposal(); ok && lastID == proposalID {
		e.logInfo("duplicate commit redelivery, already applied", zap.String("proposal_id", proposalID))
		return nil
	}

	id, _, active := e.store.CurrentProposal()
	votedForThis := e.store.VotedAccept(proposalID)

	if (active && id == proposalID) || votedForThis {
		return e.applyCommitLocally(proposalID, value)
	}

	// Permissive commit: close gaps from missed PROPOSEs.
	if value == e.store.CurrentCount()+1 {
		e.logInfo("permissive commit adoption", zap.String("proposal_id", proposalID), zap.Uint64("value", value))
		return e.applyCommitLocally(proposalID, value)
	}

	// Missed-update signal, or a distinct proposal whose value collides with
	// one already committed (S2): invariant violation, enter recovery (§7).
	e.logWarn("commit gap detected, entering recovery",
		zap.String("proposal_id", proposalID),
		zap.Uint64("value", value),
		zap.Uint64("current_count", e.store.CurrentCount()),
	)
	e.store.ForceRecovering()
	return ErrMissedUpdate
}

// ErrMissedUpdate signals the node fell behind and must recover (§4.2.4,
// §7). The caller (internal/node) reacts by invoking the Recovery
// Controller.
var ErrMissedUpdate = errors.New("consensus: missed update, entering recovery")

// applyCommitLocally enforces §4.2.4's invariant itself — value must extend
// currentCount by exactly one — rather than deferring to Store.UpdateCount,
// whose v == currentCount branch is a no-op for the recovery-adoption path
// (§4.1) and would otherwise mask both a duplicate commit already handled by
// the redelivery check above, and a genuinely colliding second commit at the
// same value (S2), as the identical "nothing to do" outcome.
func (e *Engine) applyCommitLocally(proposalID string, value uint64) error {
	if value != e.store.CurrentCount()+1 {
		e.store.ForceRecovering()
		return fmt.Errorf("%w: commit value %d does not extend current count %d", ErrMissedUpdate, value, e.store.CurrentCount())
	}
	if err := e.store.UpdateCount(value, false); err != nil {
		e.store.ForceRecovering()
		return fmt.Errorf("%w: %v", ErrMissedUpdate, err)
	}
	e.store.EndProposal()
	// A voter that already returned to IDLE after casting its vote is
	// already where it needs to be; only the proposer (still COMMITTING)
	// and a never-voted observer (still IDLE's predecessor phase) need an
	// actual transition.
	if e.store.Phase() != state.PhaseIdle {
		if err := e.store.TransitionPhase(state.PhaseIdle, "commit applied"); err != nil {
			return err
		}
	}
	if e.metrics != nil {
		e.metrics.CurrentCount.Set(float64(value))
	}
	e.store.ForgetOwnVote(proposalID)
	e.store.RecordCommit(proposalID)
	return nil
}

func (e *Engine) logInfo(msg string, fields ...zap.Field) {
	if e.logger != nil {
		e.logger.Info(msg, fields...)
	}
}

func (e *Engine) logWarn(msg string, fields ...zap.Field) {
	if e.logger != nil {
		e.logger.Warn(msg, fields...)
	}
}
