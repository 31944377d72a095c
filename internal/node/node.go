// Package node wires the State Store, Consensus Engine, Recovery Controller
// and Transport into the single-writer actor described in §5: one goroutine
// drains inbound messages and timer firings and is the only caller that ever
// mutates the Store, directly or through the Engine.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/quorum5/counter/internal/consensus"
	"github.com/quorum5/counter/internal/message"
	"github.com/quorum5/counter/internal/metrics"
	"github.com/quorum5/counter/internal/recovery"
	"github.com/quorum5/counter/internal/state"
	"github.com/quorum5/counter/internal/transport"
)

// ErrStopped is returned by Propose once the node has shut down.
var ErrStopped = errors.New("node: stopped")

// Result is delivered to a caller blocked in Propose once the proposal's
// fate is known.
type Result struct {
	ProposalID string
	Value      uint64
	Committed  bool
	Reason     string
}

type proposeRequest struct {
	respCh chan proposeReply
}

type proposeReply struct {
	result Result
	err    error
}

// Node is one federation member: the actor loop plus everything it owns.
type Node struct {
	id        string
	store     *state.Store
	engine    *consensus.Engine
	recovery  *recovery.Controller
	transport transport.Transport
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Collectors

	heartbeatInterval time.Duration

	proposeCh chan proposeRequest
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu      sync.Mutex
	waiters map[string]chan proposeReply
}

// Config bundles Node construction parameters.
type Config struct {
	Store             *state.Store
	Engine            *consensus.Engine
	Recovery          *recovery.Controller
	Transport         transport.Transport
	Clock             clock.Clock
	Logger            *zap.Logger
	Metrics           *metrics.Collectors
	HeartbeatInterval time.Duration
}

// New builds a Node. Start must be called before it does anything.
func New(cfg Config) *Node {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	return &Node{
		id:                cfg.Store.NodeID(),
		store:             cfg.Store,
		engine:            cfg.Engine,
		recovery:          cfg.Recovery,
		transport:         cfg.Transport,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		heartbeatInterval: cfg.HeartbeatInterval,
		proposeCh:         make(chan proposeRequest),
		stopCh:            make(chan struct{}),
		stoppedCh:         make(chan struct{}),
		waiters:           make(map[string]chan proposeReply),
	}
}

// Start launches the recovery pass and then the actor loop in background
// goroutines. It returns immediately; use Stop for a graceful shutdown.
func (n *Node) Start(ctx context.Context) {
	inbound := make(chan message.Envelope)
	go n.pump(ctx, inbound)
	go n.run(ctx, inbound)
}

// pump forwards transport.Receive results onto inbound until ctx is done or
// the node is stopped; it is the only goroutine that calls Receive, so
// delivery order into the actor loop matches arrival order.
func (n *Node) pump(ctx context.Context, inbound chan<- message.Envelope) {
	for {
		env, err := n.transport.Receive(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-n.stopCh:
				return
			default:
				continue // transport.ErrTimeout or a transient error: keep polling
			}
		}
		select {
		case inbound <- env:
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		}
	}
}

// run is the single-writer actor loop (§5). Every branch either mutates the
// Store directly or via the Engine; nothing else in this process does.
func (n *Node) run(ctx context.Context, inbound <-chan message.Envelope) {
	defer close(n.stoppedCh)

	heartbeat := n.clock.Ticker(n.heartbeatInterval)
	defer heartbeat.Stop()

	var proposalTimer, voteTimer, recoveryTimer *clock.Timer
	var activeProposalID string

	stopConsensusTimers := func() {
		if proposalTimer != nil {
			proposalTimer.Stop()
			proposalTimer = nil
		}
		if voteTimer != nil {
			voteTimer.Stop()
			voteTimer = nil
		}
	}
	defer stopConsensusTimers()
	defer func() {
		if recoveryTimer != nil {
			recoveryTimer.Stop()
		}
	}()

	// Recovery is invoked unconditionally at process start (§4.3), driven
	// from this same select loop so it never races the actor's other
	// mutations of the Store (§5).
	n.recovery.BeginRecovering()
	n.recovery.BeginRound(ctx)
	recoveryTimer = n.clock.Timer(n.recovery.RetryWait())

	for {
		var proposalFireCh, voteFireCh, recoveryFireCh <-chan time.Time
		if proposalTimer != nil {
			proposalFireCh = proposalTimer.C
		}
		if voteTimer != nil {
			voteFireCh = voteTimer.C
		}
		if recoveryTimer != nil {
			recoveryFireCh = recoveryTimer.C
		}

		select {
		case <-ctx.Done():
			n.failAllWaiters(ErrStopped)
			return

		case <-n.stopCh:
			n.failAllWaiters(ErrStopped)
			return

		case req := <-n.proposeCh:
			out, proposalID, err := n.engine.BeginProposal()
			if err != nil {
				req.respCh <- proposeReply{err: err}
				continue
			}
			n.mu.Lock()
			n.waiters[proposalID] = req.respCh
			n.mu.Unlock()
			activeProposalID = proposalID
			proposalTimer = n.clock.Timer(n.engine.ProposalTimeout())
			voteTimer = n.clock.Timer(n.engine.VoteTimeout())
			n.broadcast(ctx, out)

		case env, ok := <-inbound:
			if !ok {
				continue
			}
			n.handleEnvelope(ctx, env, &activeProposalID, &recoveryTimer, stopConsensusTimers)

		case <-proposalFireCh:
			outcome, err := n.engine.HandleProposalTimeout(activeProposalID)
			n.finishRound(ctx, outcome, err, &activeProposalID, stopConsensusTimers)

		case <-voteFireCh:
			outcome, err := n.engine.HandleVoteTimeout(activeProposalID)
			n.finishRound(ctx, outcome, err, &activeProposalID, stopConsensusTimers)

		case <-recoveryFireCh:
			if chosen, ok := n.recovery.Evaluate(); ok {
				if err := n.recovery.Apply(chosen); err != nil {
					n.logWarn("recovery apply failed", zap.Error(err))
				}
				recoveryTimer = nil
				continue
			}
			n.recovery.BeginRound(ctx)
			recoveryTimer = n.clock.Timer(n.recovery.RetryWait())

		case <-heartbeat.C:
			now := n.clock.Now()
			n.store.TouchHeartbeat(now)
			if n.metrics != nil {
				n.metrics.LastHeartbeat.Set(float64(now.Unix()))
			}
		}
	}
}

// handleEnvelope routes one inbound message to the Engine or the Recovery
// Controller depending on its type (§4.2, §4.3). Always called from the
// actor's own goroutine, so every branch may mutate the Store freely.
func (n *Node) handleEnvelope(ctx context.Context, env message.Envelope, activeProposalID *string, recoveryTimer **clock.Timer, stopTimers func()) {
	switch env.Type {
	case message.TypeIncrementRequest:
		// Arrives only over a direct, pre-addressed transport send; treated
		// as equivalent to a local Propose() call from an external trigger.
		go func() {
			_, _ = n.Propose(ctx)
		}()

	case message.TypePropose:
		out, err := n.engine.HandlePropose(env)
		if err != nil {
			n.logWarn("handle propose failed", zap.Error(err))
			return
		}
		if sendErr := n.transport.SendTo(ctx, out.TargetNodeID, out); sendErr != nil {
			n.logWarn("send vote failed", zap.Error(sendErr), zap.String("target", out.TargetNodeID))
		}

	case message.TypeVote:
		outcome, err := n.engine.HandleVote(env)
		n.finishRound(ctx, outcome, err, activeProposalID, stopTimers)

	case message.TypeCommit:
		if err := n.engine.HandleCommit(env); err != nil {
			if errors.Is(err, consensus.ErrMissedUpdate) {
				n.logWarn("missed update, recovering", zap.Error(err))
				if *recoveryTimer != nil {
					(*recoveryTimer).Stop()
				}
				n.recovery.BeginRound(ctx)
				*recoveryTimer = n.clock.Timer(n.recovery.RetryWait())
				return
			}
			n.logWarn("handle commit failed", zap.Error(err))
		}

	case message.TypeRecoveryRequest:
		if err := n.recovery.Respond(ctx, env); err != nil {
			n.logWarn("recovery response send failed", zap.Error(err))
		}

	case message.TypeRecoveryResponse:
		n.recovery.HandleResponse(env)

	default:
		n.logWarn("dropping envelope with unknown type", zap.String("type", string(env.Type)))
	}
}

// finishRound folds a VoteOutcome produced by HandleVote/HandleVoteTimeout/
// HandleProposalTimeout into any broadcast it requires and the waiting
// Propose() caller, and retires the round's timers once resolved.
func (n *Node) finishRound(ctx context.Context, outcome consensus.VoteOutcome, err error, activeProposalID *string, stopTimers func()) {
	if err != nil {
		n.logWarn("consensus round failed", zap.Error(err))
		return
	}
	if outcome.Broadcast != nil {
		n.broadcast(ctx, *outcome.Broadcast)
	}
	if outcome.Decision == nil {
		return
	}

	stopTimers()
	*activeProposalID = ""

	n.mu.Lock()
	ch, ok := n.waiters[outcome.Decision.ProposalID]
	delete(n.waiters, outcome.Decision.ProposalID)
	n.mu.Unlock()
	if !ok {
		return
	}
	ch <- proposeReply{result: Result{
		ProposalID: outcome.Decision.ProposalID,
		Value:      outcome.Decision.Value,
		Committed:  outcome.Decision.Committed,
		Reason:     outcome.Decision.Reason,
	}}
}

func (n *Node) broadcast(ctx context.Context, env message.Envelope) {
	if _, err := n.transport.Broadcast(ctx, env); err != nil {
		n.logWarn("broadcast failed", zap.String("type", string(env.Type)), zap.Error(err))
	}
}

func (n *Node) failAllWaiters(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.waiters {
		ch <- proposeReply{err: err}
		delete(n.waiters, id)
	}
}

// Propose originates an increment and blocks until the proposal commits or
// aborts (§4.2.1/§4.2.3). Safe to call from any goroutine; the actual state
// mutation still happens only inside the actor loop.
func (n *Node) Propose(ctx context.Context) (Result, error) {
	req := proposeRequest{respCh: make(chan proposeReply, 1)}
	select {
	case n.proposeCh <- req:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-n.stopCh:
		return Result{}, ErrStopped
	}

	select {
	case reply := <-req.respCh:
		return reply.result, reply.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Snapshot exposes the current state for health/status endpoints.
func (n *Node) Snapshot() state.Snapshot {
	return n.store.Snapshot()
}

// Stop signals the actor loop to exit and waits up to 5s for it to drain
// in-flight work before returning.
func (n *Node) Stop(ctx context.Context) error {
	close(n.stopCh)
	drain, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	select {
	case <-n.stoppedCh:
		return n.transport.Close()
	case <-drain.Done():
		return fmt.Errorf("node: shutdown drain exceeded 5s: %w", drain.Err())
	}
}

func (n *Node) logWarn(msg string, fields ...zap.Field) {
	if n.logger != nil {
		n.logger.Warn(msg, fields...)
	}
}
