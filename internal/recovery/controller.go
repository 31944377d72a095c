// Package recovery implements the Recovery Controller (§4.3): the
// post-restart procedure that rebuilds a node's count by polling peers and
// adopting the majority value before the node is released to normal
// operation.
package recovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/quorum5/counter/internal/message"
	"github.com/quorum5/counter/internal/metrics"
	"github.com/quorum5/counter/internal/state"
	"github.com/quorum5/counter/internal/transport"
)

// Controller drives recovery for one node. It is invoked unconditionally at
// process start (§4.3) and again whenever the Consensus Engine detects an
// invariant violation and forces RECOVERING.
type Controller struct {
	store     *state.Store
	transport transport.Transport
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Collectors
	retryWait time.Duration

	mu        sync.Mutex
	responses map[string]uint64 // peerID -> reported count, reset each round
}

// Config bundles Controller construction parameters.
type Config struct {
	Store     *state.Store
	Transport transport.Transport
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Collectors
	RetryWait time.Duration
}

// New builds a Recovery Controller.
func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Controller{
		store:     cfg.Store,
		transport: cfg.Transport,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		retryWait: cfg.RetryWait,
		responses: make(map[string]uint64),
	}
}

// quorumSize returns the majority threshold for this federation's size.
func (c *Controller) quorumSize() int {
	return c.store.PeerCount()/2 + 1
}

// Run executes the recovery algorithm until it succeeds or ctx is
// cancelled (§4.3: "No maximum retry limit is mandated; implementations
// must stay responsive to shutdown"). Inbound RECOVERY_RESPONSE envelopes
// must be fed to HandleResponse concurrently by the caller.
//
// Run owns the Store for its duration: it is meant for standalone use
// (tests, or a process with no other writer). internal/node does not call
// Run — its single-writer actor drives BeginRecovering/BeginRound/Evaluate/
// Apply directly from its own select loop instead, so recovery never
// mutates the Store from a goroutine racing the actor (§5).
func (c *Controller) Run(ctx context.Context) error {
	c.BeginRecovering()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.BeginRound(ctx)

		timer := c.clock.Timer(c.retryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if chosen, ok := c.Evaluate(); ok {
			return c.Apply(chosen)
		}
		c.mu.Lock()
		collected := len(c.responses)
		c.mu.Unlock()
		c.logInfo("recovery round yielded no quorum, retrying", zap.Int("responses", collected))
	}
}

// BeginRecovering marks the node as entering recovery (§4.3: "invoked
// unconditionally at process start"). Call once before the first BeginRound.
func (c *Controller) BeginRecovering() {
	c.store.SetRecovering(true)
	if c.store.Phase() != state.PhaseRecovering {
		c.store.ForceRecovering()
	}
}

// BeginRound starts a fresh recovery round: clears previously collected
// responses and broadcasts a new RECOVERY_REQUEST.
func (c *Controller) BeginRound(ctx context.Context) {
	c.resetRound()
	if err := c.broadcastRequest(ctx); err != nil {
		c.logWarn("recovery broadcast failed", zap.Error(err))
	}
	if c.metrics != nil {
		c.metrics.RecoveryRounds.Inc()
	}
}

// Evaluate reports whether the in-flight round has reached quorum and, if
// so, the value to adopt (§4.3 step 3).
func (c *Controller) Evaluate() (uint64, bool) {
	return c.evaluateRound()
}

// Apply adopts value as currentCount and releases the node to normal
// operation (§4.3 step 3).
func (c *Controller) Apply(value uint64) error {
	if err := c.store.UpdateCount(value, true); err != nil {
		return err
	}
	c.store.SetRecovering(false)
	if err := c.store.TransitionPhase(state.PhaseIdle, "recovery complete"); err != nil {
		return err
	}
	c.logInfo("recovery complete", zap.Uint64("count", value))
	return nil
}

// RetryWait exposes the configured retry window so a caller driving its own
// select loop can arm a timer on the same clock.
func (c *Controller) RetryWait() time.Duration { return c.retryWait }

func (c *Controller) resetRound() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = make(map[string]uint64)
}

func (c *Controller) broadcastRequest(ctx context.Context) error {
	req := message.NewRecoveryRequest(c.store.NodeID())
	_, err := c.transport.Broadcast(ctx, req)
	return err
}

// HandleResponse records one peer's RECOVERY_RESPONSE for the in-flight
// round. Safe to call concurrently with Run.
func (c *Controller) HandleResponse(env message.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[env.SourceNodeID] = env.Value()
}

// evaluateRound applies §4.3 step 3: majority count (mode), ties broken by
// largest value, requires at least quorumSize responses.
func (c *Controller) evaluateRound() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.responses) < c.quorumSize() {
		return 0, false
	}

	counts := make(map[uint64]int)
	for _, v := range c.responses {
		counts[v]++
	}

	type candidate struct {
		value uint64
		freq  int
	}
	candidates := make([]candidate, 0, len(counts))
	for v, f := range counts {
		candidates = append(candidates, candidate{v, f})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].freq != candidates[j].freq {
			return candidates[i].freq > candidates[j].freq
		}
		return candidates[i].value > candidates[j].value
	})

	return candidates[0].value, true
}

// HandleRequest implements the responder side of §4.3: a non-recovering
// node answers immediately with its current count; a recovering node does
// not answer, so recovery never converges on stale data from other
// recovering peers.
func (c *Controller) HandleRequest(env message.Envelope) (message.Envelope, bool) {
	if c.store.IsRecovering() {
		return message.Envelope{}, false
	}
	return message.NewRecoveryResponse(c.store.NodeID(), env.SourceNodeID, c.store.CurrentCount()), true
}

// Respond sends a RECOVERY_RESPONSE if HandleRequest decided to answer.
func (c *Controller) Respond(ctx context.Context, env message.Envelope) error {
	resp, ok := c.HandleRequest(env)
	if !ok {
		return nil
	}
	return c.transport.SendTo(ctx, resp.TargetNodeID, resp)
}

func (c *Controller) logInfo(msg string, fields ...zap.Field) {
	if c.logger != nil {
		c.logger.Info(msg, fields...)
	}
}

func (c *Controller) logWarn(msg string, fields ...zap.Field) {
	if c.logger != nil {
		c.logger.Warn(msg, fields...)
	}
}
