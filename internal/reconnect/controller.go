// Package reconnect implements the per-camera ReconnectController state
// machine (SPEC_FULL.md §4.5): exponential backoff with jitter and a circuit
// breaker that throttles rapid reconnect storms.
package reconnect

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"camera-core/internal/model"
)

const (
	backoffBaseMS   = 500
	backoffMaxMS    = 10_000
	jitterFraction  = 0.25
	breakerThreshold = 3
	breakerOpenMS   = 15_000
)

// Snapshot is the externally visible subset of controller state, published
// on every transition to the status interface (SPEC_FULL.md §6).
type Snapshot struct {
	Phase               model.Phase
	LastError           model.ErrorCode
	ConsecutiveFailures int
	NextAttemptAt       time.Time
}

// Controller drives one camera's phase through IDLE -> CONNECTING -> READY
// -> STALLED -> COOLDOWN -> OPEN_BREAKER -> STOPPED. It owns no decoder
// process or bus directly; the registry's pipeline calls into it and acts on
// the results of Start, PollAttempt, and Snapshot.
type Controller struct {
	id     string
	logger *zap.Logger
	clock  func() time.Time
	rng    *rand.Rand

	mu                  sync.Mutex
	phase               model.Phase
	lastError           model.ErrorCode
	consecutiveFailures int
	nextAttemptAt       time.Time
	breakerOpenedAt     time.Time
	onTransition        func(Snapshot)
}

// Option customizes a Controller at construction; used by tests to inject a
// deterministic clock and RNG.
type Option func(*Controller)

func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

func WithRand(rng *rand.Rand) Option {
	return func(c *Controller) { c.rng = rng }
}

// WithOnTransition registers a callback invoked with the new Snapshot on
// every phase change, fulfilling the "publishes a status record" clause of
// SPEC_FULL.md §4.5.
func WithOnTransition(fn func(Snapshot)) Option {
	return func(c *Controller) { c.onTransition = fn }
}

func New(id string, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		id:     id,
		logger: logger,
		phase:  model.PhaseIdle,
		clock:  time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:               c.phase,
		LastError:           c.lastError,
		ConsecutiveFailures: c.consecutiveFailures,
		NextAttemptAt:       c.nextAttemptAt,
	}
}

func (c *Controller) setPhase(phase model.Phase) {
	c.phase = phase
	snap := c.snapshotLocked()
	if c.onTransition != nil {
		c.onTransition(snap)
	}
	c.logger.Debug("reconnect phase transition",
		zap.String("camera_id", c.id),
		zap.String("phase", string(phase)),
		zap.String("last_error", string(c.lastError)),
		zap.Int("consecutive_failures", c.consecutiveFailures))
}

// Start requests IDLE -> CONNECTING. Idempotent: a no-op when already
// connecting, ready, or stalled (SPEC_FULL.md §4.1 start(id)).
func (c *Controller) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case model.PhaseConnecting, model.PhaseReady, model.PhaseStalled:
		return false
	}
	c.setPhase(model.PhaseConnecting)
	return true
}

// Ready reports CONNECTING -> READY: the readiness criterion was satisfied.
// A successful connection resets the failure streak.
func (c *Controller) Ready() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != model.PhaseConnecting {
		return
	}
	c.consecutiveFailures = 0
	c.lastError = ""
	c.setPhase(model.PhaseReady)
}

// Fail reports a decoder exit, readiness timeout, or confirmed stall. It
// computes the next backoff window and transitions to COOLDOWN, or to
// OPEN_BREAKER if the failure streak has crossed BREAKER_THRESHOLD.
func (c *Controller) Fail(code model.ErrorCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case model.PhaseStopped:
		return
	}
	c.lastError = code
	c.consecutiveFailures++

	if c.consecutiveFailures >= breakerThreshold {
		c.breakerOpenedAt = c.clock()
		c.setPhase(model.PhaseOpenBreaker)
		return
	}

	c.nextAttemptAt = c.clock().Add(c.backoffDelay())
	c.setPhase(model.PhaseCooldown)
}

// Stall reports READY -> STALLED, raised by the Watchdog when no frame has
// arrived for NO_FRAME_TIMEOUT_MS.
func (c *Controller) Stall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != model.PhaseReady {
		return
	}
	c.setPhase(model.PhaseStalled)
}

// ConfirmStall reports STALLED -> COOLDOWN after the one-frame-slot grace
// period has elapsed without recovery.
func (c *Controller) ConfirmStall(code model.ErrorCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != model.PhaseStalled {
		return
	}
	c.lastError = code
	c.consecutiveFailures++

	if c.consecutiveFailures >= breakerThreshold {
		c.breakerOpenedAt = c.clock()
		c.setPhase(model.PhaseOpenBreaker)
		return
	}

	c.nextAttemptAt = c.clock().Add(c.backoffDelay())
	c.setPhase(model.PhaseCooldown)
}

// Stop forces any phase -> STOPPED (SPEC_FULL.md: "any -> STOPPED").
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == model.PhaseStopped {
		return
	}
	c.setPhase(model.PhaseStopped)
}

// PollAttempt is called by the Pipeline's scheduling loop. It reports
// whether a new CONNECTING attempt should start now, applying
// COOLDOWN -> CONNECTING and OPEN_BREAKER -> COOLDOWN transitions as their
// deadlines are reached.
func (c *Controller) PollAttempt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()

	if c.phase == model.PhaseOpenBreaker {
		if now.Sub(c.breakerOpenedAt) >= breakerOpenMS*time.Millisecond {
			c.setPhase(model.PhaseCooldown)
			// Half-open retry: attempt immediately, but still subject to the
			// breaker reopening if this attempt also fails.
			c.nextAttemptAt = now
		} else {
			return false
		}
	}

	if c.phase != model.PhaseCooldown {
		return false
	}
	if now.Before(c.nextAttemptAt) {
		return false
	}
	c.setPhase(model.PhaseConnecting)
	return true
}

// Refuse reports whether a synchronous start() attempt must be rejected
// with BREAKER_OPEN (SPEC_FULL.md §6.3 programmer-contract policy).
func (c *Controller) Refuse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == model.PhaseOpenBreaker
}

func (c *Controller) backoffDelay() time.Duration {
	exp := c.consecutiveFailures
	if exp > 6 {
		exp = 6
	}
	base := float64(backoffBaseMS) * math.Pow(2, float64(exp))
	if base > backoffMaxMS {
		base = backoffMaxMS
	}
	jitter := (c.rng.Float64()*2 - 1) * jitterFraction
	delay := base * (1 + jitter)
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay) * time.Millisecond
}
