package reconnect

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"camera-core/internal/model"
)

func newTestController(now *time.Time) *Controller {
	return New("cam1", zap.NewNop(),
		WithClock(func() time.Time { return *now }),
		WithRand(rand.New(rand.NewSource(1))))
}

func TestStartIdleToConnecting(t *testing.T) {
	now := time.Now()
	c := newTestController(&now)
	require.True(t, c.Start())
	require.Equal(t, model.PhaseConnecting, c.Snapshot().Phase)
}

func TestStartIdempotentWhileConnectingOrReady(t *testing.T) {
	now := time.Now()
	c := newTestController(&now)
	c.Start()
	require.False(t, c.Start())
	c.Ready()
	require.False(t, c.Start())
}

func TestReadyResetsFailureStreak(t *testing.T) {
	now := time.Now()
	c := newTestController(&now)
	c.Start()
	c.Fail(model.ErrConnectFailed)
	require.Equal(t, 1, c.Snapshot().ConsecutiveFailures)

	now = now.Add(c.Snapshot().NextAttemptAt.Sub(now))
	c.PollAttempt()
	c.Ready()

	snap := c.Snapshot()
	require.Equal(t, model.PhaseReady, snap.Phase)
	require.Equal(t, 0, snap.ConsecutiveFailures)
	require.Equal(t, model.ErrorCode(""), snap.LastError)
}

func TestFailTransitionsToCooldownWithBackoff(t *testing.T) {
	now := time.Now()
	c := newTestController(&now)
	c.Start()
	c.Fail(model.ErrReadTimeout)

	snap := c.Snapshot()
	require.Equal(t, model.PhaseCooldown, snap.Phase)
	require.Equal(t, model.ErrReadTimeout, snap.LastError)
	require.True(t, snap.NextAttemptAt.After(now))
	// one failure: 500ms * 2^1 = 1000ms, jitter in [-0.25,0.25]
	delay := snap.NextAttemptAt.Sub(now)
	require.GreaterOrEqual(t, delay, 750*time.Millisecond)
	require.LessOrEqual(t, delay, 1250*time.Millisecond)
}

func TestBackoffCapsAtMax(t *testing.T) {
	now := time.Now()
	c := newTestController(&now)
	c.Start()
	for i := 0; i < 10 && c.Snapshot().Phase != model.PhaseOpenBreaker; i++ {
		c.Fail(model.ErrConnectFailed)
		if c.Snapshot().Phase == model.PhaseCooldown {
			now = c.Snapshot().NextAttemptAt
			c.PollAttempt()
		}
	}
	// Once breaker opens this test's loop stops; separately verify the cap
	// formula directly since BREAKER_THRESHOLD=3 fires before backoff caps.
	c2 := newTestController(&now)
	c2.consecutiveFailures = 6
	d := c2.backoffDelay()
	require.LessOrEqual(t, d, time.Duration(backoffMaxMS*(1+jitterFraction))*time.Millisecond)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	now := time.Now()
	c := newTestController(&now)
	c.Start()
	c.Fail(model.ErrConnectFailed)
	now = c.Snapshot().NextAttemptAt
	c.PollAttempt()
	c.Fail(model.ErrConnectFailed)
	now = c.Snapshot().NextAttemptAt
	c.PollAttempt()
	c.Fail(model.ErrConnectFailed)

	snap := c.Snapshot()
	require.Equal(t, model.PhaseOpenBreaker, snap.Phase)
	require.Equal(t, 3, snap.ConsecutiveFailures)
	require.True(t, c.Refuse())
}

func TestBreakerHalfOpensAfterOpenMS(t *testing.T) {
	now := time.Now()
	c := newTestController(&now)
	c.Start()
	for i := 0; i < breakerThreshold; i++ {
		c.Fail(model.ErrConnectFailed)
		if c.Snapshot().Phase == model.PhaseCooldown {
			now = c.Snapshot().NextAttemptAt
			c.PollAttempt()
		}
	}
	require.Equal(t, model.PhaseOpenBreaker, c.Snapshot().Phase)

	require.False(t, c.PollAttempt())

	now = now.Add(breakerOpenMS * time.Millisecond)
	require.True(t, c.PollAttempt())
	require.Equal(t, model.PhaseConnecting, c.Snapshot().Phase)
}

func TestStallThenConfirmStall(t *testing.T) {
	now := time.Now()
	c := newTestController(&now)
	c.Start()
	c.Ready()
	c.Stall()
	require.Equal(t, model.PhaseStalled, c.Snapshot().Phase)

	c.ConfirmStall(model.ErrReadTimeout)
	require.Equal(t, model.PhaseCooldown, c.Snapshot().Phase)
}

func TestStopFromAnyPhase(t *testing.T) {
	now := time.Now()
	c := newTestController(&now)
	c.Start()
	c.Ready()
	c.Stop()
	require.Equal(t, model.PhaseStopped, c.Snapshot().Phase)
}

func TestOnTransitionCallback(t *testing.T) {
	now := time.Now()
	var seen []model.Phase
	c := New("cam1", zap.NewNop(),
		WithClock(func() time.Time { return now }),
		WithRand(rand.New(rand.NewSource(1))),
		WithOnTransition(func(s Snapshot) { seen = append(seen, s.Phase) }))
	c.Start()
	c.Ready()
	c.Stop()
	require.Equal(t, []model.Phase{model.PhaseConnecting, model.PhaseReady, model.PhaseStopped}, seen)
}
