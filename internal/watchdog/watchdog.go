// Package watchdog implements the periodic sweep that detects stalled
// captures and drives the Watchdog-triggered transitions of
// SPEC_FULL.md §4.5: READY -> STALLED (no frame for NO_FRAME_TIMEOUT_MS) and
// STALLED -> COOLDOWN (stall confirmed after one frame slot's grace period).
package watchdog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"camera-core/internal/bus"
	"camera-core/internal/model"
)

const (
	// DefaultNoFrameTimeout is NO_FRAME_TIMEOUT_MS (SPEC_FULL.md §5).
	DefaultNoFrameTimeout = 2000 * time.Millisecond
	defaultTickInterval   = 250 * time.Millisecond
)

// Source is the subset of bus.Bus the watchdog needs: a sequence number it
// can poll without blocking.
type Source interface {
	Info() bus.Info
}

// Target receives the watchdog's stall signals; internal/reconnect.Controller
// satisfies it.
type Target interface {
	Stall()
	ConfirmStall(code model.ErrorCode)
}

// Watchdog polls one camera's bus on a fixed tick and raises Stall/
// ConfirmStall on the associated Controller when no new sequence number has
// appeared for longer than the configured timeout.
type Watchdog struct {
	id            string
	source        Source
	target        Target
	logger        *zap.Logger
	noFrameTimeout time.Duration
	tickInterval  time.Duration
	clock         func() time.Time

	mu           sync.Mutex
	lastSeq      uint64
	lastChangeAt time.Time
	stalledAt    time.Time
	inStall      bool
	running      bool
}

type Option func(*Watchdog)

func WithNoFrameTimeout(d time.Duration) Option {
	return func(w *Watchdog) { w.noFrameTimeout = d }
}

func WithTickInterval(d time.Duration) Option {
	return func(w *Watchdog) { w.tickInterval = d }
}

func WithClock(clock func() time.Time) Option {
	return func(w *Watchdog) { w.clock = clock }
}

func New(id string, source Source, target Target, logger *zap.Logger, opts ...Option) *Watchdog {
	w := &Watchdog{
		id:             id,
		source:         source,
		target:         target,
		logger:         logger,
		noFrameTimeout: DefaultNoFrameTimeout,
		tickInterval:   defaultTickInterval,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks, ticking until ctx is canceled. It is meant to be started in
// its own goroutine by registry.Pipeline, one per live camera (SPEC_FULL.md
// §5: "the watchdog ticker (may be shared)" — here one per camera for
// isolation, matching the one-task-per-concern shape of the rest of the
// pipeline).
func (w *Watchdog) Run(ctx context.Context) {
	w.mu.Lock()
	w.running = true
	w.lastChangeAt = w.clock()
	w.mu.Unlock()

	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Watchdog) tick() {
	w.mu.Lock()
	defer w.mu.Unlock()

	info := w.source.Info()
	now := w.clock()

	if !info.HasFrame {
		return
	}
	if info.Sequence != w.lastSeq {
		w.lastSeq = info.Sequence
		w.lastChangeAt = now
		if w.inStall {
			w.inStall = false
			w.logger.Debug("watchdog stall cleared", zap.String("camera_id", w.id))
		}
		return
	}

	stalledFor := now.Sub(w.lastChangeAt)
	if stalledFor < w.noFrameTimeout {
		return
	}

	if !w.inStall {
		w.inStall = true
		w.stalledAt = now
		w.target.Stall()
		w.logger.Warn("watchdog detected stall", zap.String("camera_id", w.id), zap.Duration("since_last_frame", stalledFor))
		return
	}

	// Grace period: one frame slot's worth of time, approximated by one more
	// tick interval past the initial Stall() signal, before confirming.
	if now.Sub(w.stalledAt) >= w.tickInterval {
		w.target.ConfirmStall(model.ErrReadTimeout)
	}
}
