// Package registry implements CameraRegistry (SPEC_FULL.md §4.1): owns the
// set of live per-camera pipelines and serializes lifecycle transitions.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"camera-core/internal/bus"
	"camera-core/internal/capture"
	"camera-core/internal/model"
	"camera-core/internal/preview"
	"camera-core/internal/reconnect"
	"camera-core/internal/status"
	"camera-core/internal/watchdog"
)

// pipeline wires together one camera's Bus, CaptureSource chain,
// ReconnectController, Watchdog, and PreviewPublisher. At most one
// CaptureSource runs per camera at any instant (SPEC_FULL.md §3 invariant).
type pipeline struct {
	id           string
	generationID string
	spec         model.ResolvedCameraSpec
	logger   *zap.Logger
	bus      *bus.Bus
	ctrl     *reconnect.Controller
	dog      *watchdog.Watchdog
	pub      *preview.Publisher
	statusW  status.Store
	captureCfg capture.Config

	mu          sync.Mutex
	cancel      context.CancelFunc
	currentSrc  capture.Source
	lastBackend model.Backend
	probeCache  *fallbackCache
}

// fallbackCache implements capture.ProbeFallback with a TTL cache. Nothing
// in the registry calls Store, so Lookup finds an entry only if a caller
// has stored one.
type fallbackCache struct {
	c *cache.Cache
}

func newFallbackCache() *fallbackCache {
	return &fallbackCache{c: cache.New(120*time.Second, time.Minute)}
}

func (f *fallbackCache) Lookup(cameraID string) (int, int, bool) {
	v, ok := f.c.Get(cameraID)
	if !ok {
		return 0, 0, false
	}
	dims := v.([2]int)
	return dims[0], dims[1], true
}

func (f *fallbackCache) Store(cameraID string, width, height int, ttl time.Duration) {
	f.c.Set(cameraID, [2]int{width, height}, ttl)
}

func newPipeline(spec model.ResolvedCameraSpec, logger *zap.Logger, statusW status.Store, encodeCache *cache.Cache, timing TimingConfig) *pipeline {
	camLogger := logger.With(zap.String("camera_id", spec.ID))

	// RTSP_TCP is a process-wide pin: it overrides every RTSP camera's own
	// transport_preference rather than merely supplying a default, so it is
	// applied here rather than inside model.Resolve's per-spec precedence.
	if timing.RTSPForceTCP && spec.Mode == model.ModeRTSP {
		spec.TransportPreference = model.TransportTCP
	}

	b := bus.New(timing.QueueMax)
	p := &pipeline{
		id:           spec.ID,
		generationID: uuid.NewString(),
		spec:         spec,
		logger:       camLogger,
		bus:          b,
		statusW:      statusW,
		probeCache:   newFallbackCache(),
	}
	p.captureCfg = capture.Config{
		Spec: spec,
		// A camera explicitly configured for local-device capture is the
		// only case the "local" backend is allowed to run; ffmpeg/gstreamer
		// network backends are meaningless against a device path.
		ForDisplay:        spec.Mode == model.ModeLocal,
		Logger:            camLogger,
		StimeoutUsec:      timing.RTSPStimeoutUsec,
		ReconnectDelaySec: timing.FFmpegReconnectDelaySec,
		Fallback:          p.probeCache,
		FFmpegExtraFlags:  timing.FFmpegExtraFlags,
	}
	p.ctrl = reconnect.New(spec.ID, camLogger, reconnect.WithOnTransition(p.publishStatus))
	p.dog = watchdog.New(spec.ID, b, p.ctrl, camLogger, watchdog.WithNoFrameTimeout(time.Duration(timing.NoFrameTimeoutMS)*time.Millisecond))
	p.pub = preview.New(spec.ID, b, camLogger, encodeCache,
		preview.WithTargetFPS(timing.TargetFPS),
		preview.WithQuality(timing.FrameJPEGQuality),
		preview.WithHeartbeat(time.Duration(timing.HeartbeatIntervalMS)*time.Millisecond))
	return p
}

func (p *pipeline) publishStatus(snap reconnect.Snapshot) {
	var nextAttemptMS int64
	if !snap.NextAttemptAt.IsZero() {
		nextAttemptMS = snap.NextAttemptAt.UnixMilli()
	}
	p.statusW.PutStatus(p.id, status.PhaseStatus{
		Phase:               snap.Phase,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		NextAttemptAt:       nextAttemptMS,
	})
}

// start begins the supervisor goroutine. Idempotent: Start() on the
// reconnect.Controller already rejects a redundant call while
// CONNECTING/READY/STALLED.
func (p *pipeline) start() {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	if !p.ctrl.Start() {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	go p.dog.Run(ctx)
	go p.supervise(ctx)
}

// supervise walks backend_priority once per CONNECTING attempt, running the
// first usable Source until it fails, then waits on the controller's
// backoff/breaker schedule before the next attempt.
func (p *pipeline) supervise(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sources := capture.BuildPipeline(p.captureCfg)
		if len(sources) == 0 {
			p.ctrl.Fail(model.ErrDecoderMissing)
			p.waitForNextAttempt(ctx)
			continue
		}

		failCh := make(chan model.ErrorCode, 1)
		readyCh := make(chan struct{}, 1)
		src := sources[0]

		p.mu.Lock()
		p.currentSrc = src
		p.lastBackend = src.Backend()
		p.mu.Unlock()

		handler := capture.Handler{
			OnFrame: p.bus.Put,
			OnReady: func() {
				select {
				case readyCh <- struct{}{}:
				default:
				}
			},
			OnFail: func(code model.ErrorCode, stderrTail []string, cause error, argv []string, exitCode int) {
				p.statusW.PutDebug(p.id, status.DebugRecord{
					Backend:       src.Backend(),
					DecoderArgv:   argv,
					ExitCode:      exitCode,
					StderrTail:    stderrTail,
					Code:          code,
					ObservedAtUTC: time.Now().UTC(),
				})
				select {
				case failCh <- code:
				default:
				}
			},
		}

		if err := src.Start(ctx, handler); err != nil {
			p.ctrl.Fail(model.ErrConnectFailed)
			p.waitForNextAttempt(ctx)
			continue
		}

		select {
		case <-ctx.Done():
			src.Stop()
			return
		case <-readyCh:
			p.ctrl.Ready()
			p.publishState()
		case code := <-failCh:
			p.ctrl.Fail(code)
		}

		// Block until either this Source fails/stalls-confirmed or the
		// context is canceled, keeping p.bus fed via handler.OnFrame.
		p.waitWhileRunning(ctx, src, failCh)
		p.waitForNextAttempt(ctx)
	}
}

func (p *pipeline) waitWhileRunning(ctx context.Context, src capture.Source, failCh chan model.ErrorCode) {
	for {
		select {
		case <-ctx.Done():
			src.Stop()
			return
		case code := <-failCh:
			p.ctrl.Fail(code)
			return
		case <-time.After(250 * time.Millisecond):
			if p.ctrl.Snapshot().Phase == model.PhaseStopped {
				src.Stop()
				return
			}
			if p.ctrl.Snapshot().Phase == model.PhaseCooldown || p.ctrl.Snapshot().Phase == model.PhaseOpenBreaker {
				src.Stop()
				return
			}
		}
	}
}

func (p *pipeline) publishState() {
	info := p.bus.Info()
	p.statusW.PutState(p.id, status.State{
		FPSIn:     info.FPSIn,
		FPSOut:    p.pub.FPSOut(),
		LastError: p.ctrl.Snapshot().LastError,
		Width:     info.Width,
		Height:    info.Height,
	})
}

// waitForNextAttempt blocks until PollAttempt reports a CONNECTING attempt
// should begin, or ctx is canceled.
func (p *pipeline) waitForNextAttempt(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.ctrl.PollAttempt() {
				return
			}
			if p.ctrl.Snapshot().Phase == model.PhaseStopped {
				return
			}
		}
	}
}

func (p *pipeline) stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	src := p.currentSrc
	p.currentSrc = nil
	p.mu.Unlock()

	p.ctrl.Stop()
	if cancel != nil {
		cancel()
	}
	if src != nil {
		src.Stop()
	}
}

func (p *pipeline) remove() {
	p.stop()
	p.bus.Close()
}

func (p *pipeline) stats() model.Stats {
	snap := p.ctrl.Snapshot()
	info := p.bus.Info()
	var nextAttemptMS int64
	if !snap.NextAttemptAt.IsZero() {
		nextAttemptMS = snap.NextAttemptAt.UnixMilli()
	}
	return model.Stats{
		ID:                  p.id,
		GenerationID:        p.generationID,
		Phase:               snap.Phase,
		LastError:           snap.LastError,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		NextAttemptAt:       nextAttemptMS,
		FPSIn:               info.FPSIn,
		FPSOut:              p.pub.FPSOut(),
		Width:                info.Width,
		Height:               info.Height,
	}
}
