package registry

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"camera-core/internal/bus"
	"camera-core/internal/model"
	"camera-core/internal/preview"
	"camera-core/internal/probe"
	"camera-core/internal/status"
)

// TimingConfig bundles the per-camera timing defaults of SPEC_FULL.md §5,
// threaded from internal/config.Config into every pipeline this registry
// creates.
type TimingConfig struct {
	RTSPStimeoutUsec        int
	FFmpegReconnectDelaySec int
	NoFrameTimeoutMS        int
	TargetFPS               int
	FrameJPEGQuality        int
	HeartbeatIntervalMS     int
	ProbeTimeoutSec         int
	ProbeFallbackTTLSec     int
	// QueueMax is QUEUE_MAX (SPEC_FULL.md §5/§6.4): the FrameBus ring
	// capacity per camera.
	QueueMax int
	// RTSPForceTCP is RTSP_TCP: when set, every RTSP camera is pinned to
	// TCP transport regardless of its own transport_preference.
	RTSPForceTCP bool
	// FFmpegExtraFlags is FFMPEG_EXTRA_FLAGS, appended to every ffmpeg
	// invocation in addition to any per-camera extra_decoder_flags.
	FFmpegExtraFlags string
}

// Registry owns the set of live pipelines and serializes lifecycle
// transitions (SPEC_FULL.md §4.1). The outer mutex guards only the map;
// each pipeline has its own internal locking for the duration of a
// transition.
type Registry struct {
	logger      *zap.Logger
	statusW     status.Store
	encodeCache *cache.Cache
	timing      TimingConfig
	prober      *probe.Prober
	overrides   *overrideStore

	mu        sync.Mutex
	pipelines map[string]*pipeline
	profiles  map[string]model.ProfileDefaults
}

type Option func(*Registry)

func WithProfiles(profiles map[string]model.ProfileDefaults) Option {
	return func(r *Registry) { r.profiles = profiles }
}

func New(logger *zap.Logger, statusW status.Store, encodeCache *cache.Cache, timing TimingConfig, opts ...Option) *Registry {
	r := &Registry{
		logger:      logger,
		statusW:     statusW,
		encodeCache: encodeCache,
		timing:      timing,
		prober:      probe.New(logger),
		overrides:   newOverrideStore(),
		pipelines:   make(map[string]*pipeline),
		profiles:    make(map[string]model.ProfileDefaults),
	}
	r.prober.Timeout = time.Duration(timing.ProbeTimeoutSec) * time.Second
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create implements create(spec) -> CameraHandle (SPEC_FULL.md §4.1).
func (r *Registry) Create(spec model.CameraSpec) error {
	resolved, err := model.Resolve(spec, r.overrides, r.profiles)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pipelines[resolved.ID]; exists {
		return model.NewError(model.ErrAlreadyExists, "camera id already registered", nil)
	}
	r.pipelines[resolved.ID] = newPipeline(resolved, r.logger, r.statusW, r.encodeCache, r.timing)
	return nil
}

func (r *Registry) get(id string) (*pipeline, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipelines[id]
	return p, ok
}

// Start implements start(id): idempotent, no-op if already
// connecting/ready/stalled.
func (r *Registry) Start(id string) error {
	p, ok := r.get(id)
	if !ok {
		return model.NewError(model.ErrInvalidSpec, "unknown camera id", nil)
	}
	p.start()
	return nil
}

// Stop implements stop(id): tears down the CaptureSource, leaves the
// PreviewPublisher sourceless (its next get_latest call times out).
func (r *Registry) Stop(id string) error {
	p, ok := r.get(id)
	if !ok {
		return model.NewError(model.ErrInvalidSpec, "unknown camera id", nil)
	}
	p.stop()
	return nil
}

// Reload implements reload(id, spec): stop, replace spec, start. Sequence
// resets because a fresh Bus is created.
func (r *Registry) Reload(id string, spec model.CameraSpec) error {
	resolved, err := model.Resolve(spec, r.overrides, r.profiles)
	if err != nil {
		return err
	}
	r.mu.Lock()
	old, ok := r.pipelines[id]
	if !ok {
		r.mu.Unlock()
		return model.NewError(model.ErrInvalidSpec, "unknown camera id", nil)
	}
	wasEnabled := old.pub.Enabled()
	old.remove()
	replacement := newPipeline(resolved, r.logger, r.statusW, r.encodeCache, r.timing)
	if !wasEnabled {
		replacement.pub.Disable()
	}
	r.pipelines[id] = replacement
	r.mu.Unlock()
	replacement.start()
	return nil
}

// Remove implements remove(id): stop and delete. Subscribers draining via
// Publisher.ServeHTTP observe Bus.Close() through GetLatest's NoSource path
// and terminate after their next frame slot.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	p, ok := r.pipelines[id]
	if ok {
		delete(r.pipelines, id)
	}
	r.mu.Unlock()
	if !ok {
		return model.NewError(model.ErrInvalidSpec, "unknown camera id", nil)
	}
	p.remove()
	return nil
}

// Enumerate implements enumerate() -> list of per-camera stats.
func (r *Registry) Enumerate() []model.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Stats, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		out = append(out, p.stats())
	}
	return out
}

// Stats implements stats(id).
func (r *Registry) Stats(id string) (model.Stats, error) {
	p, ok := r.get(id)
	if !ok {
		return model.Stats{}, model.NewError(model.ErrInvalidSpec, "unknown camera id", nil)
	}
	return p.stats(), nil
}

// Show/Hide toggle the PreviewPublisher's enabled flag; capture continues
// regardless (SPEC_FULL.md §4.1).
func (r *Registry) Show(id string) error {
	p, ok := r.get(id)
	if !ok {
		return model.NewError(model.ErrInvalidSpec, "unknown camera id", nil)
	}
	p.pub.Enable()
	return nil
}

func (r *Registry) Hide(id string) error {
	p, ok := r.get(id)
	if !ok {
		return model.NewError(model.ErrInvalidSpec, "unknown camera id", nil)
	}
	p.pub.Disable()
	return nil
}

// SetOverride records a registry-level override for id, taking effect on
// the next Create or Reload of that id (SPEC_FULL.md §3/§9 precedence).
func (r *Registry) SetOverride(id string, spec model.CameraSpec) {
	r.overrides.set(id, spec)
}

// ClearOverride removes id's registry-level override, if any.
func (r *Registry) ClearOverride(id string) {
	r.overrides.clear(id)
}

// SubscribePreview implements subscribe_preview(id): an http.Handler the
// HTTP layer mounts at /api/cameras/{id}/mjpeg. The core writes only the
// multipart body; the returned Publisher handles its own headers per
// SPEC_FULL.md §6.1 (the handler/caller is responsible for overall HTTP
// status only when the camera itself is unknown, checked here).
func (r *Registry) SubscribePreview(id string) (*preview.Publisher, error) {
	p, ok := r.get(id)
	if !ok {
		return nil, model.NewError(model.ErrInvalidSpec, "unknown camera id", nil)
	}
	return p.pub, nil
}

// GetLatest implements get_latest(id, last_seen_sequence, timeout) for
// external analytics consumers (SPEC_FULL.md §6.1).
func (r *Registry) GetLatest(id string, lastSeen uint64, timeout time.Duration) (bus.Result, error) {
	p, ok := r.get(id)
	if !ok {
		return bus.Result{}, model.NewError(model.ErrInvalidSpec, "unknown camera id", nil)
	}
	return p.bus.GetLatest(lastSeen, timeout), nil
}

// Probe implements probe(uri, transport?) -> ProbeResult | ProbeError,
// side-effect-free and idempotent (SPEC_FULL.md §4.6).
func (r *Registry) Probe(ctx context.Context, uri string, transport model.Transport) (*model.ProbeResult, *model.ProbeError) {
	spec, err := model.Resolve(model.CameraSpec{ID: "probe", Mode: model.ModeRTSP, URI: uri, TransportPreference: transport}, nil, nil)
	if err != nil {
		return nil, &model.ProbeError{Code: model.ErrInvalidSpec, Message: err.Error()}
	}
	return r.prober.Probe(ctx, spec)
}
