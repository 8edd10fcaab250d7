// Package corectx bundles the process-wide singletons the core needs —
// registry, logger, status store, shared JPEG encode cache — into one
// value constructed once and passed to constructors, replacing the
// module-level globals a quicker port would reach for (SPEC_FULL.md §9's
// "Global singletons -> explicit context" design note).
package corectx

import (
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"camera-core/internal/config"
	"camera-core/internal/registry"
	"camera-core/internal/status"
)

const (
	encodeCacheTTL   = 2 * time.Second
	encodeCacheSweep = 4 * time.Second
)

// Context is CoreContext: everything a CameraRegistry and its pipelines
// need that isn't camera-specific.
type Context struct {
	Logger      *zap.Logger
	StatusStore status.Store
	EncodeCache *cache.Cache
	Registry    *registry.Registry
}

// New constructs a Context from parsed configuration. logger is expected to
// already be configured (level, encoding) by the caller.
func New(cfg *config.Config, logger *zap.Logger) *Context {
	statusStore := status.NewMemStore()
	encodeCache := cache.New(encodeCacheTTL, encodeCacheSweep)

	timing := registry.TimingConfig{
		RTSPStimeoutUsec:        cfg.Decoder.RTSPStimeoutUsec,
		FFmpegReconnectDelaySec: cfg.Timing.FFmpegReconnectDelaySec,
		NoFrameTimeoutMS:        cfg.Timing.NoFrameTimeoutMS,
		TargetFPS:               cfg.Timing.TargetFPS,
		FrameJPEGQuality:        cfg.Timing.FrameJPEGQuality,
		HeartbeatIntervalMS:     cfg.Timing.HeartbeatIntervalMS,
		ProbeTimeoutSec:         cfg.Timing.StreamProbeTimeoutSec,
		ProbeFallbackTTLSec:     cfg.Timing.StreamProbeFallbackTTLSec,
		QueueMax:                cfg.Timing.QueueMax,
		RTSPForceTCP:            cfg.Decoder.RTSPForceTCP,
		FFmpegExtraFlags:        cfg.Decoder.FFmpegExtraFlags,
	}

	reg := registry.New(logger, statusStore, encodeCache, timing)

	return &Context{
		Logger:      logger,
		StatusStore: statusStore,
		EncodeCache: encodeCache,
		Registry:    reg,
	}
}
