// Package capture runs a decoder process per camera and converts its stdout
// into FrameBus publications (SPEC_FULL.md §4.2).
package capture

import (
	"context"
	"os/exec"
	"runtime"
	"time"

	"go.uber.org/zap"

	"camera-core/internal/mask"
	"camera-core/internal/model"
)

// Handler receives decoded frames and lifecycle callbacks from a running
// Source. All three callbacks may be invoked from the Source's internal
// goroutines and must not block.
type Handler struct {
	OnFrame func(*model.Frame)
	OnReady func()
	// OnFail reports a terminal failure of the current attempt. argv is the
	// decoder command line (empty for sources with no subprocess, e.g. the
	// HTTP poller); exitCode is the subprocess exit code, or -1 when the
	// process never exited cleanly (killed, never started, no subprocess).
	OnFail func(code model.ErrorCode, stderrTail []string, cause error, argv []string, exitCode int)
}

// Source is the common capability set of the CaptureSource tagged variant
// (SPEC_FULL.md §9): {FFmpeg, GStreamer, Local}.
type Source interface {
	// Start spawns the decoder and begins delivering frames to h. It
	// returns once the process has been started (or failed to start); frame
	// delivery and failure reporting happen asynchronously via h.
	Start(ctx context.Context, h Handler) error
	// Stop requests graceful shutdown: SIGTERM, then SIGKILL after 2s if
	// still running.
	Stop()
	// StderrTail returns the last lines of decoder stderr, credentials
	// scrubbed.
	StderrTail() []string
	Backend() model.Backend
}

// ProbeFallback supplies a cached width/height for a camera whose spec has
// no explicit WxH resolution; the ffmpeg and GStreamer sources consult it
// before starting. No dimension probe runs in this package, and StreamProber
// does not fill the cache.
type ProbeFallback interface {
	Lookup(cameraID string) (width, height int, ok bool)
}

// Config bundles everything a Source needs to build its argv and run loop.
type Config struct {
	Spec         model.ResolvedCameraSpec
	ForDisplay   bool
	Logger       *zap.Logger
	FFprobePath  string
	FFmpegPath   string
	GstLaunchPath string
	StimeoutUsec int
	ReconnectDelaySec int
	Fallback     ProbeFallback
	// FFmpegExtraFlags is the process-wide FFMPEG_EXTRA_FLAGS switch
	// (SPEC_FULL.md §6.4), appended to every ffmpeg invocation after the
	// per-camera ExtraDecoderFlags.
	FFmpegExtraFlags string
}

// available reports whether a named executable can be found on PATH; used
// to skip backends whose required tool is missing (SPEC_FULL.md §4.2.1).
func available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// BuildPipeline selects backends from cfg.Spec.BackendPriority in order,
// skipping any whose tool is missing, and skipping "local" unless
// cfg.ForDisplay is set. It returns the ordered, usable chain; the
// supervisor in registry/pipeline.go runs only the first entry on every
// CONNECTING attempt, and later entries are not tried when it fails.
func BuildPipeline(cfg Config) []Source {
	if cfg.Spec.Mode == model.ModeHTTP {
		// HTTP-MJPEG is a pass-through fetch, not a decoder choice: there is
		// exactly one way to serve it, so backend_priority does not apply.
		return []Source{NewHTTPMJPEGSource(cfg)}
	}

	var sources []Source
	for _, b := range cfg.Spec.BackendPriority {
		switch b {
		case model.BackendFFmpeg:
			bin := cfg.FFmpegPath
			if bin == "" {
				bin = "ffmpeg"
			}
			if !available(bin) {
				continue
			}
			sources = append(sources, NewFFmpegSource(cfg, bin, false))
		case model.BackendGStreamer:
			bin := cfg.GstLaunchPath
			if bin == "" {
				bin = "gst-launch-1.0"
			}
			if !available(bin) {
				continue
			}
			sources = append(sources, NewGStreamerSource(cfg, bin))
		case model.BackendLocal:
			if !cfg.ForDisplay {
				continue
			}
			bin := cfg.FFmpegPath
			if bin == "" {
				bin = "ffmpeg"
			}
			if !available(bin) {
				continue
			}
			sources = append(sources, NewFFmpegSource(cfg, bin, true))
		}
	}
	return sources
}

// localInputFormat returns the platform capture specifier used by the
// "local" backend (SPEC_FULL.md open question 3 resolution: still plain
// ffmpeg, just a different -f value).
func localInputFormat() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "v4l2"
	}
}

// stderrRing is a bounded ring of the last N decoder stderr lines, with
// credentials scrubbed before storage (SPEC_FULL.md §4.2.2 step 4).
type stderrRing struct {
	lines []string
	cap   int
	next  int
	count int
}

func newStderrRing(capacity int) *stderrRing {
	return &stderrRing{lines: make([]string, capacity), cap: capacity}
}

func (r *stderrRing) add(line string) {
	r.lines[r.next] = mask.Line(line)
	r.next = (r.next + 1) % r.cap
	if r.count < r.cap {
		r.count++
	}
}

func (r *stderrRing) snapshot() []string {
	out := make([]string, 0, r.count)
	start := (r.next - r.count + r.cap) % r.cap
	for i := 0; i < r.count; i++ {
		out = append(out, r.lines[(start+i)%r.cap])
	}
	return out
}

// readinessTracker implements the §4.2.2 step 5 readiness criterion:
// ready_frames consecutive frames OR ready_duration_ms of contiguous
// delivery, whichever first, within ready_timeout_ms of the first frame.
type readinessTracker struct {
	readyFrames     int
	readyDurationMS int
	timeoutMS       int
	started         time.Time
	firstFrame      time.Time
	frameCount      int
	declared        bool
}

func newReadinessTracker(spec model.ResolvedCameraSpec) *readinessTracker {
	return &readinessTracker{
		readyFrames:     spec.ReadyFrames,
		readyDurationMS: spec.ReadyDurationMS,
		timeoutMS:       spec.ReadyTimeoutMS,
	}
}

// observe records one delivered frame and reports whether readiness has
// just been reached on this call (fires exactly once).
func (r *readinessTracker) observe(now time.Time) bool {
	if r.declared {
		return false
	}
	if r.frameCount == 0 {
		r.started = now
		r.firstFrame = now
	}
	r.frameCount++

	byCount := r.readyFrames > 0 && r.frameCount >= r.readyFrames
	byDuration := r.readyDurationMS > 0 && now.Sub(r.firstFrame) >= time.Duration(r.readyDurationMS)*time.Millisecond
	// ready_frames defaults to 1, so with both zero we still declare on the
	// first frame (a spec with ready_frames=0 and ready_duration_ms=0 is
	// "ready immediately").
	immediate := r.readyFrames == 0 && r.readyDurationMS == 0

	if byCount || byDuration || immediate {
		r.declared = true
		return true
	}
	return false
}

// timedOut reports whether ready_timeout_ms has elapsed since the first
// frame without readiness being declared; it is false before the first
// frame. Only the HTTP poller calls it: the process-backed sources and the
// registry pipeline apply no readiness timeout.
func (r *readinessTracker) timedOut(now time.Time) bool {
	if r.declared || r.timeoutMS <= 0 || r.frameCount == 0 {
		return false
	}
	return now.Sub(r.firstFrame) >= time.Duration(r.timeoutMS)*time.Millisecond
}
