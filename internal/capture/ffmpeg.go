package capture

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"camera-core/internal/model"
)

// ffmpegSource builds and runs an ffmpeg decoder process. The same type
// serves the FFmpeg backend and (when local is true) the Local backend,
// which differs only in the input specifier (SPEC_FULL.md open question 3
// resolution: local stays on the uniform raw-BGR contract).
type ffmpegSource struct {
	cfg   Config
	bin   string
	local bool
	proc  *procRunner
}

func NewFFmpegSource(cfg Config, bin string, local bool) *ffmpegSource {
	backend := model.BackendFFmpeg
	if local {
		backend = model.BackendLocal
	}
	return &ffmpegSource{
		cfg:   cfg,
		bin:   bin,
		local: local,
		proc:  newProcRunner(cfg.Logger, backend),
	}
}

func (s *ffmpegSource) Backend() model.Backend {
	if s.local {
		return model.BackendLocal
	}
	return model.BackendFFmpeg
}

func (s *ffmpegSource) StderrTail() []string { return s.proc.StderrTail() }

func (s *ffmpegSource) Stop() { s.proc.Stop() }

// BuildArgv constructs the ffmpeg argv per SPEC_FULL.md §4.2.1. transport is
// the RTSP transport to use for this invocation ("tcp" or "udp"); ignored
// for non-RTSP modes.
func (s *ffmpegSource) BuildArgv(transport model.Transport) []string {
	spec := s.cfg.Spec
	stimeout := s.cfg.StimeoutUsec
	if stimeout <= 0 {
		stimeout = 5_000_000
	}
	reconnectDelay := s.cfg.ReconnectDelaySec
	if reconnectDelay <= 0 {
		reconnectDelay = 2
	}

	args := []string{"-loglevel", "error", "-nostdin", "-hide_banner"}

	switch {
	case s.local:
		args = append(args, "-f", localInputFormat())
	case spec.Mode == model.ModeRTSP:
		t := transport
		if t == "" || t == model.TransportAuto {
			t = model.TransportTCP
		}
		args = append(args,
			"-rtsp_transport", string(t),
			"-fflags", "nobuffer",
			"-flags", "low_delay",
			"-analyzeduration", "0",
			"-probesize", "32",
			"-stimeout", strconv.Itoa(stimeout),
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", strconv.Itoa(reconnectDelay),
		)
	}

	args = append(args, "-an", "-i", spec.URI)

	if spec.ExtraDecoderFlags != "" {
		args = append(args, strings.Fields(spec.ExtraDecoderFlags)...)
	}
	if s.cfg.FFmpegExtraFlags != "" {
		args = append(args, strings.Fields(s.cfg.FFmpegExtraFlags)...)
	}

	if spec.Width > 0 && spec.Height > 0 {
		args = append(args, "-s", fmt.Sprintf("%dx%d", spec.Width, spec.Height))
	}

	args = append(args, "-f", "rawvideo", "-pix_fmt", "bgr24", "-")

	return args
}

func (s *ffmpegSource) Start(ctx context.Context, h Handler) error {
	transport, fallbackTransport := selectTransportOrder(s.cfg.Spec.TransportPreference)
	args := s.BuildArgv(transport)

	width, height := s.cfg.Spec.Width, s.cfg.Spec.Height
	if width == 0 || height == 0 {
		if s.cfg.Fallback != nil {
			if w, hh, ok := s.cfg.Fallback.Lookup(s.cfg.Spec.ID); ok {
				width, height = w, hh
			}
		}
	}

	go func() {
		readFn := func(r io.Reader, tracker *readinessTracker, h Handler) error {
			return readRawFrames(ctx, r, width, height, tracker, h)
		}
		// Transport auto-retry (SPEC_FULL.md §4.2.3): a single lifecycle
		// includes up to two invocations when transport_preference is auto
		// and the first attempt failed with NO_VIDEO_STREAM. That first
		// failure is not terminal, so it is not reported through h.OnFail;
		// the retry reports its own outcome.
		first := h
		if fallbackTransport != "" {
			first.OnFail = func(code model.ErrorCode, tail []string, cause error, argv []string, exitCode int) {
				if code == model.ErrNoVideoStream || h.OnFail == nil {
					return
				}
				h.OnFail(code, tail, cause, argv, exitCode)
			}
		}
		err := s.proc.run(ctx, s.bin, args, first, s.cfg.Spec, readFn)

		if err != nil && fallbackTransport != "" && ctx.Err() == nil {
			tail := s.proc.StderrTail()
			if model.ClassifyStderr(tail) == model.ErrNoVideoStream {
				retryArgs := s.BuildArgv(fallbackTransport)
				_ = s.proc.run(ctx, s.bin, retryArgs, h, s.cfg.Spec, readFn)
			}
		}
	}()
	return nil
}

// selectTransportOrder returns (first, second) transports to try. second is
// "" unless pref is auto, in which case up to one fallback invocation is
// permitted per SPEC_FULL.md §4.2.3.
func selectTransportOrder(pref model.Transport) (first, second model.Transport) {
	switch pref {
	case model.TransportUDP:
		return model.TransportUDP, ""
	case model.TransportTCP, "":
		return model.TransportTCP, ""
	default: // auto
		return model.TransportTCP, model.TransportUDP
	}
}
