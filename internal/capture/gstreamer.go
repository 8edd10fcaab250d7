package capture

import (
	"context"
	"fmt"
	"io"

	"camera-core/internal/model"
)

// gstreamerSource assembles and runs a gst-launch-1.0 pipeline, the fallback
// backend when ffmpeg is unavailable (SPEC_FULL.md §4.2.1).
type gstreamerSource struct {
	cfg  Config
	bin  string
	proc *procRunner
}

func NewGStreamerSource(cfg Config, bin string) *gstreamerSource {
	return &gstreamerSource{cfg: cfg, bin: bin, proc: newProcRunner(cfg.Logger, model.BackendGStreamer)}
}

func (s *gstreamerSource) Backend() model.Backend  { return model.BackendGStreamer }
func (s *gstreamerSource) StderrTail() []string    { return s.proc.StderrTail() }
func (s *gstreamerSource) Stop()                   { s.proc.Stop() }

// BuildPipeline assembles an rtspsrc ! decodebin ! videoconvert !
// video/x-raw,format=BGR ! fdsink pipeline, or honors a full profile
// pipeline supplied via extra_decoder_flags with a "{url}" placeholder.
func (s *gstreamerSource) BuildPipeline() string {
	spec := s.cfg.Spec
	if spec.ExtraDecoderFlags != "" {
		return substituteURL(spec.ExtraDecoderFlags, spec.URI)
	}

	pipeline := fmt.Sprintf(
		`rtspsrc location="%s" latency=0 ! decodebin ! videoconvert ! video/x-raw,format=BGR ! fdsink`,
		spec.URI)
	if spec.Width > 0 && spec.Height > 0 {
		pipeline = fmt.Sprintf(
			`rtspsrc location="%s" latency=0 ! decodebin ! videoconvert ! videoscale ! video/x-raw,format=BGR,width=%d,height=%d ! fdsink`,
			spec.URI, spec.Width, spec.Height)
	}
	return pipeline
}

func substituteURL(pipelineTemplate, url string) string {
	out := make([]byte, 0, len(pipelineTemplate))
	for i := 0; i < len(pipelineTemplate); i++ {
		if i+4 < len(pipelineTemplate) && pipelineTemplate[i:i+5] == "{url}" {
			out = append(out, url...)
			i += 4
			continue
		}
		out = append(out, pipelineTemplate[i])
	}
	return string(out)
}

func (s *gstreamerSource) Start(ctx context.Context, h Handler) error {
	pipeline := s.BuildPipeline()
	args := []string{"-q", "-e", pipeline}

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
		_ = s.proc.run(ctx, s.bin, args, h, s.cfg.Spec, readFn)
	}()
	return nil
}
