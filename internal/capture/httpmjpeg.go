package capture

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"camera-core/internal/client"
	"camera-core/internal/mask"
	"camera-core/internal/model"
	"camera-core/internal/utils"
)

// httpmjpegSource fetches an HTTP-MJPEG camera by polling its snapshot/stream
// URL with resty, the same client pattern the teacher project used for its
// whole fetch loop. No process is spawned: pass-through JPEG bytes need no
// decoding, so this isn't "decoding in-process" in the sense the spec's
// Non-goals exclude.
type httpmjpegSource struct {
	cfg    Config
	client *resty.Client

	mu          sync.Mutex
	stderr      *stderrRing
	pollBackoff time.Duration
}

// defaultHTTPPollInterval approximates one frame fetch per target_fps (15).
// It is the only poll cadence; ExtraDecoderFlags is not read by this source.
const defaultHTTPPollInterval = 66 * time.Millisecond

func NewHTTPMJPEGSource(cfg Config) *httpmjpegSource {
	return &httpmjpegSource{
		cfg:         cfg,
		client:      client.New(),
		stderr:      newStderrRing(32),
		pollBackoff: defaultHTTPPollInterval,
	}
}

func (s *httpmjpegSource) Backend() model.Backend { return model.BackendFFmpeg }

func (s *httpmjpegSource) StderrTail() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stderr.snapshot()
}

func (s *httpmjpegSource) log(format string, args ...any) {
	s.mu.Lock()
	s.stderr.add(mask.Line(fmt.Sprintf(format, args...)))
	s.mu.Unlock()
}

func (s *httpmjpegSource) Stop() {
	// Stop is signaled via context cancellation from Start's caller; nothing
	// else owns a process handle here.
}

func (s *httpmjpegSource) Start(ctx context.Context, h Handler) error {
	go s.pollLoop(ctx, h)
	return nil
}

func (s *httpmjpegSource) pollLoop(ctx context.Context, h Handler) {
	tracker := newReadinessTracker(s.cfg.Spec)
	ticker := time.NewTicker(s.pollBackoff)
	defer ticker.Stop()

	var consecutiveErrors int

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := s.client.R().Get(s.cfg.Spec.URI)
		if err != nil {
			consecutiveErrors++
			s.log("request error: %v", err)
			if consecutiveErrors >= 3 {
				s.fail(h, model.ErrConnectFailed, err)
				return
			}
			continue
		}

		if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
			s.fail(h, model.ErrAuthFailed, nil)
			return
		}
		if resp.StatusCode() == http.StatusNotFound {
			s.fail(h, model.ErrInvalidPath, nil)
			return
		}
		if resp.StatusCode() != http.StatusOK {
			consecutiveErrors++
			s.log("bad status: %s", resp.Status())
			if consecutiveErrors >= 3 {
				s.fail(h, model.ErrConnectFailed, nil)
				return
			}
			continue
		}

		body := resp.Body()
		if len(body) == 0 || !utils.IsValidJPEG(body) {
			consecutiveErrors++
			s.log("invalid JPEG frame, skipping")
			if consecutiveErrors >= 5 {
				s.fail(h, model.ErrInvalidStream, nil)
				return
			}
			continue
		}

		consecutiveErrors = 0
		payload := make([]byte, len(body))
		copy(payload, body)
		now := time.Now()
		if h.OnFrame != nil {
			h.OnFrame(&model.Frame{
				Timestamp:   now,
				PixelFormat: model.PixelFormatJPEG,
				Payload:     payload,
			})
		}
		if tracker.observe(now) && h.OnReady != nil {
			h.OnReady()
		}
		if tracker.timedOut(now) {
			s.fail(h, model.ErrReadTimeout, nil)
			return
		}
	}
}

func (s *httpmjpegSource) fail(h Handler, code model.ErrorCode, cause error) {
	if h.OnFail != nil {
		// No subprocess backs this source: there's no decoder argv or exit
		// code to report, only the polling loop's own stderr-style log.
		h.OnFail(code, s.StderrTail(), cause, nil, -1)
	}
}
