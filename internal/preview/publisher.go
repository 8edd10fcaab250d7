// Package preview implements PreviewPublisher: converts a camera's FrameBus
// into a multipart/x-mixed-replace MJPEG HTTP response per subscriber
// (SPEC_FULL.md §4.4), with per-subscriber pacing, backpressure, and a
// heartbeat JPEG that holds the connection open when no fresh frame exists.
package preview

import (
	"bufio"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"camera-core/internal/bus"
	"camera-core/internal/model"
)

const (
	// DefaultTargetFPS is TARGET_FPS (SPEC_FULL.md §5).
	DefaultTargetFPS = 15
	// DefaultJPEGQuality is FRAME_JPEG_QUALITY (SPEC_FULL.md §5).
	DefaultJPEGQuality = 80
	// DefaultHeartbeatInterval is HEARTBEAT_INTERVAL_MS (SPEC_FULL.md §5).
	DefaultHeartbeatInterval = 1500 * time.Millisecond

	encodeCacheTTL    = 2 * time.Second
	encodeCacheSweep  = 4 * time.Second
	boundary          = "frame"
)

var heartbeatJPEG = mustEncode1x1Black()

func mustEncode1x1Black() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	var buf []byte
	w := &sliceWriter{buf: &buf}
	_ = jpeg.Encode(w, img, &jpeg.Options{Quality: DefaultJPEGQuality})
	return buf
}

type sliceWriter struct{ buf *[]byte }

func (s *sliceWriter) Write(p []byte) (int, error) {
	*s.buf = append(*s.buf, p...)
	return len(p), nil
}

// sendWindow is an EWMA over successful multipart frame writes, the same
// technique bus.fpsWindow uses for input FPS. It tracks actual egress rate
// rather than the ticker's nominal rate, so it drops below target_fps
// whenever backpressure causes a tick to be skipped.
type sendWindow struct {
	last  time.Time
	ewma  float64
	valid bool
}

const sendWindowSeconds = 2.0

func (w *sendWindow) observe(now time.Time) {
	if !w.valid {
		w.last = now
		w.valid = true
		return
	}
	dt := now.Sub(w.last).Seconds()
	w.last = now
	if dt <= 0 {
		return
	}
	inst := 1.0 / dt
	alpha := dt / sendWindowSeconds
	if alpha > 1 {
		alpha = 1
	}
	w.ewma = w.ewma + alpha*(inst-w.ewma)
}

// Publisher serves one camera's MJPEG preview to any number of concurrent
// HTTP subscribers.
type Publisher struct {
	id         string
	bus        *bus.Bus
	logger     *zap.Logger
	targetFPS  int
	quality    int
	heartbeat  time.Duration

	encodeCache *cache.Cache

	mu      sync.RWMutex
	enabled bool

	lastJPEGMu sync.Mutex
	lastJPEG   []byte
	lastJPEGAt time.Time

	sendMu   sync.Mutex
	sendRate sendWindow
}

type Option func(*Publisher)

func WithTargetFPS(fps int) Option       { return func(p *Publisher) { p.targetFPS = fps } }
func WithQuality(q int) Option           { return func(p *Publisher) { p.quality = q } }
func WithHeartbeat(d time.Duration) Option { return func(p *Publisher) { p.heartbeat = d } }

// New creates a Publisher bound to b. encodeCache may be shared across
// cameras (it's keyed by camera_id + sequence) or nil to create a private
// one.
func New(id string, b *bus.Bus, logger *zap.Logger, encodeCache *cache.Cache, opts ...Option) *Publisher {
	if encodeCache == nil {
		encodeCache = cache.New(encodeCacheTTL, encodeCacheSweep)
	}
	p := &Publisher{
		id:          id,
		bus:         b,
		logger:      logger,
		targetFPS:   DefaultTargetFPS,
		quality:     DefaultJPEGQuality,
		heartbeat:   DefaultHeartbeatInterval,
		encodeCache: encodeCache,
		enabled:     true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enable/Disable implement show(id)/hide(id) (SPEC_FULL.md §4.1/§4.4).
func (p *Publisher) Enable() {
	p.mu.Lock()
	p.enabled = true
	p.mu.Unlock()
}

func (p *Publisher) Disable() {
	p.mu.Lock()
	p.enabled = false
	p.mu.Unlock()
}

func (p *Publisher) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// ServeHTTP streams the multipart MJPEG response for one subscriber until
// the client disconnects, a write fails, or hide(id) or a closed bus
// (remove/reload) drains it after a final frame.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !p.Enabled() {
		http.Error(w, string(model.ErrPreviewDisabled), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", boundary))
	w.Header().Set("Cache-Control", "no-cache, private")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	rc := http.NewResponseController(w)
	bw := bufio.NewWriter(w)

	slot := time.Second / time.Duration(max(p.targetFPS, 1))
	ticker := time.NewTicker(slot)
	defer ticker.Stop()

	var lastSeq uint64
	ctx := r.Context()

	// Exactly one writeOneFrame goroutine runs at a time. A tick that lands
	// while the previous write is still outstanding is skipped rather than
	// spawning a second writer on the shared bw/lastSeq (§4.4 Backpressure:
	// skip, don't queue). The write carries its own deadline so a socket that
	// never reads eventually errors out and this handler returns instead of
	// leaking that goroutine forever.
	writing := false
	done := make(chan error, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-done:
			writing = false
			if err != nil {
				return
			}
		case <-ticker.C:
			// A lastSeen of the maximum sequence never matches a frame, so this
			// zero-timeout call reports NoSource only once the bus is closed.
			closed := p.bus.GetLatest(^uint64(0), 0).NoSource
			if !p.Enabled() || closed {
				// Drain: send one final frame, then terminate (§4.4 "Enable flag").
				if !writing {
					p.writeOneFrame(rc, bw, flusher, &lastSeq, slot)
				}
				return
			}
			if writing {
				continue
			}
			writing = true
			go func() {
				done <- p.writeOneFrame(rc, bw, flusher, &lastSeq, slot)
			}()
		}
	}
}

func (p *Publisher) writeOneFrame(rc *http.ResponseController, w *bufio.Writer, flusher http.Flusher, lastSeq *uint64, deadline time.Duration) error {
	_ = rc.SetWriteDeadline(time.Now().Add(deadline))
	defer rc.SetWriteDeadline(time.Time{})

	payload := p.nextPayload(lastSeq)

	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(payload)); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\r\n")); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	p.sendMu.Lock()
	p.sendRate.observe(time.Now())
	p.sendMu.Unlock()
	return nil
}

// FPSOut is the observed rate of frames actually written to subscribers,
// which falls below target_fps whenever backpressure skips a tick
// (SPEC_FULL.md §4.4/§6.2 "fps_out").
func (p *Publisher) FPSOut() float64 {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.sendRate.ewma
}

// nextPayload returns the JPEG bytes to send for this slot: a freshly
// encoded frame if the bus has advanced past lastSeq, the cached encode of
// the current latest frame if not, or the heartbeat JPEG once the last known
// frame is older than the heartbeat interval.
func (p *Publisher) nextPayload(lastSeq *uint64) []byte {
	result := p.bus.GetLatest(*lastSeq, 0)
	if result.Frame != nil && result.Frame.Sequence > *lastSeq {
		*lastSeq = result.Frame.Sequence
		encoded := p.encode(result.Frame)
		p.lastJPEGMu.Lock()
		p.lastJPEG = encoded
		p.lastJPEGAt = time.Now()
		p.lastJPEGMu.Unlock()
		return encoded
	}

	p.lastJPEGMu.Lock()
	defer p.lastJPEGMu.Unlock()
	if p.lastJPEG != nil && time.Since(p.lastJPEGAt) <= p.heartbeat {
		return p.lastJPEG
	}
	return heartbeatJPEG
}

// encode returns the JPEG bytes for f, from the shared cache keyed by
// (camera_id, sequence) when present so concurrent subscribers of the same
// sequence share one encode (§4.4 Pacing).
func (p *Publisher) encode(f *model.Frame) []byte {
	if f.PixelFormat == model.PixelFormatJPEG {
		return f.Payload
	}

	key := fmt.Sprintf("%s:%d", p.id, f.Sequence)
	if cached, ok := p.encodeCache.Get(key); ok {
		return cached.([]byte)
	}

	img, err := decodeBGR24(f)
	if err != nil {
		p.logger.Warn("preview encode failed, using heartbeat", zap.String("camera_id", p.id), zap.Error(err))
		return heartbeatJPEG
	}

	var buf []byte
	sw := &sliceWriter{buf: &buf}
	if err := jpeg.Encode(sw, img, &jpeg.Options{Quality: p.quality}); err != nil {
		p.logger.Warn("jpeg encode failed, using heartbeat", zap.String("camera_id", p.id), zap.Error(err))
		return heartbeatJPEG
	}
	p.encodeCache.SetDefault(key, buf)
	return buf
}

func decodeBGR24(f *model.Frame) (image.Image, error) {
	if f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("frame has no resolution")
	}
	want := f.Width * f.Height * 3
	if len(f.Payload) < want {
		return nil, fmt.Errorf("short raw frame: got %d want %d", len(f.Payload), want)
	}
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		rowIn := f.Payload[y*f.Width*3 : (y+1)*f.Width*3]
		rowOut := img.Pix[y*img.Stride : y*img.Stride+f.Width*4]
		for x := 0; x < f.Width; x++ {
			b := rowIn[x*3+0]
			g := rowIn[x*3+1]
			r := rowIn[x*3+2]
			rowOut[x*4+0] = r
			rowOut[x*4+1] = g
			rowOut[x*4+2] = b
			rowOut[x*4+3] = 255
		}
	}
	return img, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

var _ io.Writer = (*sliceWriter)(nil)
