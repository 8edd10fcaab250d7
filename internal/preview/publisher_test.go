package preview

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"camera-core/internal/bus"
	"camera-core/internal/model"
)

// blockingWriter simulates a subscriber socket that never reads: every Write
// blocks until the test releases it.
type blockingWriter struct {
	header http.Header
	mu     sync.Mutex
	writes int
	block  chan struct{}
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{header: make(http.Header), block: make(chan struct{})}
}

func (b *blockingWriter) Header() http.Header  { return b.header }
func (b *blockingWriter) WriteHeader(int)      {}
func (b *blockingWriter) Flush()               {}
func (b *blockingWriter) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.writes++
	b.mu.Unlock()
	<-b.block
	return len(p), nil
}

func (b *blockingWriter) writeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

func rawFrame(w, h int, fill byte) *model.Frame {
	payload := make([]byte, w*h*3)
	for i := range payload {
		payload[i] = fill
	}
	return &model.Frame{
		Timestamp:   time.Now(),
		Width:       w,
		Height:      h,
		PixelFormat: model.PixelFormatBGR24,
		Payload:     payload,
	}
}

func TestServeHTTPStreamsMultipartFrames(t *testing.T) {
	b := bus.New(3)
	b.Put(rawFrame(4, 4, 10))

	p := New("cam1", b, zap.NewNop(), cache.New(2*time.Second, 4*time.Second), WithTargetFPS(50))

	req := httptest.NewRequest(http.MethodGet, "/api/cameras/cam1/mjpeg", nil)
	rec := httptest.NewRecorder()

	ctx, cancel := context.WithTimeout(req.Context(), 80*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	p.ServeHTTP(rec, req)

	require.Contains(t, rec.Header().Get("Content-Type"), "multipart/x-mixed-replace")
	require.Contains(t, rec.Body.String(), "--frame")
	require.Contains(t, rec.Body.String(), "Content-Type: image/jpeg")
}

func TestServeHTTPSkipsTicksWhileWriteIsStuck(t *testing.T) {
	b := bus.New(3)
	b.Put(rawFrame(2, 2, 5))
	p := New("cam1", b, zap.NewNop(), nil, WithTargetFPS(200))

	w := newBlockingWriter()
	req := httptest.NewRequest(http.MethodGet, "/api/cameras/cam1/mjpeg", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 60*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	finished := make(chan struct{})
	go func() {
		p.ServeHTTP(w, req)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("ServeHTTP did not return after its context was canceled while a write was stuck")
	}

	require.Equal(t, 1, w.writeCount(), "a stuck write must be skipped by later ticks, not retried concurrently")
}

func TestFPSOutReflectsSuccessfulWrites(t *testing.T) {
	b := bus.New(3)
	b.Put(rawFrame(2, 2, 9))
	p := New("cam1", b, zap.NewNop(), nil, WithTargetFPS(50))

	require.Equal(t, float64(0), p.FPSOut(), "no writes yet")

	req := httptest.NewRequest(http.MethodGet, "/api/cameras/cam1/mjpeg", nil)
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithTimeout(req.Context(), 100*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	p.ServeHTTP(rec, req)

	require.Greater(t, p.FPSOut(), float64(0), "successful multipart writes must advance the observed send rate")
}

func TestServeHTTPRejectsWhenDisabled(t *testing.T) {
	b := bus.New(3)
	p := New("cam1", b, zap.NewNop(), nil)
	p.Disable()

	req := httptest.NewRequest(http.MethodGet, "/api/cameras/cam1/mjpeg", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNextPayloadFallsBackToHeartbeatWhenNoFrame(t *testing.T) {
	b := bus.New(3)
	p := New("cam1", b, zap.NewNop(), nil, WithHeartbeat(10*time.Millisecond))

	var lastSeq uint64
	payload := p.nextPayload(&lastSeq)
	require.Equal(t, heartbeatJPEG, payload)
}

func TestNextPayloadReturnsFreshEncodeOnce(t *testing.T) {
	b := bus.New(3)
	b.Put(rawFrame(2, 2, 200))
	p := New("cam1", b, zap.NewNop(), nil)

	var lastSeq uint64
	first := p.nextPayload(&lastSeq)
	require.NotEqual(t, heartbeatJPEG, first)
	require.Equal(t, uint64(1), lastSeq)

	second := p.nextPayload(&lastSeq)
	require.Equal(t, first, second) // no new frame, repeats last-known JPEG
}

func TestEncodeSharesCacheAcrossCalls(t *testing.T) {
	b := bus.New(3)
	p := New("cam1", b, zap.NewNop(), nil)
	f := rawFrame(2, 2, 42)
	f.Sequence = 7

	first := p.encode(f)
	second := p.encode(f)
	require.Equal(t, first, second)
}

func TestEncodePassesThroughJPEGPixelFormat(t *testing.T) {
	b := bus.New(3)
	p := New("cam1", b, zap.NewNop(), nil)
	raw := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	f := &model.Frame{PixelFormat: model.PixelFormatJPEG, Payload: raw, Sequence: 1}

	out := p.encode(f)
	require.Equal(t, raw, out)
}
