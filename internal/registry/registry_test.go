package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"camera-core/internal/model"
	"camera-core/internal/status"
)

func testTiming() TimingConfig {
	return TimingConfig{
		RTSPStimeoutUsec:        5_000_000,
		FFmpegReconnectDelaySec: 2,
		NoFrameTimeoutMS:        2000,
		TargetFPS:               15,
		FrameJPEGQuality:        80,
		HeartbeatIntervalMS:     1500,
		ProbeTimeoutSec:         30,
		ProbeFallbackTTLSec:     120,
	}
}

func newTestRegistry() *Registry {
	return New(zap.NewNop(), status.NewMemStore(), nil, testTiming())
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	r := newTestRegistry()
	spec := model.CameraSpec{ID: "lobby", Mode: model.ModeRTSP, URI: "rtsp://10.0.0.5/stream"}
	require.NoError(t, r.Create(spec))

	err := r.Create(spec)
	require.Error(t, err)
	var coreErr *model.Error
	require.ErrorAs(t, err, &coreErr)
	require.Equal(t, model.ErrAlreadyExists, coreErr.Code)
}

func TestCreateRejectsInvalidSpec(t *testing.T) {
	r := newTestRegistry()
	err := r.Create(model.CameraSpec{ID: "bad", Mode: "carrier-pigeon", URI: "x"})
	require.Error(t, err)
	var coreErr *model.Error
	require.ErrorAs(t, err, &coreErr)
	require.Equal(t, model.ErrInvalidSpec, coreErr.Code)
}

func TestOperationsOnUnknownIDReturnError(t *testing.T) {
	r := newTestRegistry()
	require.Error(t, r.Start("ghost"))
	require.Error(t, r.Stop("ghost"))
	require.Error(t, r.Show("ghost"))
	require.Error(t, r.Hide("ghost"))
	_, err := r.Stats("ghost")
	require.Error(t, err)
	_, err = r.SubscribePreview("ghost")
	require.Error(t, err)
	_, err = r.GetLatest("ghost", 0, time.Millisecond)
	require.Error(t, err)
}

func TestEnumerateReflectsCreatedCameras(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Create(model.CameraSpec{ID: "a", Mode: model.ModeRTSP, URI: "rtsp://x/s"}))
	require.NoError(t, r.Create(model.CameraSpec{ID: "b", Mode: model.ModeRTSP, URI: "rtsp://y/s"}))

	stats := r.Enumerate()
	require.Len(t, stats, 2)
	ids := map[string]bool{}
	for _, s := range stats {
		ids[s.ID] = true
		require.Equal(t, model.PhaseIdle, s.Phase)
	}
	require.True(t, ids["a"])
	require.True(t, ids["b"])
}

func TestGetLatestOnNeverStartedCameraTimesOut(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Create(model.CameraSpec{ID: "a", Mode: model.ModeRTSP, URI: "rtsp://x/s"}))

	result, err := r.GetLatest("a", 0, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, result.TimedOut)
	require.Nil(t, result.Frame)
}

func TestShowHideTogglesPublisherIndependentOfCapture(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Create(model.CameraSpec{ID: "a", Mode: model.ModeRTSP, URI: "rtsp://x/s"}))

	pub, err := r.SubscribePreview("a")
	require.NoError(t, err)
	require.True(t, pub.Enabled())

	require.NoError(t, r.Hide("a"))
	require.False(t, pub.Enabled())

	require.NoError(t, r.Show("a"))
	require.True(t, pub.Enabled())
}

func TestRemoveDeletesCameraAndClosesBus(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Create(model.CameraSpec{ID: "a", Mode: model.ModeRTSP, URI: "rtsp://x/s"}))
	p := r.pipelines["a"]
	require.NoError(t, r.Remove("a"))

	require.Error(t, r.Start("a"))
	_, err := r.Stats("a")
	require.Error(t, err)
	require.True(t, p.bus.GetLatest(0, time.Millisecond).NoSource)
}

func TestCreateAppliesRegistryOverrideBetweenExplicitAndProfile(t *testing.T) {
	r := newTestRegistry()
	r.SetOverride("a", model.CameraSpec{TransportPreference: model.TransportUDP})

	require.NoError(t, r.Create(model.CameraSpec{ID: "a", Mode: model.ModeRTSP, URI: "rtsp://x/s"}))

	p, ok := r.pipelines["a"]
	require.True(t, ok)
	require.Equal(t, model.TransportUDP, p.spec.TransportPreference)
}

func TestExplicitSpecFieldWinsOverRegistryOverride(t *testing.T) {
	r := newTestRegistry()
	r.SetOverride("a", model.CameraSpec{TransportPreference: model.TransportUDP})

	require.NoError(t, r.Create(model.CameraSpec{
		ID: "a", Mode: model.ModeRTSP, URI: "rtsp://x/s", TransportPreference: model.TransportTCP,
	}))

	p, ok := r.pipelines["a"]
	require.True(t, ok)
	require.Equal(t, model.TransportTCP, p.spec.TransportPreference)
}

func TestClearOverrideRemovesIt(t *testing.T) {
	r := newTestRegistry()
	r.SetOverride("a", model.CameraSpec{TransportPreference: model.TransportUDP})
	r.ClearOverride("a")

	require.NoError(t, r.Create(model.CameraSpec{ID: "a", Mode: model.ModeRTSP, URI: "rtsp://x/s"}))

	p, ok := r.pipelines["a"]
	require.True(t, ok)
	require.Equal(t, model.TransportAuto, p.spec.TransportPreference)
}

func TestRTSPForceTCPOverridesPerCameraTransportPreference(t *testing.T) {
	timing := testTiming()
	timing.RTSPForceTCP = true
	r := New(zap.NewNop(), status.NewMemStore(), nil, timing)

	require.NoError(t, r.Create(model.CameraSpec{
		ID: "a", Mode: model.ModeRTSP, URI: "rtsp://x/s", TransportPreference: model.TransportUDP,
	}))

	p, ok := r.pipelines["a"]
	require.True(t, ok)
	require.Equal(t, model.TransportTCP, p.spec.TransportPreference)
}

func TestQueueMaxSetsBusCapacity(t *testing.T) {
	timing := testTiming()
	timing.QueueMax = 7
	r := New(zap.NewNop(), status.NewMemStore(), nil, timing)

	require.NoError(t, r.Create(model.CameraSpec{ID: "a", Mode: model.ModeRTSP, URI: "rtsp://x/s"}))

	p, ok := r.pipelines["a"]
	require.True(t, ok)
	require.Equal(t, 7, p.bus.Capacity())
}

func TestStopIsIdempotentWithoutStart(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Create(model.CameraSpec{ID: "a", Mode: model.ModeRTSP, URI: "rtsp://x/s"}))
	require.NoError(t, r.Stop("a"))
	require.NoError(t, r.Stop("a"))
}
