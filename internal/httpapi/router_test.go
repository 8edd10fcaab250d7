package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"camera-core/internal/model"
	"camera-core/internal/registry"
	"camera-core/internal/status"
)

func newTestRouter() *Router {
	reg := registry.New(zap.NewNop(), status.NewMemStore(), nil, registry.TimingConfig{
		RTSPStimeoutUsec: 5_000_000, FFmpegReconnectDelaySec: 2, NoFrameTimeoutMS: 2000,
		TargetFPS: 15, FrameJPEGQuality: 80, HeartbeatIntervalMS: 1500,
		ProbeTimeoutSec: 30, ProbeFallbackTTLSec: 120,
	})
	return New(reg, zap.NewNop())
}

func TestCreateAndListCameras(t *testing.T) {
	r := newTestRouter()

	body, _ := json.Marshal(model.CameraSpec{ID: "lobby", Mode: model.ModeRTSP, URI: "rtsp://10.0.0.5/s"})
	req := httptest.NewRequest(http.MethodPost, "/api/cameras", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/cameras", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats []model.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats, 1)
	require.Equal(t, "lobby", stats[0].ID)
}

func TestCreateDuplicateReturnsConflict(t *testing.T) {
	r := newTestRouter()
	body, _ := json.Marshal(model.CameraSpec{ID: "lobby", Mode: model.ModeRTSP, URI: "rtsp://10.0.0.5/s"})

	req := httptest.NewRequest(http.MethodPost, "/api/cameras", bytes.NewReader(body))
	r.ServeHTTP(httptest.NewRecorder(), req)

	req2 := httptest.NewRequest(http.MethodPost, "/api/cameras", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusConflict, rec2.Code)
}

func TestDeleteUnknownCameraReturnsBadRequest(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodDelete, "/api/cameras/ghost", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShowHideEndpoints(t *testing.T) {
	r := newTestRouter()
	body, _ := json.Marshal(model.CameraSpec{ID: "lobby", Mode: model.ModeRTSP, URI: "rtsp://10.0.0.5/s"})
	req := httptest.NewRequest(http.MethodPost, "/api/cameras", bytes.NewReader(body))
	r.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodPost, "/api/cameras/lobby/hide", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/cameras/lobby/show", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSetAndClearOverrideEndpoints(t *testing.T) {
	r := newTestRouter()
	body, _ := json.Marshal(model.CameraSpec{TransportPreference: model.TransportUDP})

	req := httptest.NewRequest(http.MethodPost, "/api/cameras/lobby/override", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/cameras/lobby/override", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestStatsEndpointForUnknownCamera(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/api/cameras/ghost/stats", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
