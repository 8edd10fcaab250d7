package status

import (
	"testing"

	"github.com/stretchr/testify/require"

	"camera-core/internal/model"
)

func TestPutStateAndSnapshot(t *testing.T) {
	s := NewMemStore()
	s.PutState("cam1", State{FPSIn: 14.9, Width: 1280, Height: 720})

	st, _, _, ok := Snapshot(s, "cam1")
	require.True(t, ok)
	require.InDelta(t, 14.9, st.FPSIn, 0.01)
	require.Equal(t, 1280, st.Width)
}

func TestPutStatusRoundTrip(t *testing.T) {
	s := NewMemStore()
	s.PutStatus("cam1", PhaseStatus{Phase: model.PhaseCooldown, ConsecutiveFailures: 2, NextAttemptAt: 1234})

	_, ps, _, ok := Snapshot(s, "cam1")
	require.True(t, ok)
	require.Equal(t, model.PhaseCooldown, ps.Phase)
	require.Equal(t, 2, ps.ConsecutiveFailures)
}

func TestPutDebugMasksCredentials(t *testing.T) {
	s := NewMemStore()
	s.PutDebug("cam1", DebugRecord{
		Backend:     model.BackendFFmpeg,
		DecoderArgv: []string{"-i", "rtsp://user:pw@host/stream"},
		StderrTail:  []string{"rtsp://user:pw@host/stream: 401 Unauthorized"},
		Code:        model.ErrAuthFailed,
	})

	_, _, dr, ok := Snapshot(s, "cam1")
	require.True(t, ok)
	require.NotContains(t, dr.DecoderArgv[1], "user:pw")
	require.Contains(t, dr.DecoderArgv[1], "***:***@")
	require.NotContains(t, dr.StderrTail[0], "user:pw")
}

func TestSnapshotMissingCamera(t *testing.T) {
	s := NewMemStore()
	_, _, _, ok := Snapshot(s, "nope")
	require.False(t, ok)
}
