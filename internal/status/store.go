// Package status implements the key-value "status store" of
// SPEC_FULL.md §6.2: out-of-process-observable records the core writes but
// never depends on for correctness. Records expire on their own TTL;
// nothing here is read back internally.
package status

import (
	"time"

	"github.com/patrickmn/go-cache"

	"camera-core/internal/mask"
	"camera-core/internal/model"
)

const (
	// stateTTL bounds cam:<id>:state and cam:<id>:status records: a
	// consumer reading a stale record past this window knows the camera
	// stopped publishing, rather than trusting indefinitely-stale data.
	stateTTL       = 30 * time.Second
	debugTTL       = 5 * time.Minute
	cleanupInterval = time.Minute
)

// State is the cam:<id>:state record.
type State struct {
	FPSIn     float64
	FPSOut    float64
	LastError model.ErrorCode
	Width     int
	Height    int
}

// PhaseStatus is the cam:<id>:status record.
type PhaseStatus struct {
	Phase               model.Phase
	ConsecutiveFailures int
	NextAttemptAt       int64 // unix millis, 0 if not scheduled
}

// DebugRecord is the camera_debug:<id> record: the most recent failure,
// credentials masked.
type DebugRecord struct {
	Backend       model.Backend
	DecoderArgv   []string
	ExitCode      int
	StderrTail    []string
	Code          model.ErrorCode
	ObservedAtUTC time.Time
}

// Store is the narrow write-only interface the rest of the core depends on.
// Nothing internal reads it back; it exists purely for external observers.
type Store interface {
	PutState(cameraID string, s State)
	PutStatus(cameraID string, s PhaseStatus)
	PutDebug(cameraID string, d DebugRecord)
}

// memStore is a process-local Store backed by patrickmn/go-cache, the same
// TTL-cache library used for the preview JPEG encode cache. A real
// deployment would point this at an external KV store instead; the
// interface above is what makes that swap possible without touching
// callers (SPEC_FULL.md's "core only writes, never relies on it for
// correctness").
type memStore struct {
	c *cache.Cache
}

func NewMemStore() Store {
	return &memStore{c: cache.New(stateTTL, cleanupInterval)}
}

func (m *memStore) PutState(cameraID string, s State) {
	m.c.Set("cam:"+cameraID+":state", s, stateTTL)
}

func (m *memStore) PutStatus(cameraID string, s PhaseStatus) {
	m.c.Set("cam:"+cameraID+":status", s, stateTTL)
}

func (m *memStore) PutDebug(cameraID string, d DebugRecord) {
	d.DecoderArgv = mask.Argv(d.DecoderArgv)
	d.StderrTail = mask.Lines(d.StderrTail)
	m.c.Set("camera_debug:"+cameraID, d, debugTTL)
}

// Snapshot exposes what's currently stored for a camera; used by tests and
// by internal/httpapi's /stats endpoint, which reads the registry's live
// Stats rather than this store (§6.2: "the core only writes"), but a
// snapshot helper is still useful for debugging integrations.
func Snapshot(s Store, cameraID string) (State, PhaseStatus, DebugRecord, bool) {
	ms, ok := s.(*memStore)
	if !ok {
		return State{}, PhaseStatus{}, DebugRecord{}, false
	}
	state, okState := ms.c.Get("cam:" + cameraID + ":state")
	phaseStatus, okStatus := ms.c.Get("cam:" + cameraID + ":status")
	debug, okDebug := ms.c.Get("camera_debug:" + cameraID)
	if !okState && !okStatus && !okDebug {
		return State{}, PhaseStatus{}, DebugRecord{}, false
	}
	var st State
	var ps PhaseStatus
	var dr DebugRecord
	if okState {
		st = state.(State)
	}
	if okStatus {
		ps = phaseStatus.(PhaseStatus)
	}
	if okDebug {
		dr = debug.(DebugRecord)
	}
	return st, ps, dr, true
}
