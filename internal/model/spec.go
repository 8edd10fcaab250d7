package model

import "fmt"

// Mode is the camera transport family.
type Mode string

const (
	ModeRTSP  Mode = "rtsp"
	ModeHTTP  Mode = "http"
	ModeLocal Mode = "local"
)

// Transport is the RTSP transport preference.
type Transport string

const (
	TransportTCP  Transport = "tcp"
	TransportUDP  Transport = "udp"
	TransportAuto Transport = "auto"
)

// Backend is a decoder backend tag (the sum type of SPEC_FULL.md §9).
type Backend string

const (
	BackendFFmpeg    Backend = "ffmpeg"
	BackendGStreamer Backend = "gstreamer"
	BackendLocal     Backend = "local"
)

// CameraSpec is the caller-supplied, immutable-after-creation description of
// one camera. It is replaced atomically on reload, never mutated in place.
type CameraSpec struct {
	ID                  string
	Mode                Mode
	URI                 string
	TransportPreference Transport
	Resolution          string // "original" or "WxH"
	ReadyFrames         int
	ReadyDurationMS     int
	ReadyTimeoutMS      int
	BackendPriority     []Backend
	ExtraDecoderFlags   string
	ProfileName         string
}

// Validate enforces the structural invariants of SPEC_FULL.md §3. It does
// not resolve profile/override precedence — that happens in Resolve.
func (s CameraSpec) Validate() error {
	if s.ID == "" {
		return NewError(ErrInvalidSpec, "id must not be empty", nil)
	}
	switch s.Mode {
	case ModeRTSP, ModeHTTP, ModeLocal:
	default:
		return NewError(ErrInvalidSpec, fmt.Sprintf("unknown mode %q", s.Mode), nil)
	}
	if s.URI == "" {
		return NewError(ErrInvalidSpec, "uri must not be empty", nil)
	}
	switch s.TransportPreference {
	case "", TransportTCP, TransportUDP, TransportAuto:
	default:
		return NewError(ErrInvalidSpec, fmt.Sprintf("unknown transport_preference %q", s.TransportPreference), nil)
	}
	if s.Resolution != "" && s.Resolution != "original" {
		w, h, err := ParseResolution(s.Resolution)
		if err != nil {
			return NewError(ErrInvalidSpec, err.Error(), nil)
		}
		if w < 16 || w > 7680 || h < 16 || h > 7680 {
			return NewError(ErrInvalidSpec, fmt.Sprintf("resolution %dx%d out of [16,7680]", w, h), nil)
		}
	}
	if s.ReadyFrames < 0 {
		return NewError(ErrInvalidSpec, "ready_frames must be >= 0", nil)
	}
	if s.ReadyDurationMS < 0 {
		return NewError(ErrInvalidSpec, "ready_duration_ms must be >= 0", nil)
	}
	for _, b := range s.BackendPriority {
		switch b {
		case BackendFFmpeg, BackendGStreamer, BackendLocal:
		default:
			return NewError(ErrInvalidSpec, fmt.Sprintf("unknown backend %q in backend_priority", b), nil)
		}
	}
	return nil
}

// ParseResolution parses a "WxH" string.
func ParseResolution(s string) (w, h int, err error) {
	n, err := fmt.Sscanf(s, "%dx%d", &w, &h)
	if err != nil || n != 2 {
		return 0, 0, fmt.Errorf("invalid resolution %q: want WxH", s)
	}
	return w, h, nil
}

// ProfileDefaults are the named override set a CameraSpec.ProfileName may
// point at; OverrideStore sits between explicit CameraSpec fields and these
// defaults in the resolution order of SPEC_FULL.md §3.
type ProfileDefaults struct {
	Name                string
	TransportPreference Transport
	Resolution          string
	ReadyFrames         int
	ReadyDurationMS     int
	ReadyTimeoutMS      int
	BackendPriority     []Backend
	ExtraDecoderFlags   string
}

// OverrideSource supplies a registry-level per-camera override, consulted
// between the explicit CameraSpec and the profile default.
type OverrideSource interface {
	Override(cameraID string) (CameraSpec, bool)
}

// ResolvedCameraSpec is the immutable, fully-resolved spec downstream
// components operate on. It is computed once at create/reload time
// (explicit > override store > profile default, per SPEC_FULL.md §9) and
// never re-resolved by CaptureSource, ReconnectController, or PreviewPublisher.
type ResolvedCameraSpec struct {
	CameraSpec
	Width, Height int // 0,0 means "original" (no -s/scale flag)
}

// Resolve computes precedence: explicit non-zero/non-empty fields on spec
// win; otherwise an override for the same ID; otherwise the named profile's
// defaults; otherwise the built-in zero values.
func Resolve(spec CameraSpec, overrides OverrideSource, profiles map[string]ProfileDefaults) (ResolvedCameraSpec, error) {
	if err := spec.Validate(); err != nil {
		return ResolvedCameraSpec{}, err
	}

	merged := spec

	var base ProfileDefaults
	if spec.ProfileName != "" {
		if p, ok := profiles[spec.ProfileName]; ok {
			base = p
		}
	}

	var override CameraSpec
	hasOverride := false
	if overrides != nil {
		override, hasOverride = overrides.Override(spec.ID)
	}

	if merged.TransportPreference == "" {
		merged.TransportPreference = firstNonEmptyTransport(hasOverride, override.TransportPreference, base.TransportPreference, TransportAuto)
	}
	if merged.Resolution == "" {
		merged.Resolution = firstNonEmptyString(hasOverride, override.Resolution, base.Resolution, "original")
	}
	if merged.ReadyFrames == 0 {
		merged.ReadyFrames = firstNonZeroInt(hasOverride, override.ReadyFrames, base.ReadyFrames, 1)
	}
	if merged.ReadyDurationMS == 0 {
		merged.ReadyDurationMS = firstNonZeroInt(hasOverride, override.ReadyDurationMS, base.ReadyDurationMS, 0)
	}
	if merged.ReadyTimeoutMS == 0 {
		merged.ReadyTimeoutMS = firstNonZeroInt(hasOverride, override.ReadyTimeoutMS, base.ReadyTimeoutMS, 15000)
	}
	if len(merged.BackendPriority) == 0 {
		switch {
		case hasOverride && len(override.BackendPriority) > 0:
			merged.BackendPriority = override.BackendPriority
		case len(base.BackendPriority) > 0:
			merged.BackendPriority = base.BackendPriority
		default:
			merged.BackendPriority = []Backend{BackendFFmpeg, BackendGStreamer, BackendLocal}
		}
	}
	if merged.ExtraDecoderFlags == "" {
		merged.ExtraDecoderFlags = firstNonEmptyString(hasOverride, override.ExtraDecoderFlags, base.ExtraDecoderFlags, "")
	}

	resolved := ResolvedCameraSpec{CameraSpec: merged}
	if merged.Resolution != "original" {
		w, h, err := ParseResolution(merged.Resolution)
		if err != nil {
			return ResolvedCameraSpec{}, NewError(ErrInvalidSpec, err.Error(), nil)
		}
		resolved.Width, resolved.Height = w, h
	}
	return resolved, nil
}

func firstNonEmptyString(hasOverride bool, override, base, fallback string) string {
	if hasOverride && override != "" {
		return override
	}
	if base != "" {
		return base
	}
	return fallback
}

func firstNonEmptyTransport(hasOverride bool, override, base, fallback Transport) Transport {
	if hasOverride && override != "" {
		return override
	}
	if base != "" {
		return base
	}
	return fallback
}

func firstNonZeroInt(hasOverride bool, override, base, fallback int) int {
	if hasOverride && override != 0 {
		return override
	}
	if base != 0 {
		return base
	}
	return fallback
}
