package model

import (
	"fmt"
	"strings"
)

// ErrorCode is one of the stable taxonomy codes of SPEC_FULL.md §6.3.
type ErrorCode string

const (
	ErrAuthFailed         ErrorCode = "AUTH_FAILED"
	ErrInvalidPath        ErrorCode = "INVALID_PATH"
	ErrNetworkUnreachable ErrorCode = "NETWORK_UNREACHABLE"
	ErrInvalidStream      ErrorCode = "INVALID_STREAM"
	ErrConnectFailed      ErrorCode = "CONNECT_FAILED"
	ErrReadTimeout        ErrorCode = "READ_TIMEOUT"
	ErrNoVideoStream      ErrorCode = "NO_VIDEO_STREAM"
	ErrDecoderMissing     ErrorCode = "DECODER_MISSING"
	ErrInvalidSpec        ErrorCode = "INVALID_SPEC"
	ErrAlreadyExists      ErrorCode = "ALREADY_EXISTS"
	ErrPreviewDisabled    ErrorCode = "PREVIEW_DISABLED"
	ErrBreakerOpen        ErrorCode = "BREAKER_OPEN"
)

// Policy classifies how ReconnectController should treat a code.
type Policy int

const (
	// PolicyTransient is retried, exposed only as last_error.
	PolicyTransient Policy = iota
	// PolicyPersistentConfig is still retried but opens the breaker sooner.
	PolicyPersistentConfig
	// PolicyProgrammerContract is returned synchronously, never retried internally.
	PolicyProgrammerContract
)

func (c ErrorCode) Policy() Policy {
	switch c {
	case ErrAuthFailed, ErrInvalidPath, ErrInvalidStream, ErrInvalidSpec, ErrDecoderMissing:
		return PolicyPersistentConfig
	case ErrAlreadyExists, ErrPreviewDisabled, ErrBreakerOpen:
		return PolicyProgrammerContract
	default:
		return PolicyTransient
	}
}

// Error is a classified failure carrying a taxonomy code. Spec validation
// and the registry's operations return it; StreamProber reports failures as
// ProbeError, and capture sources report them through Handler.OnFail.
type Error struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(code ErrorCode, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Err: cause}
}

// stderrMarker is an ordered, literal-substring classifier. Order matters:
// the first match wins. These are not regexes because the markers below are
// disjoint literal strings emitted verbatim by ffmpeg/ffprobe/gst-launch-1.0,
// not patterns needing capture groups (SPEC_FULL.md open question 1).
type stderrMarker struct {
	substr string
	code   ErrorCode
}

var stderrMarkers = []stderrMarker{
	{"401 Unauthorized", ErrAuthFailed},
	{"403 Forbidden", ErrAuthFailed},
	{"404 Not Found", ErrInvalidPath},
	{"No such file or directory", ErrInvalidPath},
	{"Connection refused", ErrNetworkUnreachable},
	{"Network is unreachable", ErrNetworkUnreachable},
	{"No route to host", ErrNetworkUnreachable},
	{"Name or service not known", ErrNetworkUnreachable},
	{"Invalid data found when processing input", ErrInvalidStream},
	{"does not contain any stream", ErrNoVideoStream},
	{"matches no streams", ErrNoVideoStream},
	{"Stream map", ErrNoVideoStream},
}

// ClassifyStderr scans a decoder's stderr tail for the first recognized
// marker, in priority order, and returns the corresponding taxonomy code.
// It returns CONNECT_FAILED when nothing matches, the catch-all for "the
// process exited and we don't know exactly why".
func ClassifyStderr(lines []string) ErrorCode {
	for _, marker := range stderrMarkers {
		for _, line := range lines {
			if strings.Contains(line, marker.substr) {
				return marker.code
			}
		}
	}
	return ErrConnectFailed
}
