package model

import "time"

// PixelFormat names the payload layout carried by a Frame.
type PixelFormat string

const (
	PixelFormatBGR24 PixelFormat = "bgr24"
	PixelFormatJPEG  PixelFormat = "jpeg"
)

// Frame is one decoded publication on a FrameBus: a byte buffer shared by
// pointer (never copied per subscriber) plus the metadata needed to encode or forward it. The bus owns the
// payload from publish to overwrite (SPEC_FULL.md §3); subscribers borrow it
// for the duration of an encode/write and must not retain it afterward.
type Frame struct {
	Sequence    uint64
	Timestamp   time.Time
	Width       int
	Height      int
	PixelFormat PixelFormat
	Payload     []byte
}

// Size reports the raw payload size in bytes, the unit the per-camera memory
// budget (SPEC_FULL.md §5) is expressed in.
func (f *Frame) Size() int {
	if f == nil {
		return 0
	}
	return len(f.Payload)
}
