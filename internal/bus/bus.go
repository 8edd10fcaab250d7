// Package bus implements FrameBus: a small thread-safe ring buffer of the
// most recent decoded frames for one camera (SPEC_FULL.md §4.3).
package bus

import (
	"sync"
	"time"

	"camera-core/internal/model"
)

const DefaultCapacity = 3

// Info is the latest-publication metadata snapshot returned by Info().
type Info struct {
	Width       int
	Height      int
	PixelFormat model.PixelFormat
	Sequence    uint64
	FPSIn       float64
	HasFrame    bool
}

// fpsWindow keeps the last publish timestamp and the EWMA of input FPS.
type fpsWindow struct {
	last  time.Time
	ewma  float64
	valid bool
}

const fpsWindowSeconds = 2.0

func (w *fpsWindow) observe(now time.Time) {
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
	// EWMA with time constant ~= fpsWindowSeconds: alpha scales with dt so a
	// burst of closely spaced frames doesn't swing the average as hard as a
	// single slow one.
	alpha := dt / fpsWindowSeconds
	if alpha > 1 {
		alpha = 1
	}
	w.ewma = w.ewma + alpha*(inst-w.ewma)
}

// Bus is a bounded ring of capacity N with one mutex, one condition
// variable, and a monotonically increasing sequence counter. put() never
// blocks the producer; it overwrites the oldest slot when full.
type Bus struct {
	mu       sync.Mutex
	cond     *sync.Cond
	slots    []*model.Frame
	next     int // index the next Put will write to
	count    int // number of live slots, caps at len(slots)
	sequence uint64
	fps      fpsWindow
	closed   bool
}

// New creates a Bus with the given capacity (SPEC_FULL.md default 3).
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{slots: make([]*model.Frame, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Put publishes a frame. It never blocks: if the ring is full it overwrites
// the oldest slot. Sequence is assigned here, strictly increasing.
func (b *Bus) Put(f *model.Frame) {
	b.mu.Lock()
	b.sequence++
	f.Sequence = b.sequence
	b.slots[b.next] = f
	b.next = (b.next + 1) % len(b.slots)
	if b.count < len(b.slots) {
		b.count++
	}
	b.fps.observe(f.Timestamp)
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Close marks the bus closed, waking any blocked GetLatest waiters; they
// return NoSource (with no frame) unless a frame newer than their lastSeen
// is present. A closed bus's Put calls are still
// accepted; Close only affects waiters blocked on a future frame — callers
// tear down the producer goroutine separately.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Result is what GetLatest returns.
type Result struct {
	Frame     *model.Frame
	TimedOut  bool
	NoSource  bool
}

// GetLatest returns the newest frame with Sequence > lastSeen, blocking up
// to timeout for one to appear if none currently qualifies. On timeout it
// returns the newest frame present at wake (which may still be <= lastSeen,
// i.e. nothing new) with TimedOut set so callers can distinguish "stale" from
// "fresh". A zero-value lastSeen (0) always matches the latest frame
// immediately if one exists.
func (b *Bus) GetLatest(lastSeen uint64, timeout time.Duration) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	if latest := b.latestLocked(); latest != nil && latest.Sequence > lastSeen {
		return Result{Frame: latest}
	}
	if b.closed {
		return Result{NoSource: true}
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{Frame: b.latestLocked(), TimedOut: true}
		}
		timer := time.AfterFunc(remaining, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		b.cond.Wait()
		timer.Stop()
		if latest := b.latestLocked(); latest != nil && latest.Sequence > lastSeen {
			return Result{Frame: latest}
		}
		if b.closed {
			return Result{NoSource: true}
		}
		if time.Now().After(deadline) {
			return Result{Frame: b.latestLocked(), TimedOut: true}
		}
	}
}

// latestLocked returns the most recently published frame, or nil. Caller
// must hold b.mu.
func (b *Bus) latestLocked() *model.Frame {
	if b.count == 0 {
		return nil
	}
	idx := (b.next - 1 + len(b.slots)) % len(b.slots)
	return b.slots[idx]
}

// Info reports the metadata of the most recent publication plus observed
// input FPS.
func (b *Bus) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	latest := b.latestLocked()
	if latest == nil {
		return Info{}
	}
	return Info{
		Width:       latest.Width,
		Height:      latest.Height,
		PixelFormat: latest.PixelFormat,
		Sequence:    latest.Sequence,
		FPSIn:       b.fps.ewma,
		HasFrame:    true,
	}
}

// Capacity returns the ring's slot count, fixed at construction (QUEUE_MAX).
func (b *Bus) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}

// LiveBytes returns the total size of all currently-held raw frame payloads,
// the quantity the per-camera memory budget bounds (SPEC_FULL.md §5).
func (b *Bus) LiveBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, f := range b.slots {
		total += f.Size()
	}
	return total
}
