package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"camera-core/internal/model"
)

func mkFrame(n int) *model.Frame {
	return &model.Frame{
		Timestamp:   time.Now(),
		Width:       640,
		Height:      480,
		PixelFormat: model.PixelFormatBGR24,
		Payload:     make([]byte, n),
	}
}

func TestSequenceMonotonic(t *testing.T) {
	b := New(3)
	for i := 0; i < 50; i++ {
		b.Put(mkFrame(10))
	}

	var lastSeen uint64
	for i := 0; i < 20; i++ {
		res := b.GetLatest(lastSeen, 10*time.Millisecond)
		if res.Frame != nil {
			require.Greater(t, res.Frame.Sequence, lastSeen)
			lastSeen = res.Frame.Sequence
		}
		b.Put(mkFrame(10))
	}
}

func TestPutNeverBlocks(t *testing.T) {
	b := New(3)
	done := make(chan struct{})
	go func() {
		// A "slow consumer" just never calls GetLatest at all.
		<-done
	}()

	start := time.Now()
	for i := 0; i < 1000; i++ {
		b.Put(mkFrame(1024))
	}
	elapsed := time.Since(start)
	close(done)

	require.Less(t, elapsed, 500*time.Millisecond, "Put must not block on slow/absent consumers")
}

func TestBoundedMemory(t *testing.T) {
	b := New(3)
	for i := 0; i < 100; i++ {
		b.Put(mkFrame(1000))
	}
	require.Equal(t, 3*1000, b.LiveBytes())
}

func TestGetLatestTimeout(t *testing.T) {
	b := New(3)
	b.Put(mkFrame(10))
	res := b.GetLatest(1, 30*time.Millisecond)
	require.True(t, res.TimedOut)
}

func TestGetLatestImmediate(t *testing.T) {
	b := New(3)
	b.Put(mkFrame(10))
	res := b.GetLatest(0, time.Second)
	require.False(t, res.TimedOut)
	require.NotNil(t, res.Frame)
	require.Equal(t, uint64(1), res.Frame.Sequence)
}

func TestSubscriberIsolation(t *testing.T) {
	b := New(3)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	fastCount := 0
	wg.Add(1)
	go func() {
		defer wg.Done()
		var last uint64
		for {
			select {
			case <-stop:
				return
			default:
			}
			res := b.GetLatest(last, 20*time.Millisecond)
			if res.Frame != nil && res.Frame.Sequence > last {
				last = res.Frame.Sequence
				fastCount++
			}
		}
	}()

	// "Stalled" subscriber: never calls GetLatest at all, shouldn't affect producer or fast subscriber.
	go func() {
		<-stop
	}()

	for i := 0; i < 200; i++ {
		b.Put(mkFrame(10))
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()

	require.Greater(t, fastCount, 50)
}

func TestClosedBusReportsNoSource(t *testing.T) {
	b := New(3)
	b.Close()
	res := b.GetLatest(0, 50*time.Millisecond)
	require.True(t, res.NoSource)
}
