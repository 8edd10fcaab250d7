package capture

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"camera-core/internal/mask"
	"camera-core/internal/model"
)

// gracefulStopTimeout is the grace period between SIGTERM and SIGKILL
// (SPEC_FULL.md §5 "Stop semantics").
const gracefulStopTimeout = 2 * time.Second

// frameReader is a callback shape for reading complete frames from a
// decoder's stdout. No source uses it: procRunner.run takes its own read
// callback, and every process-backed source reads fixed-size rawvideo
// frames through readRawFrames.
type frameReader func(r *bufio.Reader, onPayload func([]byte) bool) error

// procRunner owns one external decoder process: spawning it, draining
// stderr into a scrubbed ring, reading frames via the read callback, tracking
// readiness, and classifying the eventual exit (SPEC_FULL.md §4.2.2).
type procRunner struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	logger  *zap.Logger
	stderr  *stderrRing
	backend model.Backend
}

func newProcRunner(logger *zap.Logger, backend model.Backend) *procRunner {
	return &procRunner{
		logger:  logger,
		stderr:  newStderrRing(64),
		backend: backend,
	}
}

func (p *procRunner) StderrTail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr.snapshot()
}

// run spawns bin with args, drains stderr, hands stdout to read, waits for
// exit, and reports a classified failure through h.OnFail unless ctx was
// canceled first (a canceled context means the caller requested Stop, which
// is not a failure).
func (p *procRunner) run(ctx context.Context, bin string, args []string, h Handler, spec model.ResolvedCameraSpec, read func(io.Reader, *readinessTracker, Handler) error) error {
	cmd := exec.Command(bin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	p.logger.Info("decoder started",
		zap.String("backend", string(p.backend)),
		zap.Strings("argv", mask.Argv(args)))

	var stderrWG sync.WaitGroup
	stderrWG.Add(1)
	go func() {
		defer stderrWG.Done()
		scanner := bufio.NewScanner(stderr)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			p.mu.Lock()
			p.stderr.add(scanner.Text())
			p.mu.Unlock()
		}
	}()

	tracker := newReadinessTracker(spec)
	readErr := read(stdout, tracker, h)

	// Drain stderr to EOF before Wait closes the pipe, so the tail that is
	// classified below holds every line the process wrote.
	stderrWG.Wait()
	waitErr := cmd.Wait()

	select {
	case <-ctx.Done():
		// Caller-requested stop: not a failure to report.
		return nil
	default:
	}

	tail := p.StderrTail()
	code := model.ClassifyStderr(tail)
	var cause error
	switch {
	case readErr != nil:
		cause = readErr
	case waitErr != nil:
		cause = waitErr
	}
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if h.OnFail != nil {
		h.OnFail(code, tail, cause, mask.Argv(args), exitCode)
	}
	return cause
}

// Stop sends a graceful-terminate signal and escalates to an unconditional
// kill if the process is still running after gracefulStopTimeout.
func (p *procRunner) Stop() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(gracefulStopTimeout):
		_ = cmd.Process.Kill()
		<-done
	}
}

// readRawFrames reads fixed-size width*height*3 rawvideo/bgr24 frames until
// EOF, a short read, or ctx cancellation.
func readRawFrames(ctx context.Context, r io.Reader, width, height int, tracker *readinessTracker, h Handler) error {
	frameSize := width * height * 3
	if frameSize <= 0 {
		return io.ErrUnexpectedEOF
	}
	buf := make([]byte, frameSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		payload := make([]byte, frameSize)
		copy(payload, buf)
		now := time.Now()
		if h.OnFrame != nil {
			h.OnFrame(&model.Frame{
				Timestamp:   now,
				Width:       width,
				Height:      height,
				PixelFormat: model.PixelFormatBGR24,
				Payload:     payload,
			})
		}
		if tracker.observe(now) && h.OnReady != nil {
			h.OnReady()
		}
	}
}
