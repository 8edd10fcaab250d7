// Package probe implements StreamProber: a one-shot, idempotent,
// side-effect-free inspection of a camera's stream via ffprobe, with an
// optional short trial-decode matrix to pick a viable transport/hwaccel
// combination (SPEC_FULL.md §4.6).
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"camera-core/internal/mask"
	"camera-core/internal/model"
)

// DefaultTimeout is FFPROBE_TIMEOUT_SEC (SPEC_FULL.md §5).
const DefaultTimeout = 30 * time.Second

// DefaultSampleSeconds is the hwaccel trial decode duration (§4.6
// "sample_seconds", default 2).
const DefaultSampleSeconds = 2

type ffprobeFormat struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeStream struct {
	CodecType  string `json:"codec_type"`
	CodecName  string `json:"codec_name"`
	Profile    string `json:"profile"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	PixFmt     string `json:"pix_fmt"`
	AvgFrameRate string `json:"avg_frame_rate"`
	RFrameRate   string `json:"r_frame_rate"`
}

// Prober runs ffprobe and optional trial decodes for one camera spec.
type Prober struct {
	FFprobePath  string
	FFmpegPath   string
	Logger       *zap.Logger
	Timeout      time.Duration
	SampleSeconds int
	TrialMatrix  bool // whether to run the optional hwaccel/transport trial
}

func New(logger *zap.Logger) *Prober {
	return &Prober{
		FFprobePath:   "ffprobe",
		FFmpegPath:    "ffmpeg",
		Logger:        logger,
		Timeout:       DefaultTimeout,
		SampleSeconds: DefaultSampleSeconds,
	}
}

// Probe runs ffprobe against spec.URI and, if TrialMatrix is set, follows up
// with the hwaccel/transport trial described in §4.6. It never mutates spec
// or starts any long-lived process.
func (p *Prober) Probe(ctx context.Context, spec model.ResolvedCameraSpec) (*model.ProbeResult, *model.ProbeError) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	args := []string{"-v", "error", "-show_format", "-show_streams", "-print_format", "json"}
	if spec.Mode == model.ModeRTSP {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args, spec.URI)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.FFprobePath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	stderrLines := mask.Lines(strings.Split(stderr.String(), "\n"))

	if err != nil {
		return nil, p.classifyFailure(ctx, stderrLines, err)
	}

	var parsed ffprobeFormat
	if jsonErr := json.Unmarshal(stdout.Bytes(), &parsed); jsonErr != nil {
		return nil, &model.ProbeError{Code: model.ErrInvalidStream, Message: "unparsable ffprobe output: " + jsonErr.Error()}
	}

	var video *ffprobeStream
	for i := range parsed.Streams {
		if parsed.Streams[i].CodecType == "video" {
			video = &parsed.Streams[i]
			break
		}
	}
	if video == nil {
		return nil, &model.ProbeError{Code: model.ErrNoVideoStream, Message: "no video stream in ffprobe output"}
	}

	result := &model.ProbeResult{
		Codec:       video.CodecName,
		Profile:     video.Profile,
		Width:       video.Width,
		Height:      video.Height,
		PixelFormat: video.PixFmt,
		NominalFPS:  parseRate(video.RFrameRate),
		AverageFPS:  parseRate(video.AvgFrameRate),
		Transport:   spec.TransportPreference,
	}

	if p.TrialMatrix {
		p.runTrialMatrix(ctx, spec, result)
	}

	return result, nil
}

// classifyFailure maps an ffprobe exit into the §4.6 failure taxonomy: HTTP
// 401/403 -> AUTH_FAILED, 404 -> INVALID_PATH, network unreachable ->
// NETWORK_UNREACHABLE, "Invalid data found" -> INVALID_STREAM, else
// CONNECT_FAILED.
func (p *Prober) classifyFailure(ctx context.Context, stderrLines []string, cause error) *model.ProbeError {
	if ctx.Err() != nil {
		return &model.ProbeError{Code: model.ErrReadTimeout, Message: "probe timed out"}
	}
	code := model.ClassifyStderr(stderrLines)
	return &model.ProbeError{Code: code, Message: cause.Error()}
}

// candidate is one point in the {tcp, udp} x {hwaccel on, off} trial matrix.
type candidate struct {
	transport model.Transport
	hwaccel   bool
	frames    int
}

// runTrialMatrix performs short trial decodes over {tcp, udp} x {hwaccel on,
// off} for SampleSeconds and records the combination that decoded the most
// frames, per §4.6's optional behavior. It only counts frames via ffmpeg's
// null muxer; it never links a GPU SDK (SPEC_FULL.md supplement 3).
func (p *Prober) runTrialMatrix(ctx context.Context, spec model.ResolvedCameraSpec, result *model.ProbeResult) {
	if spec.Mode != model.ModeRTSP {
		return
	}

	candidates := []candidate{
		{transport: model.TransportTCP, hwaccel: false},
		{transport: model.TransportUDP, hwaccel: false},
		{transport: model.TransportTCP, hwaccel: true},
		{transport: model.TransportUDP, hwaccel: true},
	}

	best := -1
	for i := range candidates {
		candidates[i].frames = p.trialDecode(ctx, spec, candidates[i].transport, candidates[i].hwaccel)
		if best == -1 || candidates[i].frames > candidates[best].frames {
			best = i
		}
	}

	if best >= 0 && candidates[best].frames > 0 {
		result.Transport = candidates[best].transport
		result.HWAccelViable = candidates[best].hwaccel
		result.SampledFrames = candidates[best].frames
	}
}

// trialDecode runs a short ffmpeg decode counting output frames via -f null,
// returning 0 on any failure (a losing candidate, not a reported error).
func (p *Prober) trialDecode(ctx context.Context, spec model.ResolvedCameraSpec, transport model.Transport, hwaccel bool) int {
	trialCtx, cancel := context.WithTimeout(ctx, time.Duration(p.SampleSeconds+2)*time.Second)
	defer cancel()

	args := []string{"-loglevel", "error", "-nostdin"}
	if hwaccel {
		args = append(args, "-hwaccel", "auto")
	}
	args = append(args, "-rtsp_transport", string(transport), "-t", strconv.Itoa(p.SampleSeconds), "-i", spec.URI, "-f", "null", "-")

	var stderr bytes.Buffer
	cmd := exec.CommandContext(trialCtx, p.FFmpegPath, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0
	}
	return countFrameLines(stderr.String())
}

func countFrameLines(stderrOutput string) int {
	count := 0
	for _, line := range strings.Split(stderrOutput, "\n") {
		if strings.Contains(line, "frame=") {
			count++
		}
	}
	return count
}

func parseRate(rate string) float64 {
	parts := strings.SplitN(rate, "/", 2)
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}
