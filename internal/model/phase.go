package model

// Phase is a ReconnectController state (SPEC_FULL.md §4.5).
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhaseConnecting  Phase = "CONNECTING"
	PhaseReady       Phase = "READY"
	PhaseStalled     Phase = "STALLED"
	PhaseCooldown    Phase = "COOLDOWN"
	PhaseOpenBreaker Phase = "OPEN_BREAKER"
	PhaseStopped     Phase = "STOPPED"
)

// Stats is the enumerate()/stats() response shape of SPEC_FULL.md §4.1/§6.1.
type Stats struct {
	ID                  string
	GenerationID        string // changes on every reload; lets subscribers detect a sequence reset
	Phase               Phase
	LastError           ErrorCode
	ConsecutiveFailures int
	NextAttemptAt       int64 // unix millis, 0 if not scheduled
	FPSIn               float64
	FPSOut              float64
	Width               int
	Height              int
}

// ProbeResult is the outcome of a successful StreamProber run.
type ProbeResult struct {
	Codec          string
	Profile        string
	Width          int
	Height         int
	PixelFormat    string
	NominalFPS     float64
	AverageFPS     float64
	Transport      Transport
	HWAccelViable  bool
	SampledFrames  int
}

// ProbeError is the outcome of a failed StreamProber run.
type ProbeError struct {
	Code    ErrorCode
	Message string
}

func (e *ProbeError) Error() string { return string(e.Code) + ": " + e.Message }
