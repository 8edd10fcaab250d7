package config

import (
	"github.com/caarlos0/env/v9"
)

// Config is the process-wide set of environment switches recognized by
// the core (SPEC_FULL.md §6.4) plus the per-camera timing defaults of §5.
type Config struct {
	Server  Server
	Decoder Decoder
	Timing  Timing
}

type Server struct {
	Port       string `env:"PORT" envDefault:"8081"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	ConfigPath string `env:"CONFIG_PATH"`
}

// Decoder holds the ffmpeg/ffprobe/gst-launch invocation switches.
type Decoder struct {
	RTSPForceTCP      bool   `env:"RTSP_TCP" envDefault:"false"`
	FFmpegExtraFlags  string `env:"FFMPEG_EXTRA_FLAGS"`
	RTSPStimeoutUsec  int    `env:"RTSP_STIMEOUT_USEC" envDefault:"5000000"`
	FFprobeTimeoutSec int    `env:"FFPROBE_TIMEOUT_SEC" envDefault:"30"`
	FFmpegPath        string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath       string `env:"FFPROBE_PATH" envDefault:"ffprobe"`
	GstLaunchPath     string `env:"GST_LAUNCH_PATH" envDefault:"gst-launch-1.0"`
}

// Timing holds the per-camera timing defaults of SPEC_FULL.md §5.
type Timing struct {
	QueueMax                  int `env:"QUEUE_MAX" envDefault:"2"`
	TargetFPS                 int `env:"TARGET_FPS" envDefault:"15"`
	FrameJPEGQuality          int `env:"FRAME_JPEG_QUALITY" envDefault:"80"`
	NoFrameTimeoutMS          int `env:"NO_FRAME_TIMEOUT_MS" envDefault:"2000"`
	HeartbeatIntervalMS       int `env:"HEARTBEAT_INTERVAL_MS" envDefault:"1500"`
	FFmpegReconnectDelaySec   int `env:"FFMPEG_RECONNECT_DELAY_SEC" envDefault:"2"`
	ReadyTimeoutSec           int `env:"READY_TIMEOUT_SEC" envDefault:"15"`
	StreamProbeTimeoutSec     int `env:"STREAM_PROBE_TIMEOUT_SEC" envDefault:"10"`
	StreamProbeFallbackTTLSec int `env:"STREAM_PROBE_FALLBACK_TTL_SEC" envDefault:"120"`
}

// New parses Config from the environment, honoring any .env file already
// loaded by the joho/godotenv/autoload import in cmd/previewd/main.go.
func New() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
