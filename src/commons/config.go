package commons

import (
	"flag"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	Release bool   `env:"ANNOT_RELEASE" envDefault:"false"`
	Listen  string `env:"ANNOT_LISTEN"  envDefault:":5000"`

	UploadsDir  string `env:"ANNOT_UPLOADS_DIR"  envDefault:"../uploads/"`
	FramesDir   string `env:"ANNOT_FRAMES_DIR"   envDefault:"../frames/"`
	OverlaysDir string `env:"ANNOT_OVERLAYS_DIR" envDefault:"../overlays/"`
	VideosDir   string `env:"ANNOT_VIDEOS_DIR"   envDefault:"../annotated/"`
	PublicURL   string `env:"ANNOT_PUBLIC_URL"`

	MaxUploadBytes int64 `env:"ANNOT_MAX_UPLOAD_BYTES" envDefault:"33554432"`

	ModelURL     string        `env:"ANNOT_MODEL_URL"     envDefault:"http://127.0.0.1:9000"`
	ModelTimeout time.Duration `env:"ANNOT_MODEL_TIMEOUT" envDefault:"10m"`

	FFmpegPath    string  `env:"ANNOT_FFMPEG"         envDefault:"ffmpeg"`
	FFprobePath   string  `env:"ANNOT_FFPROBE"        envDefault:"ffprobe"`
	OutputFPS     float64 `env:"ANNOT_OUTPUT_FPS"     envDefault:"30"`
	RenderWorkers int     `env:"ANNOT_RENDER_WORKERS" envDefault:"4"`

	RedisAddress        string        `env:"ANNOT_REDIS_ADDRESS"`
	RedisMaxConnections int           `env:"ANNOT_REDIS_MAX_CONNECTIONS" envDefault:"50"`
	ResultTTL           time.Duration `env:"ANNOT_RESULT_TTL"            envDefault:"1h"`

	SentryDSN         string `env:"ANNOT_SENTRY_DSN"`
	SentryEnvironment string `env:"ANNOT_SENTRY_ENVIRONMENT" envDefault:"development"`
	TracingEndpoint   string `env:"ANNOT_TRACING_ENDPOINT"`

	LogLevel  string `env:"ANNOT_LOG_LEVEL"  envDefault:"debug"`
	LogFormat string `env:"ANNOT_LOG_FORMAT" envDefault:"text"`
}

// LoadConfig reads an optional dotenv file into the environment and
// parses the environment into a Config. A missing dotenv file is fine.
func LoadConfig(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		if _, err := os.Stat(dotenvPath); err == nil {
			if err := godotenv.Load(dotenvPath); err != nil {
				return nil, errors.Wrap(err, "couldn't load "+dotenvPath)
			}
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "couldn't parse environment")
	}
	return cfg, nil
}

// RegisterFlags binds the config fields to command line flags. The
// current values (environment or defaults) become the flag defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.Release, "release", c.Release, "Run in release mode")
	fs.StringVar(&c.Listen, "listen", c.Listen, "Address the HTTP server listens on")

	fs.StringVar(&c.UploadsDir, "uploads-dir", c.UploadsDir, "Location of the uploaded videos")
	fs.StringVar(&c.FramesDir, "frames-dir", c.FramesDir, "Location of the extracted frames (one folder per video)")
	fs.StringVar(&c.OverlaysDir, "overlays-dir", c.OverlaysDir, "Location of the rendered overlay images")
	fs.StringVar(&c.VideosDir, "videos-dir", c.VideosDir, "Location of the annotated videos")
	fs.StringVar(&c.PublicURL, "public-url", c.PublicURL, "Base URL used for frame links (defaults to the request host)")
	fs.Int64Var(&c.MaxUploadBytes, "max-upload-bytes", c.MaxUploadBytes, "Largest accepted upload request in bytes, 0 for no limit")

	fs.StringVar(&c.ModelURL, "model-url", c.ModelURL, "Address of the segmentation model server")
	fs.DurationVar(&c.ModelTimeout, "model-timeout", c.ModelTimeout, "Timeout for a single segmentation model call")

	fs.StringVar(&c.FFmpegPath, "ffmpeg", c.FFmpegPath, "Path to the ffmpeg binary")
	fs.StringVar(&c.FFprobePath, "ffprobe", c.FFprobePath, "Path to the ffprobe binary")
	fs.Float64Var(&c.OutputFPS, "output-fps", c.OutputFPS, "Frame rate of the annotated video")
	fs.IntVar(&c.RenderWorkers, "render-workers", c.RenderWorkers, "The number of workers that composite frames")

	fs.StringVar(&c.RedisAddress, "redis-address", c.RedisAddress, "Address to the Redis server (empty: in-memory cache)")
	fs.IntVar(&c.RedisMaxConnections, "redis-max-connections", c.RedisMaxConnections, "Max connections to Redis")
	fs.DurationVar(&c.ResultTTL, "result-ttl", c.ResultTTL, "How long propagation results are cached")

	fs.StringVar(&c.SentryDSN, "sentry-dsn", c.SentryDSN, "Sentry DSN (empty: disabled)")
	fs.StringVar(&c.SentryEnvironment, "sentry-environment", c.SentryEnvironment, "Sentry environment")
	fs.StringVar(&c.TracingEndpoint, "tracing-endpoint", c.TracingEndpoint, "OTLP/HTTP traces endpoint (empty: disabled)")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format (text or json)")
}

func (c *Config) Validate() error {
	if c.OutputFPS <= 0 {
		return Errorf(ValidationError, "output fps must be positive, got %v", c.OutputFPS)
	}
	if c.RenderWorkers < 1 {
		return Errorf(ValidationError, "render workers must be at least 1, got %d", c.RenderWorkers)
	}
	if c.ModelURL == "" {
		return Errorf(ValidationError, "model url is missing")
	}
	return nil
}
