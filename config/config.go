package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Pipeline PipelineConfig
	FFmpeg   FFmpegConfig
	Target   TargetConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	PublicBaseURL      string // prefix for media proxy URLs in resolution responses; empty = relative
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/splitcut?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// JWTConfig holds JWT validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds S3 credentials and the artifact bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	Bucket               string
	Endpoint             string // S3-compatible endpoint (MinIO, R2); empty = AWS
	UsePathStyle         bool
	PresignExpireMinutes int
}

// PipelineConfig tunes the job queue and worker pools.
type PipelineConfig struct {
	QueueBackend         string // redis | memory
	NormalizeConcurrency int
	RenderConcurrency    int
	Attempts             int
	Backoff              time.Duration
	NormalizeLockTimeout time.Duration
	RenderLockTimeout    time.Duration
	CompletedRetention   time.Duration
	PollInterval         time.Duration
	WorkDir              string // temp root for job work dirs; empty = os.TempDir()
	EmbeddedWorker       bool   // run the worker pools inside cmd/server
	MetricsAddr          string
}

// FFmpegConfig holds codec tool paths and encoder settings.
type FFmpegConfig struct {
	FFmpegPath    string
	FFprobePath   string
	ProbeTimeout  time.Duration
	EncodeTimeout time.Duration
	CopyTimeout   time.Duration
	Preset        string
	CRF           int
	MaxRate       string
	BufSize       string
	AudioBitrate  string
}

// TargetConfig is the default target spec for new projects.
type TargetConfig struct {
	Width           int
	Height          int
	FPS             float64
	VideoCodec      string
	AudioCodec      string
	AudioSampleRate int
	AudioChannels   int
	PixelFormat     string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 60),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
			PublicBaseURL:      strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "splitcut"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 0)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Bucket:               getEnv("AWS_S3_BUCKET", "splitcut-media"),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
			UsePathStyle:         getEnvBool("AWS_S3_PATH_STYLE", false),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Pipeline: PipelineConfig{
			QueueBackend:         getEnv("QUEUE_BACKEND", "redis"),
			NormalizeConcurrency: getEnvInt("NORMALIZE_CONCURRENCY", 2),
			RenderConcurrency:    getEnvInt("RENDER_CONCURRENCY", 1),
			Attempts:             getEnvInt("JOB_ATTEMPTS", 3),
			Backoff:              getEnvDuration("JOB_BACKOFF", 5*time.Second),
			NormalizeLockTimeout: getEnvDuration("NORMALIZE_LOCK_TIMEOUT", 5*time.Minute),
			RenderLockTimeout:    getEnvDuration("RENDER_LOCK_TIMEOUT", 10*time.Minute),
			CompletedRetention:   getEnvDuration("JOB_COMPLETED_RETENTION", time.Hour),
			PollInterval:         getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
			WorkDir:              getEnv("PIPELINE_WORK_DIR", ""),
			EmbeddedWorker:       getEnvBool("EMBEDDED_WORKER", false),
			MetricsAddr:          getEnv("METRICS_ADDR", ":9090"),
		},
		FFmpeg: FFmpegConfig{
			FFmpegPath:    getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:   getEnv("FFPROBE_PATH", "ffprobe"),
			ProbeTimeout:  getEnvDuration("FFPROBE_TIMEOUT", time.Minute),
			EncodeTimeout: getEnvDuration("FFMPEG_ENCODE_TIMEOUT", 30*time.Minute),
			CopyTimeout:   getEnvDuration("FFMPEG_COPY_TIMEOUT", 5*time.Minute),
			Preset:        getEnv("FFMPEG_PRESET", "veryfast"),
			CRF:           getEnvInt("FFMPEG_CRF", 23),
			MaxRate:       getEnv("FFMPEG_MAXRATE", "4M"),
			BufSize:       getEnv("FFMPEG_BUFSIZE", "8M"),
			AudioBitrate:  getEnv("FFMPEG_AUDIO_BITRATE", "96k"),
		},
		Target: TargetConfig{
			Width:           getEnvInt("TARGET_WIDTH", 1080),
			Height:          getEnvInt("TARGET_HEIGHT", 1920),
			FPS:             getEnvFloat("TARGET_FPS", 30),
			VideoCodec:      getEnv("TARGET_VIDEO_CODEC", "libx264"),
			AudioCodec:      getEnv("TARGET_AUDIO_CODEC", "aac"),
			AudioSampleRate: getEnvInt("TARGET_AUDIO_SAMPLE_RATE", 48000),
			AudioChannels:   getEnvInt("TARGET_AUDIO_CHANNELS", 2),
			PixelFormat:     getEnv("TARGET_PIXEL_FORMAT", "yuv420p"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Pipeline.QueueBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("QUEUE_BACKEND must be redis or memory, got %q", c.Pipeline.QueueBackend)
	}
	if c.Pipeline.NormalizeConcurrency < 1 || c.Pipeline.RenderConcurrency < 1 {
		return fmt.Errorf("pipeline concurrency must be at least 1")
	}
	if c.Target.Width <= 0 || c.Target.Height <= 0 || c.Target.FPS <= 0 {
		return fmt.Errorf("target width, height and fps must be positive")
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// SplitTrim splits a comma-separated list, dropping blanks.
func SplitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
