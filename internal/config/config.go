package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RenditionProfile is one entry of the transcoder ladder.
type RenditionProfile struct {
	Name    string
	Width   int
	Height  int
	Bitrate int64 // bits per second
	FPS     int
}

// Config is the single typed configuration value for the whole process.
// Every option recognized by the resumable session protocol and pipeline
// orchestrator lives here; defaults are compiled in and overridden by
// environment variables at Load time.
type Config struct {
	AppEnv  string
	AppName string
	AppPort string

	DBHost                   string
	DBPort                   string
	DBUser                   string
	DBPassword               string
	DBName                   string
	DBSSLMode                string
	DBMaxOpenConns           int
	DBMaxIdleConns           int
	DBConnMaxLifetimeMinutes int

	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisMaxRetries   int

	MetricsPort string
	LogLevel    string

	BlobBackend       string // "s3" | "azure"
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	PinBucket         string
	AzureContainerURL string

	TranscodeWorkDir  string
	FFprobePath       string
	FFmpegPath        string
	SegmentDurSeconds int

	MaxFileSizeBytes      int64
	ChunkSizeBytes        int64
	MinChunkSizeBytes     int64
	MaxChunkSizeBytes     int64
	ChunkSizeMultiple     int64
	SessionRetentionDays  int
	PipelineConcurrency   int
	StageRetryMax         int
	StageRetryBackoffBase time.Duration
	StageRetryBackoffFac  float64
	StageRetryBackoffCap  time.Duration
	ThumbnailCount        int
	PinVerify             bool
	AcceptedMimeTypes     map[string]bool
	RenditionLadder       []RenditionProfile
}

// Default returns the compiled-in defaults named in spec §6.3 before any
// environment override is applied.
func Default() *Config {
	return &Config{
		AppEnv:  "development",
		AppName: "uploadcore",
		AppPort: "8080",

		DBSSLMode:                "disable",
		DBMaxOpenConns:           25,
		DBMaxIdleConns:           10,
		DBConnMaxLifetimeMinutes: 30,

		RedisPoolSize:     10,
		RedisMinIdleConns: 5,
		RedisMaxRetries:   3,

		MetricsPort: "9090",
		LogLevel:    "info",

		BlobBackend: "s3",

		TranscodeWorkDir:  "/tmp/uploadcore-transcode",
		FFprobePath:       "ffprobe",
		FFmpegPath:        "ffmpeg",
		SegmentDurSeconds: 6,

		MaxFileSizeBytes:      20 * 1024 * 1024 * 1024, // 20 GiB
		ChunkSizeBytes:        8 * 1024 * 1024,          // 8 MiB
		MinChunkSizeBytes:     256 * 1024,
		MaxChunkSizeBytes:     64 * 1024 * 1024,
		ChunkSizeMultiple:     256 * 1024,
		SessionRetentionDays:  30,
		PipelineConcurrency:   0, // 0 => CPU count, resolved by the caller
		StageRetryMax:         3,
		StageRetryBackoffBase: 5 * time.Second,
		StageRetryBackoffFac:  2,
		StageRetryBackoffCap:  10 * time.Minute,
		ThumbnailCount:        5,
		PinVerify:             false,
		AcceptedMimeTypes: map[string]bool{
			"video/mp4":        true,
			"video/quicktime":  true,
			"video/x-matroska": true,
		},
		RenditionLadder: []RenditionProfile{
			{Name: "240p", Width: 426, Height: 240, Bitrate: 400_000, FPS: 30},
			{Name: "360p", Width: 640, Height: 360, Bitrate: 800_000, FPS: 30},
			{Name: "720p", Width: 1280, Height: 720, Bitrate: 2_000_000, FPS: 30},
			{Name: "1080p", Width: 1920, Height: 1080, Bitrate: 5_000_000, FPS: 30},
			{Name: "4k", Width: 3840, Height: 2160, Bitrate: 15_000_000, FPS: 30},
		},
	}
}

// Load builds a Config from the compiled-in defaults overridden by
// environment variables. Required connection settings (DB, Redis) must be
// present or Load fails fast.
func Load() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.AppEnv = v
	}
	if v := os.Getenv("APP_NAME"); v != "" {
		cfg.AppName = v
	}
	if v := os.Getenv("APP_PORT"); v != "" {
		cfg.AppPort = v
	}

	cfg.DBHost = os.Getenv("DB_HOST")
	cfg.DBPort = os.Getenv("DB_PORT")
	cfg.DBUser = os.Getenv("DB_USER")
	cfg.DBPassword = os.Getenv("DB_PASSWORD")
	cfg.DBName = os.Getenv("DB_NAME")
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		cfg.DBSSLMode = v
	}
	if err := intEnv("DB_MAX_OPEN_CONNS", &cfg.DBMaxOpenConns); err != nil {
		return nil, err
	}
	if err := intEnv("DB_MAX_IDLE_CONNS", &cfg.DBMaxIdleConns); err != nil {
		return nil, err
	}
	if err := intEnv("DB_CONN_MAX_LIFETIME_MINUTES", &cfg.DBConnMaxLifetimeMinutes); err != nil {
		return nil, err
	}

	cfg.RedisHost = os.Getenv("REDIS_HOST")
	cfg.RedisPort = os.Getenv("REDIS_PORT")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if err := intEnv("REDIS_DB", &cfg.RedisDB); err != nil {
		return nil, err
	}
	if err := intEnv("REDIS_POOL_SIZE", &cfg.RedisPoolSize); err != nil {
		return nil, err
	}
	if err := intEnv("REDIS_MIN_IDLE_CONNS", &cfg.RedisMinIdleConns); err != nil {
		return nil, err
	}
	if err := intEnv("REDIS_MAX_RETRIES", &cfg.RedisMaxRetries); err != nil {
		return nil, err
	}

	if v := os.Getenv("METRICS_PORT"); v != "" {
		cfg.MetricsPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("BLOB_BACKEND"); v != "" {
		cfg.BlobBackend = v
	}
	cfg.S3Bucket = envOr("S3_BUCKET", cfg.S3Bucket)
	cfg.S3Region = envOr("S3_REGION", cfg.S3Region)
	cfg.S3Endpoint = envOr("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.PinBucket = envOr("PIN_BUCKET", cfg.PinBucket)
	cfg.AzureContainerURL = envOr("AZURE_CONTAINER_URL", cfg.AzureContainerURL)

	cfg.TranscodeWorkDir = envOr("TRANSCODE_WORK_DIR", cfg.TranscodeWorkDir)
	cfg.FFprobePath = envOr("FFPROBE_PATH", cfg.FFprobePath)
	cfg.FFmpegPath = envOr("FFMPEG_PATH", cfg.FFmpegPath)
	if err := intEnv("SEGMENT_DUR_SECONDS", &cfg.SegmentDurSeconds); err != nil {
		return nil, err
	}

	if err := int64Env("MAX_FILE_SIZE_BYTES", &cfg.MaxFileSizeBytes); err != nil {
		return nil, err
	}
	if err := int64Env("CHUNK_SIZE_BYTES", &cfg.ChunkSizeBytes); err != nil {
		return nil, err
	}
	if err := intEnv("SESSION_RETENTION_DAYS", &cfg.SessionRetentionDays); err != nil {
		return nil, err
	}
	if err := intEnv("PIPELINE_CONCURRENCY", &cfg.PipelineConcurrency); err != nil {
		return nil, err
	}
	if err := intEnv("STAGE_RETRY_MAX", &cfg.StageRetryMax); err != nil {
		return nil, err
	}
	if err := intEnv("THUMBNAIL_COUNT", &cfg.ThumbnailCount); err != nil {
		return nil, err
	}
	if v := os.Getenv("PIN_VERIFY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PIN_VERIFY: %w", err)
		}
		cfg.PinVerify = b
	}
	if v := os.Getenv("ACCEPTED_MIME_TYPES"); v != "" {
		cfg.AcceptedMimeTypes = map[string]bool{}
		for _, mt := range strings.Split(v, ",") {
			mt = strings.TrimSpace(mt)
			if mt != "" {
				cfg.AcceptedMimeTypes[mt] = true
			}
		}
	}

	cfg.ChunkSizeBytes = ClampChunkSize(cfg.ChunkSizeBytes, cfg.MinChunkSizeBytes, cfg.MaxChunkSizeBytes, cfg.ChunkSizeMultiple)

	if cfg.AppEnv == "" || cfg.DBHost == "" || cfg.DBPort == "" || cfg.DBUser == "" || cfg.DBName == "" || cfg.RedisHost == "" {
		return nil, fmt.Errorf("missing required environment variables")
	}
	return cfg, nil
}

// ClampChunkSize rounds a requested chunk size into [min, max] as a multiple
// of `multiple`, per spec §6.3's chunk_size_bytes rule.
func ClampChunkSize(requested, min, max, multiple int64) int64 {
	if requested <= 0 {
		requested = min
	}
	if requested < min {
		requested = min
	}
	if requested > max {
		requested = max
	}
	if multiple > 0 {
		requested -= requested % multiple
		if requested < min {
			requested = min
		}
	}
	return requested
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = i
	return nil
}

func int64Env(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = i
	return nil
}
