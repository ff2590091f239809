package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	Server        ServerConfig
	Storage       StorageConfig
	Upstream      UpstreamConfig
	Pipeline      PipelineConfig
	Auth          AuthConfig
	Redis         RedisConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string
	Port string
	// PublicBaseURL is the externally reachable prefix used when building
	// delivery URLs, e.g. "http://media.example.com:9000".
	PublicBaseURL string
}

// StorageConfig holds file layout configuration.
type StorageConfig struct {
	// StagingDir holds transient per-job fetch and merge artifacts.
	StagingDir string
	// VideoDir holds one canonical file per content item.
	VideoDir string
	// DatabasePath is the sqlite database file.
	DatabasePath string
}

// UpstreamConfig holds the metadata provider configuration.
type UpstreamConfig struct {
	BaseURL string
}

// PipelineConfig holds acquisition pipeline tuning.
type PipelineConfig struct {
	FFmpegPath    string
	MaxConcurrent int
	FetchTimeout  time.Duration
	BatchDelay    time.Duration
}

// AuthConfig holds token signing configuration.
type AuthConfig struct {
	JWTSecret      string
	TokenTTL       time.Duration
	IdentityIssuer string
}

// RedisConfig holds the counter store configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Default values
const (
	DefaultPort          = "9000"
	DefaultHost          = "0.0.0.0"
	DefaultStagingDir    = "downloads"
	DefaultVideoDir      = "videos"
	DefaultDatabasePath  = "data/server.db"
	DefaultUpstreamBase  = "https://api.bilibili.com"
	DefaultFFmpegPath    = "ffmpeg"
	DefaultMaxConcurrent = 2
	DefaultFetchTimeout  = 30 * time.Second
	DefaultBatchDelay    = 2 * time.Second
	DefaultTokenTTL      = time.Hour
	DefaultRedisAddr     = "localhost:6379"
	DefaultOTLPEndpoint  = "localhost:4317"
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		Server: ServerConfig{
			Host:          getEnv("HOST", DefaultHost),
			Port:          getEnv("PORT", DefaultPort),
			PublicBaseURL: os.Getenv("PUBLIC_BASE_URL"),
		},
		Storage: StorageConfig{
			StagingDir:   getEnv("STAGING_DIR", DefaultStagingDir),
			VideoDir:     getEnv("VIDEO_DIR", DefaultVideoDir),
			DatabasePath: getEnv("DATABASE_PATH", DefaultDatabasePath),
		},
		Upstream: UpstreamConfig{
			BaseURL: getEnv("UPSTREAM_BASE_URL", DefaultUpstreamBase),
		},
		Pipeline: PipelineConfig{
			FFmpegPath:    getEnv("FFMPEG_PATH", DefaultFFmpegPath),
			MaxConcurrent: getEnvInt("MAX_CONCURRENT_MERGES", DefaultMaxConcurrent),
			FetchTimeout:  getEnvDuration("FETCH_TIMEOUT", DefaultFetchTimeout),
			BatchDelay:    getEnvDuration("BATCH_DELAY", DefaultBatchDelay),
		},
		Auth: AuthConfig{
			JWTSecret:      os.Getenv("JWT_SECRET"),
			TokenTTL:       getEnvDuration("DOWNLOAD_TOKEN_TTL", DefaultTokenTTL),
			IdentityIssuer: getEnv("IDENTITY_ISSUER", "bilibili-server"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", DefaultRedisAddr),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
	}

	if cfg.Server.PublicBaseURL == "" {
		cfg.Server.PublicBaseURL = fmt.Sprintf("http://%s:%s", cfg.Server.Host, cfg.Server.Port)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for the server process.
func (c *Config) Validate() error {
	var errs []string

	if c.Pipeline.MaxConcurrent < 1 {
		errs = append(errs, "MAX_CONCURRENT_MERGES must be at least 1")
	}
	if c.Storage.StagingDir == "" {
		errs = append(errs, "STAGING_DIR is required")
	}
	if c.Storage.VideoDir == "" {
		errs = append(errs, "VIDEO_DIR is required")
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(c.Auth.JWTSecret) < 32 && c.IsProduction() {
		errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
