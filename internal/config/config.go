package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Worker    WorkerConfig
	Pipeline  PipelineConfig
	S3        S3Config
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	URL         string
	AutoMigrate bool
}

// WorkerConfig describes the external generation worker
type WorkerConfig struct {
	DescribeFullSongURL            string
	GenerateWithLyricsURL          string
	GenerateFromDescribedLyricsURL string
	Key                            string
	Secret                         string
	DispatchTimeout                time.Duration
}

type PipelineConfig struct {
	Concurrency    int
	MaxRetry       int
	ReaperInterval time.Duration
	OwnerPollDelay time.Duration
	TicketTTL      time.Duration
}

type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Endpoint        string
	PresignExpiry   time.Duration
}

type RateLimitConfig struct {
	GeneratePerHour int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_URL")
	readSecret("MODAL_KEY")
	readSecret("MODAL_SECRET")
	readSecret("AWS_ACCESS_KEY_ID")
	readSecret("AWS_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("database.auto_migrate", "DATABASE_AUTO_MIGRATE")
	_ = viper.BindEnv("worker.describe_full_song_url", "GENERATE_FROM_DESCRIPTION")
	_ = viper.BindEnv("worker.generate_with_lyrics_url", "GENERATE_WITH_LYRICS")
	_ = viper.BindEnv("worker.generate_from_described_lyrics_url", "GENERATE_FROM_DESCRIBED_LYRICS")
	_ = viper.BindEnv("worker.key", "MODAL_KEY")
	_ = viper.BindEnv("worker.secret", "MODAL_SECRET")
	_ = viper.BindEnv("worker.dispatch_timeout", "WORKER_DISPATCH_TIMEOUT")
	_ = viper.BindEnv("pipeline.concurrency", "PIPELINE_CONCURRENCY")
	_ = viper.BindEnv("pipeline.max_retry", "PIPELINE_MAX_RETRY")
	_ = viper.BindEnv("pipeline.reaper_interval", "PIPELINE_REAPER_INTERVAL")
	_ = viper.BindEnv("pipeline.owner_poll_delay", "PIPELINE_OWNER_POLL_DELAY")
	_ = viper.BindEnv("pipeline.ticket_ttl", "PIPELINE_TICKET_TTL")
	_ = viper.BindEnv("s3.region", "AWS_REGION")
	_ = viper.BindEnv("s3.access_key_id", "AWS_ACCESS_KEY_ID")
	_ = viper.BindEnv("s3.secret_access_key", "AWS_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("s3.bucket_name", "AWS_S3_BUCKET_NAME")
	_ = viper.BindEnv("s3.endpoint", "AWS_S3_ENDPOINT")
	_ = viper.BindEnv("s3.presign_expiry", "AWS_S3_PRESIGN_EXPIRY")
	_ = viper.BindEnv("ratelimit.generate_per_hour", "RATELIMIT_GENERATE_PER_HOUR")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("database.auto_migrate", true)
	viper.SetDefault("ratelimit.generate_per_hour", 20)

	// Worker defaults
	viper.SetDefault("worker.dispatch_timeout", 15*time.Minute)

	// Pipeline defaults
	viper.SetDefault("pipeline.concurrency", 10)
	viper.SetDefault("pipeline.max_retry", 3)
	viper.SetDefault("pipeline.reaper_interval", time.Minute)
	viper.SetDefault("pipeline.owner_poll_delay", 10*time.Second)
	viper.SetDefault("pipeline.ticket_ttl", 2*time.Hour)

	// S3 defaults
	viper.SetDefault("s3.region", "us-east-1")
	viper.SetDefault("s3.presign_expiry", time.Hour)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			URL:         viper.GetString("database.url"),
			AutoMigrate: viper.GetBool("database.auto_migrate"),
		},
		Worker: WorkerConfig{
			DescribeFullSongURL:            viper.GetString("worker.describe_full_song_url"),
			GenerateWithLyricsURL:          viper.GetString("worker.generate_with_lyrics_url"),
			GenerateFromDescribedLyricsURL: viper.GetString("worker.generate_from_described_lyrics_url"),
			Key:                            viper.GetString("worker.key"),
			Secret:                         viper.GetString("worker.secret"),
			DispatchTimeout:                viper.GetDuration("worker.dispatch_timeout"),
		},
		Pipeline: PipelineConfig{
			Concurrency:    viper.GetInt("pipeline.concurrency"),
			MaxRetry:       viper.GetInt("pipeline.max_retry"),
			ReaperInterval: viper.GetDuration("pipeline.reaper_interval"),
			OwnerPollDelay: viper.GetDuration("pipeline.owner_poll_delay"),
			TicketTTL:      viper.GetDuration("pipeline.ticket_ttl"),
		},
		S3: S3Config{
			Region:          viper.GetString("s3.region"),
			AccessKeyID:     viper.GetString("s3.access_key_id"),
			SecretAccessKey: viper.GetString("s3.secret_access_key"),
			BucketName:      viper.GetString("s3.bucket_name"),
			Endpoint:        viper.GetString("s3.endpoint"),
			PresignExpiry:   viper.GetDuration("s3.presign_expiry"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: viper.GetInt("ratelimit.generate_per_hour"),
		},
	}

	return cfg, nil
}
