package config

import (
	"errors"
	"fmt"
	"os"
	"time"
	"voxpipe/pkg/logger"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const DefaultPath = "configs/config.yaml"

type Config struct {
	Log struct {
		Level       string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
		Development bool   `yaml:"development" env:"LOG_DEVELOPMENT" env-default:"false"`
	} `yaml:"log"`

	Store StoreConfig `yaml:"store"`

	Artifacts struct {
		Root string `yaml:"root" env:"ARTIFACTS_ROOT" env-default:"downloads"`
	} `yaml:"artifacts"`

	Download   DownloadConfig   `yaml:"download"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`

	Redis struct {
		Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
		Password string        `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
		DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
		TTL      time.Duration `yaml:"ttl" env:"REDIS_TTL" env-default:"720h"`
	} `yaml:"redis"`

	RabbitMQ struct {
		URL string `yaml:"url" env:"RABBITMQ_URL"`
	} `yaml:"rabbitmq"`

	S3 struct {
		Endpoint  string `yaml:"endpoint" env:"S3_ENDPOINT"`
		Region    string `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
		AccessKey string `yaml:"access_key" env:"S3_ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"S3_SECRET_KEY"`
		Bucket    string `yaml:"bucket" env:"S3_BUCKET"`
	} `yaml:"s3"`

	Telegram struct {
		Token  string `yaml:"token" env:"TELEGRAM_BOT_TOKEN"`
		ChatID int64  `yaml:"chat_id" env:"TELEGRAM_CHAT_ID"`
	} `yaml:"telegram"`

	Metrics struct {
		Addr string `yaml:"addr" env:"METRICS_ADDR"`
	} `yaml:"metrics"`
}

type StoreConfig struct {
	Driver     string `yaml:"driver" env:"STORE_DRIVER" env-default:"mongo"`
	URI        string `yaml:"uri" env:"STORE_URI" env-default:"mongodb://localhost:27017"`
	Database   string `yaml:"database" env:"STORE_DATABASE" env-default:"dashboard_whatsapp"`
	Collection string `yaml:"collection" env:"STORE_COLLECTION" env-default:"diarios"`
	Migrations string `yaml:"migrations" env:"STORE_MIGRATIONS" env-default:"migrations"`
}

type DownloadConfig struct {
	Timeout         time.Duration `yaml:"timeout" env:"DOWNLOAD_TIMEOUT" env-default:"60s"`
	MaxAttempts     int           `yaml:"max_attempts" env:"DOWNLOAD_MAX_ATTEMPTS" env-default:"3"`
	InitialBackoff  time.Duration `yaml:"initial_backoff" env:"DOWNLOAD_INITIAL_BACKOFF" env-default:"1s"`
	MaxBackoff      time.Duration `yaml:"max_backoff" env:"DOWNLOAD_MAX_BACKOFF" env-default:"30s"`
	RequestsPerSec  int           `yaml:"requests_per_second" env:"DOWNLOAD_RPS" env-default:"0"`
	UserAgent       string        `yaml:"user_agent" env:"DOWNLOAD_USER_AGENT" env-default:"voxpipe/1.0"`
	AllowLocalFiles bool          `yaml:"allow_local_files" env:"DOWNLOAD_ALLOW_LOCAL_FILES" env-default:"false"`
}

type TranscribeConfig struct {
	EngineURL         string        `yaml:"engine_url" env:"ENGINE_URL" env-default:"http://localhost:8000"`
	APIKey            string        `yaml:"api_key" env:"ENGINE_API_KEY"`
	Model             string        `yaml:"model" env:"WHISPER_MODEL" env-default:"medium"`
	Language          string        `yaml:"language" env:"WHISPER_LANGUAGE" env-default:"pt"`
	BatchSize         int           `yaml:"batch_size" env:"GPU_BATCH_SIZE" env-default:"4"`
	EngineConcurrency int           `yaml:"engine_concurrency" env:"ENGINE_CONCURRENCY" env-default:"1"`
	Timeout           time.Duration `yaml:"timeout" env:"TRANSCRIBE_TIMEOUT" env-default:"10m"`
	MaxAttempts       int           `yaml:"max_attempts" env:"TRANSCRIBE_MAX_ATTEMPTS" env-default:"3"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" env:"TRANSCRIBE_INITIAL_BACKOFF" env-default:"2s"`
	BreakerFailures   int           `yaml:"breaker_failures" env:"ENGINE_BREAKER_FAILURES" env-default:"5"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown" env:"ENGINE_BREAKER_COOLDOWN" env-default:"1m"`
}

type PipelineConfig struct {
	Workers         int           `yaml:"workers" env:"MAX_CONCURRENT_JOBS" env-default:"8"`
	PerConversation int           `yaml:"per_conversation" env:"PER_CONVERSATION_JOBS" env-default:"4"`
	BatchLimit      int           `yaml:"batch_limit" env:"BATCH_LIMIT" env-default:"50"`
	Interval        time.Duration `yaml:"interval" env:"POLL_INTERVAL" env-default:"30s"`
	StaleAfter      time.Duration `yaml:"stale_after" env:"STALE_AFTER" env-default:"30m"`
	AutoReset       bool          `yaml:"auto_reset" env:"AUTO_RESET_ERRORS" env-default:"false"`
}

// Path resolves the config file location from VOXPIPE_CONFIG or the default.
func Path() string {
	if p := os.Getenv("VOXPIPE_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// LoadConfig reads path (if it exists) and then the environment.
func LoadConfig(path string) (*Config, error) {
	// Load .env file
	_ = godotenv.Load()

	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Config loaded successfully",
		zap.String("path", path),
		zap.String("store", cfg.Store.Driver))
	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "mongo", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be mongo, postgres or memory, got %q", c.Store.Driver))
	}
	if c.Artifacts.Root == "" {
		errs = append(errs, errors.New("artifacts.root is required"))
	}
	if c.Download.MaxAttempts < 1 {
		errs = append(errs, errors.New("download.max_attempts must be at least 1"))
	}
	if c.Download.Timeout <= 0 {
		errs = append(errs, errors.New("download.timeout must be positive"))
	}
	if c.Transcribe.MaxAttempts < 1 {
		errs = append(errs, errors.New("transcribe.max_attempts must be at least 1"))
	}
	if c.Transcribe.BatchSize < 1 || c.Transcribe.EngineConcurrency < 1 {
		errs = append(errs, errors.New("transcribe.batch_size and engine_concurrency must be at least 1"))
	}
	if c.Pipeline.Workers < 1 || c.Pipeline.PerConversation < 1 {
		errs = append(errs, errors.New("pipeline.workers and per_conversation must be at least 1"))
	}
	if c.Pipeline.StaleAfter <= 0 {
		errs = append(errs, errors.New("pipeline.stale_after must be positive"))
	}
	return errors.Join(errs...)
}
