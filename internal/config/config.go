package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AIConfig struct {
	Provider        string            `yaml:"provider"` // openai | gemini | stub
	OpenAIKey       string            `yaml:"openai_key"`
	OpenAIBaseURL   string            `yaml:"openai_base_url"`
	GeminiKey       string            `yaml:"gemini_key"`
	GeminiURL       string            `yaml:"gemini_url"`
	DefaultModel    string            `yaml:"default_model"`
	ModelProviders  map[string]string `yaml:"model_providers"`  // model -> provider
	ConcurrentLimit int               `yaml:"concurrent_limit"` // max concurrent AI calls
	CallTimeout     time.Duration     `yaml:"call_timeout"`
	MaxAttempts     int               `yaml:"max_attempts"`
	RetryBaseDelay  time.Duration     `yaml:"retry_base_delay"`
	RetryMaxDelay   time.Duration     `yaml:"retry_max_delay"`
	Temperature     float64           `yaml:"temperature"`
	MaxOutputTokens int               `yaml:"max_output_tokens"`
}

type ModelRateConfig struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

type PricingConfig struct {
	SmallTokenThreshold  int                        `yaml:"small_token_threshold"`
	MinCharge            int64                      `yaml:"min_charge"`
	MediumTokenThreshold int                        `yaml:"medium_token_threshold"`
	MediumCharge         int64                      `yaml:"medium_charge"`
	CachedMultiplier     float64                    `yaml:"cached_multiplier"`
	DefaultRate          ModelRateConfig            `yaml:"default_rate"`
	Models               map[string]ModelRateConfig `yaml:"models"`
}

type WorkerConfig struct {
	PoolSize          int           `yaml:"pool_size"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatGrace    time.Duration `yaml:"heartbeat_grace"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	SoftLimit         time.Duration `yaml:"soft_limit"`
	HardLimit         time.Duration `yaml:"hard_limit"`
}

type CacheConfig struct {
	CompletionTTL time.Duration `yaml:"completion_ttl"`
}

type SessionConfig struct {
	Retention        time.Duration `yaml:"retention"`
	MaxFiles         int           `yaml:"max_files"`
	SubmitsPerMinute int           `yaml:"submits_per_minute"`
	MaxFileBytes     int64         `yaml:"max_file_bytes"`
}

type GenerationConfig struct {
	Topics          int     `yaml:"topics"`
	Flashcards      int     `yaml:"flashcards"`
	Questions       int     `yaml:"questions"`
	MinItems        int     `yaml:"min_items"`
	OverfetchFactor float64 `yaml:"overfetch_factor"`
	MinRequest      int     `yaml:"min_request"`
	MaxInputChars   int     `yaml:"max_input_chars"`
}

type ReaperConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

type APIConfig struct {
	Port           int           `yaml:"port"`
	JWTSecret      string        `yaml:"jwt_secret"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	AI         AIConfig         `yaml:"ai"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Worker     WorkerConfig     `yaml:"worker"`
	Cache      CacheConfig      `yaml:"cache"`
	Session    SessionConfig    `yaml:"session"`
	Generation GenerationConfig `yaml:"generation"`
	Reaper     ReaperConfig     `yaml:"reaper"`
	API        APIConfig        `yaml:"api"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, overlays a local .env file (if any)
// and secret environment variables, then applies defaults and validates.
func LoadConfig(path string, dev bool) (*Config, error) {
	_ = godotenv.Load() // .env is optional

	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// env-only deployments are allowed
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	cfg.Runtime.Dev = dev

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.AI.OpenAIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.AI.GeminiKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.API.JWTSecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}

	if cfg.AI.DefaultModel == "" {
		cfg.AI.DefaultModel = "gpt-4o-mini"
	}
	if cfg.AI.OpenAIBaseURL == "" {
		cfg.AI.OpenAIBaseURL = "https://api.openai.com/v1"
	}
	if cfg.AI.ConcurrentLimit <= 0 {
		cfg.AI.ConcurrentLimit = 16
	}
	cfg.AI.CallTimeout = orDuration(cfg.AI.CallTimeout, 2*time.Minute)
	if cfg.AI.MaxAttempts <= 0 {
		cfg.AI.MaxAttempts = 4
	}
	cfg.AI.RetryBaseDelay = orDuration(cfg.AI.RetryBaseDelay, time.Second)
	cfg.AI.RetryMaxDelay = orDuration(cfg.AI.RetryMaxDelay, 30*time.Second)
	if cfg.AI.Temperature == 0 {
		cfg.AI.Temperature = 0.3
	}
	if cfg.AI.MaxOutputTokens <= 0 {
		cfg.AI.MaxOutputTokens = 2048
	}

	if cfg.Pricing.SmallTokenThreshold <= 0 {
		cfg.Pricing.SmallTokenThreshold = 500
	}
	if cfg.Pricing.MinCharge <= 0 {
		cfg.Pricing.MinCharge = 100
	}
	if cfg.Pricing.MediumTokenThreshold <= 0 {
		cfg.Pricing.MediumTokenThreshold = 2000
	}
	if cfg.Pricing.MediumCharge <= 0 {
		cfg.Pricing.MediumCharge = 200
	}
	if cfg.Pricing.CachedMultiplier <= 0 || cfg.Pricing.CachedMultiplier >= 1 {
		cfg.Pricing.CachedMultiplier = 0.1
	}
	if cfg.Pricing.DefaultRate.InputPer1K <= 0 {
		cfg.Pricing.DefaultRate.InputPer1K = 100
	}
	if cfg.Pricing.DefaultRate.OutputPer1K <= 0 {
		cfg.Pricing.DefaultRate.OutputPer1K = 100
	}

	if cfg.Worker.PoolSize <= 0 {
		cfg.Worker.PoolSize = 4
	}
	cfg.Worker.PollInterval = orDuration(cfg.Worker.PollInterval, 500*time.Millisecond)
	cfg.Worker.LeaseTTL = orDuration(cfg.Worker.LeaseTTL, 2*time.Hour)
	cfg.Worker.HeartbeatInterval = orDuration(cfg.Worker.HeartbeatInterval, 30*time.Second)
	cfg.Worker.HeartbeatGrace = orDuration(cfg.Worker.HeartbeatGrace, 5*time.Minute)
	if cfg.Worker.MaxRetries <= 0 {
		cfg.Worker.MaxRetries = 3
	}
	cfg.Worker.RetryBaseDelay = orDuration(cfg.Worker.RetryBaseDelay, 5*time.Second)
	cfg.Worker.SoftLimit = orDuration(cfg.Worker.SoftLimit, 55*time.Minute)
	cfg.Worker.HardLimit = orDuration(cfg.Worker.HardLimit, time.Hour)

	cfg.Cache.CompletionTTL = orDuration(cfg.Cache.CompletionTTL, 7*24*time.Hour)

	cfg.Session.Retention = orDuration(cfg.Session.Retention, 14*24*time.Hour)
	if cfg.Session.MaxFiles <= 0 {
		cfg.Session.MaxFiles = 5
	}
	if cfg.Session.SubmitsPerMinute <= 0 {
		cfg.Session.SubmitsPerMinute = 10
	}
	if cfg.Session.MaxFileBytes <= 0 {
		cfg.Session.MaxFileBytes = 20 << 20
	}

	if cfg.Generation.Topics <= 0 {
		cfg.Generation.Topics = 6
	}
	if cfg.Generation.Flashcards <= 0 {
		cfg.Generation.Flashcards = 10
	}
	if cfg.Generation.Questions <= 0 {
		cfg.Generation.Questions = 10
	}
	if cfg.Generation.MinItems <= 0 {
		cfg.Generation.MinItems = 3
	}
	if cfg.Generation.OverfetchFactor < 1 {
		cfg.Generation.OverfetchFactor = 2
	}
	if cfg.Generation.MinRequest <= 0 {
		cfg.Generation.MinRequest = 10
	}
	if cfg.Generation.MaxInputChars <= 0 {
		cfg.Generation.MaxInputChars = 60000
	}

	cfg.Reaper.Interval = orDuration(cfg.Reaper.Interval, time.Minute)
	if cfg.Reaper.BatchSize <= 0 {
		cfg.Reaper.BatchSize = 100
	}

	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	cfg.API.RequestTimeout = orDuration(cfg.API.RequestTimeout, 30*time.Second)
}

// Validate enforces the minimal set of settings every subcommand needs.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Redis.URL == "" {
		return errors.New("redis.url is required")
	}
	if c.Worker.SoftLimit > c.Worker.HardLimit {
		return errors.New("worker.soft_limit must not exceed worker.hard_limit")
	}
	if c.Worker.HeartbeatInterval >= c.Worker.HeartbeatGrace {
		return errors.New("worker.heartbeat_interval must be shorter than worker.heartbeat_grace")
	}
	return nil
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
