package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Cache backends understood by CACHE_TYPE.
const (
	CacheTypeRedis  = "redis"
	CacheTypeMemory = "memory"
	CacheTypeNoop   = "noop"
)

// Config holds the environment driven configuration for the meme generator.
type Config struct {
	ServiceName       string `env:"SERVICE_NAME" envDefault:"meme-generator"`
	Environment       string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat         string `env:"LOG_FORMAT" envDefault:"console"`
	LogPromptPIILevel string `env:"LOG_PROMPT_PII_LEVEL" envDefault:"full"`

	// NATS JetStream
	NATSURL         string        `env:"NATS_URL" envDefault:"nats://nats.messaging.svc.cluster.local:4222"`
	NATSStream      string        `env:"NATS_STREAM" envDefault:"MEMES"`
	NATSConsumer    string        `env:"NATS_CONSUMER" envDefault:"meme-generator"`
	RequestSubject  string        `env:"NATS_REQUEST_SUBJECT" envDefault:"meme.request"`
	ResponseSubject string        `env:"NATS_RESPONSE_SUBJECT" envDefault:"meme.response"`
	MaxDeliver      int           `env:"NATS_MAX_DELIVER" envDefault:"3"`
	AckWait         time.Duration `env:"NATS_ACK_WAIT" envDefault:"60s"`
	NakDelay        time.Duration `env:"NATS_NAK_DELAY" envDefault:"5s"`

	// Cache
	CacheType             string        `env:"CACHE_TYPE" envDefault:"redis"`
	RedisURL              string        `env:"REDIS_URL" envDefault:"redis://redis.cache.svc.cluster.local:6379"`
	CacheTTLSeconds       int           `env:"CACHE_TTL" envDefault:"3600"`
	CacheMaxSize          int           `env:"CACHE_MAX_SIZE" envDefault:"1000"`
	CacheOpTimeout        time.Duration `env:"CACHE_OP_TIMEOUT" envDefault:"2s"`
	GenerationLockEnabled bool          `env:"GENERATION_LOCK_ENABLED" envDefault:"false"`

	// Hugging Face inference (token is required, no default)
	HFAPIToken        string        `env:"HF_API_TOKEN"`
	HFAPIURL          string        `env:"HF_API_URL" envDefault:"https://api-inference.huggingface.co/models/runwayml/stable-diffusion-v1-5"`
	HFFastAPIURL      string        `env:"HF_FAST_API_URL" envDefault:"https://router.huggingface.co/hf-inference/models/black-forest-labs/FLUX.1-schnell"`
	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT" envDefault:"60s"`

	// Worker
	ProcessingTimeout time.Duration `env:"PROCESSING_TIMEOUT" envDefault:"90s"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"16"`
	PublishMaxRetries int           `env:"PUBLISH_MAX_RETRIES" envDefault:"2"`
	PublishRetryDelay time.Duration `env:"PUBLISH_RETRY_DELAY" envDefault:"200ms"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	MetricsAddr       string        `env:"METRICS_ADDR" envDefault:"0.0.0.0:9090"`

	// OpenTelemetry
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTLPHeaders  string `env:"OTEL_EXPORTER_OTLP_HEADERS" envDefault:""`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.LogPromptPIILevel = strings.ToLower(strings.TrimSpace(cfg.LogPromptPIILevel))
	cfg.CacheType = strings.ToLower(strings.TrimSpace(cfg.CacheType))
	cfg.HFAPIToken = strings.TrimSpace(cfg.HFAPIToken)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	if c.HFAPIToken == "" {
		return fmt.Errorf("HF_API_TOKEN is required")
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be positive")
	}
	if c.ProcessingTimeout <= c.GenerationTimeout {
		return fmt.Errorf("PROCESSING_TIMEOUT (%s) must be longer than GENERATION_TIMEOUT (%s)", c.ProcessingTimeout, c.GenerationTimeout)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.MaxDeliver < 1 {
		return fmt.Errorf("NATS_MAX_DELIVER must be at least 1")
	}
	if c.CacheTTLSeconds <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}
	switch c.CacheType {
	case CacheTypeRedis, CacheTypeMemory, CacheTypeNoop:
	default:
		return fmt.Errorf("unsupported CACHE_TYPE %q", c.CacheType)
	}
	if c.GenerationLockEnabled && c.CacheType != CacheTypeRedis {
		return fmt.Errorf("GENERATION_LOCK_ENABLED requires CACHE_TYPE=redis")
	}
	if strings.TrimSpace(c.RequestSubject) == "" || strings.TrimSpace(c.ResponseSubject) == "" {
		return fmt.Errorf("NATS request and response subjects must not be empty")
	}
	return nil
}

// CacheTTL returns the cache entry lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// ErrorSubject returns the subject failures are published on.
func (c *Config) ErrorSubject() string {
	return c.ResponseSubject + ".error"
}

// RequestFilter returns the wildcard subject the stream and consumer bind to.
func (c *Config) RequestFilter() string {
	return c.RequestSubject + ".>"
}
