package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice worker service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// Used to build the <Stream> URL in TwiML responses; the telephony provider connects
	// to wss://<this-host>/media-stream?contextId=<id>.
	// Optional; if unset, the request Host header is used instead.
	PublicBaseURL string `envconfig:"VOICE_WORKER_BASE_URL" default:""`

	// OpenAI realtime session configuration
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY" required:"true"`
	RealtimeBaseURL string `envconfig:"REALTIME_BASE_URL" default:"wss://api.openai.com/v1/realtime"`
	RealtimeModel   string `envconfig:"REALTIME_MODEL" default:"gpt-realtime"`
	RealtimeVoice   string `envconfig:"REALTIME_VOICE" default:"verse"`

	// Context store (Postgres) configuration
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// Per-call timeout configuration
	ResolveTimeout   int `envconfig:"RESOLVE_TIMEOUT" default:"5"`    // seconds, context lookup
	EstablishTimeout int `envconfig:"ESTABLISH_TIMEOUT" default:"10"` // seconds, upstream session open

	// Audio relay configuration
	FrameQueueSize  int `envconfig:"FRAME_QUEUE_SIZE" default:"100"`   // frames buffered per direction
	AudioBufferSize int `envconfig:"AUDIO_BUFFER_SIZE" default:"8192"` // WebSocket read/write buffer in bytes

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	StoreConnectMaxAttempts    int `envconfig:"STORE_CONNECT_MAX_ATTEMPTS" default:"3"`     // Boot-time store connection attempts
	StoreConnectBackoff        int `envconfig:"STORE_CONNECT_BACKOFF" default:"500"`        // Initial backoff in milliseconds

	// Dev harness configuration
	DevHarnessEnabled bool `envconfig:"DEV_HARNESS_ENABLED" default:"false"` // Expose /media-stream-test

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Validate required fields
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Validate required fields
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return &cfg, nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
