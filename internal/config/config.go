package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Data backend: "supabase" (PostgREST) or "postgres" (direct pgx)
	DataBackend string `env:"DATA_BACKEND" envDefault:"supabase"`
	DatabaseURL string `env:"DATABASE_URL"`

	// Supabase
	SupabaseURL        string `env:"SUPABASE_URL"`
	SupabaseAnonKey    string `env:"SUPABASE_ANON_KEY"`
	SupabaseServiceKey string `env:"SUPABASE_SERVICE_ROLE_KEY"`
	SupabaseJWTSecret  string `env:"SUPABASE_JWT_SECRET"`

	// Redis (pending role intent); empty address keeps intents in memory
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	IntentTTL     time.Duration `env:"INTENT_TTL" envDefault:"720h"`

	// HTTP client
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`

	// Resilience
	MaxRetries     int           `env:"MAX_RETRIES" envDefault:"3"`
	InitialBackoff time.Duration `env:"INITIAL_BACKOFF" envDefault:"100ms"`
	MaxConcurrency int           `env:"MAX_CONCURRENCY" envDefault:"50"`

	// Session controllers
	DeviceIdleTTL    time.Duration `env:"DEVICE_IDLE_TTL" envDefault:"30m"`
	MaxDevices       int           `env:"MAX_DEVICES" envDefault:"10000"`
	RefreshLeadTime  time.Duration `env:"TOKEN_REFRESH_LEAD" envDefault:"60s"`
	SwitchFailPolicy string        `env:"ROLE_SWITCH_FAILURE_POLICY" envDefault:"keep"`
	PatchPolicy      string        `env:"PROFILE_PATCH_POLICY" envDefault:"server-wins"`

	// Observability
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads a .env file when present (environment wins) and parses the
// environment into a Config.
func Load(dotenvPaths ...string) (*Config, error) {
	if len(dotenvPaths) == 0 {
		dotenvPaths = []string{".env"}
	}
	if err := godotenv.Load(dotenvPaths...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load dotenv: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	switch c.DataBackend {
	case "supabase":
		if c.SupabaseURL == "" {
			return errors.New("config: SUPABASE_URL is required")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required when DATA_BACKEND=postgres")
		}
		if c.SupabaseURL == "" {
			return errors.New("config: SUPABASE_URL is required for auth")
		}
	default:
		return fmt.Errorf("config: unknown DATA_BACKEND %q", c.DataBackend)
	}

	switch c.SwitchFailPolicy {
	case "keep", "rollback", "retry":
	default:
		return fmt.Errorf("config: unknown ROLE_SWITCH_FAILURE_POLICY %q", c.SwitchFailPolicy)
	}
	switch c.PatchPolicy {
	case "server-wins", "local-wins":
	default:
		return fmt.Errorf("config: unknown PROFILE_PATCH_POLICY %q", c.PatchPolicy)
	}
	return nil
}
