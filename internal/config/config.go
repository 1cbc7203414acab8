package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL         string        `mapstructure:"REDIS_URL"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	IntegrationsFile string        `mapstructure:"INTEGRATIONS_FILE"`
	QueueSize        int           `mapstructure:"SYNC_QUEUE_SIZE"`
	SyncWorkers      int           `mapstructure:"SYNC_WORKERS"`
	DrainTimeout     time.Duration `mapstructure:"SYNC_DRAIN_TIMEOUT"`
	ResultTTL        time.Duration `mapstructure:"SYNC_RESULT_TTL"`
	HealthInterval   time.Duration `mapstructure:"HEALTH_CHECK_INTERVAL"`
	ProbeTimeout     time.Duration `mapstructure:"HEALTH_PROBE_TIMEOUT"`
	MaxProbes        int           `mapstructure:"HEALTH_MAX_PROBES"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("INTEGRATIONS_FILE", "integrations.json")
	v.SetDefault("SYNC_QUEUE_SIZE", 1024)
	v.SetDefault("SYNC_WORKERS", 4)
	v.SetDefault("SYNC_DRAIN_TIMEOUT", "30s")
	v.SetDefault("SYNC_RESULT_TTL", "5m")
	v.SetDefault("HEALTH_CHECK_INTERVAL", "60s")
	v.SetDefault("HEALTH_PROBE_TIMEOUT", "10s")
	v.SetDefault("HEALTH_MAX_PROBES", 8)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("REQUEST_TIMEOUT")
	v.BindEnv("INTEGRATIONS_FILE")
	v.BindEnv("SYNC_QUEUE_SIZE")
	v.BindEnv("SYNC_WORKERS")
	v.BindEnv("SYNC_DRAIN_TIMEOUT")
	v.BindEnv("SYNC_RESULT_TTL")
	v.BindEnv("HEALTH_CHECK_INTERVAL")
	v.BindEnv("HEALTH_PROBE_TIMEOUT")
	v.BindEnv("HEALTH_MAX_PROBES")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Inbound API calls are not authenticated; deploy behind the edge gateway.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. The health probe
// timeout must stay below the monitoring interval so that an unresponsive
// target cannot stall the next probe cycle.
func (c *Config) Validate() error {
	if c.QueueSize < 1 {
		return fmt.Errorf("SYNC_QUEUE_SIZE must be at least 1, got %d", c.QueueSize)
	}
	if c.SyncWorkers < 1 {
		return fmt.Errorf("SYNC_WORKERS must be at least 1, got %d", c.SyncWorkers)
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("SYNC_DRAIN_TIMEOUT must be positive, got %s", c.DrainTimeout)
	}
	if c.ResultTTL <= 0 {
		return fmt.Errorf("SYNC_RESULT_TTL must be positive, got %s", c.ResultTTL)
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("HEALTH_CHECK_INTERVAL must be positive, got %s", c.HealthInterval)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("HEALTH_PROBE_TIMEOUT must be positive, got %s", c.ProbeTimeout)
	}
	if c.ProbeTimeout >= c.HealthInterval {
		return fmt.Errorf("HEALTH_PROBE_TIMEOUT (%s) must be shorter than HEALTH_CHECK_INTERVAL (%s)",
			c.ProbeTimeout, c.HealthInterval)
	}
	if c.MaxProbes < 1 {
		return fmt.Errorf("HEALTH_MAX_PROBES must be at least 1, got %d", c.MaxProbes)
	}
	return nil
}
