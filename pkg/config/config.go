// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Env      string `envconfig:"GATEHOUSE_ENV" default:"dev"`
	LogLevel string `envconfig:"GATEHOUSE_LOG_LEVEL" default:"info"`
	HTTPAddr string `envconfig:"GATEHOUSE_HTTP_ADDR" default:":8080"`

	// Public URL, used for problem type identifiers and the OpenAPI server entry
	BasePublicURL string `envconfig:"BASE_PUBLIC_URL" default:"http://localhost:8080"`

	// Store: sqlite (file, default) or postgres
	StoreDriver string `envconfig:"GATEHOUSE_STORE_DRIVER" default:"sqlite"`
	StorePath   string `envconfig:"GATEHOUSE_STORE_PATH" default:"./data/gatehouse.db"`
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// Key material lives outside the store. Losing it makes every sensitive row unreadable.
	KeyFile string `envconfig:"GATEHOUSE_KEY_FILE" default:"./data/gatehouse.key"`

	// Legacy env-style source imported once during setup
	LegacyConfigFile   string `envconfig:"GATEHOUSE_LEGACY_CONFIG_FILE" default:".env.legacy"`
	LegacyImportPrefix string `envconfig:"GATEHOUSE_LEGACY_PREFIX" default:"GATEHOUSE_"`

	ConfigCacheTTL time.Duration `envconfig:"GATEHOUSE_CONFIG_CACHE_TTL" default:"60s"`

	MountTTL           time.Duration `envconfig:"GATEHOUSE_MOUNT_TTL" default:"5m"`
	MountSweepInterval time.Duration `envconfig:"GATEHOUSE_MOUNT_SWEEP_INTERVAL" default:"1m"`
	InstantiateTimeout time.Duration `envconfig:"GATEHOUSE_INSTANTIATE_TIMEOUT" default:"10s"`

	SessionTTL          time.Duration `envconfig:"GATEHOUSE_SESSION_TTL" default:"24h"`
	SessionReapInterval time.Duration `envconfig:"GATEHOUSE_SESSION_REAP_INTERVAL" default:"1h"`
	SessionCapacity     int           `envconfig:"GATEHOUSE_SESSION_CAPACITY" default:"10000"`

	// OIDC / JWT
	Issuer      string        `envconfig:"OIDC_ISSUER"`
	Audience    string        `envconfig:"OIDC_AUDIENCE" default:"gatehouse"`
	JWKSURL     string        `envconfig:"JWKS_URL"`
	JWKSRefresh time.Duration `envconfig:"JWKS_REFRESH" default:"6h"`
	ClockSkew   time.Duration `envconfig:"OIDC_CLOCK_SKEW" default:"60s"`

	// Identities with these emails receive the Admin role on first login
	BootstrapAdminEmails []string `envconfig:"GATEHOUSE_BOOTSTRAP_ADMINS"`

	PolicyRulesFile string `envconfig:"GATEHOUSE_POLICY_RULES_FILE"`
	PolicyRegoFile  string `envconfig:"GATEHOUSE_POLICY_REGO_FILE"`

	// Redis carries mount invalidations between replicas (optional)
	RedisURL            string `envconfig:"REDIS_URL"`
	InvalidationChannel string `envconfig:"GATEHOUSE_INVALIDATION_CHANNEL" default:"gatehouse:mount-invalidate"`

	// Browser origins allowed on /admin (comma separated, "*" for any)
	AdminCORSOrigins []string `envconfig:"GATEHOUSE_ADMIN_CORS_ORIGINS" default:"http://localhost:3001"`

	RateLimitPerMinute int           `envconfig:"GATEHOUSE_RATE_LIMIT" default:"600"`
	ShutdownGrace      time.Duration `envconfig:"GATEHOUSE_SHUTDOWN_GRACE" default:"10s"`
}

// Load reads .env (if present) and the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.RedisURL == "" {
		log.Println("[WARN] REDIS_URL not set, mount invalidations stay local to this replica")
	}
	return cfg, nil
}

// Validate checks driver-specific requirements and bounds.
func (c Config) Validate() error {
	switch strings.ToLower(c.StoreDriver) {
	case "sqlite":
		if c.StorePath == "" {
			return errors.New("config: GATEHOUSE_STORE_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unsupported store driver %q", c.StoreDriver)
	}
	if c.KeyFile == "" {
		return errors.New("config: GATEHOUSE_KEY_FILE is required")
	}
	if c.SessionCapacity <= 0 {
		return errors.New("config: GATEHOUSE_SESSION_CAPACITY must be positive")
	}
	if c.MountTTL <= 0 || c.SessionTTL <= 0 || c.InstantiateTimeout <= 0 {
		return errors.New("config: TTLs and timeouts must be positive")
	}
	return nil
}

func (c Config) IsProduction() bool { return c.Env == "prod" }
