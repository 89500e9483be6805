package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all application configuration in a structured way.
type Config struct {
	App       AppConfig
	Paths     PathsConfig
	Database  DatabaseConfig
	Valkey    ValkeyConfig
	Scheduler SchedulerConfig
	Dispatch  DispatchConfig
	Retry     RetryConfig
	Sweep     SweepConfig
	Delivery  DeliveryConfig
	Security  SecurityConfig
}

type AppConfig struct {
	Version            string
	Port               string
	Debug              bool
	Environment        string
	BasicAuth          []string
	BasePath           string
	TrustedProxies     []string
	BaseUrl            string
	CorsAllowedOrigins []string
	ServerID           string
}

type PathsConfig struct {
	Storages string
}

type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Name     string // File path for SQLite, DB Name for Postgres
	SSLMode  string
}

type ValkeyConfig struct {
	Enabled   bool
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

type SchedulerConfig struct {
	Grace        time.Duration
	PollInterval time.Duration
}

type DispatchConfig struct {
	Workers           int
	Lease             time.Duration
	AdapterTimeout    time.Duration
	WriteRetries      int
	TargetConcurrency int
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64
}

type SweepConfig struct {
	Interval  time.Duration
	BatchSize int
}

type DeliveryConfig struct {
	// Webhooks maps a platform name to the endpoint its posts are delivered to.
	Webhooks        map[string]string
	WebhookTimeout  time.Duration
	DryRunPlatforms []string
}

type SecurityConfig struct {
	SecretKey string
}

// Global provides access to the loaded configuration.
var Global *Config

// LoadConfig reads configuration from environment variables, falling back to defaults.
func LoadConfig() (*Config, error) {
	storages := getEnv("APP_BASE_DIR", "storages")

	appCfg := AppConfig{
		Version:            getEnv("APP_VERSION", "v1.0.0"),
		Port:               getEnv("APP_PORT", "3000"),
		Debug:              getEnvBool("APP_DEBUG", false),
		Environment:        getEnv("APP_ENV", "development"),
		BasicAuth:          getEnvList("APP_BASIC_AUTH", nil),
		BasePath:           getEnv("APP_BASE_PATH", ""),
		BaseUrl:            getEnv("APP_BASE_URL", "http://localhost:3000"),
		TrustedProxies:     getEnvList("APP_TRUSTED_PROXIES", nil),
		CorsAllowedOrigins: getEnvList("APP_CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		ServerID:           getEnv("SERVER_ID", ""),
	}

	dbCfg := DatabaseConfig{
		Driver:   getEnv("DB_DRIVER", "sqlite"),
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", ""),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}
	if dbCfg.Driver == "postgres" {
		dbCfg.Name = getEnv("DB_NAME", "azpub")
	} else {
		dbCfg.Name = getEnv("DB_NAME", filepath.Join(storages, "publisher.db"))
	}

	webhooks, err := parseWebhooks(getEnv("DELIVERY_WEBHOOKS", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App:      appCfg,
		Paths:    PathsConfig{Storages: storages},
		Database: dbCfg,
		Valkey: ValkeyConfig{
			Enabled:   getEnvBool("VALKEY_ENABLED", false),
			Address:   getEnv("VALKEY_ADDRESS", "localhost:6379"),
			Password:  getEnv("VALKEY_PASSWORD", ""),
			DB:        getEnvInt("VALKEY_DB", 0),
			KeyPrefix: getEnv("VALKEY_KEY_PREFIX", "azpub:"),
		},
		Scheduler: SchedulerConfig{
			Grace:        getEnvDuration("SCHEDULER_GRACE", 30*time.Second),
			PollInterval: getEnvDuration("SCHEDULER_POLL_INTERVAL", 2*time.Second),
		},
		Dispatch: DispatchConfig{
			Workers:           getEnvInt("DISPATCH_WORKERS", 4),
			Lease:             getEnvDuration("DISPATCH_LEASE", 2*time.Minute),
			AdapterTimeout:    getEnvDuration("DISPATCH_ADAPTER_TIMEOUT", 30*time.Second),
			WriteRetries:      getEnvInt("DISPATCH_WRITE_RETRIES", 5),
			TargetConcurrency: getEnvInt("DISPATCH_TARGET_CONCURRENCY", 4),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 30*time.Second),
			Multiplier:  getEnvFloat("RETRY_MULTIPLIER", 2),
			MaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 10*time.Minute),
			Jitter:      getEnvFloat("RETRY_JITTER", 0.2),
		},
		Sweep: SweepConfig{
			Interval:  getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
			BatchSize: getEnvInt("SWEEP_BATCH_SIZE", 500),
		},
		Delivery: DeliveryConfig{
			Webhooks:        webhooks,
			WebhookTimeout:  getEnvDuration("DELIVERY_WEBHOOK_TIMEOUT", 20*time.Second),
			DryRunPlatforms: getEnvList("DELIVERY_DRYRUN_PLATFORMS", nil),
		},
		Security: SecurityConfig{SecretKey: getEnv("APP_SECRET_KEY", "changeme_please_change_me_in_prod_12345")},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	Global = cfg
	return cfg, nil
}

// Validate checks the timing relations the dispatch pipeline relies on.
func (c *Config) Validate() error {
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("DISPATCH_WORKERS must be at least 1, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.AdapterTimeout >= c.Dispatch.Lease {
		return fmt.Errorf("DISPATCH_ADAPTER_TIMEOUT (%s) must be shorter than DISPATCH_LEASE (%s)", c.Dispatch.AdapterTimeout, c.Dispatch.Lease)
	}
	if c.Dispatch.Lease >= c.Sweep.Interval {
		return fmt.Errorf("DISPATCH_LEASE (%s) must be shorter than SWEEP_INTERVAL (%s)", c.Dispatch.Lease, c.Sweep.Interval)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("RETRY_JITTER must be in [0, 1), got %v", c.Retry.Jitter)
	}
	if c.Scheduler.Grace < 0 {
		return fmt.Errorf("SCHEDULER_GRACE must not be negative")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	return nil
}

// PostgresDSN renders the connection string shared by GORM and the LISTEN/NOTIFY listener.
func (d DatabaseConfig) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

// parseWebhooks reads "platform=url" pairs separated by commas.
func parseWebhooks(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		platform, url, ok := strings.Cut(pair, "=")
		platform = strings.ToLower(strings.TrimSpace(platform))
		url = strings.TrimSpace(url)
		if !ok || platform == "" || url == "" {
			return nil, fmt.Errorf("invalid DELIVERY_WEBHOOKS entry %q, expected platform=url", pair)
		}
		out[platform] = url
	}
	return out, nil
}
