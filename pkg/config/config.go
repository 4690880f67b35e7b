package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required,url|uri"`

	RedisAddr     string `mapstructure:"REDIS_ADDR" validate:"required,hostname_port"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	AsynqConcurrency int `mapstructure:"ASYNQ_CONCURRENCY" validate:"gte=1,lte=1000"`
	GoMaxProcs       int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	CORSAllowedOrigins []string `mapstructure:"CORS_ALLOWED_ORIGINS" validate:"min=1"`
	RateLimitRPS       float64  `mapstructure:"RATE_LIMIT_RPS" validate:"gt=0"`
	RateLimitBurst     int      `mapstructure:"RATE_LIMIT_BURST" validate:"gte=1"`

	// Terraform templates are read from <TemplatesDir>/terraform/<provider>.
	TemplatesDir string `mapstructure:"TEMPLATES_DIR" validate:"required"`
	WorkingDir   string `mapstructure:"WORKING_DIR"`

	PollInterval     time.Duration `mapstructure:"POLL_INTERVAL" validate:"required"`
	LogRetention     time.Duration `mapstructure:"LOG_RETENTION" validate:"required"`
	OptionCacheTTL   time.Duration `mapstructure:"OPTION_CACHE_TTL"`
	DiscoveryTimeout time.Duration `mapstructure:"DISCOVERY_TIMEOUT" validate:"required"`

	AzureSubscriptionID string `mapstructure:"AZURE_SUBSCRIPTION_ID"`
	AzureTenantID       string `mapstructure:"AZURE_TENANT_ID"`
	AzureClientID       string `mapstructure:"AZURE_CLIENT_ID"`
	AzureClientSecret   string `mapstructure:"AZURE_CLIENT_SECRET"`

	GCPProjectID       string `mapstructure:"GOOGLE_PROJECT_ID"`
	GCPCredentialsFile string `mapstructure:"GOOGLE_APPLICATION_CREDENTIALS"`

	StateBackend        string `mapstructure:"STATE_BACKEND" validate:"required,oneof=database azurerm gcs"`
	StateAzureAccount   string `mapstructure:"STATE_AZURE_ACCOUNT" validate:"required_if=StateBackend azurerm"`
	StateAzureContainer string `mapstructure:"STATE_AZURE_CONTAINER" validate:"required_if=StateBackend azurerm"`
	StateGCSBucket      string `mapstructure:"STATE_GCS_BUCKET" validate:"required_if=StateBackend gcs"`
}

// AzureDiscoveryEnabled reports whether service-level Azure credentials are configured.
func (c *Config) AzureDiscoveryEnabled() bool {
	return c.AzureSubscriptionID != ""
}

// GCPDiscoveryEnabled reports whether a default GCP project is configured.
func (c *Config) GCPDiscoveryEnabled() bool {
	return c.GCPProjectID != ""
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

var keys = []string{
	"APP_ENV",
	"HTTP_ADDR",
	"SHUTDOWN_TIMEOUT",
	"LOG_LEVEL",
	"LOG_FORMAT",
	"DATABASE_URL",
	"REDIS_ADDR",
	"REDIS_PASSWORD",
	"ASYNQ_CONCURRENCY",
	"GOMAXPROCS",
	"JWT_SECRET",
	"CORS_ALLOWED_ORIGINS",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"TEMPLATES_DIR",
	"WORKING_DIR",
	"POLL_INTERVAL",
	"LOG_RETENTION",
	"OPTION_CACHE_TTL",
	"DISCOVERY_TIMEOUT",
	"AZURE_SUBSCRIPTION_ID",
	"AZURE_TENANT_ID",
	"AZURE_CLIENT_ID",
	"AZURE_CLIENT_SECRET",
	"GOOGLE_PROJECT_ID",
	"GOOGLE_APPLICATION_CREDENTIALS",
	"STATE_BACKEND",
	"STATE_AZURE_ACCOUNT",
	"STATE_AZURE_CONTAINER",
	"STATE_GCS_BUCKET",
}

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("ASYNQ_CONCURRENCY", 10)
	v.SetDefault("GOMAXPROCS", 0)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("TEMPLATES_DIR", "templates")
	v.SetDefault("POLL_INTERVAL", "3s")
	v.SetDefault("LOG_RETENTION", "168h")
	v.SetDefault("OPTION_CACHE_TTL", "5m")
	v.SetDefault("DISCOVERY_TIMEOUT", "20s")
	v.SetDefault("STATE_BACKEND", "database")

	// Optional config file
	_ = v.ReadInConfig()

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	durations := map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT":  &c.ShutdownTimeout,
		"POLL_INTERVAL":     &c.PollInterval,
		"LOG_RETENTION":     &c.LogRetention,
		"OPTION_CACHE_TTL":  &c.OptionCacheTTL,
		"DISCOVERY_TIMEOUT": &c.DiscoveryTimeout,
	}
	for key, dst := range durations {
		s := v.GetString(key)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}
