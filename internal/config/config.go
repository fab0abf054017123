// Package config handles loading and validating the showrunner configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Downstream service names.
const (
	ServiceContent   = "content"
	ServiceAudio     = "audio"
	ServiceMedia     = "media"
	ServiceSpeaker   = "speaker"
	ServiceData      = "data"
	ServiceAnalytics = "analytics"
)

// ServiceNames lists every downstream service in dependency order.
var ServiceNames = []string{ServiceContent, ServiceAudio, ServiceMedia, ServiceSpeaker, ServiceData, ServiceAnalytics}

// Config is the root configuration for the showrunner daemon.
type Config struct {
	Server   ServerConfig             `mapstructure:"server"`
	Services map[string]ServiceConfig `mapstructure:"services"`
	Pipeline PipelineConfig           `mapstructure:"pipeline"`
	Health   HealthConfig             `mapstructure:"health"`
	Store    StoreConfig              `mapstructure:"store"`
	Archive  ArchiveConfig            `mapstructure:"archive"`
	Logging  LoggingConfig            `mapstructure:"logging"`
}

// ServerConfig holds the gateway and gRPC health settings.
type ServerConfig struct {
	Port        int           `mapstructure:"port"`
	GRPCPort    int           `mapstructure:"grpc_port"` // 0 disables the gRPC health server
	SyncWindow  time.Duration `mapstructure:"sync_window"`
	SyncMaxNews int           `mapstructure:"sync_max_news"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
}

// ServiceConfig describes one downstream service. An empty BaseURL leaves an
// optional service unconfigured.
type ServiceConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerWindow    time.Duration `mapstructure:"breaker_window"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	HealthPath       string        `mapstructure:"health_path"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	Workers          int           `mapstructure:"workers"`
	StageRetries     int           `mapstructure:"stage_retries"`
	StageBackoffBase time.Duration `mapstructure:"stage_backoff_base"`
	StageBackoffMax  time.Duration `mapstructure:"stage_backoff_max"`
	SessionDeadline  time.Duration `mapstructure:"session_deadline"`
	MinContentItems  int           `mapstructure:"min_content_items"`
	ContentMandatory bool          `mapstructure:"content_mandatory"`
	DefaultSpeakers  []string      `mapstructure:"default_speakers"`
	MaxNews          int           `mapstructure:"max_news"`
	Languages        []string      `mapstructure:"languages"`

	// Channels maps each allowed channel to its cover assets. Empty allows any channel.
	Channels map[string][]string `mapstructure:"channels"`
}

// HealthConfig controls the downstream health checks.
type HealthConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Mandatory        []string      `mapstructure:"mandatory"`
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	Backend     string        `mapstructure:"backend"` // "memory" or "redis"
	RedisURL    string        `mapstructure:"redis_url"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	Capacity    int           `mapstructure:"capacity"`     // memory only, 0 is unbounded
	TerminalTTL time.Duration `mapstructure:"terminal_ttl"` // redis only
}

// ArchiveConfig enables the S3 manifest archive.
type ArchiveConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// Load reads the configuration from file, environment variables, and defaults.
// If configFile is non-empty it is used directly; otherwise the standard
// search order applies: ./showrunner.yaml, ./configs/showrunner.yaml, /etc/showrunner/showrunner.yaml.
// A .env file in the working directory is loaded into the environment first.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("showrunner")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/showrunner")
	}

	// Environment variables: SHOWRUNNER_SERVER_PORT, SHOWRUNNER_SERVICES_CONTENT_BASE_URL, etc.
	v.SetEnvPrefix("SHOWRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The config file is optional; env vars and defaults are sufficient.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		log.Info().Msg("no config file found, using defaults and environment variables")
	} else {
		log.Info().Str("path", v.ConfigFileUsed()).Msg("loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Resolve env var references in sensitive fields (e.g., "${CONTENT_API_KEY}")
	for name, svc := range cfg.Services {
		svc.APIKey = resolveEnvRef(svc.APIKey)
		cfg.Services[name] = svc
	}
	cfg.Store.RedisURL = resolveEnvRef(cfg.Store.RedisURL)
	cfg.Archive.AccessKeyID = resolveEnvRef(cfg.Archive.AccessKeyID)
	cfg.Archive.SecretAccessKey = resolveEnvRef(cfg.Archive.SecretAccessKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.sync_window", "2s")
	v.SetDefault("server.sync_max_news", 3)
	v.SetDefault("server.cors_origins", []string{"*"})

	ports := map[string]int{
		ServiceContent:   8101,
		ServiceAudio:     8102,
		ServiceMedia:     8103,
		ServiceSpeaker:   8104,
		ServiceData:      8105,
		ServiceAnalytics: 8106,
	}
	for _, name := range ServiceNames {
		key := "services." + name + "."
		v.SetDefault(key+"base_url", fmt.Sprintf("http://localhost:%d", ports[name]))
		v.SetDefault(key+"api_key", "")
		v.SetDefault(key+"timeout", "10s")
		v.SetDefault(key+"max_retries", 2)
		v.SetDefault(key+"backoff_base", "200ms")
		v.SetDefault(key+"backoff_max", "3s")
		v.SetDefault(key+"breaker_threshold", 5)
		v.SetDefault(key+"breaker_window", "30s")
		v.SetDefault(key+"breaker_cooldown", "20s")
		v.SetDefault(key+"health_path", "/health")
	}
	// Synthesis and assembly are slow.
	v.SetDefault("services.audio.timeout", "120s")
	v.SetDefault("services.media.timeout", "180s")

	v.SetDefault("pipeline.workers", 64)
	v.SetDefault("pipeline.stage_retries", 2)
	v.SetDefault("pipeline.stage_backoff_base", "500ms")
	v.SetDefault("pipeline.stage_backoff_max", "5s")
	v.SetDefault("pipeline.session_deadline", "10m")
	v.SetDefault("pipeline.min_content_items", 1)
	v.SetDefault("pipeline.content_mandatory", true)
	v.SetDefault("pipeline.default_speakers", []string{})
	v.SetDefault("pipeline.max_news", 20)
	v.SetDefault("pipeline.languages", []string{})

	v.SetDefault("health.interval", "15s")
	v.SetDefault("health.probe_timeout", "2s")
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.mandatory", []string{ServiceContent, ServiceAudio, ServiceData})

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")
	v.SetDefault("store.key_prefix", "showrunner")
	v.SetDefault("store.capacity", 10000)
	v.SetDefault("store.terminal_ttl", "168h")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.region", "eu-central-1")
	v.SetDefault("archive.prefix", "broadcasts")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	for _, name := range []string{ServiceContent, ServiceAudio, ServiceMedia, ServiceData} {
		if c.Services[name].BaseURL == "" {
			errs = append(errs, fmt.Errorf("services.%s.base_url is required", name))
		}
	}
	for name, svc := range c.Services {
		if svc.BaseURL == "" {
			continue
		}
		if svc.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("services.%s.timeout must be positive", name))
		}
		if svc.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("services.%s.max_retries must not be negative", name))
		}
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, errors.New("pipeline.workers must be at least 1"))
	}
	if c.Pipeline.StageRetries < 0 {
		errs = append(errs, errors.New("pipeline.stage_retries must not be negative"))
	}
	if c.Pipeline.SessionDeadline < 0 {
		errs = append(errs, errors.New("pipeline.session_deadline must not be negative"))
	}
	if c.Health.Interval <= 0 || c.Health.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("health.interval and health.probe_timeout must be positive"))
	}
	for _, name := range c.Health.Mandatory {
		if _, ok := c.Services[name]; !ok {
			errs = append(errs, fmt.Errorf("health.mandatory names unknown service %q", name))
		}
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		errs = append(errs, errors.New("archive.bucket is required when the archive is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// IsMandatory reports whether readiness depends on the named service.
func (c *Config) IsMandatory(name string) bool {
	for _, m := range c.Health.Mandatory {
		if m == name {
			return true
		}
	}
	return false
}

// ChannelNames lists the allowed channels, or nil when any channel is accepted.
func (p PipelineConfig) ChannelNames() []string {
	if len(p.Channels) == 0 {
		return nil
	}
	names := make([]string, 0, len(p.Channels))
	for name := range p.Channels {
		names = append(names, strings.ToLower(name))
	}
	return names
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envKey := val[2 : len(val)-1]
		if envVal := os.Getenv(envKey); envVal != "" {
			return envVal
		}
	}
	return val
}

// SetupLogging configures the global zerolog level and returns the root logger.
func SetupLogging(cfg LoggingConfig) zerolog.Logger {
	return NewLogger(cfg, os.Stdout)
}

// NewLogger builds a logger writing to w.
func NewLogger(cfg LoggingConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := w
	if strings.ToLower(cfg.Format) == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}
