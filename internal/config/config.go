package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Roles select which HTTP surfaces a process serves.
const (
	RoleAll      = "all"
	RoleProducer = "producer"
	RoleProxy    = "proxy"
)

// Config contains all runtime settings for the chat streaming service.
type Config struct {
	BindAddr         string
	Role             string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	ProducerURL           string
	UpstreamHeaderTimeout time.Duration

	GeneratorMode string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	GeneratorSeed int64

	PacingScale       float64
	PacingFloor       time.Duration
	PacingSeed        int64
	CumulativeEvery   int
	MaxStreamDuration time.Duration

	DatabaseURL    string
	BadgerPath     string
	PersistRetries int

	ClientFlushInterval time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		BindAddr:         str(v, "APP_BIND_ADDR"),
		Role:             strings.ToLower(str(v, "APP_ROLE")),
		MetricsNamespace: str(v, "APP_METRICS_NAMESPACE"),
		LogLevel:         strings.ToLower(str(v, "LOG_LEVEL")),
		LogFormat:        strings.ToLower(str(v, "LOG_FORMAT")),
		ProducerURL:      str(v, "PRODUCER_URL"),
		GeneratorMode:    strings.ToLower(str(v, "GENERATOR_MODE")),
		OpenAIAPIKey:     str(v, "OPENAI_API_KEY"),
		OpenAIBaseURL:    str(v, "OPENAI_BASE_URL"),
		OpenAIModel:      str(v, "OPENAI_MODEL"),
		DatabaseURL:      str(v, "DATABASE_URL"),
		BadgerPath:       str(v, "BADGER_PATH"),
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFrom(v, "APP_SHUTDOWN_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFrom(v, "APP_ALLOW_ANY_ORIGIN"); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamHeaderTimeout, err = durationFrom(v, "UPSTREAM_HEADER_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if cfg.PacingScale, err = floatFrom(v, "PACING_SCALE"); err != nil {
		return Config{}, err
	}
	if cfg.PacingFloor, err = durationFrom(v, "PACING_FLOOR"); err != nil {
		return Config{}, err
	}
	if cfg.GeneratorSeed, err = int64From(v, "GENERATOR_SEED"); err != nil {
		return Config{}, err
	}
	if cfg.PacingSeed, err = int64From(v, "PACING_SEED"); err != nil {
		return Config{}, err
	}
	if cfg.CumulativeEvery, err = intFrom(v, "CUMULATIVE_EVERY"); err != nil {
		return Config{}, err
	}
	if cfg.MaxStreamDuration, err = durationFrom(v, "MAX_STREAM_DURATION"); err != nil {
		return Config{}, err
	}
	if cfg.PersistRetries, err = intFrom(v, "PERSIST_RETRIES"); err != nil {
		return Config{}, err
	}
	if cfg.ClientFlushInterval, err = durationFrom(v, "CLIENT_FLUSH_INTERVAL"); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_BIND_ADDR", ":8080")
	v.SetDefault("APP_ROLE", RoleAll)
	v.SetDefault("APP_SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("APP_METRICS_NAMESPACE", "chatstream")
	v.SetDefault("APP_ALLOW_ANY_ORIGIN", "false")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("PRODUCER_URL", "")
	v.SetDefault("UPSTREAM_HEADER_TIMEOUT", "30s")
	v.SetDefault("GENERATOR_MODE", "auto")
	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("OPENAI_BASE_URL", "")
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("PACING_SCALE", "1")
	v.SetDefault("PACING_FLOOR", "10ms")
	v.SetDefault("GENERATOR_SEED", "0")
	v.SetDefault("PACING_SEED", "0")
	v.SetDefault("CUMULATIVE_EVERY", "10")
	v.SetDefault("MAX_STREAM_DURATION", "5m")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("BADGER_PATH", "")
	v.SetDefault("PERSIST_RETRIES", "0")
	v.SetDefault("CLIENT_FLUSH_INTERVAL", "5s")
}

func (c Config) validate() error {
	switch c.Role {
	case RoleAll, RoleProducer, RoleProxy:
	default:
		return fmt.Errorf("APP_ROLE must be one of all, producer, proxy")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console")
	}
	switch c.GeneratorMode {
	case "auto", "mock":
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when GENERATOR_MODE=openai")
		}
	default:
		return fmt.Errorf("GENERATOR_MODE must be one of auto, mock, openai")
	}
	if c.ProducerURL != "" {
		u, err := url.Parse(c.ProducerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("PRODUCER_URL must be an absolute URL")
		}
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.UpstreamHeaderTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_HEADER_TIMEOUT must be positive")
	}
	if c.PacingScale < 0 {
		return fmt.Errorf("PACING_SCALE must be >= 0")
	}
	if c.PacingFloor < 0 {
		return fmt.Errorf("PACING_FLOOR must be >= 0")
	}
	if c.CumulativeEvery <= 0 {
		return fmt.Errorf("CUMULATIVE_EVERY must be positive")
	}
	if c.MaxStreamDuration < time.Second {
		return fmt.Errorf("MAX_STREAM_DURATION must be at least 1s")
	}
	if c.PersistRetries < 0 {
		return fmt.Errorf("PERSIST_RETRIES must be >= 0")
	}
	if c.ClientFlushInterval <= 0 {
		return fmt.Errorf("CLIENT_FLUSH_INTERVAL must be positive")
	}
	return nil
}

// ServesProducer reports whether the process exposes the generation stream.
func (c Config) ServesProducer() bool {
	return c.Role == RoleAll || c.Role == RoleProducer
}

// ServesProxy reports whether the process exposes the chat proxy and REST API.
func (c Config) ServesProxy() bool {
	return c.Role == RoleAll || c.Role == RoleProxy
}

func str(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func durationFrom(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(str(v, key))
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFrom(v *viper.Viper, key string) (int, error) {
	n, err := strconv.Atoi(str(v, key))
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func int64From(v *viper.Viper, key string) (int64, error) {
	n, err := strconv.ParseInt(str(v, key), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFrom(v *viper.Viper, key string) (float64, error) {
	f, err := strconv.ParseFloat(str(v, key), 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFrom(v *viper.Viper, key string) (bool, error) {
	switch strings.ToLower(str(v, key)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
