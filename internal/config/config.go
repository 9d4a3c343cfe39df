package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StrategyStructured  = "structured"
	StrategyTextPattern = "text_pattern"
)

type Config struct {
	Environment string
	HTTP        HTTPConfig
	Database    DatabaseConfig
	Auth        AuthConfig
	Detector    DetectorConfig
	Reasoning   ReasoningConfig
	Pipeline    PipelineConfig
	Cache       CacheConfig
	Broadcast   BroadcastConfig
	Frames      FramesConfig
	NATS        NATSConfig
	Log         LogConfig
}

type HTTPConfig struct {
	Port            int
	Mode            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

type DetectorConfig struct {
	BaseURL       string
	Timeout       time.Duration
	HealthTimeout time.Duration
	HealthPath    string
}

type ReasoningConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Strategy    string
	Timeout     time.Duration
	Temperature float64
}

type PipelineConfig struct {
	MaxFrameBytes     int
	IdempotencyBucket time.Duration
}

type CacheConfig struct {
	Capacity int
	WarmUp   bool
}

type BroadcastConfig struct {
	QueueSize    int
	ClientBuffer int
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

type FramesConfig struct {
	Dir             string
	Retention       time.Duration
	CleanupInterval time.Duration
}

type NATSConfig struct {
	Enabled        bool
	URL            string
	Subject        string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

type LogConfig struct {
	Level        string
	Pretty       bool
	LogdyEnabled bool
	LogdyHost    string
	LogdyPort    int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.port", 7080)
	v.SetDefault("http.mode", "release")
	v.SetDefault("http.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("http.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("detector.base_url", "http://localhost:8001")
	v.SetDefault("detector.timeout", 30*time.Second)
	v.SetDefault("detector.health_timeout", 3*time.Second)
	v.SetDefault("detector.health_path", "/health")

	v.SetDefault("reasoning.base_url", "https://api.openai.com/v1")
	v.SetDefault("reasoning.api_key", "")
	v.SetDefault("reasoning.model", "gpt-4o-mini")
	v.SetDefault("reasoning.strategy", StrategyStructured)
	v.SetDefault("reasoning.timeout", 30*time.Second)
	v.SetDefault("reasoning.temperature", 0.2)

	v.SetDefault("pipeline.max_frame_bytes", 10*1024*1024)
	v.SetDefault("pipeline.idempotency_bucket", time.Second)

	v.SetDefault("cache.capacity", 200)
	v.SetDefault("cache.warm_up", true)

	v.SetDefault("broadcast.queue_size", 256)
	v.SetDefault("broadcast.client_buffer", 64)
	v.SetDefault("broadcast.ping_interval", 30*time.Second)
	v.SetDefault("broadcast.read_timeout", 60*time.Second)

	v.SetDefault("frames.dir", "./data/frames")
	v.SetDefault("frames.retention", 7*24*time.Hour)
	v.SetDefault("frames.cleanup_interval", time.Hour)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject", "threatwatch.alerts")
	v.SetDefault("nats.connect_timeout", 10*time.Second)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.max_reconnects", -1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.logdy_enabled", false)
	v.SetDefault("log.logdy_host", "localhost")
	v.SetDefault("log.logdy_port", 8080)
}

// Load reads configuration from defaults, an optional config.yaml, a .env
// file and the process environment, in increasing order of precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Environment: v.GetString("environment"),
		HTTP: HTTPConfig{
			Port:            v.GetInt("http.port"),
			Mode:            v.GetString("http.mode"),
			AllowedOrigins:  v.GetStringSlice("http.allowed_origins"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
		},
		Detector: DetectorConfig{
			BaseURL:       strings.TrimRight(v.GetString("detector.base_url"), "/"),
			Timeout:       v.GetDuration("detector.timeout"),
			HealthTimeout: v.GetDuration("detector.health_timeout"),
			HealthPath:    v.GetString("detector.health_path"),
		},
		Reasoning: ReasoningConfig{
			BaseURL:     strings.TrimRight(v.GetString("reasoning.base_url"), "/"),
			APIKey:      v.GetString("reasoning.api_key"),
			Model:       v.GetString("reasoning.model"),
			Strategy:    strings.ToLower(v.GetString("reasoning.strategy")),
			Timeout:     v.GetDuration("reasoning.timeout"),
			Temperature: v.GetFloat64("reasoning.temperature"),
		},
		Pipeline: PipelineConfig{
			MaxFrameBytes:     v.GetInt("pipeline.max_frame_bytes"),
			IdempotencyBucket: v.GetDuration("pipeline.idempotency_bucket"),
		},
		Cache: CacheConfig{
			Capacity: v.GetInt("cache.capacity"),
			WarmUp:   v.GetBool("cache.warm_up"),
		},
		Broadcast: BroadcastConfig{
			QueueSize:    v.GetInt("broadcast.queue_size"),
			ClientBuffer: v.GetInt("broadcast.client_buffer"),
			PingInterval: v.GetDuration("broadcast.ping_interval"),
			ReadTimeout:  v.GetDuration("broadcast.read_timeout"),
		},
		Frames: FramesConfig{
			Dir:             v.GetString("frames.dir"),
			Retention:       v.GetDuration("frames.retention"),
			CleanupInterval: v.GetDuration("frames.cleanup_interval"),
		},
		NATS: NATSConfig{
			Enabled:        v.GetBool("nats.enabled"),
			URL:            v.GetString("nats.url"),
			Subject:        v.GetString("nats.subject"),
			ConnectTimeout: v.GetDuration("nats.connect_timeout"),
			ReconnectWait:  v.GetDuration("nats.reconnect_wait"),
			MaxReconnects:  v.GetInt("nats.max_reconnects"),
		},
		Log: LogConfig{
			Level:        v.GetString("log.level"),
			Pretty:       v.GetBool("log.pretty"),
			LogdyEnabled: v.GetBool("log.logdy_enabled"),
			LogdyHost:    v.GetString("log.logdy_host"),
			LogdyPort:    v.GetInt("log.logdy_port"),
		},
	}
}

func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Reasoning.Strategy != StrategyStructured && c.Reasoning.Strategy != StrategyTextPattern {
		return fmt.Errorf("unknown reasoning.strategy %q", c.Reasoning.Strategy)
	}
	if c.Cache.Capacity <= 0 {
		return errors.New("cache.capacity must be positive")
	}
	if c.Detector.Timeout <= 0 || c.Detector.HealthTimeout <= 0 || c.Reasoning.Timeout <= 0 {
		return errors.New("detector and reasoning timeouts must be positive")
	}
	if c.Pipeline.MaxFrameBytes <= 0 {
		return errors.New("pipeline.max_frame_bytes must be positive")
	}
	if c.Pipeline.IdempotencyBucket <= 0 {
		return errors.New("pipeline.idempotency_bucket must be positive")
	}
	if c.Broadcast.QueueSize <= 0 || c.Broadcast.ClientBuffer <= 0 {
		return errors.New("broadcast buffers must be positive")
	}
	return nil
}
