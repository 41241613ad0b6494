package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Tier determines which backends are used
	Tier Tier `json:"tier" mapstructure:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" mapstructure:"repository"`
	Cache      CacheConfig      `json:"cache" mapstructure:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" mapstructure:"event_bus"`

	// Analysis runtime
	Analysis AnalysisConfig `json:"analysis" mapstructure:"analysis"`

	// Observability
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string   `json:"host" mapstructure:"host"`
	Port         int      `json:"port" mapstructure:"port"`
	ReadTimeout  int      `json:"readTimeout" mapstructure:"read_timeout"`   // seconds
	WriteTimeout int      `json:"writeTimeout" mapstructure:"write_timeout"` // seconds
	CORSOrigins  []string `json:"corsOrigins" mapstructure:"cors_origins"`
}

// AnalysisConfig bounds detection runs and network analysis.
type AnalysisConfig struct {
	// Timeout is imposed on every detection run and analysis request.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// Workers limits how many heuristics run at once.
	Workers int `json:"workers" mapstructure:"workers"`

	// IncludeAccounts adds account nodes to case graphs.
	IncludeAccounts bool `json:"includeAccounts" mapstructure:"include_accounts"`

	// CacheTTL is how long network reports stay cached.
	CacheTTL time.Duration `json:"cacheTtl" mapstructure:"cache_ttl"`

	// RateLimit is requests per second allowed on analysis endpoints.
	RateLimit float64 `json:"rateLimit" mapstructure:"rate_limit"`
	RateBurst int     `json:"rateBurst" mapstructure:"rate_burst"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // json, text

	// File enables a rotating log file next to stdout.
	File       string `json:"file" mapstructure:"file"`
	MaxSizeMB  int    `json:"maxSizeMb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"maxBackups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"maxAgeDays" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName  string `json:"serviceName" mapstructure:"service_name"`
	ExporterType string `json:"exporterType" mapstructure:"exporter_type"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint" mapstructure:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 150,
			CORSOrigins:  []string{"*"},
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 100,
		},
		Analysis: AnalysisConfig{
			Timeout:         2 * time.Minute,
			Workers:         4,
			IncludeAccounts: true,
			CacheTTL:        10 * time.Minute,
			RateLimit:       5,
			RateBurst:       10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "kestrel",
		PostgresSSLMode: "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel-workers",
	}
	cfg.Analysis.Workers = 8
	cfg.Tracing.Enabled = true
	return cfg
}
