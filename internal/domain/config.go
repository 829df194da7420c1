package domain

import "time"

// Config holds the complete keelguard configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Tier selects the infrastructure profile
	Tier Tier `json:"tier" mapstructure:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" mapstructure:"repository"`
	Cache      CacheConfig      `json:"cache" mapstructure:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" mapstructure:"event_bus"`

	// Scoring engine
	Scoring  ScoringConfig  `json:"scoring" mapstructure:"scoring"`
	Model    ModelConfig    `json:"model" mapstructure:"model"`
	Health   HealthConfig   `json:"health" mapstructure:"health"`
	Profile  ProfileConfig  `json:"profile" mapstructure:"profile"`
	Baseline BaselineConfig `json:"baseline" mapstructure:"baseline"`
	Enrich   EnrichConfig   `json:"enrich" mapstructure:"enrich"`
	Worker   WorkerConfig   `json:"worker" mapstructure:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	ReadTimeout  int    `json:"readTimeout" mapstructure:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" mapstructure:"write_timeout"` // seconds
}

// ScoringConfig tunes the rule scorer and the aggregator.
type ScoringConfig struct {
	Weights           RuleWeights `json:"weights" mapstructure:"weights"`
	Tiers             TierBands   `json:"tiers" mapstructure:"tiers"`
	HighRiskThreshold float64     `json:"highRiskThreshold" mapstructure:"high_risk_threshold"`
	// BlendWeight is the learned model's share of the informational blended probability.
	BlendWeight float64 `json:"blendWeight" mapstructure:"blend_weight"`
}

// ModelConfig points at the external learned-model scoring service.
type ModelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	BaseURL      string        `json:"baseUrl" mapstructure:"base_url"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
	ProbeTimeout time.Duration `json:"probeTimeout" mapstructure:"probe_timeout"`
}

// HealthConfig tunes the learned-model circuit breaker.
type HealthConfig struct {
	FailureThreshold int           `json:"failureThreshold" mapstructure:"failure_threshold"`
	ProbeInterval    time.Duration `json:"probeInterval" mapstructure:"probe_interval"`
}

// ProfileConfig tunes the fraud profile store.
type ProfileConfig struct {
	FlagThreshold float64       `json:"flagThreshold" mapstructure:"flag_threshold"`
	MaxHistory    int           `json:"maxHistory" mapstructure:"max_history"`
	Retention     time.Duration `json:"retention" mapstructure:"retention"`
}

// BaselineConfig tunes the baseline comparator.
type BaselineConfig struct {
	ServiceURL     string        `json:"serviceUrl" mapstructure:"service_url"`
	ServiceTimeout time.Duration `json:"serviceTimeout" mapstructure:"service_timeout"`
	CacheTTL       time.Duration `json:"cacheTtl" mapstructure:"cache_ttl"`
	SeedDefaults   bool          `json:"seedDefaults" mapstructure:"seed_defaults"`
}

// EnrichConfig enables IP geolocation of incoming events.
type EnrichConfig struct {
	GeoIPPath string `json:"geoipPath" mapstructure:"geoip_path"`
}

// WorkerConfig enables asynchronous ingestion from the event bus.
type WorkerConfig struct {
	Enabled     bool `json:"enabled" mapstructure:"enabled"`
	Concurrency int  `json:"concurrency" mapstructure:"concurrency"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"serviceName" mapstructure:"service_name"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// Tier represents the deployment profile.
type Tier string

const (
	// TierCommunity runs on SQLite, in-memory cache and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a single-node configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./keelguard.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			Weights:           DefaultRuleWeights(),
			Tiers:             DefaultTierBands(),
			HighRiskThreshold: 0.70,
			BlendWeight:       0.70,
		},
		Model: ModelConfig{
			Enabled:      true,
			BaseURL:      "http://localhost:5001",
			Timeout:      5 * time.Second,
			ProbeTimeout: 3 * time.Second,
		},
		Health: HealthConfig{
			FailureThreshold: 3,
			ProbeInterval:    30 * time.Second,
		},
		Profile: ProfileConfig{
			FlagThreshold: 50,
			MaxHistory:    1000,
			Retention:     30 * 24 * time.Hour,
		},
		Baseline: BaselineConfig{
			ServiceTimeout: 5 * time.Second,
			CacheTTL:       5 * time.Minute,
			SeedDefaults:   true,
		},
		Worker: WorkerConfig{
			Concurrency: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "keelguard",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for a multi-node deployment.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "keelguard",
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
		NATSQueueGroup:    "keelguard-workers",
		KafkaGroupID:      "keelguard",
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
