// Package config loads the keelguard configuration from an optional file and
// KEELGUARD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/opensource-finance/keelguard/internal/domain"
)

// EnvPrefix is prepended to every environment variable, so server.port is
// read from KEELGUARD_SERVER_PORT.
const EnvPrefix = "KEELGUARD"

var durationType = reflect.TypeOf(time.Duration(0))

// Load reads configuration from file and environment variables. The tier
// (file or KEELGUARD_TIER) picks the base profile before anything else is
// layered on top.
func Load(configPath string) (*domain.Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(v.GetString("tier"))) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	// Registering every leaf key lets AutomaticEnv see it on Unmarshal.
	setDefaults(v, "", reflect.ValueOf(cfg).Elem())

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		fv := val.Field(i)
		if fv.Kind() == reflect.Struct && fv.Type() != durationType {
			setDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

// Validate rejects configurations the service cannot start with.
func Validate(cfg *domain.Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres", "pgx":
	default:
		errs = append(errs, fmt.Errorf("unsupported repository.driver %q", cfg.Repository.Driver))
	}

	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unsupported cache.type %q", cfg.Cache.Type))
	}

	switch cfg.EventBus.Type {
	case "channel", "nats":
	case "kafka":
		if len(cfg.EventBus.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("event_bus.kafka_brokers is required for kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported event_bus.type %q", cfg.EventBus.Type))
	}

	if t := cfg.Scoring.HighRiskThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("scoring.high_risk_threshold %.2f must be within [0,1]", t))
	}
	if w := cfg.Scoring.BlendWeight; w < 0 || w > 1 {
		errs = append(errs, fmt.Errorf("scoring.blend_weight %.2f must be within [0,1]", w))
	}
	b := cfg.Scoring.Tiers
	if !(b.LowMedium <= b.Medium && b.Medium <= b.High && b.High <= b.VeryHigh) {
		errs = append(errs, errors.New("scoring.tiers must be ascending"))
	}
	if cfg.Scoring.Weights.Budget <= 0 {
		errs = append(errs, errors.New("scoring.weights.budget must be positive"))
	}

	if cfg.Health.FailureThreshold < 1 {
		errs = append(errs, errors.New("health.failure_threshold must be at least 1"))
	}
	if cfg.Health.ProbeInterval <= 0 {
		errs = append(errs, errors.New("health.probe_interval must be positive"))
	}
	if cfg.Model.Enabled && cfg.Model.BaseURL == "" {
		errs = append(errs, errors.New("model.base_url is required when the model is enabled"))
	}
	if cfg.Profile.Retention <= 0 {
		errs = append(errs, errors.New("profile.retention must be positive"))
	}
	if cfg.Worker.Enabled && cfg.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be at least 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInputInvalid, errors.Join(errs...))
	}
	return nil
}
