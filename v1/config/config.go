// Package config loads rock configuration from a YAML file and ROCK_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
)

// EnvPrefix prefixes every environment override, e.g. ROCK_REDIS_ADDRESS.
const EnvPrefix = "ROCK"

// Config is the root configuration.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	NATS       NATSConfig       `mapstructure:"nats" yaml:"nats"`
	Bus        BusConfig        `mapstructure:"bus" yaml:"bus"`
	Lock       LockConfig       `mapstructure:"lock" yaml:"lock"`
	Extensions ExtensionsConfig `mapstructure:"extensions" yaml:"extensions"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR" yaml:"level"`
	// Format is text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// RedisConfig selects a single server, a sentinel-managed master or a
// cluster. Addresses may carry a redis:// scheme.
type RedisConfig struct {
	Mode                 string   `mapstructure:"mode" validate:"required,oneof=single sentinel cluster" yaml:"mode"`
	Address              string   `mapstructure:"address" validate:"required_if=Mode single" yaml:"address,omitempty"`
	MasterName           string   `mapstructure:"master_name" validate:"required_if=Mode sentinel" yaml:"master_name,omitempty"`
	SentinelAddresses    []string `mapstructure:"sentinel_addresses" validate:"required_if=Mode sentinel" yaml:"sentinel_addresses,omitempty"`
	ClusterNodeAddresses []string `mapstructure:"cluster_node_addresses" validate:"required_if=Mode cluster" yaml:"cluster_node_addresses,omitempty"`
	Password             string   `mapstructure:"password" yaml:"password,omitempty"`
	DB                   int      `mapstructure:"db" validate:"gte=0" yaml:"db"`
}

type NATSConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BusConfig selects the transport lock managers use to share events.
type BusConfig struct {
	Kind    string   `mapstructure:"kind" validate:"required,oneof=memory nats redis kafka" yaml:"kind"`
	Brokers []string `mapstructure:"brokers" validate:"required_if=Kind kafka" yaml:"brokers,omitempty"`
	// Topic is the subject, channel or topic name. Empty uses the bus default.
	Topic  string `mapstructure:"topic" yaml:"topic,omitempty"`
	NodeID string `mapstructure:"node_id" yaml:"node_id,omitempty"`
}

// LockConfig holds the defaults applied to guarded calls.
type LockConfig struct {
	// Type is the default backend name. Empty uses the capability default.
	Type       string        `mapstructure:"type" yaml:"type,omitempty"`
	Separator  string        `mapstructure:"separator" validate:"required" yaml:"separator"`
	WaitTime   int64         `mapstructure:"wait_time" validate:"gte=-1" yaml:"wait_time"`
	ExpireTime int64         `mapstructure:"expire_time" validate:"gt=0" yaml:"expire_time"`
	TimeUnit   time.Duration `mapstructure:"time_unit" validate:"gt=0" yaml:"time_unit"`
}

type ExtensionsConfig struct {
	// Dirs are extra directories searched for manifests under extensions/.
	Dirs []string `mapstructure:"dirs" yaml:"dirs,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true" yaml:"addr"`
}

type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Format: "text", Output: "stderr"},
		Redis:   RedisConfig{Mode: "single", Address: "127.0.0.1:6379"},
		NATS:    NATSConfig{URL: "nats://127.0.0.1:4222"},
		Bus:     BusConfig{Kind: "memory"},
		Lock: LockConfig{
			Separator:  ":",
			WaitTime:   5,
			ExpireTime: 30,
			TimeUnit:   time.Second,
		},
		Metrics: MetricsConfig{Addr: ":9090"},
	}
}

// Load reads path, or ./rock.yaml when path is empty and the file exists,
// then applies environment overrides, defaults and validation.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("rock")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config: %w", rockerrors.ErrConfiguration, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %w", rockerrors.ErrConfiguration, err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so environment overrides apply even when
// the file does not mention the key.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("redis.mode", d.Redis.Mode)
	v.SetDefault("redis.address", d.Redis.Address)
	v.SetDefault("redis.master_name", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("bus.kind", d.Bus.Kind)
	v.SetDefault("bus.topic", "")
	v.SetDefault("bus.node_id", "")
	v.SetDefault("lock.type", "")
	v.SetDefault("lock.separator", d.Lock.Separator)
	v.SetDefault("lock.wait_time", d.Lock.WaitTime)
	v.SetDefault("lock.expire_time", d.Lock.ExpireTime)
	v.SetDefault("lock.time_unit", d.Lock.TimeUnit.String())
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("telemetry.enabled", false)
	// List keys stay nil unless set.
	for _, key := range []string{"redis.sentinel_addresses", "redis.cluster_node_addresses", "bus.brokers", "extensions.dirs"} {
		_ = v.BindEnv(key)
	}
}

// ApplyDefaults fills blank strings and normalizes values.
func ApplyDefaults(cfg *Config) {
	d := Default()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = d.Logging.Output
	}
	if cfg.Redis.Mode == "" {
		cfg.Redis.Mode = d.Redis.Mode
	}
	cfg.Redis.Mode = strings.ToLower(cfg.Redis.Mode)
	if cfg.Bus.Kind == "" {
		cfg.Bus.Kind = d.Bus.Kind
	}
	if cfg.Lock.Separator == "" {
		cfg.Lock.Separator = d.Lock.Separator
	}
	if cfg.Lock.TimeUnit == 0 {
		cfg.Lock.TimeUnit = d.Lock.TimeUnit
	}
}

var validate = validator.New()

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %w", rockerrors.ErrConfiguration, err)
	}
	return nil
}

// Save writes cfg as YAML to path.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		timeUnitDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// timeUnits maps unit names to durations.
var timeUnits = map[string]time.Duration{
	"NANOSECONDS":  time.Nanosecond,
	"MICROSECONDS": time.Microsecond,
	"MILLISECONDS": time.Millisecond,
	"SECONDS":      time.Second,
	"MINUTES":      time.Minute,
	"HOURS":        time.Hour,
}

// timeUnitDecodeHook decodes durations from unit names ("SECONDS"), duration
// strings ("250ms") or raw nanoseconds.
func timeUnitDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if d, ok := timeUnits[strings.ToUpper(strings.TrimSpace(v))]; ok {
				return d, nil
			}
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
