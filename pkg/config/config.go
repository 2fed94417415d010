// Package config loads and validates process configuration from defaults,
// a YAML file, environment variables and CLI flags, in ascending precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var valid = validator.New()

// Config aggregates every module's configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Log       ZapLogConfig    `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the management HTTP surface.
type ServerConfig struct {
	Addr         string        `yaml:"addr" mapstructure:"addr" env:"HTTP_ADDR" validate:"required,hostname_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" env:"HTTP_READ_TIMEOUT" validate:"required,gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" env:"HTTP_WRITE_TIMEOUT" validate:"required,gt=0"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" validate:"required,gt=0"`
}

// StoreConfig configures snapshot persistence.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path" env:"STORE_PATH" validate:"required"`
}

// SchedulerConfig configures collection scheduling and the pipeline bounds.
type SchedulerConfig struct {
	Tick           time.Duration `yaml:"tick" mapstructure:"tick" env:"SCHEDULER_TICK" validate:"required,gt=0"`
	MaxConcurrent  int           `yaml:"max_concurrent" mapstructure:"max_concurrent" env:"SCHEDULER_MAX_CONCURRENT" validate:"required,gt=0"`
	GracePeriod    time.Duration `yaml:"grace_period" mapstructure:"grace_period" env:"SCHEDULER_GRACE_PERIOD" validate:"required,gt=0"`
	CollectTimeout time.Duration `yaml:"collect_timeout" mapstructure:"collect_timeout" env:"SCHEDULER_COLLECT_TIMEOUT" validate:"required,gt=0"`
	HistoryLimit   int           `yaml:"history_limit" mapstructure:"history_limit" env:"SCHEDULER_HISTORY_LIMIT" validate:"required,gt=0"`
}

// ZapLogConfig configures logging output and rotation.
type ZapLogConfig struct {
	Level    string `yaml:"level" mapstructure:"level" env:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	Format   string `yaml:"format" mapstructure:"format" env:"LOG_FORMAT" validate:"required,oneof=json console"`
	Path     string `yaml:"path" mapstructure:"path" env:"LOG_PATH" validate:"required"`
	MaxAge   int    `yaml:"max_age" mapstructure:"max_age" env:"LOG_MAX_AGE" validate:"gte=0"`
	MaxSize  int    `yaml:"max_size" mapstructure:"max_size" env:"LOG_MAX_SIZE" validate:"gt=0"`
	Compress bool   `yaml:"compress" mapstructure:"compress" env:"LOG_COMPRESS"`
}

// NewDefaultConfig returns a config with every field populated, so partial
// files and flag sets never leave zero values behind.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "0.0.0.0:8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Store: StoreConfig{
			Path: "./data/parallax.db",
		},
		Scheduler: SchedulerConfig{
			Tick:           30 * time.Second,
			MaxConcurrent:  10,
			GracePeriod:    15 * time.Second,
			CollectTimeout: 10 * time.Second,
			HistoryLimit:   50,
		},
		Log: ZapLogConfig{
			Level:    "info",
			Format:   "json",
			Path:     "./logs",
			MaxAge:   7,
			MaxSize:  100,
			Compress: true,
		},
	}
}

// LoadConfigWithCli merges flags, the --config YAML file and environment
// variables over the defaults, then validates the result.
func LoadConfigWithCli(cmd *cobra.Command) (*Config, error) {
	cfg := NewDefaultConfig()
	v := viper.New()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	configFile, _ := cmd.Flags().GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	// HTTP_ADDR -> http.addr
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("_", "."))

	decoderConfig := &mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	}
	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks struct tags plus the per-module rules.
func (c *Config) Validate() error {
	if err := valid.Struct(c); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	return nil
}
