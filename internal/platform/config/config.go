// Package config loads engine configuration from flags, environment
// variables, and an optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	Redis      RedisConfig      `mapstructure:"redis" json:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka" json:"kafka"`
	API        APIConfig        `mapstructure:"api" json:"api"`
	Auth       AuthConfig       `mapstructure:"auth" json:"auth"`
	Batch      BatchConfig      `mapstructure:"batch" json:"batch"`
	Admission  AdmissionConfig  `mapstructure:"admission" json:"admission"`
	Settlement SettlementConfig `mapstructure:"settlement" json:"settlement"`
	RPC        RPCConfig        `mapstructure:"rpc" json:"rpc"`
	Program    ProgramConfig    `mapstructure:"program" json:"program"`
	Authority  AuthorityConfig  `mapstructure:"authority" json:"authority"`
	Log        LogConfig        `mapstructure:"log" json:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics" json:"metrics"`
	Health     HealthConfig     `mapstructure:"health" json:"health"`
	Env        string           `mapstructure:"env" json:"env"`
}

// RedisConfig configures the Store's Redis backend.
type RedisConfig struct {
	Address     string        `mapstructure:"address" json:"address"`
	Password    string        `mapstructure:"password" json:"password"`
	DB          int           `mapstructure:"db" json:"db"`
	MaxRetries  int           `mapstructure:"max_retries" json:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size" json:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`
}

// KafkaConfig configures the intent-ingestion transport consumed by the
// Admission Controller.
type KafkaConfig struct {
	Brokers            string        `mapstructure:"brokers" json:"brokers"`
	ConsumerGroupID    string        `mapstructure:"consumer_group_id" json:"consumer_group_id"`
	IntentTopic        string        `mapstructure:"intent_topic" json:"intent_topic"`
	AcceptedTopic      string        `mapstructure:"accepted_topic" json:"accepted_topic"`
	RejectedTopic      string        `mapstructure:"rejected_topic" json:"rejected_topic"`
	SessionTimeout     time.Duration `mapstructure:"session_timeout" json:"session_timeout"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval"`
	MaxPollInterval    time.Duration `mapstructure:"max_poll_interval" json:"max_poll_interval"`
	AutoCommitInterval time.Duration `mapstructure:"auto_commit_interval" json:"auto_commit_interval"`
	ProducerMaxRetries int           `mapstructure:"producer_max_retries" json:"producer_max_retries"`
}

// APIConfig configures the HTTP transport that fronts admission and the
// operator surface.
type APIConfig struct {
	Host               string        `mapstructure:"host" json:"host"`
	Port               string        `mapstructure:"port" json:"port"`
	Version            string        `mapstructure:"version" json:"version"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins" json:"cors_allowed_origins"`
	SubmitRateLimit    int           `mapstructure:"submit_rate_limit" json:"submit_rate_limit"`
	SubmitRateWindow   time.Duration `mapstructure:"submit_rate_window" json:"submit_rate_window"`
}

// AuthConfig configures operator-surface authentication.
type AuthConfig struct {
	JWTSecret            string        `mapstructure:"jwt_secret" json:"jwt_secret"`
	JWTExpirationTime    time.Duration `mapstructure:"jwt_expiration_time" json:"jwt_expiration_time"`
	OperatorUsername     string        `mapstructure:"operator_username" json:"operator_username"`
	OperatorPasswordHash string        `mapstructure:"operator_password_hash" json:"operator_password_hash"`
}

// BatchConfig is the netting batch formation policy.
type BatchConfig struct {
	MinIntents    int           `mapstructure:"min_intents" json:"min_intents"`
	MaxIntents    int           `mapstructure:"max_intents" json:"max_intents"`
	WindowSeconds int           `mapstructure:"window_seconds" json:"window_seconds"`
	PollInterval  time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
}

// AdmissionConfig is the admission policy.
type AdmissionConfig struct {
	RequireSignature bool `mapstructure:"require_signature" json:"require_signature"`
}

// SettlementConfig is the settlement retry policy.
type SettlementConfig struct {
	Enabled          bool          `mapstructure:"enabled" json:"enabled"`
	MaxRetries       int           `mapstructure:"max_retries" json:"max_retries"`
	BackoffInitialMs int           `mapstructure:"backoff_initial_ms" json:"backoff_initial_ms"`
	BackoffCapMs     int           `mapstructure:"backoff_cap_ms" json:"backoff_cap_ms"`
	MinBatchSize     int           `mapstructure:"min_batch_size" json:"min_batch_size"`
	PollInterval     time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
}

// RPCConfig is the on-chain RPC binding.
type RPCConfig struct {
	Endpoint string        `mapstructure:"endpoint" json:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout" json:"timeout"`
}

// ProgramConfig identifies the on-chain settlement program.
type ProgramConfig struct {
	ID string `mapstructure:"id" json:"id"`
}

// AuthorityConfig holds the settlement-signing authority secret.
type AuthorityConfig struct {
	Secret string `mapstructure:"secret" json:"secret"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level       string `mapstructure:"level" json:"level"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Namespace   string `mapstructure:"namespace" json:"namespace"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	Port        string `mapstructure:"port" json:"port"`
}

// HealthConfig configures the health-check endpoint.
type HealthConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	Port     string `mapstructure:"port" json:"port"`
}

// LoadOptions controls where configuration is loaded from.
type LoadOptions struct {
	ConfigFile     string
	EnvPrefix      string
	UseFlags       bool
	UseEnv         bool
	UseConfigFile  bool
	DefaultConfigs []string
}

// DefaultLoadOptions returns the engine's default load options.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		EnvPrefix:     "NETSETTLE",
		UseFlags:      true,
		UseEnv:        true,
		UseConfigFile: true,
		DefaultConfigs: []string{
			"./config.yaml",
			"./config.json",
			"./config/config.yaml",
			"./config/config.json",
		},
	}
}

// Load loads configuration using the default options.
func Load() (*Config, error) { return LoadWithOptions(DefaultLoadOptions()) }

// LoadWithOptions loads configuration from a file, the environment, and
// flags, in ascending precedence, and validates the result.
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if opts.UseEnv {
		_ = godotenv.Load()
	}

	if opts.UseConfigFile {
		if opts.ConfigFile != "" {
			v.SetConfigFile(opts.ConfigFile)
		} else {
			for _, p := range opts.DefaultConfigs {
				if _, err := os.Stat(p); err == nil {
					v.SetConfigFile(p)
					break
				}
			}
		}
		if v.ConfigFileUsed() != "" {
			if err := v.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return nil, fmt.Errorf("error reading config file: %w", err)
				}
			}
		}
	}

	if opts.UseEnv {
		v.SetEnvPrefix(opts.EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}

	if opts.UseFlags {
		if err := bindFlags(v); err != nil {
			return nil, fmt.Errorf("error binding flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)

	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.consumer_group_id", "netsettle_admission")
	v.SetDefault("kafka.intent_topic", "intent.submitted")
	v.SetDefault("kafka.accepted_topic", "intent.accepted")
	v.SetDefault("kafka.rejected_topic", "intent.rejected")
	v.SetDefault("kafka.session_timeout", 30*time.Second)
	v.SetDefault("kafka.heartbeat_interval", 3*time.Second)
	v.SetDefault("kafka.max_poll_interval", 5*time.Minute)
	v.SetDefault("kafka.auto_commit_interval", 5*time.Second)
	v.SetDefault("kafka.producer_max_retries", 3)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", "8080")
	v.SetDefault("api.version", "v1")
	v.SetDefault("api.read_timeout", 10*time.Second)
	v.SetDefault("api.write_timeout", 10*time.Second)
	v.SetDefault("api.shutdown_timeout", 30*time.Second)
	v.SetDefault("api.cors_allowed_origins", []string{"*"})
	v.SetDefault("api.submit_rate_limit", 200)
	v.SetDefault("api.submit_rate_window", time.Minute)

	v.SetDefault("auth.jwt_secret", "change-me-in-production")
	v.SetDefault("auth.jwt_expiration_time", 1*time.Hour)
	v.SetDefault("auth.operator_username", "operator")
	v.SetDefault("auth.operator_password_hash", "")

	v.SetDefault("batch.min_intents", 50)
	v.SetDefault("batch.max_intents", 5000)
	v.SetDefault("batch.window_seconds", 30)
	v.SetDefault("batch.poll_interval", 2*time.Second)

	v.SetDefault("admission.require_signature", true)

	v.SetDefault("settlement.enabled", true)
	v.SetDefault("settlement.max_retries", 3)
	v.SetDefault("settlement.backoff_initial_ms", 1000)
	v.SetDefault("settlement.backoff_cap_ms", 10000)
	v.SetDefault("settlement.min_batch_size", 1)
	v.SetDefault("settlement.poll_interval", 5*time.Second)

	v.SetDefault("rpc.endpoint", "http://localhost:8899")
	v.SetDefault("rpc.timeout", 15*time.Second)

	v.SetDefault("program.id", "")
	v.SetDefault("authority.secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "netsettled")
	v.SetDefault("log.environment", "development")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "netsettle")
	v.SetDefault("metrics.service_name", "netsettled")
	v.SetDefault("metrics.endpoint", "/metrics")
	v.SetDefault("metrics.port", "9090")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.endpoint", "/health")
	v.SetDefault("health.port", "8081")

	v.SetDefault("env", "development")
}

func bindFlags(v *viper.Viper) error {
	flags := pflag.NewFlagSet("config", pflag.ContinueOnError)

	flags.String("config", "", "Path to configuration file")
	flags.String("env", "development", "Environment (development, staging, production)")
	flags.String("redis.address", "localhost:6379", "Redis server address")
	flags.String("kafka.brokers", "localhost:9092", "Kafka broker addresses (comma-separated)")
	flags.String("api.port", "8080", "API server port")
	flags.Int("batch.min_intents", 50, "Minimum intents required to form a batch")
	flags.Int("batch.max_intents", 5000, "Maximum intents admitted into one batch")
	flags.Int("batch.window_seconds", 30, "Seconds to wait before forming an under-sized batch")
	flags.Bool("admission.require_signature", true, "Require valid session-key signatures on intents")
	flags.Bool("settlement.enabled", true, "Enable the settlement driver")
	flags.Int("settlement.max_retries", 3, "Maximum settlement retry attempts per batch")
	flags.String("rpc.endpoint", "http://localhost:8899", "On-chain RPC endpoint")
	flags.String("program.id", "", "On-chain settlement program id")
	flags.String("log.level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("metrics.enabled", true, "Enable metrics collection")
	flags.Bool("health.enabled", true, "Enable health checks")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	return v.BindPFlags(flags)
}

func validateConfig(cfg *Config) error {
	var problems []string

	if cfg.Redis.Address == "" {
		problems = append(problems, "redis.address cannot be empty")
	} else if _, err := net.ResolveTCPAddr("tcp", cfg.Redis.Address); err != nil {
		problems = append(problems, fmt.Sprintf("invalid redis.address: %v", err))
	}
	if cfg.Redis.PoolSize <= 0 {
		problems = append(problems, "redis.pool_size must be positive")
	}

	if cfg.Batch.MinIntents <= 0 {
		problems = append(problems, "batch.min_intents must be positive")
	}
	if cfg.Batch.MaxIntents < cfg.Batch.MinIntents {
		problems = append(problems, "batch.max_intents must be >= batch.min_intents")
	}
	if cfg.Batch.WindowSeconds < 0 {
		problems = append(problems, "batch.window_seconds must be non-negative")
	}

	if cfg.Env == "production" && !cfg.Admission.RequireSignature {
		problems = append(problems, "admission.require_signature must be true in production environment")
	}

	if cfg.Settlement.Enabled {
		if cfg.Settlement.MaxRetries <= 0 {
			problems = append(problems, "settlement.max_retries must be positive when settlement is enabled")
		}
		if cfg.Settlement.BackoffInitialMs <= 0 {
			problems = append(problems, "settlement.backoff_initial_ms must be positive")
		}
		if cfg.Settlement.BackoffCapMs < cfg.Settlement.BackoffInitialMs {
			problems = append(problems, "settlement.backoff_cap_ms must be >= settlement.backoff_initial_ms")
		}
		if cfg.RPC.Endpoint == "" {
			problems = append(problems, "rpc.endpoint cannot be empty when settlement is enabled")
		}
		if cfg.Env == "production" && cfg.Authority.Secret == "" {
			problems = append(problems, "authority.secret must be set in production")
		}
	}

	if cfg.Env == "production" && cfg.Auth.JWTSecret == "change-me-in-production" {
		problems = append(problems, "auth.jwt_secret must be set in production environment")
	}
	if cfg.Env == "production" && cfg.Auth.OperatorPasswordHash == "" {
		problems = append(problems, "auth.operator_password_hash must be set in production environment")
	}

	if cfg.API.Port == "" {
		problems = append(problems, "api.port cannot be empty")
	} else if port, err := strconv.Atoi(cfg.API.Port); err != nil || port <= 0 || port > 65535 {
		problems = append(problems, "api.port must be a valid port number (1-65535)")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		problems = append(problems, "log.level must be one of: debug, info, warn, error")
	}

	if cfg.Metrics.Enabled {
		if port, err := strconv.Atoi(cfg.Metrics.Port); err != nil || port <= 0 || port > 65535 {
			problems = append(problems, "metrics.port must be a valid port number (1-65535)")
		}
	}
	if cfg.Health.Enabled {
		if port, err := strconv.Atoi(cfg.Health.Port); err != nil || port <= 0 || port > 65535 {
			problems = append(problems, "health.port must be a valid port number (1-65535)")
		}
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
