package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/DarlingtonDeveloper/signalq"
)

// Config is the signalqd configuration file.
type Config struct {
	// Source names this deployment in published events.
	Source string `yaml:"source" validate:"required"`

	Queue      QueueConfig      `yaml:"queue"`
	Storage    StorageConfig    `yaml:"storage"`
	Repository RepositoryConfig `yaml:"repository"`
	NATS       NATSConfig       `yaml:"nats"`
	Probe      ProbeConfig      `yaml:"probe"`
	HTTP       HTTPConfig       `yaml:"http"`
	Guard      GuardConfig      `yaml:"guard"`
	Log        LogConfig        `yaml:"log"`
}

type QueueConfig struct {
	Key           string        `yaml:"key"`
	MaxRetries    int           `yaml:"max_retries" validate:"gte=1"`
	InvokeTimeout time.Duration `yaml:"invoke_timeout" validate:"gte=0"`
	RetryBase     time.Duration `yaml:"retry_base" validate:"gt=0"`
	RetryMax      time.Duration `yaml:"retry_max" validate:"gtefield=RetryBase"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" validate:"oneof=badger sqlite"`
	Path   string `yaml:"path" validate:"required"`
}

type RepositoryConfig struct {
	Driver         string        `yaml:"driver" validate:"oneof=postgres nats"`
	PostgresURL    string        `yaml:"postgres_url" validate:"required_if=Driver postgres"`
	Migrate        bool          `yaml:"migrate"`
	RPCPrefix      string        `yaml:"rpc_prefix"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

// ProbeConfig enables the HTTP health prober. Without a URL, connectivity
// follows the NATS connection when there is one.
type ProbeConfig struct {
	URL      string        `yaml:"url" validate:"omitempty,url"`
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type GuardConfig struct {
	// RulesFile replaces the embedded rule set.
	RulesFile string `yaml:"rules_file"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns a configuration that runs against a local Postgres
// with on-disk Badger storage.
func DefaultConfig() Config {
	return Config{
		Source: "signalqd",
		Queue: QueueConfig{
			Key:           signalq.DefaultQueueKey,
			MaxRetries:    signalq.DefaultMaxRetries,
			InvokeTimeout: 30 * time.Second,
			RetryBase:     15 * time.Second,
			RetryMax:      10 * time.Minute,
		},
		Storage: StorageConfig{
			Driver: "badger",
			Path:   "data/queue",
		},
		Repository: RepositoryConfig{
			Driver:         "postgres",
			PostgresURL:    "postgres://localhost:5432/signalq?sslmode=disable",
			RPCPrefix:      signalq.DefaultRPCPrefix,
			RequestTimeout: 10 * time.Second,
		},
		Probe: ProbeConfig{
			Interval: 10 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr: ":8090",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads path over the defaults, applies SIGNALQ_* environment
// overrides and validates the result. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Debug("config file not found, using defaults", "path", path)
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	loadConfigFromEnv(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Repository.Driver == "nats" && cfg.NATS.URL == "" {
		return cfg, errors.New("invalid config: nats.url is required for the nats repository")
	}
	return cfg, nil
}

func loadConfigFromEnv(cfg *Config) {
	if v := os.Getenv("SIGNALQ_SOURCE"); v != "" {
		cfg.Source = v
	}
	if v := os.Getenv("SIGNALQ_MAX_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxRetries = i
		}
	}
	if v := os.Getenv("SIGNALQ_INVOKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.InvokeTimeout = d
		}
	}
	if v := os.Getenv("SIGNALQ_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("SIGNALQ_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("SIGNALQ_REPOSITORY"); v != "" {
		cfg.Repository.Driver = v
	}
	// DATABASE_URL is honoured for parity with the integration tests.
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Repository.PostgresURL = v
	}
	if v := os.Getenv("SIGNALQ_POSTGRES_URL"); v != "" {
		cfg.Repository.PostgresURL = v
	}
	if v := os.Getenv("SIGNALQ_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("SIGNALQ_PROBE_URL"); v != "" {
		cfg.Probe.URL = v
	}
	if v := os.Getenv("SIGNALQ_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("SIGNALQ_RULES_FILE"); v != "" {
		cfg.Guard.RulesFile = v
	}
	if v := os.Getenv("SIGNALQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("SIGNALQ_LOG_JSON"); v != "" {
		cfg.Log.JSON = v == "true" || v == "1"
	}
}

// setupLogging installs the default slog handler.
func setupLogging(cfg LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
