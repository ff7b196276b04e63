package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the explanation engine.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Model   ModelConfig   `yaml:"model"`
	Data    DataConfig    `yaml:"data"`
	Batch   BatchConfig   `yaml:"batch"`
	Store   StoreConfig   `yaml:"store"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// ModelConfig locates the scoring model pack.
type ModelConfig struct {
	Path string `yaml:"path"`
}

// DataConfig locates the reference population, either a local CSV file or an
// upstream feature-store service. The CSV path wins when both are set.
type DataConfig struct {
	PopulationPath string             `yaml:"populationPath"`
	FeatureStore   FeatureStoreConfig `yaml:"featureStore"`
}

// FeatureStoreConfig configures access to the feature-store service.
type FeatureStoreConfig struct {
	BaseURL          string        `yaml:"baseURL"`
	RowsPath         string        `yaml:"rowsPath"`
	ObservationsPath string        `yaml:"observationsPath"`
	Timeout          time.Duration `yaml:"timeout"`
}

// BatchConfig tunes the batch orchestrator.
type BatchConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	MaxConcurrency int           `yaml:"maxConcurrency"`
	Timeout        time.Duration `yaml:"timeout"`
	RetryBackoff   time.Duration `yaml:"retryBackoff"`
}

// StoreConfig locates the explanation history database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig controls Valkey-backed caching of computed explanations.
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	OpTimeout   time.Duration `yaml:"opTimeout"`
	TLS         bool          `yaml:"tls"`
	ResultTTL   time.Duration `yaml:"resultTTL"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("GLASSBOX_EXPLAIN_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Model: ModelConfig{Path: "configs/model.yaml"},
		Data: DataConfig{
			PopulationPath: "configs/population.csv",
			FeatureStore: FeatureStoreConfig{
				RowsPath:         "/api/v1/features/rows",
				ObservationsPath: "/api/v1/features/observations",
				Timeout:          5 * time.Second,
			},
		},
		Batch: BatchConfig{
			MaxConcurrency: 32,
			Timeout:        2 * time.Minute,
			RetryBackoff:   100 * time.Millisecond,
		},
		Store: StoreConfig{Path: "explanations.db"},
		Cache: CacheConfig{
			Enabled:     false,
			DialTimeout: 2 * time.Second,
			OpTimeout:   500 * time.Millisecond,
			ResultTTL:   10 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GLASSBOX_EXPLAIN_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_MODEL_PATH"); v != "" {
		cfg.Model.Path = v
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_POPULATION_PATH"); v != "" {
		cfg.Data.PopulationPath = v
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_FEATURE_STORE_URL"); v != "" {
		cfg.Data.FeatureStore.BaseURL = v
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_FEATURE_STORE_ROWS_PATH"); v != "" {
		cfg.Data.FeatureStore.RowsPath = v
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_FEATURE_STORE_OBSERVATIONS_PATH"); v != "" {
		cfg.Data.FeatureStore.ObservationsPath = v
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_BATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.Concurrency = n
		}
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_BATCH_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.MaxConcurrency = n
		}
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_BATCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Batch.Timeout = d
		}
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_BATCH_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Batch.RetryBackoff = d
		}
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_CACHE_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.DialTimeout = d
		}
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_CACHE_OP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.OpTimeout = d
		}
	}
	if v := os.Getenv("GLASSBOX_EXPLAIN_CACHE_RESULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.ResultTTL = d
		}
	}
}
