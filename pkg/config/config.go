// Package config loads ispinfo settings from defaults, an optional YAML file
// and ISPINFO_* environment variables. Command-line flags are applied on top
// by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverDuckDB     = "duckdb"
	DriverPostgres   = "postgres"
	DriverClickHouse = "clickhouse"

	EnvPrefix = "ISPINFO_"

	DefaultDuckDBPath        = "ispinfo.duckdb"
	DefaultASNFile           = "data/GeoLite2-ASN-Blocks-IPv4.csv"
	DefaultCityLocationsFile = "data/GeoLite2-City-Locations-en.csv"
	DefaultCityBlocksFile    = "data/GeoLite2-City-Blocks-IPv4.csv"
	DefaultCheckpointPath    = "import-state.json"
	DefaultFlushThreshold    = 1000
	DefaultInitialBatchSize  = 1000
	DefaultMinBatchSize      = 100
	DefaultListenAddr        = ":8787"
	DefaultCacheTTL          = 5 * time.Minute
	DefaultShutdownTimeout   = 10 * time.Second
)

var ErrInvalidDriver = errors.New("invalid store driver")

type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Import ImportConfig `yaml:"import"`
	Serve  ServeConfig  `yaml:"serve"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSN is the DuckDB database path (empty for in-memory) or the
	// PostgreSQL connection string.
	DSN string `yaml:"dsn"`
	// Addr, Database, Username and Password configure ClickHouse.
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LogValue hides credentials from log output.
func (s StoreConfig) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("driver", s.Driver)}
	if s.DSN != "" {
		attrs = append(attrs, slog.String("dsn", redactDSN(s.DSN)))
	}
	if s.Addr != "" {
		attrs = append(attrs, slog.String("addr", s.Addr), slog.String("database", s.Database), slog.String("username", s.Username))
	}
	if s.Password != "" {
		attrs = append(attrs, slog.String("password", "REDACTED"))
	}
	return slog.GroupValue(attrs...)
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return dsn
	}
	return u.Redacted()
}

type ImportConfig struct {
	ASNFile           string `yaml:"asn_file"`
	CityLocationsFile string `yaml:"city_locations_file"`
	CityBlocksFile    string `yaml:"city_blocks_file"`
	CheckpointPath    string `yaml:"checkpoint_path"`
	FlushThreshold    int    `yaml:"flush_threshold"`
	InitialBatchSize  int    `yaml:"initial_batch_size"`
	MinBatchSize      int    `yaml:"min_batch_size"`
	// MaxPayloadBytes caps the estimated size of one write. Zero disables
	// the check and leaves size limits to the backend.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
}

type ServeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// MetricsAddr serves /metrics on a separate listener when set; otherwise
	// metrics share ListenAddr.
	MetricsAddr     string        `yaml:"metrics_addr"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: DriverDuckDB,
			DSN:    DefaultDuckDBPath,
		},
		Import: ImportConfig{
			ASNFile:           DefaultASNFile,
			CityLocationsFile: DefaultCityLocationsFile,
			CityBlocksFile:    DefaultCityBlocksFile,
			CheckpointPath:    DefaultCheckpointPath,
			FlushThreshold:    DefaultFlushThreshold,
			InitialBatchSize:  DefaultInitialBatchSize,
			MinBatchSize:      DefaultMinBatchSize,
		},
		Serve: ServeConfig{
			ListenAddr:      DefaultListenAddr,
			CacheTTL:        DefaultCacheTTL,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: DefaultShutdownTimeout,
		},
	}
}

// Load layers the YAML file at path (if any) and the environment over the
// defaults. lookupEnv is usually os.LookupEnv.
func Load(path string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if lookupEnv != nil {
		if err := cfg.applyEnv(lookupEnv); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

type envBinding struct {
	name string
	set  func(string) error
}

func str(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func duration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func list(dst *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
		return nil
	}
}

func (cfg *Config) bindings() []envBinding {
	return []envBinding{
		{"STORE_DRIVER", str(&cfg.Store.Driver)},
		{"STORE_DSN", str(&cfg.Store.DSN)},
		{"STORE_ADDR", str(&cfg.Store.Addr)},
		{"STORE_DATABASE", str(&cfg.Store.Database)},
		{"STORE_USERNAME", str(&cfg.Store.Username)},
		{"STORE_PASSWORD", str(&cfg.Store.Password)},
		{"ASN_FILE", str(&cfg.Import.ASNFile)},
		{"CITY_LOCATIONS_FILE", str(&cfg.Import.CityLocationsFile)},
		{"CITY_BLOCKS_FILE", str(&cfg.Import.CityBlocksFile)},
		{"CHECKPOINT_PATH", str(&cfg.Import.CheckpointPath)},
		{"FLUSH_THRESHOLD", integer(&cfg.Import.FlushThreshold)},
		{"INITIAL_BATCH_SIZE", integer(&cfg.Import.InitialBatchSize)},
		{"MIN_BATCH_SIZE", integer(&cfg.Import.MinBatchSize)},
		{"MAX_PAYLOAD_BYTES", integer(&cfg.Import.MaxPayloadBytes)},
		{"LISTEN_ADDR", str(&cfg.Serve.ListenAddr)},
		{"METRICS_ADDR", str(&cfg.Serve.MetricsAddr)},
		{"CACHE_TTL", duration(&cfg.Serve.CacheTTL)},
		{"ALLOWED_ORIGINS", list(&cfg.Serve.AllowedOrigins)},
		{"SHUTDOWN_TIMEOUT", duration(&cfg.Serve.ShutdownTimeout)},
	}
}

func (cfg *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	for _, b := range cfg.bindings() {
		v, ok := lookupEnv(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.set(v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

func (cfg *Config) Validate() error {
	switch cfg.Store.Driver {
	case DriverDuckDB:
	case DriverPostgres:
		if cfg.Store.DSN == "" {
			return errors.New("store dsn is required for postgres")
		}
		if !isPostgresDSN(cfg.Store.DSN) {
			return errors.New("store dsn for postgres must be a postgres:// url or key=value string")
		}
	case DriverClickHouse:
		if cfg.Store.Addr == "" {
			return errors.New("store addr is required for clickhouse")
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDriver, cfg.Store.Driver)
	}
	if cfg.Import.MinBatchSize < 1 {
		return errors.New("min batch size must be positive")
	}
	if cfg.Import.InitialBatchSize < cfg.Import.MinBatchSize {
		return errors.New("initial batch size must not be below min batch size")
	}
	if cfg.Import.FlushThreshold < 1 {
		return errors.New("flush threshold must be positive")
	}
	if cfg.Import.MaxPayloadBytes < 0 {
		return errors.New("max payload bytes must not be negative")
	}
	if cfg.Serve.CacheTTL < 0 {
		return errors.New("cache ttl must not be negative")
	}
	return nil
}

func isPostgresDSN(dsn string) bool {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return true
	}
	return strings.Contains(dsn, "=")
}
