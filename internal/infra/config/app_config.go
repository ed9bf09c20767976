// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/dexroute/internal/app/pipeline"
	"github.com/coachpo/dexroute/internal/domain/jobstore"
	"github.com/coachpo/dexroute/internal/infra/logging"
	"github.com/coachpo/dexroute/internal/infra/persistence/postgres"
	"github.com/coachpo/dexroute/internal/infra/queue"
	"github.com/coachpo/dexroute/internal/infra/venue"
)

// Environment variables that override file settings.
const (
	EnvPostgresURL = "POSTGRES_URL"
	EnvPort        = "PORT"
	EnvLogLevel    = "LOG_LEVEL"
)

// APIServerConfig configures the HTTP ingress and websocket surface.
type APIServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver StorageDriver `yaml:"driver"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	postgres.PoolConfig `yaml:",inline"`
	RunMigrations       bool   `yaml:"runMigrations"`
	MigrationsDir       string `yaml:"migrationsDir"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/dexroute"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 5
	}
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 || c.MaxConnIdleTime <= 0 || c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("connection lifetimes must be >0")
	}
	return nil
}

// QueueConfig combines worker tuning with the delivery options stamped on every job.
type QueueConfig struct {
	queue.WorkerConfig `yaml:",inline"`
	Job                jobstore.Options `yaml:"job"`
}

// NotifierConfig sizes per-subscriber delivery.
type NotifierConfig struct {
	BufferSize   int           `yaml:"bufferSize"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	EnableMetrics  bool          `yaml:"enableMetrics"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// AppConfig is the unified dexroute application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Storage     StorageConfig   `yaml:"storage"`
	Database    DatabaseConfig  `yaml:"database"`
	Queue       QueueConfig     `yaml:"queue"`
	Pipeline    pipeline.Config `yaml:"pipeline"`
	Venues      []venue.Spec    `yaml:"venues"`
	Notifier    NotifierConfig  `yaml:"notifier"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     logging.Config  `yaml:"logging"`
}

// Default returns a configuration runnable without a file: memory storage, the two simulated
// venues and the original queue policy.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Storage:     StorageConfig{Driver: StorageMemory},
		Pipeline:    pipeline.DefaultConfig(),
		Logging:     logging.DefaultConfig(),
	}
	cfg.Queue.WorkerConfig = queue.DefaultWorkerConfig()
	cfg.Queue.Job = jobstore.DefaultOptions()
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file, then applies environment
// overrides.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := AppConfig{
		Pipeline: pipeline.DefaultConfig(),
		Logging:  logging.DefaultConfig(),
	}
	cfg.Queue.WorkerConfig = queue.DefaultWorkerConfig()
	cfg.Queue.Job = jobstore.DefaultOptions()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to Default plus environment overrides when the
// file does not exist. The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if _, err := os.Stat(strings.TrimSpace(configPath)); errors.Is(err, fs.ErrNotExist) {
		cfg := Default()
		if err := cfg.applyEnv(os.LookupEnv); err != nil {
			return AppConfig{}, false, err
		}
		if err := cfg.normalise(); err != nil {
			return AppConfig{}, false, err
		}
		if err := cfg.Validate(); err != nil {
			return AppConfig{}, false, err
		}
		return cfg, false, nil
	}
	cfg, err := Load(ctx, configPath)
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) error {
	if dsn, ok := lookup(EnvPostgresURL); ok && strings.TrimSpace(dsn) != "" {
		c.Database.DSN = strings.TrimSpace(dsn)
		c.Storage.Driver = StoragePostgres
	}
	if port, ok := lookup(EnvPort); ok && strings.TrimSpace(port) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(port))
		if err != nil || n <= 0 || n > 65535 {
			return fmt.Errorf("%s: invalid port %q", EnvPort, port)
		}
		c.APIServer.Addr = ":" + strconv.Itoa(n)
	}
	if level, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(level) != "" {
		c.Logging.Level = strings.TrimSpace(level)
	}
	return nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(normalizeToken(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Storage.Driver = StorageDriver(normalizeToken(string(c.Storage.Driver)))
	if c.Storage.Driver == "" {
		c.Storage.Driver = StoragePostgres
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":3000"
	}
	if c.APIServer.ReadHeaderTimeout <= 0 {
		c.APIServer.ReadHeaderTimeout = 5 * time.Second
	}
	if c.APIServer.ShutdownTimeout <= 0 {
		c.APIServer.ShutdownTimeout = 5 * time.Second
	}

	c.Database.applyDefaults()

	c.Queue.Queue = strings.TrimSpace(c.Queue.Queue)
	if c.Queue.Queue == "" {
		c.Queue.Queue = queue.DefaultQueue
	}
	c.Queue.Job = c.Queue.Job.Normalize()

	c.Pipeline.QuotePolicy = pipeline.QuotePolicy(normalizeToken(string(c.Pipeline.QuotePolicy)))
	if c.Pipeline.QuotePolicy == "" {
		c.Pipeline.QuotePolicy = pipeline.QuotePolicyAll
	}

	if len(c.Venues) == 0 {
		c.Venues = venue.DefaultSpecs()
	}
	for i := range c.Venues {
		c.Venues[i].Name = strings.TrimSpace(c.Venues[i].Name)
		c.Venues[i].Kind = normalizeToken(c.Venues[i].Kind)
		if path := strings.TrimSpace(c.Venues[i].ScriptPath); path != "" {
			c.Venues[i].ScriptPath = filepath.Clean(path)
		}
	}

	if c.Notifier.BufferSize <= 0 {
		c.Notifier.BufferSize = 16
	}
	if c.Notifier.WriteTimeout <= 0 {
		c.Notifier.WriteTimeout = 5 * time.Second
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dexroute"
	}

	c.Logging.Level = normalizeToken(c.Logging.Level)
	c.Logging.Format = normalizeToken(c.Logging.Format)
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Storage.Driver {
	case StoragePostgres:
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	case StorageMemory:
	default:
		return fmt.Errorf("storage driver must be postgres or memory, got %q", c.Storage.Driver)
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}

	if err := c.Queue.Job.Validate(); err != nil {
		return fmt.Errorf("queue job: %w", err)
	}
	if c.Queue.Concurrency < 0 {
		return fmt.Errorf("queue concurrency must be >=0")
	}
	if c.Queue.Limiter.Max < 0 || c.Queue.Limiter.Duration < 0 {
		return fmt.Errorf("queue limiter must be >=0")
	}

	if err := c.Pipeline.Validate(); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Venues))
	for i, spec := range c.Venues {
		if spec.Name == "" {
			return fmt.Errorf("venues[%d]: name required", i)
		}
		key := strings.ToLower(spec.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("venues[%d]: duplicate venue name %q", i, spec.Name)
		}
		seen[key] = struct{}{}
	}

	if c.Telemetry.EnableMetrics && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when metrics are enabled")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
