// Package config provides the configuration of the tracequery service and
// command line tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/arkilian/tracequery/internal/executor"
	"github.com/arkilian/tracequery/internal/processor"
	"github.com/arkilian/tracequery/internal/server"
	"github.com/arkilian/tracequery/internal/source"
	"github.com/arkilian/tracequery/internal/storage"
	"github.com/arkilian/tracequery/internal/track"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "TRACEQUERY_"

// Config holds the configuration of the query service.
type Config struct {
	// DataDir is the base directory for caches and exports
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// Query engine configuration
	Query QueryConfig `json:"query" yaml:"query"`

	// Sources lists the trace databases served
	Sources []source.Source `json:"sources" yaml:"sources"`

	// SourceCache configures the local copies of remote sources
	SourceCache SourceCacheConfig `json:"source_cache" yaml:"source_cache"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Export configuration
	Export ExportConfig `json:"export" yaml:"export"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`

	// Tracks is the path of a track template file. Empty uses the built in
	// templates.
	Tracks string `json:"tracks" yaml:"tracks"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	// DrainTimeout bounds the wait for running queries on shutdown
	DrainTimeout    time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	Addr    string `json:"addr" yaml:"addr"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// QueryConfig tunes the executor and the table processors.
type QueryConfig struct {
	// Concurrency bounds the statements running at once
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// PoolSize is the maximum number of open trace databases
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// ConnectionsPerDB bounds concurrent statements per database
	ConnectionsPerDB int `json:"connections_per_db" yaml:"connections_per_db"`

	// IdleTimeout closes databases unused for this long
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// SplitThreshold is the record count above which a track is split
	SplitThreshold uint64 `json:"split_threshold" yaml:"split_threshold"`

	// RowsPerWorker is the row count per filter or aggregation worker
	RowsPerWorker int `json:"rows_per_worker" yaml:"rows_per_worker"`

	// DefaultLimit is the page size without a LIMIT command
	DefaultLimit uint64 `json:"default_limit" yaml:"default_limit"`

	// WaitTimeout bounds the wait for a compound query fetch
	WaitTimeout time.Duration `json:"wait_timeout" yaml:"wait_timeout"`

	// IdleReset drops merged tables unused for this long; 0 keeps them
	IdleReset time.Duration `json:"idle_reset" yaml:"idle_reset"`

	// DefaultInstance runs plain statements without a track binding
	DefaultInstance string `json:"default_instance" yaml:"default_instance"`

	// Split partitions tracks above SplitThreshold into time buckets
	Split bool `json:"split" yaml:"split"`

	// IncludePMC plans counter tracks in all-track queries
	IncludePMC bool `json:"include_pmc" yaml:"include_pmc"`

	// IncludeStreams plans stream tracks in all-track queries
	IncludeStreams bool `json:"include_streams" yaml:"include_streams"`
}

// SourceCacheConfig configures downloaded trace databases.
type SourceCacheConfig struct {
	Dir         string `json:"dir" yaml:"dir"`
	MaxCached   int    `json:"max_cached" yaml:"max_cached"`
	Concurrency int    `json:"concurrency" yaml:"concurrency"`
	// AllowPaths lets requests name local database files directly
	AllowPaths bool `json:"allow_paths" yaml:"allow_paths"`
	// Prefetch downloads remote sources at startup
	Prefetch bool `json:"prefetch" yaml:"prefetch"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: none, local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
	MaxRetries   int    `json:"max_retries" yaml:"max_retries"`
	PartSize     int64  `json:"part_size" yaml:"part_size"`
}

// ExportConfig configures CSV exports.
type ExportConfig struct {
	Dir          string `json:"dir" yaml:"dir"`
	Compress     bool   `json:"compress" yaml:"compress"`
	UploadPrefix string `json:"upload_prefix" yaml:"upload_prefix"`
	KeepLocal    bool   `json:"keep_local" yaml:"keep_local"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	s3 := storage.DefaultS3Config()
	return &Config{
		DataDir: "./data/tracequery",
		HTTP: HTTPConfig{
			Addr:         ":8081",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  120 * time.Second,

			DrainTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Query: QueryConfig{
			Concurrency:      8,
			PoolSize:         64,
			ConnectionsPerDB: 8,
			IdleTimeout:      5 * time.Minute,
			SplitThreshold:   track.DefaultSplitThreshold,
			RowsPerWorker:    processor.DefaultRowsPerWorker,
			DefaultLimit:     processor.DefaultLimit,
			WaitTimeout:      2 * time.Minute,
			IdleReset:        30 * time.Minute,
			Split:            true,
		},
		SourceCache: SourceCacheConfig{
			MaxCached:   16,
			Concurrency: 4,
		},
		Storage: StorageConfig{
			Type: "none",
			S3: S3Config{
				Region:     s3.Region,
				MaxRetries: s3.MaxRetries,
				PartSize:   s3.Multipart.PartSize,
			},
		},
		Export: ExportConfig{
			UploadPrefix: "exports",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "logfmt",
		},
	}
}

// Resolve sets directory defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/tracequery"
	}
	if c.Storage.Type == "local" && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.SourceCache.Dir == "" {
		c.SourceCache.Dir = filepath.Join(c.DataDir, "sources")
	}
	if c.Export.Dir == "" {
		c.Export.Dir = filepath.Join(c.DataDir, "exports")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Storage.Type {
	case "none", "local", "s3":
	default:
		return fmt.Errorf("invalid storage type: %s (must be none, local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Query.Concurrency < 1 {
		return fmt.Errorf("query.concurrency must be positive, got %d", c.Query.Concurrency)
	}
	if c.Query.PoolSize < 1 {
		return fmt.Errorf("query.pool_size must be positive, got %d", c.Query.PoolSize)
	}
	if c.Query.RowsPerWorker < 1 {
		return fmt.Errorf("query.rows_per_worker must be positive, got %d", c.Query.RowsPerWorker)
	}

	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.Instance == "" {
			return fmt.Errorf("sources: instance is required")
		}
		if seen[s.Instance] {
			return fmt.Errorf("sources: duplicate instance %q", s.Instance)
		}
		seen[s.Instance] = true
		if (s.Path == "") == (s.Object == "") {
			return fmt.Errorf("sources: instance %q needs exactly one of path or object", s.Instance)
		}
		if s.Object != "" && c.Storage.Type == "none" {
			return fmt.Errorf("sources: instance %q names an object but no storage is configured", s.Instance)
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "logfmt", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be logfmt or json)", c.Log.Format)
	}
	return nil
}

// ExecutorConfig returns the executor configuration.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		Concurrency: c.Query.Concurrency,
		Pool: executor.PoolConfig{
			MaxConnections:      c.Query.ConnectionsPerDB,
			MaxTotalConnections: c.Query.PoolSize,
			IdleTimeout:         c.Query.IdleTimeout,
		},
	}
}

// ProcessorConfig returns the table processor configuration.
func (c *Config) ProcessorConfig() processor.Config {
	return processor.Config{
		WaitTimeout:     c.Query.WaitTimeout,
		RowsPerWorker:   c.Query.RowsPerWorker,
		DefaultLimit:    c.Query.DefaultLimit,
		IdleReset:       c.Query.IdleReset,
		DefaultInstance: c.Query.DefaultInstance,
		Build:           c.BuildOptions(),
		PlanFlags:       c.PlanFlags(),
	}
}

// BuildOptions returns the query builder options.
func (c *Config) BuildOptions() track.BuildOptions {
	return track.BuildOptions{
		SplitThreshold: c.Query.SplitThreshold,
		Concurrency:    c.Query.Concurrency,
	}
}

// PlanFlags returns the flags all-track planning runs with.
func (c *Config) PlanFlags() track.PlanFlags {
	var f track.PlanFlags
	if c.Query.Split {
		f |= track.TrySplit
	}
	if c.Query.IncludePMC {
		f |= track.IncludePMC
	}
	if c.Query.IncludeStreams {
		f |= track.IncludeStreams
	}
	return f
}

// SourceConfig returns the source resolver configuration.
func (c *Config) SourceConfig() source.Config {
	return source.Config{
		CacheDir:    c.SourceCache.Dir,
		MaxCached:   c.SourceCache.MaxCached,
		Concurrency: c.SourceCache.Concurrency,
		AllowPaths:  c.SourceCache.AllowPaths,
	}
}

// S3StorageConfig returns the S3 client configuration.
func (c *Config) S3StorageConfig() storage.S3Config {
	cfg := storage.DefaultS3Config()
	s := c.Storage.S3
	if s.Region != "" {
		cfg.Region = s.Region
	}
	cfg.Endpoint = s.Endpoint
	cfg.UsePathStyle = s.UsePathStyle
	if s.MaxRetries > 0 {
		cfg.MaxRetries = s.MaxRetries
	}
	if s.PartSize > 0 {
		cfg.Multipart.PartSize = s.PartSize
	}
	return cfg
}

// ShutdownConfig returns the drain and shutdown bounds of the servers.
func (c *Config) ShutdownConfig() server.ShutdownConfig {
	return server.ShutdownConfig{
		DrainTimeout:    c.HTTP.DrainTimeout,
		ShutdownTimeout: c.HTTP.ShutdownTimeout,
	}
}

// ExporterConfig returns the exporter configuration.
func (c *Config) ExporterConfig() processor.ExportConfig {
	return processor.ExportConfig{
		Dir:          c.Export.Dir,
		Compress:     c.Export.Compress,
		UploadPrefix: c.Export.UploadPrefix,
		KeepLocal:    c.Export.KeepLocal,
	}
}

// LoadFromFile loads configuration from a YAML or JSON file over the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// Load reads path when it is not empty, applies environment overrides,
// resolves defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile reads KEY=value lines from a dotenv file into the process
// environment so LoadFromEnv picks them up. Variables already set win.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv applies environment variables with the TRACEQUERY_ prefix.
// A malformed number, duration or boolean is an error.
func LoadFromEnv(cfg *Config) error {
	e := envReader{}

	e.str("DATA_DIR", &cfg.DataDir)
	e.str("TRACKS", &cfg.Tracks)

	// HTTP configuration
	e.str("HTTP_ADDR", &cfg.HTTP.Addr)
	e.duration("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	e.duration("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	e.duration("HTTP_DRAIN_TIMEOUT", &cfg.HTTP.DrainTimeout)
	e.duration("HTTP_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)

	// gRPC configuration
	e.str("GRPC_ADDR", &cfg.GRPC.Addr)
	e.boolean("GRPC_ENABLED", &cfg.GRPC.Enabled)

	// Query configuration
	e.integer("QUERY_CONCURRENCY", &cfg.Query.Concurrency)
	e.integer("QUERY_POOL_SIZE", &cfg.Query.PoolSize)
	e.uinteger("QUERY_SPLIT_THRESHOLD", &cfg.Query.SplitThreshold)
	e.integer("QUERY_ROWS_PER_WORKER", &cfg.Query.RowsPerWorker)
	e.uinteger("QUERY_DEFAULT_LIMIT", &cfg.Query.DefaultLimit)
	e.duration("QUERY_WAIT_TIMEOUT", &cfg.Query.WaitTimeout)
	e.duration("QUERY_IDLE_RESET", &cfg.Query.IdleReset)
	e.str("QUERY_DEFAULT_INSTANCE", &cfg.Query.DefaultInstance)
	e.boolean("QUERY_SPLIT", &cfg.Query.Split)
	e.boolean("QUERY_INCLUDE_PMC", &cfg.Query.IncludePMC)
	e.boolean("QUERY_INCLUDE_STREAMS", &cfg.Query.IncludeStreams)

	// Source cache configuration
	e.str("SOURCE_CACHE_DIR", &cfg.SourceCache.Dir)
	e.integer("SOURCE_CACHE_MAX_CACHED", &cfg.SourceCache.MaxCached)
	e.boolean("SOURCE_CACHE_ALLOW_PATHS", &cfg.SourceCache.AllowPaths)

	// Storage configuration
	e.str("STORAGE_TYPE", &cfg.Storage.Type)
	e.str("STORAGE_PATH", &cfg.Storage.Path)
	e.str("S3_BUCKET", &cfg.Storage.S3.Bucket)
	e.str("S3_REGION", &cfg.Storage.S3.Region)
	e.str("S3_ENDPOINT", &cfg.Storage.S3.Endpoint)
	e.boolean("S3_USE_PATH_STYLE", &cfg.Storage.S3.UsePathStyle)

	// Export configuration
	e.str("EXPORT_DIR", &cfg.Export.Dir)
	e.boolean("EXPORT_COMPRESS", &cfg.Export.Compress)
	e.str("EXPORT_UPLOAD_PREFIX", &cfg.Export.UploadPrefix)

	// Log configuration
	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.str("LOG_FORMAT", &cfg.Log.Format)

	return e.err
}

// envReader applies overrides and keeps the first parse error.
type envReader struct {
	err error
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	return v, ok && v != ""
}

func (e *envReader) fail(name, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, v, err)
	}
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) integer(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) uinteger(name string, dst *uint64) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = b
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Storage.Path,
		c.SourceCache.Dir,
		c.Export.Dir,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
