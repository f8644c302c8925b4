// Package config loads kitwatch settings from an optional YAML file and the
// environment. The result is built once at startup and passed explicitly into
// every component constructor.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/kitwatch/kitwatch/pkg/artifacts"
	"github.com/kitwatch/kitwatch/pkg/observability"
	"github.com/kitwatch/kitwatch/pkg/version"
)

// ErrInvalid is wrapped by every configuration error.
var ErrInvalid = errors.New("invalid configuration")

// Acquire failure policies.
const (
	PolicyKeep    = "keep"
	PolicyRelease = "release"
)

// Environment overrides.
const (
	EnvDatabase    = "KITWATCH_DATABASE"
	EnvDownloadTo  = "KITWATCH_DOWNLOAD_TO"
	EnvThreads     = "KITWATCH_THREADS"
	EnvDedupDriver = "KITWATCH_DEDUP_DRIVER"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://kitwatch.local/schemas/config.schema.json"

const defaultSQLitePath = "kitwatch.db"

// Config holds every tunable of the pipeline.
type Config struct {
	DownloadTo       string        `yaml:"download_to"`
	Threads          int           `yaml:"threads"`
	Timeout          time.Duration `yaml:"timeout"`
	ValidExtensions  []string      `yaml:"valid_extensions"`
	ValidMIMETypes   []string      `yaml:"valid_mime_types"`
	MaxDownloadBytes int64         `yaml:"max_download_bytes"`
	AutoDownload     bool          `yaml:"auto_download"`
	OnAcquireFailure string        `yaml:"on_acquire_failure"`
	PerHostRPS       float64       `yaml:"per_host_rps"`
	PerHostBurst     int           `yaml:"per_host_burst"`
	UserAgent        string        `yaml:"user_agent"`

	Dedup     DedupConfig          `yaml:"dedup"`
	Mirror    artifacts.Config     `yaml:"mirror"`
	Scope     ScopeConfig          `yaml:"scope"`
	Telemetry observability.Config `yaml:"telemetry"`
}

// DedupConfig selects the dedup store backend.
type DedupConfig struct {
	Driver    string `yaml:"driver"`
	DSN       string `yaml:"dsn"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ScopeConfig lists CEL exclusion rules.
type ScopeConfig struct {
	Exclude []string `yaml:"exclude"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DownloadTo:       filepath.Join(os.TempDir(), "kitwatch"),
		Threads:          runtime.NumCPU(),
		Timeout:          15 * time.Second,
		ValidExtensions:  []string{".zip", ".rar", ".7z", ".tar", ".gz", ".tar.gz"},
		ValidMIMETypes:   []string{"application/zip", "application/vnd.rar", "application/x-7z-compressed", "application/x-tar", "application/gzip"},
		MaxDownloadBytes: 100 << 20,
		AutoDownload:     true,
		OnAcquireFailure: PolicyKeep,
		PerHostRPS:       2,
		PerHostBurst:     4,
		UserAgent:        version.UserAgent(),
		Dedup: DedupConfig{
			Driver:    "sqlite",
			DSN:       defaultSQLitePath,
			KeyPrefix: "kitwatch:seen:",
		},
		Telemetry: *observability.DefaultConfig(),
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	// The sqlite default path means nothing to the other drivers.
	if cfg.Dedup.Driver != "sqlite" && cfg.Dedup.DSN == defaultSQLitePath {
		cfg.Dedup.DSN = ""
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if doc == nil {
		return nil
	}
	if err := validateDocument(doc); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// validateDocument checks the raw YAML tree against the embedded JSON Schema.
func validateDocument(doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var inst any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("config schema load failed: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("config schema compile failed: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv(EnvDatabase); ok && v != "" {
		c.Dedup.DSN = v
	}
	if v, ok := os.LookupEnv(EnvDownloadTo); ok && v != "" {
		c.DownloadTo = v
	}
	if v, ok := os.LookupEnv(EnvDedupDriver); ok && v != "" {
		c.Dedup.Driver = v
	}
	if v, ok := os.LookupEnv(EnvThreads); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, EnvThreads, v)
		}
		c.Threads = n
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.DownloadTo == "" {
		add("download_to is required")
	}
	if c.Threads < 1 {
		add("threads must be >= 1, got %d", c.Threads)
	}
	if c.Timeout <= 0 {
		add("timeout must be positive, got %s", c.Timeout)
	}
	if len(c.ValidExtensions) == 0 {
		add("valid_extensions must not be empty")
	}
	for _, ext := range c.ValidExtensions {
		if !strings.HasPrefix(ext, ".") || strings.ContainsAny(ext, `/\`) {
			add("valid_extensions: %q must start with a dot and contain no separators", ext)
		}
	}
	if len(c.ValidMIMETypes) == 0 {
		add("valid_mime_types must not be empty")
	}
	if c.MaxDownloadBytes <= 0 {
		add("max_download_bytes must be positive, got %d", c.MaxDownloadBytes)
	}
	switch c.OnAcquireFailure {
	case PolicyKeep, PolicyRelease:
	default:
		add("on_acquire_failure must be %q or %q, got %q", PolicyKeep, PolicyRelease, c.OnAcquireFailure)
	}
	if c.PerHostRPS < 0 {
		add("per_host_rps must be >= 0")
	}
	if c.PerHostBurst < 0 {
		add("per_host_burst must be >= 0")
	}
	switch c.Dedup.Driver {
	case "sqlite", "redis", "memory":
	case "postgres":
		if c.Dedup.DSN == "" {
			add("dedup.dsn is required for postgres")
		}
	default:
		add("dedup.driver %q is not supported", c.Dedup.Driver)
	}
	switch c.Mirror.Type {
	case artifacts.StoreTypeNone:
	case artifacts.StoreTypeFS:
		if c.Mirror.Dir == "" {
			add("mirror.dir is required for fs mirror")
		}
	case artifacts.StoreTypeS3, artifacts.StoreTypeGCS:
		if c.Mirror.Bucket == "" {
			add("mirror.bucket is required for %s mirror", c.Mirror.Type)
		}
	default:
		add("mirror.type %q is not supported", c.Mirror.Type)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
