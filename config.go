package swcache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/lifecycle"
	"github.com/always-cache/swcache/manifest"
	"github.com/always-cache/swcache/selector"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// FileConfig is the configuration file of the standalone server.
// Every scalar can be overridden with a SWCACHE_* environment variable.
type FileConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     StoreConfig     `yaml:"cache"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Routing   RoutingConfig   `yaml:"routing"`
	Offline   OfflineConfig   `yaml:"offline"`
	Manifest  ManifestConfig  `yaml:"manifest"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr       string        `yaml:"addr" env:"SWCACHE_ADDR"`
	Origin     string        `yaml:"origin" env:"SWCACHE_ORIGIN"`
	OriginHost string        `yaml:"originHost" env:"SWCACHE_ORIGIN_HOST"`
	Timeout    time.Duration `yaml:"timeout" env:"SWCACHE_FETCH_TIMEOUT"`
	// Basic auth password for the control routes. Open if empty.
	ControlToken string `yaml:"controlToken" env:"SWCACHE_CONTROL_TOKEN"`
}

type StoreConfig struct {
	Prefix string `yaml:"prefix" env:"SWCACHE_PREFIX"`
	// memory, sqlite or leveldb
	Provider string `yaml:"provider" env:"SWCACHE_PROVIDER"`
	// Database file (sqlite) or directory (leveldb).
	Path string `yaml:"path" env:"SWCACHE_DB"`
	// Human readable size, e.g. "10MB".
	MaxEntrySize string `yaml:"maxEntrySize" env:"SWCACHE_MAX_ENTRY_SIZE"`
}

type LifecycleConfig struct {
	Activation         lifecycle.Policy `yaml:"activation" env:"SWCACHE_ACTIVATION"`
	InstallConcurrency int              `yaml:"installConcurrency" env:"SWCACHE_INSTALL_CONCURRENCY"`
}

type RoutingConfig struct {
	Mode   selector.Mode  `yaml:"mode" env:"SWCACHE_MODE"`
	Allow  []string       `yaml:"allow" env:"SWCACHE_ALLOW" envSeparator:","`
	Bypass selector.Rules `yaml:"bypass"`
}

type OfflineConfig struct {
	Document string `yaml:"document" env:"SWCACHE_OFFLINE_DOCUMENT"`
}

type ManifestConfig struct {
	// File path, http(s):// or s3:// URL.
	Source string             `yaml:"source" env:"SWCACHE_MANIFEST"`
	Poll   time.Duration      `yaml:"poll" env:"SWCACHE_MANIFEST_POLL"`
	JSON   manifest.JSONPaths `yaml:"json"`
}

type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" env:"SWCACHE_OTEL_ENDPOINT"`
}

// DefaultFileConfig returns the configuration used when nothing is set.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Server: ServerConfig{
			Addr:    ":8080",
			Timeout: 30 * time.Second,
		},
		Cache: StoreConfig{
			Prefix:       "swcache",
			Provider:     "memory",
			Path:         "swcache.db",
			MaxEntrySize: "10MB",
		},
		Lifecycle: LifecycleConfig{
			Activation:         lifecycle.ActivationEager,
			InstallConcurrency: 4,
		},
		Routing: RoutingConfig{
			Mode: selector.ModePerClass,
		},
		Offline: OfflineConfig{
			Document: "/offline.html",
		},
		Manifest: ManifestConfig{
			Poll: time.Hour,
		},
	}
}

// LoadConfig is ReadConfig followed by validation.
func LoadConfig(filename string) (FileConfig, error) {
	config, err := ReadConfig(filename)
	if err != nil {
		return config, err
	}
	return config, config.Validate()
}

// ReadConfig reads the file at filename on top of the defaults, then applies
// environment overrides. An empty filename skips the file.
// The result is not validated.
func ReadConfig(filename string) (FileConfig, error) {
	config := DefaultFileConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := ParseEnv(&config); err != nil {
		return config, err
	}
	return config, nil
}

// ParseEnv populates target from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c FileConfig) Validate() error {
	var errs []error
	switch c.Cache.Provider {
	case "memory", "sqlite", "leveldb":
	default:
		errs = append(errs, fmt.Errorf("unknown cache provider %q", c.Cache.Provider))
	}
	switch c.Lifecycle.Activation {
	case lifecycle.ActivationEager, lifecycle.ActivationWait:
	default:
		errs = append(errs, fmt.Errorf("unknown activation policy %q", c.Lifecycle.Activation))
	}
	switch c.Routing.Mode {
	case selector.ModePerClass, selector.ModeCacheFirst:
	default:
		errs = append(errs, fmt.Errorf("unknown routing mode %q", c.Routing.Mode))
	}
	if c.Lifecycle.InstallConcurrency < 1 {
		errs = append(errs, errors.New("install concurrency must be positive"))
	}
	if _, err := c.origin(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.maxEntrySize(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c FileConfig) origin() (*url.URL, error) {
	if c.Server.Origin == "" {
		return nil, nil
	}
	u, err := url.Parse(c.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("origin %q must be an absolute http(s) URL", c.Server.Origin)
	}
	if strings.Trim(u.Path, "/") != "" {
		return nil, fmt.Errorf("origin %q must not have a path", c.Server.Origin)
	}
	u.Path = ""
	return u, nil
}

func (c FileConfig) maxEntrySize() (int64, error) {
	if c.Cache.MaxEntrySize == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Cache.MaxEntrySize)
	if err != nil {
		return 0, fmt.Errorf("max entry size: %w", err)
	}
	return int64(n), nil
}

// OpenStore opens the configured cache provider.
func (c FileConfig) OpenStore() (cache.Provider, error) {
	switch c.Cache.Provider {
	case "sqlite":
		return cache.NewSQLiteCache(c.Cache.Path)
	case "leveldb":
		return cache.NewLevelDBCache(c.Cache.Path)
	case "memory", "":
		return cache.NewMemCache(), nil
	}
	return nil, fmt.Errorf("unknown cache provider %q", c.Cache.Provider)
}

// Config builds the worker configuration around an open store.
func (c FileConfig) Config(ctx context.Context, store cache.Provider) (Config, error) {
	origin, err := c.origin()
	if err != nil {
		return Config{}, err
	}
	maxEntrySize, err := c.maxEntrySize()
	if err != nil {
		return Config{}, err
	}
	config := Config{
		Store:              store,
		Origin:             origin,
		OriginHost:         c.Server.OriginHost,
		ControlToken:       c.Server.ControlToken,
		FetchTimeout:       c.Server.Timeout,
		Prefix:             c.Cache.Prefix,
		Activation:         c.Lifecycle.Activation,
		InstallConcurrency: c.Lifecycle.InstallConcurrency,
		Mode:               c.Routing.Mode,
		Allow:              c.Routing.Allow,
		Bypass:             c.Routing.Bypass,
		OfflineDocument:    c.Offline.Document,
		MaxEntrySize:       maxEntrySize,
		Poll:               c.Manifest.Poll,
	}
	if c.Manifest.Source != "" {
		source, err := manifest.NewSource(ctx, c.Manifest.Source, c.Manifest.JSON)
		if err != nil {
			return Config{}, err
		}
		config.Manifest = source
	}
	return config, nil
}
