package swcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/always-cache/swcache/lifecycle"
	"github.com/always-cache/swcache/manifest"
	"github.com/always-cache/swcache/selector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configYAML = `
server:
  origin: https://quran.example.com
  timeout: 5s
cache:
  prefix: quran
  provider: sqlite
  maxEntrySize: 2MB
lifecycle:
  activation: wait
routing:
  mode: cache-first
  allow: ["*.googleapis.com", "cdn.example.net"]
  bypass:
    - prefix: /api/
offline:
  document: /pages/offline.html
manifest:
  source: manifest.json
  poll: 10m
  json:
    resources: files|@values
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, configYAML))
	require.NoError(t, err)

	assert.Equal(t, ":8080", config.Server.Addr)
	assert.Equal(t, "https://quran.example.com", config.Server.Origin)
	assert.Equal(t, 5*time.Second, config.Server.Timeout)
	assert.Equal(t, "quran", config.Cache.Prefix)
	assert.Equal(t, "sqlite", config.Cache.Provider)
	assert.Equal(t, lifecycle.ActivationWait, config.Lifecycle.Activation)
	assert.Equal(t, 4, config.Lifecycle.InstallConcurrency)
	assert.Equal(t, selector.ModeCacheFirst, config.Routing.Mode)
	assert.Equal(t, []string{"*.googleapis.com", "cdn.example.net"}, config.Routing.Allow)
	assert.Equal(t, selector.Rules{{Prefix: "/api/"}}, config.Routing.Bypass)
	assert.Equal(t, "/pages/offline.html", config.Offline.Document)
	assert.Equal(t, 10*time.Minute, config.Manifest.Poll)
	assert.Equal(t, "files|@values", config.Manifest.JSON.Resources)
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultFileConfig(), config)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("SWCACHE_ADDR", ":9090")
	t.Setenv("SWCACHE_PROVIDER", "leveldb")
	t.Setenv("SWCACHE_ALLOW", "a.example.com,b.example.com")
	t.Setenv("SWCACHE_MANIFEST_POLL", "30s")

	config, err := LoadConfig(writeConfig(t, configYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9090", config.Server.Addr)
	assert.Equal(t, "leveldb", config.Cache.Provider)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, config.Routing.Allow)
	assert.Equal(t, 30*time.Second, config.Manifest.Poll)
	// untouched by the environment
	assert.Equal(t, "quran", config.Cache.Prefix)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		message string
	}{
		{"provider", "cache: {provider: redis}", `unknown cache provider "redis"`},
		{"activation", "lifecycle: {activation: lazy}", `unknown activation policy "lazy"`},
		{"mode", "routing: {mode: network-first}", `unknown routing mode "network-first"`},
		{"concurrency", "lifecycle: {installConcurrency: 0}", "install concurrency must be positive"},
		{"origin path", "server: {origin: 'https://example.com/app'}", "must not have a path"},
		{"origin scheme", "server: {origin: 'example.com'}", "absolute http(s) URL"},
		{"size", "cache: {maxEntrySize: lots}", "max entry size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()
	for _, provider := range []string{"memory", "sqlite", "leveldb"} {
		t.Run(provider, func(t *testing.T) {
			config := DefaultFileConfig()
			config.Cache.Provider = provider
			config.Cache.Path = filepath.Join(dir, provider)
			store, err := config.OpenStore()
			require.NoError(t, err)
			defer store.Close()

			names, err := store.Namespaces()
			require.NoError(t, err)
			assert.Empty(t, names)
		})
	}
}

func TestFileConfigToConfig(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, configYAML))
	require.NoError(t, err)
	config.Cache.Provider = "memory"
	store, err := config.OpenStore()
	require.NoError(t, err)

	c, err := config.Config(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, "https://quran.example.com", c.Origin.String())
	assert.Equal(t, int64(2_000_000), c.MaxEntrySize)
	assert.Equal(t, 5*time.Second, c.FetchTimeout)
	assert.Equal(t, lifecycle.ActivationWait, c.Activation)
	assert.Equal(t, "/pages/offline.html", c.OfflineDocument)
	require.NotNil(t, c.Manifest)
	assert.IsType(t, &manifest.FileSource{}, c.Manifest)
	assert.Equal(t, store, c.Store)
}

func TestReadConfigDefersValidation(t *testing.T) {
	path := writeConfig(t, "cache: {provider: foo}")

	_, err := LoadConfig(path)
	require.Error(t, err)

	config, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "foo", config.Cache.Provider)
	config.Cache.Provider = "sqlite"
	assert.NoError(t, config.Validate())
}

func TestControlTokenFromEnv(t *testing.T) {
	t.Setenv("SWCACHE_CONTROL_TOKEN", "s3cret")
	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", config.Server.ControlToken)

	c, err := config.Config(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", c.ControlToken)
}
