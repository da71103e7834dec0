// Package config loads and serves the service's TOML configuration
// document: storage roots, DB connection, per-plugin enablement, and the
// worker pool size.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

const (
	SchemaVersion = 1
	CfgEnv = "MEDIAINDEX_CFG"
	CfgFile = "mediaindex.toml"

	DefaultNParallelMeta = 4
)

// Values is the on-disk document shape.
type Values struct {
	ConfigSchema int `toml:"config_schema"`

	CacheRoot string `toml:"cache_root"`
	ThumbnailRoot string `toml:"thumbnail_root"`
	ExtensionFile string `toml:"extension_file"`
	DeviceDBPath string `toml:"device_db_path"`

	DocumentDBURI string `toml:"document_db_uri"`
	DocumentDBName string `toml:"document_db_name"`

	NParallelMeta int `toml:"n_parallel_meta"`

	Plugins PluginConfig `toml:"plugins,omitempty"`
	DebugLogging bool `toml:"debug_logging"`
}

// PluginConfig holds the per-plugin static settings.
type PluginConfig struct {
	UsbStorageEnabled bool `toml:"usb_storage_enabled"`
	LocalStorageDevs string `toml:"local_storage_devs"` // STORAGE_DEVS format
	MtpEnabled bool `toml:"mtp_enabled"`
	MtpBrokerURL string `toml:"mtp_broker_url"`
	MtpTopic string `toml:"mtp_topic"`
	UpnpEnabled bool `toml:"upnp_enabled"`
}

func defaults() Values {
	return Values{
		ConfigSchema: SchemaVersion,
		NParallelMeta: DefaultNParallelMeta,
		Plugins: PluginConfig{
			UsbStorageEnabled: true,
			MtpTopic: "mediaindex/mtp/notify",
		},
	}
}

// Instance is the process-wide config singleton, guarded by a single
// RWMutex.
type Instance struct {
	cfgPath string
	vals Values
	mu sync.RWMutex
}

// NewConfig loads configDir's config file, writing defaults if absent.
func NewConfig(configDir string) (*Instance, error) {
	cfgPath := os.Getenv(CfgEnv)
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir, CfgFile)
	}

	cfg := &Instance{cfgPath: cfgPath, vals: defaults()}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		log.Info().Str("path", cfgPath).Msg("saving new default config to disk")
		if err := os.MkdirAll(filepath.Dir(cfgPath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	}

	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Instance) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.cfgPath) //nolint:gosec // operator-provided config path
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var vals Values
	if err := toml.Unmarshal(data, &vals); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if vals.ConfigSchema != SchemaVersion {
		return fmt.Errorf("config schema mismatch: got %d, expecting %d: %w", vals.ConfigSchema, SchemaVersion, errSchemaMismatch)
	}

	c.vals = vals
	return nil
}

var errSchemaMismatch = errors.New("config: schema version mismatch")

func (c *Instance) Save() error {
	c.mu.RLock()
	data, err := toml.Marshal(c.vals)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(c.cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Instance) CacheRoot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.CacheRoot
}

func (c *Instance) ThumbnailRoot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.ThumbnailRoot
}

func (c *Instance) ExtensionFile() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.ExtensionFile
}

func (c *Instance) DeviceDBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.DeviceDBPath
}

func (c *Instance) DocumentDB() (uri, name string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.DocumentDBURI, c.vals.DocumentDBName
}

func (c *Instance) NParallelMeta() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.NParallelMeta <= 0 {
		return DefaultNParallelMeta
	}
	return c.vals.NParallelMeta
}

// Plugins returns the per-plugin settings. A non-empty STORAGE_DEVS
// environment variable overrides local_storage_devs.
func (c *Instance) Plugins() PluginConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.vals.Plugins
	if devs := os.Getenv("STORAGE_DEVS"); devs != "" {
		p.LocalStorageDevs = devs
	}
	return p
}

func (c *Instance) DebugLogging() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.DebugLogging
}
