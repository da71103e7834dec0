// Package persistence implements device/settings persistence: known-device
// rows survive a restart, and per-plugin enabled flags are consulted when a
// plugin is first loaded.
package persistence

import (
	"encoding/json"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"
)

var (
	devicesBucket = []byte("devices")
	settingsBucket = []byte("plugin_settings")
)

// DeviceRecord is one persisted device row, keyed by URI, scoped to what
// the UI needs to show a device before it has ever been seen this run.
type DeviceRecord struct {
	URI string
	UUID string
	Mountpoint string
	Name string
	Description string
	Icon string
}

// PluginSetting is the {enabled} row, keyed by plugin id.
type PluginSetting struct {
	Enabled bool
}

// Store wraps an embedded bbolt database. One process-wide instance,
// initialized once at startup.
type Store struct {
	db *bolt.DB
}

// Open creates (or reopens) the store at path, creating both buckets if
// this is a fresh database.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(devicesBucket); err != nil {
			return fmt.Errorf("failed to create devices bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(settingsBucket); err != nil {
			return fmt.Errorf("failed to create settings bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close persistence store: %w", err)
	}
	return nil
}

// SaveDevice upserts a device row keyed by uri.
func (s *Store) SaveDevice(rec DeviceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal device record: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(devicesBucket).Put([]byte(rec.URI), data) //nolint:wrapcheck // bolt errors wrapped by caller
	})
	if err != nil {
		return fmt.Errorf("failed to save device %s: %w", rec.URI, err)
	}
	return nil
}

// DevicesByPrefix returns every known device whose uri starts with prefix,
// used at startup to re-inject known devices into their owning plugin.
func (s *Store) DevicesByPrefix(prefix string) ([]DeviceRecord, error) {
	var out []DeviceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(devicesBucket).Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var rec DeviceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal device record %s: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetPluginEnabled upserts the {uri, enabled} row for a plugin.
func (s *Store) SetPluginEnabled(pluginID string, enabled bool) error {
	data, err := json.Marshal(PluginSetting{Enabled: enabled})
	if err != nil {
		return fmt.Errorf("failed to marshal plugin setting: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Put([]byte(pluginID), data) //nolint:wrapcheck
	})
	if err != nil {
		return fmt.Errorf("failed to save plugin setting %s: %w", pluginID, err)
	}
	return nil
}

// PluginEnabled looks up whether a plugin is enabled, defaulting to true
// (enabled) if no row exists yet — a plugin is on until explicitly
// disabled.
func (s *Store) PluginEnabled(pluginID string) (bool, error) {
	enabled := true
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(settingsBucket).Get([]byte(pluginID))
		if data == nil {
			return nil
		}
		var setting PluginSetting
		if err := json.Unmarshal(data, &setting); err != nil {
			return fmt.Errorf("failed to unmarshal plugin setting %s: %w", pluginID, err)
		}
		enabled = setting.Enabled
		return nil
	})
	if err != nil {
		return true, err
	}
	return enabled, nil
}
