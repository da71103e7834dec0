package cache

import (
	"fmt"
	"path/filepath"

	"github.com/arborio/mediaindex/pkg/syncutil"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// Manager is the process-wide registry of per-device caches, keyed by
// device uuid. Create/destroy are serialized by a single mutex; the
// returned Cache itself is not safe for concurrent use, since only one
// scan thread ever touches a given device's cache.
type Manager struct {
	fs afero.Fs
	root string
	mu syncutil.Mutex
}

// NewManager creates a cache manager rooted at root.
func NewManager(fs afero.Fs, root string) *Manager {
	return &Manager{fs: fs, root: root}
}

// Open loads or creates the cache for the given device uuid. The second
// return value is true if an existing, valid cache was loaded (a warm
// walk is possible); false means cold walk, whether because no cache
// exists yet or because the on-disk file failed to parse.
func (m *Manager) Open(uuid string) (*Cache, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Join(m.root, uuid)
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("failed to create cache dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, "cache.json")
	c, ok := Load(m.fs, path)
	if !ok {
		log.Debug().Str("uuid", uuid).Msg("no usable on-disk cache, falling back to cold walk")
	}
	return c, ok, nil
}

// Destroy removes a device's cache directory entirely (used when a device
// is permanently forgotten, not on ordinary unplug).
func (m *Manager) Destroy(uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir := filepath.Join(m.root, uuid)
	if err := m.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove cache dir %s: %w", dir, err)
	}
	return nil
}
