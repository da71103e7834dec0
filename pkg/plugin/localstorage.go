package plugin

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/arborio/mediaindex/pkg/cache"
	"github.com/arborio/mediaindex/pkg/configurator"
	"github.com/arborio/mediaindex/pkg/device"
	"github.com/arborio/mediaindex/pkg/syncutil"
	"github.com/rs/zerolog/log"
)

// LocalStorageID is the stable plugin identifier and device uri scheme.
const LocalStorageID = "storage"

// StaticEntry is one entry of the STORAGE_DEVS environment variable:
// "path,name,description".
type StaticEntry struct {
	Path string
	Name string
	Description string
}

// ParseStaticEntries parses STORAGE_DEVS=path,name,desc;path,name,desc;...
// per its Environment section. Malformed entries are skipped with a
// warning rather than failing the whole list.
func ParseStaticEntries(value string) []StaticEntry {
	var out []StaticEntry
	for _, raw := range strings.Split(value, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.SplitN(raw, ",", 3)
		if len(parts) == 0 || parts[0] == "" {
			log.Warn().Str("entry", raw).Msg("skipping malformed STORAGE_DEVS entry")
			continue
		}
		e := StaticEntry{Path: parts[0]}
		if len(parts) > 1 {
			e.Name = parts[1]
		}
		if len(parts) > 2 {
			e.Description = parts[2]
		}
		out = append(out, e)
	}
	return out
}

// LocalStorage is the plugin variant for statically-configured local
// directory trees: a configured path is available if its directory exists
// when detection starts. The paths are not watched afterwards, so a
// directory appearing or vanishing later does not change availability.
type LocalStorage struct {
	notif Notifications
	config *configurator.Configurator
	caches *cache.Manager
	thumbRoot string

	mu syncutil.RWMutex
	devices map[string]*device.Device // keyed by absolute path
	entries []StaticEntry
}

// NewLocalStorage builds the plugin from the statically configured entries.
func NewLocalStorage(notif Notifications, config *configurator.Configurator, caches *cache.Manager, thumbRoot string, entries []StaticEntry) *LocalStorage {
	return &LocalStorage{
		notif: notif,
		config: config,
		caches: caches,
		thumbRoot: thumbRoot,
		devices: make(map[string]*device.Device),
		entries: entries,
	}
}

func (p *LocalStorage) ID() string { return LocalStorageID }

func (p *LocalStorage) uri(path string) string { return LocalStorageID + "://" + path }

// StartDetection creates a Device for every configured entry up front (or
// reuses one re-injected from persistence) and marks it available if the
// path currently exists; there is no dynamic discovery.
func (p *LocalStorage) StartDetection(_ context.Context) error {
	for _, e := range p.entries {
		p.addEntry(e)
	}
	return nil
}

func (p *LocalStorage) addEntry(e StaticEntry) {
	uri := p.uri(e.Path)

	p.mu.Lock()
	d, exists := p.devices[e.Path]
	p.mu.Unlock()
	if exists {
		if d.SetAvailable(pathExists(e.Path)) {
			p.notif.DeviceStateChanged(d)
		}
		return
	}

	d = device.New(uri, e.Path, e.Path, p, p.notif)
	d.SetMeta(device.Meta{Name: e.Name, Description: e.Description})

	p.mu.Lock()
	p.devices[e.Path] = d
	p.mu.Unlock()

	available := pathExists(e.Path)
	d.SetAvailable(available)
	p.notif.DeviceAdded(d)
	if available {
		p.notif.DeviceStateChanged(d)
	}
}

func pathExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (p *LocalStorage) StopDetection() {}

func (p *LocalStorage) InjectDevice(uri, uuid, mountpoint string, meta device.Meta) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.devices[uuid]; exists {
		return
	}
	d := device.New(uri, uuid, mountpoint, p, p.notif)
	d.SetMeta(meta)
	p.devices[uuid] = d
}

func (p *LocalStorage) Devices() []*device.Device {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*device.Device, 0, len(p.devices))
	for _, d := range p.devices {
		out = append(out, d)
	}
	return out
}

func (p *LocalStorage) Scan(uri string) error {
	path := strings.TrimPrefix(uri, LocalStorageID+"://")
	p.mu.RLock()
	d, ok := p.devices[path]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, uri)
	}
	d.Scan()
	return nil
}

func (p *LocalStorage) Walk(ctx context.Context, deviceURI string, obs device.Observer) error {
	path := strings.TrimPrefix(deviceURI, LocalStorageID+"://")

	p.mu.RLock()
	d, ok := p.devices[path]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceURI)
	}

	c, warm, err := p.caches.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open cache for %s: %w", deviceURI, err)
	}

	w := &FileWalker{
		Mountpoint: path,
		Config: p.config,
		Cache: c,
		NewMounted: d.NewMounted() || !warm,
		ThumbRoot: p.thumbRoot,
	}
	return w.Walk(ctx, deviceURI, obs)
}

func (p *LocalStorage) PlaybackURI(itemURI string) (string, error) {
	rest := strings.TrimPrefix(itemURI, LocalStorageID+"://")
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return "", fmt.Errorf("%w: malformed item uri %s", ErrDeviceNotFound, itemURI)
	}
	return "file://" + rest, nil
}
