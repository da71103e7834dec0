package plugin

import (
	"context"
	"fmt"
	"strings"

	"github.com/arborio/mediaindex/pkg/cache"
	"github.com/arborio/mediaindex/pkg/configurator"
	"github.com/arborio/mediaindex/pkg/device"
	"github.com/arborio/mediaindex/pkg/syncutil"
)

// UsbStorageID is the stable plugin identifier and device uri scheme.
const UsbStorageID = "msc"

// UsbStorage is the plugin variant for removable mass-storage devices,
// discovered through platform mount/unmount events.
type UsbStorage struct {
	notif Notifications
	config *configurator.Configurator
	caches *cache.Manager
	thumbRoot string

	detector MountDetector
	cancel context.CancelFunc

	mu syncutil.RWMutex
	devices map[string]*device.Device // keyed by uuid
}

// NewUsbStorage builds the plugin. detector is injected so tests can supply
// a fake MountDetector instead of touching real hardware.
func NewUsbStorage(notif Notifications, config *configurator.Configurator, caches *cache.Manager, thumbRoot string, detector MountDetector) *UsbStorage {
	return &UsbStorage{
		notif: notif,
		config: config,
		caches: caches,
		thumbRoot: thumbRoot,
		detector: detector,
		devices: make(map[string]*device.Device),
	}
}

func (p *UsbStorage) ID() string { return UsbStorageID }

func (p *UsbStorage) StartDetection(ctx context.Context) error {
	if err := p.detector.Start(); err != nil {
		return fmt.Errorf("failed to start mount detector: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.listen(ctx)
	return nil
}

func (p *UsbStorage) StopDetection() {
	if p.cancel != nil {
		p.cancel()
	}
	p.detector.Stop()
}

func (p *UsbStorage) listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.detector.Events():
			if !ok {
				return
			}
			p.handleMount(ev)
		case id, ok := <-p.detector.Unmounts():
			if !ok {
				return
			}
			p.handleUnmount(id)
		}
	}
}

func (p *UsbStorage) uri(uuid string) string { return UsbStorageID + "://" + uuid }

func (p *UsbStorage) handleMount(ev MountEvent) {
	uri := p.uri(ev.DeviceID)

	p.mu.Lock()
	d, exists := p.devices[ev.DeviceID]
	p.mu.Unlock()

	if exists {
		d.Mountpoint = ev.MountPath
		if d.SetAvailable(true) {
			p.notif.DeviceStateChanged(d)
		}
		return
	}

	d = device.New(uri, ev.DeviceID, ev.MountPath, p, p.notif)
	d.SetMeta(device.Meta{Name: ev.VolumeLabel})

	p.mu.Lock()
	p.devices[ev.DeviceID] = d
	p.mu.Unlock()

	d.SetAvailable(true)
	p.notif.DeviceAdded(d)
	p.notif.DeviceStateChanged(d)
}

func (p *UsbStorage) handleUnmount(uuid string) {
	p.mu.RLock()
	d, ok := p.devices[uuid]
	p.mu.RUnlock()
	if !ok {
		return
	}
	if d.SetAvailable(false) {
		p.notif.DeviceStateChanged(d)
	}
}

// InjectDevice re-adds a device known from persistence but not currently
// mounted.
func (p *UsbStorage) InjectDevice(uri, uuid, mountpoint string, meta device.Meta) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.devices[uuid]; exists {
		return
	}
	d := device.New(uri, uuid, mountpoint, p, p.notif)
	d.SetMeta(meta)
	p.devices[uuid] = d
}

func (p *UsbStorage) Devices() []*device.Device {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*device.Device, 0, len(p.devices))
	for _, d := range p.devices {
		out = append(out, d)
	}
	return out
}

func (p *UsbStorage) Scan(uri string) error {
	d, err := p.find(uri)
	if err != nil {
		return err
	}
	d.Scan()
	return nil
}

func (p *UsbStorage) find(uri string) (*device.Device, error) {
	uuid := strings.TrimPrefix(uri, UsbStorageID+"://")
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.devices[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, uri)
	}
	return d, nil
}

// Walk implements device.Walker by delegating to the shared FileWalker,
// opening this device's cache fresh for each scan.
func (p *UsbStorage) Walk(ctx context.Context, deviceURI string, obs device.Observer) error {
	uuid := strings.TrimPrefix(deviceURI, UsbStorageID+"://")

	d, err := p.find(deviceURI)
	if err != nil {
		return err
	}

	c, warm, err := p.caches.Open(uuid)
	if err != nil {
		return fmt.Errorf("failed to open cache for %s: %w", deviceURI, err)
	}

	w := &FileWalker{
		Mountpoint: d.Mountpoint,
		Config: p.config,
		Cache: c,
		NewMounted: d.NewMounted() || !warm,
		ThumbRoot: p.thumbRoot,
	}
	return w.Walk(ctx, deviceURI, obs)
}

func (p *UsbStorage) PlaybackURI(itemURI string) (string, error) {
	mountpoint, rel, err := p.resolve(itemURI)
	if err != nil {
		return "", err
	}
	return "file://" + mountpoint + rel, nil
}

func (p *UsbStorage) resolve(itemURI string) (mountpoint, rel string, err error) {
	rest := strings.TrimPrefix(itemURI, UsbStorageID+"://")
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("%w: malformed item uri %s", ErrDeviceNotFound, itemURI)
	}
	uuid := rest[:idx]
	rel = rest[idx:]

	p.mu.RLock()
	d, ok := p.devices[uuid]
	p.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrDeviceNotFound, itemURI)
	}
	return d.Mountpoint, rel, nil
}
