package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/arborio/mediaindex/pkg/cache"
	"github.com/arborio/mediaindex/pkg/configurator"
	"github.com/arborio/mediaindex/pkg/device"
	"github.com/arborio/mediaindex/pkg/syncutil"
	"github.com/rs/zerolog/log"
)

// MtpID is the stable plugin identifier and device uri scheme.
const MtpID = "mtp"

// mtpNotification is the payload an external MTP bridge publishes when a
// device appears, disappears, or finishes being fuse-mounted locally.
type mtpNotification struct {
	Serial string `json:"serial"`
	Name string `json:"name"`
	Mountpoint string `json:"mountpoint"` // empty on "removed"
	Removed bool `json:"removed"`
}

// Mtp is the plugin variant for MTP devices (phones, portable players).
// The core has no USB/MTP protocol stack of its own: a companion process
// fuse-mounts the device locally and publishes add/remove notifications
// over MQTT, an external hot-plug notifier.
type Mtp struct {
	notif Notifications
	config *configurator.Configurator
	caches *cache.Manager
	thumbRoot string

	client mqtt.Client
	topic string

	mu syncutil.RWMutex
	devices map[string]*device.Device // keyed by mangled serial
}

// NewMtp builds the plugin around an already-configured (but not yet
// connected) MQTT client and the topic the bridge publishes on.
func NewMtp(notif Notifications, config *configurator.Configurator, caches *cache.Manager, thumbRoot string, client mqtt.Client, topic string) *Mtp {
	return &Mtp{
		notif: notif,
		config: config,
		caches: caches,
		thumbRoot: thumbRoot,
		client: client,
		topic: topic,
		devices: make(map[string]*device.Device),
	}
}

func (p *Mtp) ID() string { return MtpID }

func (p *Mtp) uri(serial string) string { return MtpID + "://" + MangleSerial(serial) }

func (p *Mtp) StartDetection(_ context.Context) error {
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to mtp bridge broker: %w", token.Error())
	}
	token := p.client.Subscribe(p.topic, 1, p.handleMessage)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to mtp bridge topic %s: %w", p.topic, token.Error())
	}
	return nil
}

func (p *Mtp) StopDetection() {
	p.client.Unsubscribe(p.topic)
	p.client.Disconnect(250)
}

func (p *Mtp) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var n mtpNotification
	if err := json.Unmarshal(msg.Payload(), &n); err != nil {
		log.Warn().Err(err).Msg("failed to parse mtp bridge notification")
		return
	}
	if n.Serial == "" {
		return
	}
	if n.Removed {
		p.handleRemoved(n.Serial)
		return
	}
	p.handleAdded(n)
}

func (p *Mtp) handleAdded(n mtpNotification) {
	id := MangleSerial(n.Serial)
	uri := p.uri(n.Serial)

	p.mu.Lock()
	d, exists := p.devices[id]
	p.mu.Unlock()

	if exists {
		d.Mountpoint = n.Mountpoint
		if d.SetAvailable(true) {
			p.notif.DeviceStateChanged(d)
		}
		return
	}

	d = device.New(uri, id, n.Mountpoint, p, p.notif)
	d.SetMeta(device.Meta{Name: n.Name})

	p.mu.Lock()
	p.devices[id] = d
	p.mu.Unlock()

	d.SetAvailable(true)
	p.notif.DeviceAdded(d)
	p.notif.DeviceStateChanged(d)
}

func (p *Mtp) handleRemoved(serial string) {
	id := MangleSerial(serial)
	p.mu.RLock()
	d, ok := p.devices[id]
	p.mu.RUnlock()
	if !ok {
		return
	}
	if d.SetAvailable(false) {
		p.notif.DeviceStateChanged(d)
	}
}

func (p *Mtp) InjectDevice(uri, uuid, mountpoint string, meta device.Meta) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.devices[uuid]; exists {
		return
	}
	d := device.New(uri, uuid, mountpoint, p, p.notif)
	d.SetMeta(meta)
	p.devices[uuid] = d
}

func (p *Mtp) Devices() []*device.Device {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*device.Device, 0, len(p.devices))
	for _, d := range p.devices {
		out = append(out, d)
	}
	return out
}

func (p *Mtp) Scan(uri string) error {
	id := strings.TrimPrefix(uri, MtpID+"://")
	p.mu.RLock()
	d, ok := p.devices[id]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, uri)
	}
	d.Scan()
	return nil
}

func (p *Mtp) Walk(ctx context.Context, deviceURI string, obs device.Observer) error {
	id := strings.TrimPrefix(deviceURI, MtpID+"://")

	p.mu.RLock()
	d, ok := p.devices[id]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceURI)
	}
	if d.Mountpoint == "" {
		return fmt.Errorf("mtp device %s has no local mountpoint yet", deviceURI)
	}

	c, warm, err := p.caches.Open(id)
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

func (p *Mtp) PlaybackURI(itemURI string) (string, error) {
	rest := strings.TrimPrefix(itemURI, MtpID+"://")
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return "", fmt.Errorf("%w: malformed item uri %s", ErrDeviceNotFound, itemURI)
	}
	id := rest[:idx]

	p.mu.RLock()
	d, ok := p.devices[id]
	p.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, itemURI)
	}
	return "file://" + d.Mountpoint + rest[idx:], nil
}
