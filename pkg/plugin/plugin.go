// Package plugin implements the closed set of device sources: UsbStorage,
// LocalStorage, Mtp, Upnp, all behind one capability interface, plus the
// shared cold/warm file-tree-walk logic they all use.
package plugin

import (
	"context"
	"errors"
	"strings"

	"github.com/arborio/mediaindex/pkg/device"
)

// Plugin is the capability interface every device source implements. It
// deliberately mirrors the closed variant set rather than using
// an inheritance hierarchy: callers hold a Plugin, never a concrete type.
type Plugin interface {
	// ID is the stable plugin identifier used for settings lookups and
	// the device URI scheme prefix.
	ID() string
	// StartDetection begins whatever hot-plug/discovery mechanism this
	// plugin uses, reporting devices through Notifications.DeviceAdded and
	// DeviceStateChanged.
	StartDetection(ctx context.Context) error
	StopDetection()
	// InjectDevice re-adds a previously-known, currently-unavailable
	// device at startup so persisted meta survives a restart.
	InjectDevice(uri, uuid, mountpoint string, meta device.Meta)
	// Devices returns a borrowed snapshot of the devices this plugin owns.
	Devices() []*device.Device
	// Scan triggers (or re-triggers) a scan of the named device.
	Scan(uri string) error
	// PlaybackURI turns a media item's stored uri into a URI a player can
	// open directly.
	PlaybackURI(itemURI string) (string, error)
}

// Notifications is implemented by the orchestrator; every plugin reports
// device lifecycle transitions through it instead of holding a concrete
// orchestrator reference.
type Notifications interface {
	device.Observer
	DeviceAdded(d *device.Device)
	DeviceRemoved(uri string)
}

var (
	ErrDeviceNotFound = errors.New("plugin: device not found")
	ErrAlreadyRegistered = errors.New("plugin: device already registered")
)

// MangleSerial replaces characters that are unsafe in a URI path segment
// (colons, whitespace) with '-', used by the mtp:// and upnp:// schemes.
func MangleSerial(serial string) string {
	var b strings.Builder
	b.Grow(len(serial))
	for _, r := range serial {
		if r == ':' || r == ' ' || r == '\t' || r == '\n' {
			b.WriteByte('-')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ItemURI builds a media item's stable uri from its owning device uri and
// its path relative to the mountpoint.
func ItemURI(deviceURI, relativePath string) string {
	rel := strings.TrimPrefix(relativePath, "/")
	return deviceURI + "/" + rel
}
