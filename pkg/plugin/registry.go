package plugin

import (
	"context"
	"fmt"
	"strings"

	"github.com/arborio/mediaindex/pkg/device"
)

// Registry dispatches by uri scheme across the closed plugin set, so the
// orchestrator and the query surface never need a type switch on concrete
// plugin types.
type Registry struct {
	plugins map[string]Plugin // keyed by ID()
}

func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		r.plugins[p.ID()] = p
	}
	return r
}

func (r *Registry) StartAll(ctx context.Context) error {
	for id, p := range r.plugins {
		if err := p.StartDetection(ctx); err != nil {
			return fmt.Errorf("plugin %s failed to start: %w", id, err)
		}
	}
	return nil
}

func (r *Registry) StopAll() {
	for _, p := range r.plugins {
		p.StopDetection()
	}
}

// ByID returns the plugin registered under id, if any.
func (r *Registry) ByID(id string) (Plugin, bool) {
	p, ok := r.plugins[id]
	return p, ok
}

// ByURI resolves the plugin owning a device or item uri from its scheme
// prefix ("msc://...", "storage://...", ...).
func (r *Registry) ByURI(uri string) (Plugin, bool) {
	idx := strings.Index(uri, "://")
	if idx < 0 {
		return nil, false
	}
	return r.ByID(uri[:idx])
}

// AllDevices returns a snapshot of every device across every plugin.
func (r *Registry) AllDevices() []*device.Device {
	var out []*device.Device
	for _, p := range r.plugins {
		out = append(out, p.Devices()...)
	}
	return out
}

// Scan dispatches a scan request to the owning plugin.
func (r *Registry) Scan(uri string) error {
	p, ok := r.ByURI(uri)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, uri)
	}
	return p.Scan(uri)
}

// PlaybackURI dispatches to the owning plugin.
func (r *Registry) PlaybackURI(itemURI string) (string, error) {
	p, ok := r.ByURI(itemURI)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, itemURI)
	}
	return p.PlaybackURI(itemURI)
}
