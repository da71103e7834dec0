package plugin

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/arborio/mediaindex/pkg/configurator"
	"github.com/arborio/mediaindex/pkg/device"
	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/arborio/mediaindex/pkg/syncutil"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
)

// UpnpID is the stable plugin identifier and device uri scheme.
const UpnpID = "upnp"

const mediaServerService = "_media-server._tcp"

// Upnp is the plugin variant for UPnP/DLNA media servers, discovered over
// mDNS and browsed over the ContentDirectory:1 SOAP action. There is no
// local mountpoint: items are addressed by the server's own DIDL-Lite
// resource id instead of a filesystem path.
type Upnp struct {
	notif Notifications
	config *configurator.Configurator
	client *http.Client

	cancel context.CancelFunc

	mu syncutil.RWMutex
	devices map[string]*device.Device // keyed by mangled device id
	servers map[string]*upnpServer // keyed by mangled device id
}

type upnpServer struct {
	controlURL string
}

func NewUpnp(notif Notifications, config *configurator.Configurator) *Upnp {
	return &Upnp{
		notif: notif,
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
		devices: make(map[string]*device.Device),
		servers: make(map[string]*upnpServer),
	}
}

func (p *Upnp) ID() string { return UpnpID }

func (p *Upnp) uri(id string) string { return UpnpID + "://" + MangleSerial(id) }

func (p *Upnp) StartDetection(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	go func() {
		for entry := range entries {
			p.handleEntry(entry)
		}
	}()

	if err := resolver.Browse(ctx, mediaServerService, "local.", entries); err != nil {
		cancel()
		return fmt.Errorf("failed to browse for upnp media servers: %w", err)
	}
	return nil
}

func (p *Upnp) StopDetection() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Upnp) handleEntry(entry *zeroconf.ServiceEntry) {
	if len(entry.AddrIPv4) == 0 {
		return
	}
	id := entry.Instance
	uri := p.uri(id)
	descURL := fmt.Sprintf("http://%s:%d/description.xml", entry.AddrIPv4[0], entry.Port)

	desc, err := p.fetchDescription(descURL)
	if err != nil {
		log.Warn().Err(err).Str("instance", id).Msg("failed to fetch upnp device description")
		return
	}

	mangled := MangleSerial(id)
	p.mu.Lock()
	p.servers[mangled] = &upnpServer{controlURL: desc.controlURL(descURL)}
	d, exists := p.devices[mangled]
	p.mu.Unlock()

	if exists {
		if d.SetAvailable(true) {
			p.notif.DeviceStateChanged(d)
		}
		return
	}

	d = device.New(uri, mangled, "", p, p.notif)
	d.SetMeta(device.Meta{Name: desc.FriendlyName, Icon: desc.iconURL(descURL)})

	p.mu.Lock()
	p.devices[mangled] = d
	p.mu.Unlock()

	d.SetAvailable(true)
	p.notif.DeviceAdded(d)
	p.notif.DeviceStateChanged(d)
}

// deviceDescription is the subset of a UPnP device description document
// this plugin needs: friendly name, an icon, and the ContentDirectory
// service's control URL.
type deviceDescription struct {
	FriendlyName string `xml:"device>friendlyName"`
	IconRel string `xml:"device>iconList>icon>url"`
	Services []struct {
		Type string `xml:"serviceType"`
		ControlURL string `xml:"controlURL"`
	} `xml:"device>serviceList>service"`
}

func (d *deviceDescription) controlURL(base string) string {
	for _, s := range d.Services {
		if strings.Contains(s.Type, "ContentDirectory") {
			return resolveRelative(base, s.ControlURL)
		}
	}
	return ""
}

func (d *deviceDescription) iconURL(base string) string {
	if d.IconRel == "" {
		return ""
	}
	return resolveRelative(base, d.IconRel)
}

func resolveRelative(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	idx := strings.Index(base[len("http://"):], "/")
	if idx < 0 {
		return base + ref
	}
	host := base[:len("http://")+idx]
	if !strings.HasPrefix(ref, "/") {
		return host + "/" + ref
	}
	return host + ref
}

func (p *Upnp) fetchDescription(url string) (*deviceDescription, error) {
	resp, err := p.client.Get(url) //nolint:noctx // one-shot discovery fetch with its own client timeout
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var desc deviceDescription
	if err := xml.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, fmt.Errorf("failed to parse device description: %w", err)
	}
	return &desc, nil
}

func (p *Upnp) InjectDevice(uri, uuid, mountpoint string, meta device.Meta) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.devices[uuid]; exists {
		return
	}
	d := device.New(uri, uuid, mountpoint, p, p.notif)
	d.SetMeta(meta)
	p.devices[uuid] = d
}

func (p *Upnp) Devices() []*device.Device {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*device.Device, 0, len(p.devices))
	for _, d := range p.devices {
		out = append(out, d)
	}
	return out
}

func (p *Upnp) Scan(uri string) error {
	id := strings.TrimPrefix(uri, UpnpID+"://")
	p.mu.RLock()
	d, ok := p.devices[id]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, uri)
	}
	d.Scan()
	return nil
}

// didlLite is the minimal browse-response shape needed to recover items.
type didlLite struct {
	Items []struct {
		ID string `xml:"id,attr"`
		Title string `xml:"title"`
		Class string `xml:"class"`
		Res string `xml:"res"`
	} `xml:"item"`
	Containers []struct {
		ID string `xml:"id,attr"`
	} `xml:"container"`
}

// Walk performs one flat ContentDirectory Browse of the root container.
// Recursing into sub-containers is left to a future iteration; this covers
// the common "everything under one folder" DLNA server layout.
func (p *Upnp) Walk(ctx context.Context, deviceURI string, obs device.Observer) error {
	mangled := strings.TrimPrefix(deviceURI, UpnpID+"://")

	p.mu.RLock()
	srv, ok := p.servers[mangled]
	p.mu.RUnlock()
	if !ok || srv.controlURL == "" {
		return fmt.Errorf("%w: %s has no content directory service", ErrDeviceNotFound, deviceURI)
	}

	body, err := p.browse(ctx, srv.controlURL, "0")
	if err != nil {
		return fmt.Errorf("content directory browse failed: %w", err)
	}

	var didl didlLite
	if err := xml.Unmarshal(body, &didl); err != nil {
		return fmt.Errorf("failed to parse didl-lite response: %w", err)
	}

	for _, it := range didl.Items {
		ext := strings.TrimPrefix(filepath.Ext(it.Title), ".")
		entry, ok := p.config.Lookup(ext)
		if !ok {
			continue
		}
		uri := ItemURI(deviceURI, it.ID)
		item := mediaitem.New(uri, it.Res, ext, entry.Type, entry.ExtractorKind, 0, 0,
			mediaitem.DeviceRef{URI: deviceURI})
		item.SetAttr(mediaitem.Title, mediaitem.StringAttr(it.Title))
		obs.NewMediaItem(item)
	}
	return nil
}

const browseEnvelope = `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body>
<u:Browse xmlns:u="urn:schemas-upnp-org:service:ContentDirectory:1">
<ObjectID>%s</ObjectID>
<BrowseFlag>BrowseDirectChildren</BrowseFlag>
<Filter>*</Filter>
<StartingIndex>0</StartingIndex>
<RequestedCount>0</RequestedCount>
<SortCriteria></SortCriteria>
</u:Browse>
</s:Body>
</s:Envelope>`

func (p *Upnp) browse(ctx context.Context, controlURL, objectID string) ([]byte, error) {
	payload := fmt.Sprintf(browseEnvelope, objectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewBufferString(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build browse request: %w", err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", `"urn:schemas-upnp-org:service:ContentDirectory:1#Browse"`)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browse request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("failed to read browse response: %w", err)
	}
	return buf.Bytes(), nil
}

func (p *Upnp) PlaybackURI(itemURI string) (string, error) {
	rest := strings.TrimPrefix(itemURI, UpnpID+"://")
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return "", fmt.Errorf("%w: malformed item uri %s", ErrDeviceNotFound, itemURI)
	}
	// the resource URL was embedded in the DIDL-Lite <res> element and
	// stored as the item's Path during Walk; callers resolve playback
	// through the item record rather than re-deriving it from the uri.
	return "", fmt.Errorf("upnp playback uri must be resolved from the stored item record, not %s", itemURI)
}
