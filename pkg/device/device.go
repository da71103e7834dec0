// Package device implements the per-device state machine: availability,
// counters, the per-device scan thread, and the single-slot cleanup worker.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/arborio/mediaindex/pkg/syncutil"
	"github.com/rs/zerolog/log"
)

// State is the device's position in the lifecycle state machine.
type State int32

const (
	Inactive State = iota
	Idle
	Scanning
	Parsing
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Parsing:
		return "parsing"
	default:
		return "unknown"
	}
}

var ErrAlreadyScanning = errors.New("device: scan already queued")

// Meta holds the small amount of user-facing metadata a device carries.
type Meta struct {
	Name string
	Description string
	Icon string
}

// Counters are the per-type and aggregate item accounting fields.
type Counters struct {
	Discovered [3]int64 // indexed by mediaitem.Type (Audio/Video/Image)
	Processed [3]int64
	Removed [3]int64

	TotalPut int64
	TotalDirtyCleared int64
	TotalRemoveRequest int64
}

// Walker is the capability a plugin exposes to let a device drive its own
// scan thread without the device package importing the plugin package.
type Walker interface {
	// Walk performs one full cold/warm walk of the device, emitting items
	// and removals through obs, and must respect ctx cancellation at file
	// boundaries.
	Walk(ctx context.Context, deviceURI string, obs Observer) error
}

// Observer is the set of callbacks a scan thread drives into the
// orchestrator. It is deliberately narrow: the device package never sees
// the DB sync layer or the extractor pool directly.
type Observer interface {
	DeviceStateChanged(d *Device)
	NewMediaItem(item mediaitem.Item)
	// RemoveMediaItem is called for each cache-residue file found missing
	// during a warm walk: the row and its thumbnail must be deleted.
	RemoveMediaItem(deviceURI, itemURI, thumbnailName string, typ mediaitem.Type)
	// CacheHit is called for each file confirmed unchanged against the
	// on-disk cache during a warm walk; it never reaches NewMediaItem, so
	// this is the only signal that it was discovered and fully accounted
	// for without extraction.
	CacheHit(deviceURI string, typ mediaitem.Type)
	Cleanup(d *Device)
}

// Device is the per-device state record. It is owned by the plugin that
// discovered it; the orchestrator and in-flight extractor tasks hold only
// borrowed references (a *Device pointer, never copied).
type Device struct {
	Meta Meta

	URI string
	UUID string
	Mountpoint string

	state State
	available bool
	newMounted bool
	lastSeen time.Time

	aliveRefcount int32

	counters Counters

	mu syncutil.RWMutex // guards state/available/meta/lastSeen
	cmu syncutil.Mutex // guards counters (unique access on write)

	walker Walker
	obs Observer

	scanQueue chan string
	cleanup chan struct{}
	done chan struct{}
}

// New creates a device in the Inactive state with its scan and cleanup
// goroutines running; both are dormant until signaled and exit when the
// device is destroyed via Close.
func New(uri, uuid, mountpoint string, walker Walker, obs Observer) *Device {
	d := &Device{
		URI: uri,
		UUID: uuid,
		Mountpoint: mountpoint,
		state: Inactive,
		newMounted: true,
		walker: walker,
		obs: obs,
		scanQueue: make(chan string, 1),
		cleanup: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.scanLoop()
	go d.cleanupLoop()
	return d
}

// Close signals both background goroutines to exit. Safe to call once.
func (d *Device) Close() {
	close(d.done)
}

// SetAvailable flips availability and returns whether it actually changed.
// Becoming unavailable resets counters and clears the icon.
func (d *Device) SetAvailable(available bool) bool {
	d.mu.Lock()
	changed := d.available != available
	d.available = available
	if changed {
		if available {
			d.lastSeen = time.Now()
			if d.state == Inactive {
				d.state = Idle
			}
		} else {
			d.state = Inactive
			d.Meta.Icon = ""
		}
	}
	d.mu.Unlock()

	if changed && !available {
		d.resetCounters()
	}
	return changed
}

func (d *Device) resetCounters() {
	d.cmu.Lock()
	d.counters = Counters{}
	d.cmu.Unlock()
}

// Available reports current availability under the shared lock.
func (d *Device) Available() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.available
}

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// NewMounted reports whether the device has never completed a successful
// scan, which forces the next scan to be a cold walk.
func (d *Device) NewMounted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.newMounted
}

// SetMeta replaces the device's user-facing metadata.
func (d *Device) SetMeta(m Meta) {
	d.mu.Lock()
	d.Meta = m
	d.mu.Unlock()
}

// GetMeta returns a copy of the device's user-facing metadata.
func (d *Device) GetMeta() Meta {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Meta
}

// Scan enqueues a scan request for this device. The call is non-blocking;
// a scan already queued for this device coalesces with the new request,
// matching the cleanup worker's single-slot coalescing behavior.
func (d *Device) Scan() {
	select {
	case d.scanQueue <- d.URI:
	default:
		// a scan is already pending; nothing more to coalesce since the
		// walk always covers the whole device
	}
}

func (d *Device) scanLoop() {
	for {
		select {
		case <-d.done:
			return
		case <-d.scanQueue:
			d.runScan()
		}
	}
}

func (d *Device) runScan() {
	d.mu.Lock()
	d.state = Scanning
	d.mu.Unlock()

	ctx := context.Background()
	err := d.walker.Walk(ctx, d.URI, d.obs)
	if err != nil {
		log.Warn().Err(err).Str("device", d.URI).Msg("device walk aborted, staying new_mounted for next cold walk")
		// newMounted is left true by the plugin on abort; the device still needs to leave Scanning.
	} else {
		d.mu.Lock()
		d.newMounted = false
		d.mu.Unlock()
	}

	d.mu.Lock()
	d.state = Parsing
	d.mu.Unlock()

	d.obs.DeviceStateChanged(d)

	if d.ProcessingDone() {
		d.ActivateCleanup()
	}
}

// ProcessingDone reports whether the device has finished processing: if
// Parsing and both completion equalities hold, it transitions to Idle and
// notifies, returning true. Otherwise it returns false.
func (d *Device) ProcessingDone() bool {
	d.mu.Lock()
	if d.state != Parsing {
		d.mu.Unlock()
		return false
	}

	d.cmu.Lock()
	var discovered, processed int64
	for i := range d.counters.Discovered {
		discovered += d.counters.Discovered[i]
		processed += d.counters.Processed[i]
	}
	removedAll := d.counters.TotalRemoveRequest == sum(d.counters.Removed[:])
	done := discovered == processed && removedAll
	d.cmu.Unlock()

	if !done {
		d.mu.Unlock()
		return false
	}

	d.state = Idle
	d.mu.Unlock()

	d.obs.DeviceStateChanged(d)
	return true
}

func sum(xs []int64) int64 {
	var t int64
	for _, x := range xs {
		t += x
	}
	return t
}

// ActivateCleanup sends a coalesced cleanup request to the single-slot
// worker; a pending request is not duplicated.
func (d *Device) ActivateCleanup() {
	select {
	case d.cleanup <- struct{}{}:
	default:
	}
}

func (d *Device) cleanupLoop() {
	for {
		select {
		case <-d.done:
			return
		case <-d.cleanup:
			d.obs.Cleanup(d)
		}
	}
}

// IncDiscovered increments the per-type discovered counter.
func (d *Device) IncDiscovered(t mediaitem.Type) { d.incCounter(&d.counters.Discovered, t, 1) }

// IncProcessed increments the per-type processed counter (cache hits count
// here too, per the warm-walk rule).
func (d *Device) IncProcessed(t mediaitem.Type) { d.incCounter(&d.counters.Processed, t, 1) }

// IncRemoved increments the per-type removed counter.
func (d *Device) IncRemoved(t mediaitem.Type) { d.incCounter(&d.counters.Removed, t, 1) }

func (d *Device) incCounter(arr *[3]int64, t mediaitem.Type, n int64) {
	if t < 0 || int(t) >= len(arr) {
		return
	}
	d.cmu.Lock()
	arr[t] += n
	d.cmu.Unlock()
}

// AdvancePut advances the aggregate put counter by count: one brand-new row
// buffered for the device's first_scan_buf, regardless of whether that
// buffer has actually flushed to the database yet.
func (d *Device) AdvancePut(count int64) {
	d.cmu.Lock()
	d.counters.TotalPut += count
	d.cmu.Unlock()
}

// AdvanceDirtyCleared advances the dirty-cleared counter by count.
func (d *Device) AdvanceDirtyCleared(count int64) {
	d.cmu.Lock()
	d.counters.TotalDirtyCleared += count
	d.cmu.Unlock()
}

// AdvanceRemoveRequested advances the scheduled-for-deletion counter. The
// caller advances IncRemoved alongside it at the same call site so the two
// never drift out of sync.
func (d *Device) AdvanceRemoveRequested(count int64) {
	d.cmu.Lock()
	d.counters.TotalRemoveRequest += count
	d.cmu.Unlock()
}

// Snapshot returns a copy of the current counters for tests and metrics.
func (d *Device) Snapshot() Counters {
	d.cmu.Lock()
	defer d.cmu.Unlock()
	return d.counters
}
