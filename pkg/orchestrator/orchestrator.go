// Package orchestrator implements the indexing orchestrator: the observer
// role for both plugin device events and plugin item events, decision-making
// against the DB sync layer, and the cleanup path.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/arborio/mediaindex/pkg/dbsync"
	"github.com/arborio/mediaindex/pkg/device"
	"github.com/arborio/mediaindex/pkg/extract"
	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/arborio/mediaindex/pkg/persistence"
	"github.com/arborio/mediaindex/pkg/syncutil"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// KindFor resolves the fixed type -> kind_id table.
func KindFor(t mediaitem.Type) (string, bool) {
	switch t {
	case mediaitem.Audio:
		return "audio_item", true
	case mediaitem.Video:
		return "video_item", true
	case mediaitem.Image:
		return "image_item", true
	default:
		return "", false
	}
}

// Orchestrator wires device/plugin events to the extractor pool and the DB
// sync layer. It holds borrowed *device.Device references only; devices
// are owned by their plugin.
type Orchestrator struct {
	db dbsync.DocumentDB
	pool *extract.Pool
	store *persistence.Store
	fs afero.Fs
	thumbRoot string

	mu syncutil.Mutex
	buffers map[string]*dbsync.DeviceBuffers // keyed by device uri
}

func New(db dbsync.DocumentDB, pool *extract.Pool, store *persistence.Store, fs afero.Fs, thumbRoot string) *Orchestrator {
	o := &Orchestrator{
		db: db,
		pool: pool,
		store: store,
		fs: fs,
		thumbRoot: thumbRoot,
		buffers: make(map[string]*dbsync.DeviceBuffers),
	}
	go o.drainPool()
	return o
}

func (o *Orchestrator) buffersFor(deviceURI string, typ mediaitem.Type) (*dbsync.DeviceBuffers, bool) {
	kindID, ok := KindFor(typ)
	if !ok {
		return nil, false
	}
	key := deviceURI + "/" + kindID

	o.mu.Lock()
	defer o.mu.Unlock()
	b, exists := o.buffers[key]
	if !exists {
		b = dbsync.NewDeviceBuffers(deviceURI, kindID)
		o.buffers[key] = b
	}
	return b, true
}

// DeviceStateChanged implements device.Observer's device-state-changed callback.
func (o *Orchestrator) DeviceStateChanged(d *device.Device) {
	ctx := context.Background()

	if d.Available() {
		o.setDirtyAllKinds(ctx, d.URI, "false")
		d.Scan()
		return
	}

	o.setDirtyAllKinds(ctx, d.URI, "true")
}

func (o *Orchestrator) setDirtyAllKinds(ctx context.Context, deviceURI, dirty string) {
	for _, kindID := range []string{"audio_item", "video_item", "image_item"} {
		where := []dbsync.Where{{Prop: "uri", Op: dbsync.Prefix, Val: deviceURI}}
		if err := o.db.Merge(ctx, kindID, where, map[string]string{"dirty": dirty}); err != nil {
			log.Warn().Err(err).Str("device", deviceURI).Str("kind", kindID).Msg("dirty-flag merge failed")
		}
	}
}

// NewMediaItem implements device.Observer's new-media-item callback. Every
// item reaching here (other than a parsed re-delivery) is one the walker
// decided was not a cache hit, so it counts as discovered exactly once.
func (o *Orchestrator) NewMediaItem(item mediaitem.Item) {
	if item.Type == mediaitem.EOL {
		log.Error().Str("uri", item.URI).Msg("item reached orchestrator with type=EOL, dropping")
		return
	}

	if item.Parsed {
		o.writeItem(item)
		return
	}

	d, ok := lookupDevice(item.Device.URI)
	if ok {
		d.IncDiscovered(item.Type)
	}
	if ok && !d.NewMounted() {
		o.FindExisting(context.Background(), item)
		return
	}
	o.pool.Submit(item, false)
}

// CacheHit implements device.Observer's cache-hit callback: a file
// confirmed unchanged during a warm walk never reaches NewMediaItem, so it
// is both discovered and processed here, immediately.
func (o *Orchestrator) CacheHit(deviceURI string, typ mediaitem.Type) {
	o.withDevice(deviceURI, func(d *device.Device) {
		d.IncDiscovered(typ)
		d.IncProcessed(typ)
	})
	o.recheckCompletion(deviceURI)
}

// drainPool writes every item the pool re-delivers with parsed=true.
func (o *Orchestrator) drainPool() {
	for item := range o.pool.Output() {
		o.writeItem(item)
	}
}

// writeItem hands a parsed item to its device's buffer, routing to put
// (brand-new row) or merge (re-extraction of a row already in the DB,
// item.Existing) and advancing accounting immediately regardless of
// whether the write actually flushed this call: per the DB-request-failure
// handling, accounting advances as if complete so the device can still
// finish even if the write itself is later retried or lost.
func (o *Orchestrator) writeItem(item mediaitem.Item) {
	kindID, ok := KindFor(item.Type)
	if !ok {
		log.Error().Str("uri", item.URI).Msg("item has unmapped type, dropping")
		return
	}

	b, _ := o.buffersFor(item.Device.URI, item.Type)
	ctx := context.Background()

	var err error
	if item.Existing {
		_, err = b.AddMerge(ctx, o.db,
			[]dbsync.Where{{Prop: "uri", Op: dbsync.Eq, Val: item.URI}}, itemProps(item))
	} else {
		_, err = b.AddPut(ctx, o.db, toRow(item, kindID))
	}
	if err != nil {
		log.Warn().Err(err).Str("uri", item.URI).Msg("write buffer enqueue failed, accounting advances regardless")
	}

	o.withDevice(item.Device.URI, func(d *device.Device) {
		d.IncProcessed(item.Type)
		if item.Existing {
			d.AdvanceDirtyCleared(1)
		} else {
			d.AdvancePut(1)
		}
	})
	o.recheckCompletion(item.Device.URI)
}

// FindExisting decides the warm-walk branch of new_media_item for a device
// that is not new_mounted: consult the DB by uri and either schedule
// extraction (missing or fingerprint differs) or unflag dirty (matches). A
// find failure (timeout) fails safe toward the more-work branch: extract
// and merge, per the DB-find-timeout scenario.
func (o *Orchestrator) FindExisting(ctx context.Context, item mediaitem.Item) {
	kindID, ok := KindFor(item.Type)
	if !ok {
		return
	}
	rows, err := o.db.Find(ctx, kindID, []dbsync.Where{{Prop: "uri", Op: dbsync.Eq, Val: item.URI}})
	if err != nil {
		log.Warn().Err(err).Str("uri", item.URI).Msg("find failed, scheduling extraction defensively")
		item.Existing = true
		o.pool.Submit(item, false)
		return
	}
	if len(rows) == 0 {
		o.pool.Submit(item, false)
		return
	}
	if rows[0].Hash != strconv.FormatUint(item.Fingerprint, 10) {
		item.Existing = true
		o.pool.Submit(item, false)
		return
	}

	b, _ := o.buffersFor(item.Device.URI, item.Type)
	_, err = b.AddMerge(ctx, o.db,
		[]dbsync.Where{{Prop: "uri", Op: dbsync.Eq, Val: item.URI}},
		map[string]string{"dirty": "false"})
	if err != nil {
		log.Warn().Err(err).Str("uri", item.URI).Msg("unflag-dirty merge enqueue failed")
	}

	o.withDevice(item.Device.URI, func(d *device.Device) {
		d.IncProcessed(item.Type)
		d.AdvanceDirtyCleared(1)
	})
	o.recheckCompletion(item.Device.URI)
}

// RemoveMediaItem implements device.Observer's warm-walk residue path.
func (o *Orchestrator) RemoveMediaItem(deviceURI, itemURI, thumbnailName string, typ mediaitem.Type) {
	b, ok := o.buffersFor(deviceURI, typ)
	if !ok {
		return
	}
	ctx := context.Background()
	if _, err := b.AddDel(ctx, o.db, dbsync.Where{Prop: "uri", Op: dbsync.Eq, Val: itemURI}); err != nil {
		log.Warn().Err(err).Str("uri", itemURI).Msg("delete enqueue failed")
	}
	o.deleteThumbnail(deviceURI, thumbnailName)

	o.withDevice(deviceURI, func(d *device.Device) {
		d.AdvanceRemoveRequested(1)
		d.IncRemoved(typ)
	})
	o.recheckCompletion(deviceURI)
}

// deleteThumbnail removes a device's cached thumbnail file, if one was
// ever written. Missing files are not an error: extraction may never have
// produced a thumbnail for this item.
func (o *Orchestrator) deleteThumbnail(deviceURI, thumbnailName string) {
	if o.fs == nil || thumbnailName == "" {
		return
	}
	d, ok := lookupDevice(deviceURI)
	if !ok {
		return
	}
	path := filepath.Join(o.thumbRoot, d.UUID, thumbnailName)
	if err := o.fs.Remove(path); err != nil && !afero.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("failed to delete thumbnail file")
	}
}

// Cleanup implements device.Observer's cleanup(device): delete every
// row still flagged dirty under this device's uri prefix.
func (o *Orchestrator) Cleanup(d *device.Device) {
	ctx := context.Background()
	for _, kindID := range []string{"audio_item", "video_item", "image_item"} {
		rows, err := o.db.Find(ctx, kindID, []dbsync.Where{
			{Prop: "uri", Op: dbsync.Prefix, Val: d.URI},
			{Prop: "dirty", Op: dbsync.Eq, Val: "true"},
		})
		if err != nil {
			log.Warn().Err(err).Str("device", d.URI).Str("kind", kindID).Msg("cleanup search failed")
			continue
		}
		for _, row := range rows {
			if err := o.db.Del(ctx, kindID, []dbsync.Where{{Prop: "uri", Op: dbsync.Eq, Val: row.URI}}); err != nil {
				log.Warn().Err(err).Str("uri", row.URI).Msg("cleanup delete failed")
				continue
			}
			o.deleteThumbnail(d.URI, row.Props["thumbnail"])
		}
	}
}

// DeviceAdded implements plugin.Notifications: it saves the new device's
// row (uri, uuid and current meta) so the device is known after a restart.
func (o *Orchestrator) DeviceAdded(d *device.Device) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveDevice(persistence.DeviceRecord{
		URI: d.URI, UUID: d.UUID, Name: d.GetMeta().Name,
		Description: d.GetMeta().Description, Icon: d.GetMeta().Icon,
	}); err != nil {
		log.Warn().Err(err).Str("device", d.URI).Msg("failed to persist newly-discovered device")
	}
}

// DeviceRemoved implements plugin.Notifications. Devices are never
// destroyed while their plugin lives, so this only drops the
// in-memory buffer state, never the persisted row.
func (o *Orchestrator) DeviceRemoved(uri string) {
	o.mu.Lock()
	for key := range o.buffers {
		if strings.HasPrefix(key, uri) {
			delete(o.buffers, key)
		}
	}
	o.mu.Unlock()
}

// recheckCompletion re-checks device.ProcessingDone() after every per-item
// accounting update. Item counters (Processed/Removed) advance at decision
// time regardless of buffer flush timing, so this must run unconditionally
// after each one, not only when a buffer happened to cross FlushCount —
// otherwise a scan producing fewer than FlushCount rows per kind (the
// common case) would never leave Parsing. Once done, any buffered writes
// still pending are force-flushed so they reach the DB before cleanup.
func (o *Orchestrator) recheckCompletion(deviceURI string) {
	o.withDevice(deviceURI, func(d *device.Device) {
		if !d.ProcessingDone() {
			return
		}
		o.flushRemaining(deviceURI)
		d.ActivateCleanup()
	})
}

// flushRemaining force-flushes every non-empty buffer belonging to
// deviceURI. Called once a device's counters already show it done, so
// buffered-but-unflushed put/merge/del operations still reach the DB.
func (o *Orchestrator) flushRemaining(deviceURI string) {
	o.mu.Lock()
	var pending []*dbsync.DeviceBuffers
	for key, b := range o.buffers {
		if strings.HasPrefix(key, deviceURI) && b.NeedsFlush() {
			pending = append(pending, b)
		}
	}
	o.mu.Unlock()

	ctx := context.Background()
	for _, b := range pending {
		if _, err := b.FlushPut(ctx, o.db); err != nil {
			log.Warn().Err(err).Str("device", deviceURI).Msg("final put flush failed")
		}
		if _, err := b.FlushBatch(ctx, o.db); err != nil {
			log.Warn().Err(err).Str("device", deviceURI).Msg("final batch flush failed")
		}
	}
}

// deviceLookupFunc is injected by whatever owns the plugin registry, since
// the orchestrator itself never holds plugin references (avoids an import
// cycle and keeps device ownership exclusively with plugins).
type deviceLookupFunc func(uri string) (*device.Device, bool)

var lookupDevice deviceLookupFunc

// SetDeviceLookup wires the registry-backed lookup function; called once
// at startup by cmd/mediaindexd after the registry exists.
func SetDeviceLookup(f deviceLookupFunc) { lookupDevice = f }

func (o *Orchestrator) withDevice(deviceURI string, fn func(d *device.Device)) {
	if lookupDevice == nil {
		return
	}
	d, ok := lookupDevice(deviceURI)
	if !ok {
		return
	}
	fn(d)
}

func toRow(item mediaitem.Item, _ string) dbsync.Row {
	props := map[string]string{
		"extension": item.Extension,
		"mime": item.MIME,
		"thumbnail": item.ThumbnailName,
		"dirty": "false",
	}
	for k, v := range item.Attrs {
		props[attrName(k)] = attrString(v)
	}
	return dbsync.Row{URI: item.URI, Hash: strconv.FormatUint(item.Fingerprint, 10), Props: props}
}

// itemProps builds the merge props map for a re-extracted existing row:
// the same attribute set toRow would put, plus the updated hash field
// (Merge has no separate Hash parameter the way Put's Row does).
func itemProps(item mediaitem.Item) map[string]string {
	row := toRow(item, "")
	row.Props["hash"] = row.Hash
	return row.Props
}

func attrName(k mediaitem.AttrKey) string {
	switch k {
	case mediaitem.Title:
		return "title"
	case mediaitem.Genre:
		return "genre"
	case mediaitem.Album:
		return "album"
	case mediaitem.Artist:
		return "artist"
	case mediaitem.AlbumArtist:
		return "album_artist"
	case mediaitem.Track:
		return "track"
	case mediaitem.TotalTracks:
		return "total_tracks"
	case mediaitem.DateOfCreation:
		return "date_of_creation"
	case mediaitem.Duration:
		return "duration"
	case mediaitem.Year:
		return "year"
	case mediaitem.GeoLatitude:
		return "geo_latitude"
	case mediaitem.GeoLongitude:
		return "geo_longitude"
	case mediaitem.GeoAltitude:
		return "geo_altitude"
	case mediaitem.Codecs:
		return "codecs"
	case mediaitem.SampleRate:
		return "sample_rate"
	case mediaitem.Channels:
		return "channels"
	case mediaitem.BitRate:
		return "bit_rate"
	case mediaitem.BitsPerSample:
		return "bits_per_sample"
	case mediaitem.Lyric:
		return "lyric"
	case mediaitem.Width:
		return "width"
	case mediaitem.Height:
		return "height"
	case mediaitem.FrameRate:
		return "frame_rate"
	case mediaitem.ThumbnailPath:
		return "thumbnail_path"
	case mediaitem.LastModified:
		return "last_modified"
	case mediaitem.FileSize:
		return "file_size"
	default:
		return fmt.Sprintf("attr_%d", int32(k))
	}
}

func attrString(v mediaitem.AttrValue) string {
	switch v.Kind {
	case mediaitem.KindString:
		return v.Str
	case mediaitem.KindInt64:
		return strconv.FormatInt(v.I64, 10)
	case mediaitem.KindFloat64:
		return strconv.FormatFloat(v.F64, 'f', -1, 64)
	case mediaitem.KindUint32:
		return strconv.FormatUint(uint64(v.U32), 10)
	case mediaitem.KindInt32:
		return strconv.FormatInt(int64(v.I32), 10)
	default:
		return ""
	}
}
