// Package mediaitem defines the value record for a single media file and
// the closed set of attribute names extractors can populate on it.
package mediaitem

import "fmt"

// Type is the closed set of media kinds a plugin can emit.
type Type int32

const (
	// Audio covers music and other sound files.
	Audio Type = iota
	// Video covers movies, TV episodes, and other video files.
	Video
	// Image covers photos and other still images.
	Image
	// EOL marks an item that must never reach the DB sync layer; used as a
	// sentinel to catch invariant violations.
	EOL
)

func (t Type) String() string {
	switch t {
	case Audio:
		return "audio"
	case Video:
		return "video"
	case Image:
		return "image"
	case EOL:
		return "eol"
	default:
		return fmt.Sprintf("type(%d)", int32(t))
	}
}

// ExtractorKind selects which extractor implementation handles an item.
type ExtractorKind int32

const (
	// TagKind reads embedded tag metadata (ID3, Vorbis comments, ...).
	TagKind ExtractorKind = iota
	// PipelineKind decodes the file to recover properties tags don't carry.
	PipelineKind
	// ImageKind decodes image headers directly plus EXIF.
	ImageKind
)

// AttrKey is the closed enum of attribute names a typed attribute map may
// hold. Using a fixed-width int instead of a string keeps the per-item map
// cheap to copy and lets the DB sync layer dispatch on it with a switch
// rather than string comparisons.
type AttrKey int32

const (
	Title AttrKey = iota
	Genre
	Album
	Artist
	AlbumArtist
	Track
	TotalTracks
	DateOfCreation
	Duration
	Year
	GeoLatitude
	GeoLongitude
	GeoAltitude
	Codecs
	SampleRate
	Channels
	BitRate
	BitsPerSample
	Lyric
	Width
	Height
	FrameRate
	ThumbnailPath
	LastModified
	FileSize
)

// AttrValue is a sum type over the value shapes an attribute can hold.
// Exactly one field is meaningful; Kind says which.
type AttrValue struct {
	Str string
	I64 int64
	F64 float64
	U32 uint32
	I32 int32
	Kind AttrKind
}

// AttrKind tags which field of AttrValue is populated.
type AttrKind int8

const (
	KindString AttrKind = iota
	KindInt64
	KindFloat64
	KindUint32
	KindInt32
)

func StringAttr(s string) AttrValue { return AttrValue{Kind: KindString, Str: s} }
func Int64Attr(v int64) AttrValue { return AttrValue{Kind: KindInt64, I64: v} }
func Float64Attr(v float64) AttrValue { return AttrValue{Kind: KindFloat64, F64: v} }
func Uint32Attr(v uint32) AttrValue { return AttrValue{Kind: KindUint32, U32: v} }
func Int32Attr(v int32) AttrValue { return AttrValue{Kind: KindInt32, I32: v} }

// DeviceRef is a weak back-reference to the owning device: just enough to
// look the device up again, never a strong handle that would keep it alive.
type DeviceRef struct {
	URI string
	UUID string
}

// Item is the per-file value record. Ownership is unique and moves: a walk
// creates it, the extractor pool borrows it for the duration of extraction,
// and the DB sync layer takes final ownership before it is dropped.
type Item struct {
	Attrs map[AttrKey]AttrValue
	URI string
	Path string
	Extension string
	MIME string
	ThumbnailName string
	Device DeviceRef
	Type Type
	ExtractorKind ExtractorKind
	Fingerprint uint64
	FileSize int64
	Parsed bool
	// Existing marks an item the orchestrator already found a row for in
	// the DB with a differing fingerprint, or whose DB lookup failed: it is
	// written back with merge (update) instead of put (create).
	Existing bool
}

// New builds an unparsed item as emitted by a plugin walk.
func New(uri, path, ext string, typ Type, kind ExtractorKind, fingerprint uint64, size int64, dev DeviceRef) Item {
	return Item{
		URI: uri,
		Path: path,
		Extension: ext,
		Type: typ,
		ExtractorKind: kind,
		Fingerprint: fingerprint,
		FileSize: size,
		Device: dev,
		Attrs: make(map[AttrKey]AttrValue),
	}
}

// SetAttr sets a typed attribute, replacing any previous value.
func (i *Item) SetAttr(key AttrKey, v AttrValue) {
	if i.Attrs == nil {
		i.Attrs = make(map[AttrKey]AttrValue)
	}
	i.Attrs[key] = v
}

// Attr returns the attribute and whether it was set.
func (i *Item) Attr(key AttrKey) (AttrValue, bool) {
	v, ok := i.Attrs[key]
	return v, ok
}
