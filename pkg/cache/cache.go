// Package cache implements the per-device on-disk coherence cache: a
// record of {uri -> (fingerprint, type, thumbnail)} used to short-circuit
// rescans, plus the process-wide registry that hands out per-device caches.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/spf13/afero"
)

// ErrInvalidCache is returned (and treated as "no cache") when the on-disk
// file's parallel arrays don't all have the same length.
var ErrInvalidCache = errors.New("cache: array length mismatch")

// record is one row as kept in memory.
type record struct {
	Thumbnail string
	Fingerprint uint64
	Type mediaitem.Type
}

// fileFormat is the on-disk JSON shape: four parallel arrays.
type fileFormat struct {
	URI []string `json:"uri"`
	Hash []string `json:"hash"`
	Type []int32 `json:"type"`
	Thumbnail []string `json:"thumbnail"`
}

// Cache is one device's coherence cache. Not safe for concurrent use: only
// one scan at a time may touch it. Manager.Open loads a fresh Cache on every
// call and does not track which caches are live.
type Cache struct {
	fs afero.Fs
	path string

	loaded map[string]record // probed and popped as the walk progresses
	built map[string]record // accumulated during the walk
}

// Load reads the cache file at path, or returns an empty (cold) cache if
// the file is absent or fails to parse: a parse failure is treated the same
// as a missing file, not a hard error.
func Load(fs afero.Fs, path string) (*Cache, bool) {
	c := &Cache{
		fs: fs,
		path: path,
		loaded: make(map[string]record),
		built: make(map[string]record),
	}

	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return c, false
	}

	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return c, false
	}

	n := len(ff.URI)
	if len(ff.Hash) != n || len(ff.Type) != n || len(ff.Thumbnail) != n {
		return c, false
	}

	for i := 0; i < n; i++ {
		fp, err := parseFingerprint(ff.Hash[i])
		if err != nil {
			return &Cache{fs: fs, path: path, loaded: make(map[string]record), built: make(map[string]record)}, false
		}
		c.loaded[ff.URI[i]] = record{
			Fingerprint: fp,
			Type: mediaitem.Type(ff.Type[i]),
			Thumbnail: ff.Thumbnail[i],
		}
	}

	return c, true
}

func parseFingerprint(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "%d", &v)
	if err != nil {
		return 0, fmt.Errorf("invalid fingerprint %q: %w", s, err)
	}
	return v, nil
}

// Probe checks whether (uri, fingerprint) is an unchanged hit against the
// loaded cache. A hit moves the record from loaded into built, so that by
// the end of the walk built reflects every file observed (hits and new
// alike), and whatever remains in loaded is the residue to delete.
func (c *Cache) Probe(uri string, fingerprint uint64) bool {
	r, ok := c.loaded[uri]
	if !ok || r.Fingerprint != fingerprint {
		return false
	}
	delete(c.loaded, uri)
	c.built[uri] = r
	return true
}

// Insert records a newly-observed file into the built set.
func (c *Cache) Insert(uri string, fingerprint uint64, typ mediaitem.Type, thumbnail string) {
	c.built[uri] = record{Fingerprint: fingerprint, Type: typ, Thumbnail: thumbnail}
}

// ResidueEntry is one leftover loaded-cache record after a warm walk.
type ResidueEntry struct {
	URI string
	Thumbnail string
	Type mediaitem.Type
}

// Residue returns the items that were in the loaded cache but never
// probed as a hit during this walk -- the set the observer must ask to be
// removed from the DB (and whose thumbnail file must be deleted too).
func (c *Cache) Residue() []ResidueEntry {
	out := make([]ResidueEntry, 0, len(c.loaded))
	for uri, r := range c.loaded {
		out = append(out, ResidueEntry{URI: uri, Thumbnail: r.Thumbnail, Type: r.Type})
	}
	return out
}

// Persist serializes the built set as the four-parallel-array JSON
// document, removing any existing file first so a failed write never
// leaves a stale partial file behind.
func (c *Cache) Persist() error {
	ff := fileFormat{
		URI: make([]string, 0, len(c.built)),
		Hash: make([]string, 0, len(c.built)),
		Type: make([]int32, 0, len(c.built)),
		Thumbnail: make([]string, 0, len(c.built)),
	}
	for uri, r := range c.built {
		ff.URI = append(ff.URI, uri)
		ff.Hash = append(ff.Hash, fmt.Sprintf("%d", r.Fingerprint))
		ff.Type = append(ff.Type, int32(r.Type))
		ff.Thumbnail = append(ff.Thumbnail, r.Thumbnail)
	}

	data, err := json.Marshal(ff)
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	if err := c.fs.Remove(c.path); err != nil && !os.IsNotExist(err) {
		// best-effort: a missing file is fine, anything else we still try
		// to overwrite below
		_ = err
	}

	if err := afero.WriteFile(c.fs, c.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache %s: %w", c.path, err)
	}
	return nil
}

// Reset wipes both the on-disk file and the in-memory maps.
func (c *Cache) Reset() error {
	c.loaded = make(map[string]record)
	c.built = make(map[string]record)
	if err := c.fs.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache %s: %w", c.path, err)
	}
	return nil
}

// BuiltLen reports how many records the cache has accumulated so far, used
// by tests asserting that the built set matches what was actually observed.
func (c *Cache) BuiltLen() int { return len(c.built) }
