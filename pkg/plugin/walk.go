package plugin

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/arborio/mediaindex/pkg/cache"
	"github.com/arborio/mediaindex/pkg/configurator"
	"github.com/arborio/mediaindex/pkg/device"
	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/charlievieth/fastwalk"
	"github.com/rs/zerolog/log"
)

// FingerprintFunc computes a file's fingerprint. The default is the file's
// last-write-time in nanoseconds; plugins whose backing filesystem doesn't
// expose mtimes supply their own.
type FingerprintFunc func(path string, info fs.FileInfo) uint64

// FileWalker implements the shared cold/warm walk algorithm
// on top of a local (or locally-mounted) directory tree. UsbStorage,
// LocalStorage and Mtp (through its fuse-mounted tree) all drive their
// devices through one of these; Upnp has its own browse-based walk that
// uses the Configurator but no Cache.
type FileWalker struct {
	Mountpoint string
	Config *configurator.Configurator
	Cache *cache.Cache
	NewMounted bool
	Fingerprint FingerprintFunc
	ThumbRoot string
}

// Walk implements device.Walker.
func (w *FileWalker) Walk(ctx context.Context, deviceURI string, obs device.Observer) error {
	fp := w.Fingerprint
	if fp == nil {
		fp = defaultFingerprint
	}

	cold := w.NewMounted || w.Cache == nil

	conf := &fastwalk.Config{Follow: false}
	err := fastwalk.Walk(conf, w.Mountpoint, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("walk entry error, skipping")
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != w.Mountpoint {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		ext := strings.TrimPrefix(filepath.Ext(d.Name()), ".")
		entry, ok := w.Config.Lookup(ext)
		if !ok {
			return nil
		}

		info, ierr := d.Info()
		if ierr != nil {
			log.Warn().Err(ierr).Str("path", path).Msg("failed to stat walked file, skipping")
			return nil
		}

		rel, rerr := filepath.Rel(w.Mountpoint, path)
		if rerr != nil {
			return fmt.Errorf("failed to compute relative path for %s: %w", path, rerr)
		}
		uri := ItemURI(deviceURI, rel)
		fingerprint := fp(path, info)

		if !cold && w.Cache.Probe(uri, fingerprint) {
			obs.CacheHit(deviceURI, entry.Type)
			return nil
		}

		thumb := randomThumbnailName(ext)
		item := mediaitem.New(uri, path, ext, entry.Type, entry.ExtractorKind, fingerprint, info.Size(),
			mediaitem.DeviceRef{URI: deviceURI})
		item.ThumbnailName = thumb

		w.Cache.Insert(uri, fingerprint, entry.Type, thumb)
		obs.NewMediaItem(item)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk of %s failed: %w", w.Mountpoint, err)
	}

	if !cold {
		for _, r := range w.Cache.Residue() {
			obs.RemoveMediaItem(deviceURI, r.URI, r.Thumbnail, r.Type)
		}
	}

	if perr := w.Cache.Persist(); perr != nil {
		log.Warn().Err(perr).Str("device", deviceURI).Msg("failed to persist cache, ignoring")
	}

	return nil
}

func defaultFingerprint(_ string, info fs.FileInfo) uint64 {
	return uint64(info.ModTime().UnixNano()) //nolint:gosec // fingerprint, not security-sensitive
}

func randomThumbnailName(ext string) string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	name := hex.EncodeToString(buf[:])
	if ext == "" {
		return name
	}
	return name + ".jpg"
}
