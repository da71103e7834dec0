package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/dhowden/tag"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// TagExtractor reads embedded tag metadata (ID3, Vorbis comments, FLAC
// tags, ...) plus embedded cover art for the hard-coded tag-based audio
// extensions (mp3, ogg, oga, flac, m4a). Stateless, safe to share.
type TagExtractor struct {
	Fs afero.Fs
	ThumbRoot string
}

func NewTagExtractor(fs afero.Fs, thumbRoot string) Factory {
	return func(string) Extractor {
		return &TagExtractor{Fs: fs, ThumbRoot: thumbRoot}
	}
}

func (e *TagExtractor) Extract(_ context.Context, item *mediaitem.Item, expand bool) {
	f, err := os.Open(item.Path) //nolint:gosec // path comes from the device's own walk
	if err != nil {
		log.Warn().Err(err).Str("path", item.Path).Msg("tag extractor failed to open file")
		return
	}
	defer func() { _ = f.Close() }()

	m, err := tag.ReadFrom(f)
	if err != nil {
		log.Warn().Err(err).Str("path", item.Path).Msg("tag extractor failed to parse tags")
		return
	}

	if m.Title() != "" {
		item.SetAttr(mediaitem.Title, mediaitem.StringAttr(m.Title()))
	}
	if m.Artist() != "" {
		item.SetAttr(mediaitem.Artist, mediaitem.StringAttr(m.Artist()))
	}
	if m.Album() != "" {
		item.SetAttr(mediaitem.Album, mediaitem.StringAttr(m.Album()))
	}
	if m.AlbumArtist() != "" {
		item.SetAttr(mediaitem.AlbumArtist, mediaitem.StringAttr(m.AlbumArtist()))
	}
	if m.Genre() != "" {
		item.SetAttr(mediaitem.Genre, mediaitem.StringAttr(m.Genre()))
	}
	if m.Year() != 0 {
		item.SetAttr(mediaitem.Year, mediaitem.Int64Attr(int64(m.Year())))
	}
	track, total := m.Track()
	if track != 0 {
		item.SetAttr(mediaitem.Track, mediaitem.Int64Attr(int64(track)))
	}
	if total != 0 {
		item.SetAttr(mediaitem.TotalTracks, mediaitem.Int64Attr(int64(total)))
	}

	if pic := m.Picture(); pic != nil && e.ThumbRoot != "" {
		if name, err := e.writeCoverArt(item, pic); err != nil {
			log.Warn().Err(err).Str("path", item.Path).Msg("failed to write embedded cover art")
		} else {
			item.ThumbnailName = name
			item.SetAttr(mediaitem.ThumbnailPath, mediaitem.StringAttr(name))
		}
	}
}

func (e *TagExtractor) writeCoverArt(item *mediaitem.Item, pic *tag.Picture) (string, error) {
	ext := "jpg"
	switch pic.MIMEType {
	case "image/png":
		ext = "png"
	}

	name := item.ThumbnailName
	if name == "" {
		name = fmt.Sprintf("%x.%s", item.Fingerprint, ext)
	} else if filepath.Ext(name) == "" {
		name += "." + ext
	}

	dir := filepath.Join(e.ThumbRoot, item.Device.UUID)
	if err := e.Fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create thumbnail dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, name)
	if err := afero.WriteFile(e.Fs, path, pic.Data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write thumbnail %s: %w", path, err)
	}
	return name, nil
}
