package extract

import (
	"bufio"
	"context"
	"image"
	_ "image/gif" //nolint:revive // registers gif header decoding
	_ "image/jpeg" //nolint:revive // registers jpeg header decoding
	_ "image/png" //nolint:revive // registers png header decoding
	"os"

	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp" //nolint:revive // registers bmp header decoding
)

// ImageExtractor always decodes headers directly for width/height; other
// attributes (date of creation, geo-*) come from EXIF when present.
type ImageExtractor struct{}

func NewImageExtractor() Factory {
	return func(string) Extractor { return &ImageExtractor{} }
}

func (e *ImageExtractor) Extract(_ context.Context, item *mediaitem.Item, _ bool) {
	f, err := os.Open(item.Path) //nolint:gosec // path comes from the device's own walk
	if err != nil {
		log.Warn().Err(err).Str("path", item.Path).Msg("image extractor failed to open file")
		return
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		log.Warn().Err(err).Str("path", item.Path).Msg("image header decode failed")
		return
	}
	item.SetAttr(mediaitem.Width, mediaitem.Int64Attr(int64(cfg.Width)))
	item.SetAttr(mediaitem.Height, mediaitem.Int64Attr(int64(cfg.Height)))
	item.MIME = "image/" + format

	if format == "jpeg" {
		if _, err := f.Seek(0, 0); err != nil {
			return
		}
		readEXIF(f, item)
	}
}
