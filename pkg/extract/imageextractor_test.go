package extract

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/stretchr/testify/require"
)

func writeTestPNG(t *testing.T, width, height int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	img.Set(0, 0, color.White)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestImageExtractorReadsDimensionsAndMIME(t *testing.T) {
	t.Parallel()
	path := writeTestPNG(t, 12, 8)

	item := mediaitem.New("u", path, "png", mediaitem.Image, mediaitem.ImageKind, 1, 10, mediaitem.DeviceRef{})
	e := &ImageExtractor{}
	e.Extract(context.Background(), &item, false)

	w, ok := item.Attr(mediaitem.Width)
	require.True(t, ok)
	require.Equal(t, int64(12), w.I64)

	h, ok := item.Attr(mediaitem.Height)
	require.True(t, ok)
	require.Equal(t, int64(8), h.I64)

	require.Equal(t, "image/png", item.MIME)
}

func TestImageExtractorMissingFileIsNoop(t *testing.T) {
	t.Parallel()
	item := mediaitem.New("u", "/does/not/exist.png", "png", mediaitem.Image, mediaitem.ImageKind, 1, 10, mediaitem.DeviceRef{})
	e := &ImageExtractor{}
	e.Extract(context.Background(), &item, false)

	require.Empty(t, item.Attrs)
	require.Equal(t, "", item.MIME)
}

func TestImageExtractorCorruptHeaderIsNoop(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.png")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o600))

	item := mediaitem.New("u", path, "png", mediaitem.Image, mediaitem.ImageKind, 1, 10, mediaitem.DeviceRef{})
	e := &ImageExtractor{}
	e.Extract(context.Background(), &item, false)

	require.Empty(t, item.Attrs)
}
