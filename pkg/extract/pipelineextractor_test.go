package extract

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/stretchr/testify/require"
)

func TestPipelineExtractorVideoSniffsMIME(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("plain text content, not really a video"), 0o600))

	item := mediaitem.New("u", path, "mp4", mediaitem.Video, mediaitem.PipelineKind, 1, 10, mediaitem.DeviceRef{})
	e := &PipelineExtractor{}
	e.Extract(context.Background(), &item, false)

	require.True(t, strings.HasPrefix(item.MIME, "text/plain"))
}

func TestPipelineExtractorVideoMissingFileIsNoop(t *testing.T) {
	t.Parallel()
	item := mediaitem.New("u", "/does/not/exist.mp4", "mp4", mediaitem.Video, mediaitem.PipelineKind, 1, 10, mediaitem.DeviceRef{})
	e := &PipelineExtractor{}
	e.Extract(context.Background(), &item, false)

	require.Equal(t, "", item.MIME)
}

func TestPipelineExtractorAudioUnregisteredExtensionIsNoop(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sound.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF not a real wav body"), 0o600))

	item := mediaitem.New("u", path, "wav", mediaitem.Audio, mediaitem.PipelineKind, 1, 10, mediaitem.DeviceRef{})
	e := &PipelineExtractor{}
	e.Extract(context.Background(), &item, false)

	require.Empty(t, item.Attrs)
}

func TestPipelineExtractorAudioCorruptMP3IsNoop(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "song.mp3")
	require.NoError(t, os.WriteFile(path, []byte("not an mp3 frame stream at all"), 0o600))

	item := mediaitem.New("u", path, "mp3", mediaitem.Audio, mediaitem.PipelineKind, 1, 10, mediaitem.DeviceRef{})
	e := &PipelineExtractor{}
	e.Extract(context.Background(), &item, false)

	require.Empty(t, item.Attrs)
}

func TestPipelineExtractorImageAndEOLAreNoop(t *testing.T) {
	t.Parallel()
	e := &PipelineExtractor{}

	img := mediaitem.New("u", "/unused", "png", mediaitem.Image, mediaitem.PipelineKind, 1, 10, mediaitem.DeviceRef{})
	e.Extract(context.Background(), &img, false)
	require.Empty(t, img.Attrs)

	eol := mediaitem.New("u", "/unused", "", mediaitem.EOL, mediaitem.PipelineKind, 1, 10, mediaitem.DeviceRef{})
	e.Extract(context.Background(), &eol, false)
	require.Empty(t, eol.Attrs)
}
