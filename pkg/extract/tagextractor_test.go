package extract

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// buildID3v1 builds a minimal 128-byte ID3v1 trailer, the simplest tag
// format dhowden/tag recognizes, so tests don't depend on constructing a
// full ID3v2 frame stream.
func buildID3v1(title, artist, album string) []byte {
	buf := make([]byte, 128)
	copy(buf[0:3], "TAG")
	copy(buf[3:33], title)
	copy(buf[33:63], artist)
	copy(buf[63:93], album)
	copy(buf[93:97], "2024")
	return buf
}

func writeTestAudioFile(t *testing.T, title, artist, album string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "song.mp3")
	body := append([]byte("not really mp3 audio data"), buildID3v1(title, artist, album)...)
	require.NoError(t, os.WriteFile(path, body, 0o600))
	return path
}

func TestTagExtractorReadsID3v1Fields(t *testing.T) {
	t.Parallel()
	path := writeTestAudioFile(t, "My Song", "My Artist", "My Album")

	item := mediaitem.New("u", path, "mp3", mediaitem.Audio, mediaitem.TagKind, 1, 10, mediaitem.DeviceRef{})
	e := &TagExtractor{Fs: afero.NewMemMapFs()}
	e.Extract(context.Background(), &item, false)

	title, ok := item.Attr(mediaitem.Title)
	require.True(t, ok)
	require.Equal(t, "My Song", title.Str)

	artist, ok := item.Attr(mediaitem.Artist)
	require.True(t, ok)
	require.Equal(t, "My Artist", artist.Str)
}

func TestTagExtractorMissingFileIsNoop(t *testing.T) {
	t.Parallel()
	item := mediaitem.New("u", "/does/not/exist.mp3", "mp3", mediaitem.Audio, mediaitem.TagKind, 1, 10, mediaitem.DeviceRef{})
	e := &TagExtractor{Fs: afero.NewMemMapFs()}
	e.Extract(context.Background(), &item, false)

	require.Empty(t, item.Attrs)
}

func TestTagExtractorUnparsableFileIsNoop(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "garbage.mp3")
	require.NoError(t, os.WriteFile(path, []byte("not audio at all"), 0o600))

	item := mediaitem.New("u", path, "mp3", mediaitem.Audio, mediaitem.TagKind, 1, 10, mediaitem.DeviceRef{})
	e := &TagExtractor{Fs: afero.NewMemMapFs()}
	e.Extract(context.Background(), &item, false)

	require.Empty(t, item.Attrs)
}
