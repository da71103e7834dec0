package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/arborio/mediaindex/pkg/cache"
	"github.com/arborio/mediaindex/pkg/configurator"
	"github.com/arborio/mediaindex/pkg/device"
	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func newTestConfigurator(t *testing.T) *configurator.Configurator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extensions.json")
	body := `{"supportedMediaExtension": {"audio": ["mp3"], "video": ["mp4"], "image": ["jpg"]}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	conf, err := configurator.Load(path)
	require.NoError(t, err)
	return conf
}

type recordingObserver struct {
	put       []mediaitem.Item
	removed   []string
	cacheHits int
}

func (o *recordingObserver) DeviceStateChanged(*device.Device) {}
func (o *recordingObserver) NewMediaItem(item mediaitem.Item)  { o.put = append(o.put, item) }
func (o *recordingObserver) RemoveMediaItem(_, itemURI, _ string, _ mediaitem.Type) {
	o.removed = append(o.removed, itemURI)
}
func (o *recordingObserver) CacheHit(string, mediaitem.Type) { o.cacheHits++ }
func (o *recordingObserver) Cleanup(*device.Device)          {}

func TestFileWalkerColdWalkEmitsEveryMediaFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mp3"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".hidden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden", "c.mp3"), []byte("x"), 0o600))

	c, _ := cache.Load(afero.NewMemMapFs(), "/cache.json")
	w := &FileWalker{Mountpoint: dir, Config: newTestConfigurator(t), Cache: c, NewMounted: true}

	obs := &recordingObserver{}
	require.NoError(t, w.Walk(context.Background(), "storage://"+dir, obs))

	require.Len(t, obs.put, 1)
	require.Equal(t, "a.mp3", filepath.Base(obs.put[0].Path))
}

func TestFileWalkerWarmWalkSkipsUnchangedFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mp3"), []byte("x"), 0o600))

	fs := afero.NewMemMapFs()
	conf := newTestConfigurator(t)

	// first, cold walk to populate and persist the cache
	c1, _ := cache.Load(fs, "/cache.json")
	w1 := &FileWalker{Mountpoint: dir, Config: conf, Cache: c1, NewMounted: true}
	obs1 := &recordingObserver{}
	require.NoError(t, w1.Walk(context.Background(), "storage://"+dir, obs1))
	require.Len(t, obs1.put, 1)

	// second walk, warm: the file is unchanged so it must not be re-emitted
	c2, ok := cache.Load(fs, "/cache.json")
	require.True(t, ok)
	w2 := &FileWalker{Mountpoint: dir, Config: conf, Cache: c2, NewMounted: false}
	obs2 := &recordingObserver{}
	require.NoError(t, w2.Walk(context.Background(), "storage://"+dir, obs2))

	require.Empty(t, obs2.put)
	require.Empty(t, obs2.removed)
	require.Equal(t, 1, obs2.cacheHits)
}

func TestFileWalkerWarmWalkReportsRemovalOfMissingFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mp3")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	fs := afero.NewMemMapFs()
	conf := newTestConfigurator(t)

	c1, _ := cache.Load(fs, "/cache.json")
	w1 := &FileWalker{Mountpoint: dir, Config: conf, Cache: c1, NewMounted: true}
	require.NoError(t, w1.Walk(context.Background(), "storage://"+dir, &recordingObserver{}))

	require.NoError(t, os.Remove(path))

	c2, ok := cache.Load(fs, "/cache.json")
	require.True(t, ok)
	w2 := &FileWalker{Mountpoint: dir, Config: conf, Cache: c2, NewMounted: false}
	obs2 := &recordingObserver{}
	require.NoError(t, w2.Walk(context.Background(), "storage://"+dir, obs2))

	require.Len(t, obs2.removed, 1)
	require.Contains(t, obs2.removed[0], "a.mp3")
}

func TestFileWalkerSkipsUnsupportedExtension(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("x"), 0o600))

	c, _ := cache.Load(afero.NewMemMapFs(), "/cache.json")
	w := &FileWalker{Mountpoint: dir, Config: newTestConfigurator(t), Cache: c, NewMounted: true}

	obs := &recordingObserver{}
	require.NoError(t, w.Walk(context.Background(), "storage://"+dir, obs))
	require.Empty(t, obs.put)
}
