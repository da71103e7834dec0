package extract

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/stretchr/testify/require"
)

// countingExtractor records how many distinct instances were built and how
// many times Extract ran, to distinguish shared-instance from per-worker
// instance pooling.
type countingExtractor struct {
	mu    sync.Mutex
	calls int
}

func (e *countingExtractor) Extract(_ context.Context, item *mediaitem.Item, _ bool) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	item.SetAttr(mediaitem.Title, mediaitem.StringAttr("set"))
}

func newCountingFactory(built *int32var) Factory {
	return func(string) Extractor {
		built.inc()
		return &countingExtractor{}
	}
}

type int32var struct {
	mu sync.Mutex
	n  int
}

func (v *int32var) inc() {
	v.mu.Lock()
	v.n++
	v.mu.Unlock()
}

func (v *int32var) get() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.n
}

func drainN(t *testing.T, pool *Pool, n int) []mediaitem.Item {
	t.Helper()
	out := make([]mediaitem.Item, 0, n)
	for i := 0; i < n; i++ {
		select {
		case item := <-pool.Output():
			out = append(out, item)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for item %d/%d", i+1, n)
		}
	}
	return out
}

func TestSubmitExtractsAndDeliversParsedItem(t *testing.T) {
	t.Parallel()
	built := &int32var{}
	pool := NewPool(2, map[mediaitem.ExtractorKind]Factory{
		mediaitem.TagKind: newCountingFactory(built),
	}, map[mediaitem.ExtractorKind]bool{mediaitem.TagKind: true})
	defer pool.Close()

	item := mediaitem.New("u", "p", "mp3", mediaitem.Audio, mediaitem.TagKind, 1, 100, mediaitem.DeviceRef{})
	pool.Submit(item, false)

	got := drainN(t, pool, 1)[0]
	require.True(t, got.Parsed)
	v, ok := got.Attr(mediaitem.Title)
	require.True(t, ok)
	require.Equal(t, "set", v.Str)
}

func TestUnregisteredExtractorKindStillDeliversParsedItem(t *testing.T) {
	t.Parallel()
	pool := NewPool(1, map[mediaitem.ExtractorKind]Factory{}, map[mediaitem.ExtractorKind]bool{})
	defer pool.Close()

	item := mediaitem.New("u", "p", "xyz", mediaitem.Audio, mediaitem.TagKind, 1, 1, mediaitem.DeviceRef{})
	pool.Submit(item, false)

	got := drainN(t, pool, 1)[0]
	require.True(t, got.Parsed)
}

func TestSharedOKInstanceIsBuiltOnceAcrossWorkers(t *testing.T) {
	t.Parallel()
	built := &int32var{}
	pool := NewPool(4, map[mediaitem.ExtractorKind]Factory{
		mediaitem.TagKind: newCountingFactory(built),
	}, map[mediaitem.ExtractorKind]bool{mediaitem.TagKind: true})
	defer pool.Close()

	for i := 0; i < 20; i++ {
		pool.Submit(mediaitem.New("u", "p", "mp3", mediaitem.Audio, mediaitem.TagKind, uint64(i), 1, mediaitem.DeviceRef{}), false)
	}
	drainN(t, pool, 20)

	require.Equal(t, 1, built.get())
}

func TestNonSharedInstanceIsBuiltPerWorker(t *testing.T) {
	t.Parallel()
	built := &int32var{}
	workers := 4
	pool := NewPool(workers, map[mediaitem.ExtractorKind]Factory{
		mediaitem.TagKind: newCountingFactory(built),
	}, map[mediaitem.ExtractorKind]bool{mediaitem.TagKind: false})
	defer pool.Close()

	for i := 0; i < 40; i++ {
		pool.Submit(mediaitem.New("u", "p", "mp3", mediaitem.Audio, mediaitem.TagKind, uint64(i), 1, mediaitem.DeviceRef{}), false)
	}
	drainN(t, pool, 40)

	require.LessOrEqual(t, built.get(), workers)
	require.GreaterOrEqual(t, built.get(), 1)
}

type panicExtractor struct{}

func (panicExtractor) Extract(context.Context, *mediaitem.Item, bool) { panic("boom") }

func TestExtractorPanicStillDeliversItem(t *testing.T) {
	t.Parallel()
	pool := NewPool(1, map[mediaitem.ExtractorKind]Factory{
		mediaitem.TagKind: func(string) Extractor { return panicExtractor{} },
	}, map[mediaitem.ExtractorKind]bool{mediaitem.TagKind: true})
	defer pool.Close()

	pool.Submit(mediaitem.New("u", "p", "mp3", mediaitem.Audio, mediaitem.TagKind, 1, 1, mediaitem.DeviceRef{}), false)

	got := drainN(t, pool, 1)[0]
	require.True(t, got.Parsed)
}

func TestCloseStopsAcceptingNewWork(t *testing.T) {
	t.Parallel()
	pool := NewPool(1, map[mediaitem.ExtractorKind]Factory{}, nil)
	pool.Close()

	done := make(chan struct{})
	go func() {
		pool.Submit(mediaitem.New("u", "p", "mp3", mediaitem.Audio, mediaitem.TagKind, 1, 1, mediaitem.DeviceRef{}), false)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit should return promptly once pool is closed")
	}
}
