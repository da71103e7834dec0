package dbsync

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	mu       sync.Mutex
	putRows  map[string][]Row
	batchOps []BatchOp
}

func newFakeDB() *fakeDB {
	return &fakeDB{putRows: make(map[string][]Row)}
}

func (f *fakeDB) EnsureKind(context.Context, string, []string) error { return nil }
func (f *fakeDB) Find(context.Context, string, []Where) ([]Row, error) { return nil, nil }
func (f *fakeDB) Merge(context.Context, string, []Where, map[string]string) error { return nil }

func (f *fakeDB) Put(_ context.Context, kindID string, rows []Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putRows[kindID] = append(f.putRows[kindID], rows...)
	return nil
}

func (f *fakeDB) Batch(_ context.Context, ops []BatchOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchOps = append(f.batchOps, ops...)
	return nil
}

func (f *fakeDB) Search(context.Context, string, []Where, Cursor) ([]Row, Cursor, error) {
	return nil, Cursor{}, nil
}
func (f *fakeDB) Del(context.Context, string, []Where) error { return nil }
func (f *fakeDB) PutPermissions(context.Context, string, string, bool, bool) error { return nil }

func TestAddPutBelowThresholdDoesNotFlush(t *testing.T) {
	t.Parallel()
	db := newFakeDB()
	b := NewDeviceBuffers("storage:///mnt", "audio_item")

	res, err := b.AddPut(context.Background(), db, Row{URI: "storage:///mnt/a.mp3"})
	require.NoError(t, err)
	require.Equal(t, FlushResult{}, res)
	require.Empty(t, db.putRows["audio_item"])
}

func TestAddPutAtThresholdFlushesExactlyFlushCountRows(t *testing.T) {
	t.Parallel()
	db := newFakeDB()
	b := NewDeviceBuffers("storage:///mnt", "audio_item")

	var res FlushResult
	var err error
	for i := 0; i < FlushCount; i++ {
		res, err = b.AddPut(context.Background(), db, Row{URI: "u"})
		require.NoError(t, err)
	}

	require.Equal(t, FlushCount, res.Count)
	require.Equal(t, "storage:///mnt", res.DeviceURI)
	require.Len(t, db.putRows["audio_item"], FlushCount)
	require.False(t, b.NeedsFlush())
}

func TestFlushPutOnEmptyBufferIsNoop(t *testing.T) {
	t.Parallel()
	db := newFakeDB()
	b := NewDeviceBuffers("storage:///mnt", "audio_item")

	res, err := b.FlushPut(context.Background(), db)
	require.NoError(t, err)
	require.Equal(t, FlushResult{}, res)
}

func TestFlushPutForcesPartialBufferOut(t *testing.T) {
	t.Parallel()
	db := newFakeDB()
	b := NewDeviceBuffers("storage:///mnt", "audio_item")

	_, err := b.AddPut(context.Background(), db, Row{URI: "u1"})
	require.NoError(t, err)
	require.True(t, b.NeedsFlush())

	res, err := b.FlushPut(context.Background(), db)
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	require.False(t, b.NeedsFlush())
}

func TestAddMergeAndAddDelShareRescanBufferThreshold(t *testing.T) {
	t.Parallel()
	db := newFakeDB()
	b := NewDeviceBuffers("storage:///mnt", "audio_item")

	for i := 0; i < FlushCount-1; i++ {
		res, err := b.AddMerge(context.Background(), db, nil, map[string]string{"k": "v"})
		require.NoError(t, err)
		require.Equal(t, FlushResult{}, res)
	}

	res, err := b.AddDel(context.Background(), db, Where{Prop: "uri", Op: Eq, Val: "x"})
	require.NoError(t, err)
	require.Equal(t, FlushCount, res.Count)
	require.Len(t, db.batchOps, FlushCount)
}

func TestNeedsFlushReflectsBothBuffers(t *testing.T) {
	t.Parallel()
	db := newFakeDB()
	b := NewDeviceBuffers("storage:///mnt", "audio_item")
	require.False(t, b.NeedsFlush())

	_, err := b.AddMerge(context.Background(), db, nil, nil)
	require.NoError(t, err)
	require.True(t, b.NeedsFlush())

	_, err = b.FlushBatch(context.Background(), db)
	require.NoError(t, err)
	require.False(t, b.NeedsFlush())
}

func TestKindIDReturnsConstructorValue(t *testing.T) {
	t.Parallel()
	b := NewDeviceBuffers("storage:///mnt", "image_item")
	require.Equal(t, "image_item", b.KindID())
}
