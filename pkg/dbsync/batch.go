package dbsync

import (
	"context"
	"fmt"

	"github.com/arborio/mediaindex/pkg/syncutil"
)

// FlushCount is the per-buffer item threshold that triggers an automatic flush.
const FlushCount = 100

// FlushResult reports whether a flush happened and how many rows/ops it
// carried; a zero-value result means the buffer was below threshold and
// nothing was sent.
type FlushResult struct {
	DeviceURI string
	Count int
}

// DeviceBuffers holds the two per-device buffers (first_scan_buf for put,
// rescan_buf for merge/del). One instance per device; the orchestrator
// owns the map keyed by device uri.
type DeviceBuffers struct {
	deviceURI string
	kindID string

	mu syncutil.Mutex
	putRows []Row
	mergeOps []BatchOp
}

func NewDeviceBuffers(deviceURI, kindID string) *DeviceBuffers {
	return &DeviceBuffers{deviceURI: deviceURI, kindID: kindID}
}

// KindID returns the kind these buffers accumulate rows for.
func (b *DeviceBuffers) KindID() string { return b.kindID }

// AddPut appends to first_scan_buf, flushing to db if the threshold is hit.
// FlushResult.Count is 0 when no flush happened.
func (b *DeviceBuffers) AddPut(ctx context.Context, db DocumentDB, row Row) (FlushResult, error) {
	b.mu.Lock()
	b.putRows = append(b.putRows, row)
	full := len(b.putRows) >= FlushCount
	b.mu.Unlock()

	if !full {
		return FlushResult{}, nil
	}
	return b.FlushPut(ctx, db)
}

// FlushPut force-flushes first_scan_buf regardless of size, used both by
// AddPut on threshold and by the device's "needs flush" signal.
func (b *DeviceBuffers) FlushPut(ctx context.Context, db DocumentDB) (FlushResult, error) {
	b.mu.Lock()
	rows := b.putRows
	b.putRows = nil
	b.mu.Unlock()

	if len(rows) == 0 {
		return FlushResult{}, nil
	}
	if err := db.Put(ctx, b.kindID, rows); err != nil {
		return FlushResult{}, fmt.Errorf("put flush failed for %s: %w", b.deviceURI, err)
	}
	return FlushResult{DeviceURI: b.deviceURI, Count: len(rows)}, nil
}

// AddMerge appends an unflag-dirty merge to rescan_buf.
func (b *DeviceBuffers) AddMerge(ctx context.Context, db DocumentDB, where []Where, props map[string]string) (FlushResult, error) {
	return b.addOp(ctx, db, BatchOp{Kind: b.kindID, Merge: &MergeOp{Where: where, Props: props}})
}

// AddDel appends a delete to rescan_buf.
func (b *DeviceBuffers) AddDel(ctx context.Context, db DocumentDB, where Where) (FlushResult, error) {
	return b.addOp(ctx, db, BatchOp{Kind: b.kindID, Del: &where})
}

func (b *DeviceBuffers) addOp(ctx context.Context, db DocumentDB, op BatchOp) (FlushResult, error) {
	b.mu.Lock()
	b.mergeOps = append(b.mergeOps, op)
	full := len(b.mergeOps) >= FlushCount
	b.mu.Unlock()

	if !full {
		return FlushResult{}, nil
	}
	return b.FlushBatch(ctx, db)
}

// FlushBatch force-flushes rescan_buf as one atomic batch.
func (b *DeviceBuffers) FlushBatch(ctx context.Context, db DocumentDB) (FlushResult, error) {
	b.mu.Lock()
	ops := b.mergeOps
	b.mergeOps = nil
	b.mu.Unlock()

	if len(ops) == 0 {
		return FlushResult{}, nil
	}
	if err := db.Batch(ctx, ops); err != nil {
		return FlushResult{}, fmt.Errorf("batch flush failed for %s: %w", b.deviceURI, err)
	}
	return FlushResult{DeviceURI: b.deviceURI, Count: len(ops)}, nil
}

// NeedsFlush reports whether either buffer is non-empty, used when the
// device signals it's otherwise done but a partial buffer remains.
func (b *DeviceBuffers) NeedsFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.putRows) > 0 || len(b.mergeOps) > 0
}
