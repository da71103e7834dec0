// Package dbsync implements the contract between the core and the
// external JSON document database: kind management,
// batched writes, and correlation-token response demultiplexing.
package dbsync

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/arborio/mediaindex/pkg/syncutil"
)

// Op is one comparison operator a Where clause supports.
type Op string

const (
	Eq Op = "="
	Prefix Op = "%"
)

// Where is one filter clause: Prop/Op/Val, with Op one of Eq or Prefix.
type Where struct {
	Prop string
	Op Op
	Val string
}

// Row is a returned document; Props carries whatever fields the caller
// selected beyond uri/hash.
type Row struct {
	URI string
	Hash string
	Props map[string]string
}

// BatchOp is one operation inside an atomic batch.
type BatchOp struct {
	Kind string
	Merge *MergeOp
	Del *Where
}

// MergeOp is an update-or-noop against rows matching Where.
type MergeOp struct {
	Where []Where
	Props map[string]string
}

// Cursor paginates Search results.
type Cursor struct {
	Token string
}

var (
	ErrNotConnected = errors.New("dbsync: not connected")
	ErrTimeout = errors.New("dbsync: request timed out")
)

// DocumentDB is the full contract consumed from the external document
// database: kind management, row lookup/search, and batched writes.
type DocumentDB interface {
	EnsureKind(ctx context.Context, kindID string, indexes []string) error
	Find(ctx context.Context, kindID string, where []Where) ([]Row, error)
	Merge(ctx context.Context, kindID string, where []Where, props map[string]string) error
	Put(ctx context.Context, kindID string, rows []Row) error
	Batch(ctx context.Context, ops []BatchOp) error
	Search(ctx context.Context, kindID string, where []Where, cursor Cursor) ([]Row, Cursor, error)
	Del(ctx context.Context, kindID string, where []Where) error
	PutPermissions(ctx context.Context, callerID string, kindID string, canRead, canWrite bool) error
}

// TokenMap demultiplexes asynchronous responses onto the context that sent
// the original request, guarded by a single mutex.
type TokenMap struct {
	mu syncutil.Mutex
	ctx map[string]any
}

func NewTokenMap() *TokenMap {
	return &TokenMap{ctx: make(map[string]any)}
}

// Begin allocates a new correlation token for ctxValue and returns it.
func (t *TokenMap) Begin(ctxValue any) string {
	token := uuid.NewString()
	t.mu.Lock()
	t.ctx[token] = ctxValue
	t.mu.Unlock()
	return token
}

// Resolve looks up and removes the context for a token; ok is false if the
// token is unknown (already resolved, or never issued).
func (t *TokenMap) Resolve(token string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.ctx[token]
	if ok {
		delete(t.ctx, token)
	}
	return v, ok
}

// Cancel removes a token without resolving it, used on request timeout.
func (t *TokenMap) Cancel(token string) {
	t.mu.Lock()
	delete(t.ctx, token)
	t.mu.Unlock()
}
