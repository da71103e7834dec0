// Package extract implements the bounded metadata-extraction worker pool
// and the closed set of extractor kinds.
package extract

import (
	"context"
	"strconv"

	"github.com/arborio/mediaindex/pkg/mediaitem"
	"github.com/arborio/mediaindex/pkg/syncutil"
	"github.com/rs/zerolog/log"
)

// Extractor is the capability every extractor kind implements.
// Extract is expected to be safe for concurrent use; if a concrete
// implementation isn't, the Pool creates one instance per worker instead of
// sharing it (see resolve).
type Extractor interface {
	Extract(ctx context.Context, item *mediaitem.Item, expand bool)
}

// Factory builds a fresh Extractor for one (type, extension) pair.
type Factory func(ext string) Extractor

// Pool is the bounded worker pool of size N_PARALLEL_META. Extractor
// instances are cached per (type, extension) and reused across calls.
type Pool struct {
	factories map[mediaitem.ExtractorKind]Factory
	sharedOK map[mediaitem.ExtractorKind]bool // true if the factory's output is safe to share across workers

	work chan work
	out chan mediaitem.Item

	instMu syncutil.Mutex
	instances map[string]Extractor // key: kind/ext, only used when sharedOK

	done chan struct{}
}

type work struct {
	item mediaitem.Item
	expand bool
}

// NewPool starts workers reading from an internal channel of size equal to
// the worker count.
func NewPool(workers int, factories map[mediaitem.ExtractorKind]Factory, sharedOK map[mediaitem.ExtractorKind]bool) *Pool {
	p := &Pool{
		factories: factories,
		sharedOK: sharedOK,
		work: make(chan work, workers),
		out: make(chan mediaitem.Item, workers),
		instances: make(map[string]Extractor),
		done: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Output is the "parsed item ready" channel the orchestrator reads from.
func (p *Pool) Output() <-chan mediaitem.Item { return p.out }

// Submit enqueues an item for extraction. Blocks if the pool is saturated,
// which is the desired backpressure onto the scan thread that produced it.
func (p *Pool) Submit(item mediaitem.Item, expand bool) {
	select {
	case p.work <- work{item: item, expand: expand}:
	case <-p.done:
	}
}

// Close stops accepting work; in-flight extractions still run to
// completion.
func (p *Pool) Close() {
	close(p.done)
}

func (p *Pool) worker() {
	// per-worker fallback cache for extractor kinds whose factory output
	// isn't safe to share across goroutines
	local := make(map[string]Extractor)

	for {
		select {
		case <-p.done:
			return
		case w := <-p.work:
			item := w.item
			key := extractorKey(item.ExtractorKind, item.Extension)

			e := p.resolve(key, item.Extension, item.ExtractorKind, local)
			if e == nil {
				log.Warn().Str("extension", item.Extension).Msg("no extractor registered for extension, delivering unparsed")
				item.Parsed = true
				p.deliver(item)
				continue
			}

			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Str("uri", item.URI).Msg("extractor panicked, delivering item with partial attributes")
					}
				}()
				e.Extract(context.Background(), &item, w.expand)
			}()

			item.Parsed = true
			p.deliver(item)
		}
	}
}

func (p *Pool) resolve(key, ext string, kind mediaitem.ExtractorKind, local map[string]Extractor) Extractor {
	if p.sharedOK[kind] {
		p.instMu.Lock()
		e, ok := p.instances[key]
		if !ok {
			if f := p.factories[kind]; f != nil {
				e = f(ext)
				p.instances[key] = e
			}
		}
		p.instMu.Unlock()
		return e
	}

	if e, ok := local[key]; ok {
		return e
	}
	f := p.factories[kind]
	if f == nil {
		return nil
	}
	e := f(ext)
	local[key] = e
	return e
}

func extractorKey(kind mediaitem.ExtractorKind, ext string) string {
	return strconv.Itoa(int(kind)) + "/" + ext
}

func (p *Pool) deliver(item mediaitem.Item) {
	select {
	case p.out <- item:
	case <-p.done:
	}
}
