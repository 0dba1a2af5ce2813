// Package dedupe keeps a bounded window of recently seen activity keys.
//
// It is a front cache only: the store's unique (source, source event id)
// constraint remains the authority, so a key evicted here is still caught
// downstream.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
)

// Deduper records seen activity keys.
type Deduper interface {
	// SeenAndRecord atomically checks if key was seen and records it if not.
	// Returns true if key was already seen.
	SeenAndRecord(ctx context.Context, key string) bool

	// Unrecord forgets a key so a failed delivery can be retried.
	Unrecord(ctx context.Context, key string)

	Size() int64
}

// Key builds the cache key for an activity origin.
func Key(source, sourceEventID string) string {
	return source + ":" + sourceEventID
}

// entry is a node of the insertion-ordered list.
type entry struct {
	key        string
	prev, next *entry
}

// inMemoryDeduper evicts the oldest key once maxSize is reached.
// maxSize <= 0 disables eviction.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]*entry
	oldest  *entry
	newest  *entry
	maxSize int
	size    atomic.Int64
}

// NewInMemoryDeduper creates a new in-memory deduper.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: 50_000,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]*entry)
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}
	if d.maxSize > 0 && len(d.seen) >= d.maxSize {
		d.unlink(d.oldest)
	}

	e := &entry{key: key, prev: d.newest}
	if d.newest != nil {
		d.newest.next = e
	}
	d.newest = e
	if d.oldest == nil {
		d.oldest = e
	}
	d.seen[key] = e
	d.size.Add(1)
	return false
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.seen[key]; ok {
		d.unlink(e)
	}
}

// unlink removes e from the list and the map. Caller holds d.mu.
func (d *inMemoryDeduper) unlink(e *entry) {
	if e == nil {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		d.oldest = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		d.newest = e.prev
	}
	e.prev, e.next = nil, nil
	delete(d.seen, e.key)
	d.size.Add(-1)
}

func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
