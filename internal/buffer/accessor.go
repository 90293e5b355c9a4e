package buffer

import "github.com/mjoyce/dardefs"

// Accessor is a scoped, exclusive handle to one decrypted logical block
// (spec §9). It is move-only in spirit: Go can't forbid copying a struct,
// but Accessor carries no exported fields and its zero value is useless,
// so the only way to use one is the value returned by Get/Allocate.
// Release must be called exactly once, typically via defer, regardless
// of how the caller's scope exits.
type Accessor struct {
	buf      *Buffer
	entry    *cacheEntry
	key      dardefs.BlockKey
	op       *operationState
	released bool
}

// Key returns the logical id this accessor refers to.
func (a *Accessor) Key() dardefs.BlockKey { return a.key }

// Read returns the decrypted payload for read-only use. Callers must not
// retain the slice past Release.
func (a *Accessor) Read() []byte { return a.entry.data[:] }

// Writable returns the payload for in-place mutation and marks the block
// dirty; it will be rewritten to a fresh physical slot on the next flush.
func (a *Accessor) Writable() []byte {
	a.entry.dirty = true
	return a.entry.data[:]
}

// Release returns the accessor's cache entry to circulation: to the LRU
// free queue if clean, or pinned-but-unheld (ineligible for eviction,
// visible to the next flush) if dirty. Safe to call multiple times.
func (a *Accessor) Release() {
	if a.released {
		return
	}
	a.released = true

	a.buf.mu.Lock()
	if !a.entry.dirty {
		a.entry.lruElem = a.buf.lru.PushBack(a.entry)
	}
	if a.op != nil {
		a.op.released(a.key, a.entry.dirty)
	}
	a.buf.cond.Broadcast()
	a.buf.mu.Unlock()

	a.entry.baton.unlock()
}
