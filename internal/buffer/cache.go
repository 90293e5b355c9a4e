package buffer

import (
	"golang.org/x/xerrors"

	"github.com/mjoyce/dardefs"
)

// get implements Buffer.get/Operation.Get (spec §4.1): fetch an exclusive,
// decrypted accessor for (aspect, id). op is nil outside of an operation
// (only legal when enforceOperations is false, e.g. during mkfs/fsck).
func (b *Buffer) get(op *operationState, aspect dardefs.Aspect, id uint32) (*Accessor, error) {
	if err := b.checkOperation(op, aspect); err != nil {
		return nil, err
	}
	return b.getRaw(op, aspect, id)
}

// getForFlush fetches a block for flush's own internal rewrites (the
// delta-balancing pad pass), bypassing the EnforceOperations check since
// a flush is not itself a caller-visible operation.
func (b *Buffer) getForFlush(aspect dardefs.Aspect, id uint32) (*Accessor, error) {
	return b.getRaw(nil, aspect, id)
}

func (b *Buffer) getRaw(op *operationState, aspect dardefs.Aspect, id uint32) (*Accessor, error) {
	key := dardefs.BlockKey{Aspect: aspect, ID: id}

	for {
		b.mu.Lock()
		if op != nil {
			if err := op.requested(id); err != nil {
				b.mu.Unlock()
				return nil, err
			}
		}
		info, ok := b.mapping[key]
		if !ok {
			b.mu.Unlock()
			return nil, fatalf("buffer: get", "logical id %s is not allocated", key)
		}

		if info.cacheIndex >= 0 {
			entry := b.cache[info.cacheIndex]
			b.unlink(entry)
			b.mu.Unlock()

			if !entry.baton.tryLock(cacheWaitTimeout) {
				return nil, fatalf("buffer: get", "timed out waiting for block %s", key)
			}
			if entry.key != key || !entry.valid {
				// Lost a race with a concurrent evict/repopulate of this
				// very entry; retry the lookup from scratch.
				entry.baton.unlock()
				continue
			}
			return &Accessor{buf: b, entry: entry, key: key, op: op}, nil
		}

		idx, entry, err := b.evictLocked()
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		entry.key = key
		entry.valid = false
		info.cacheIndex = idx
		b.mu.Unlock()

		entry.baton.lock() // entry just left the free/LRU queue; must be free
		if info.physicalSlot == dardefs.NoBlockAssigned {
			for i := range entry.data {
				entry.data[i] = 0
			}
		} else {
			payload, err := b.disk.ReadSlot(info.physicalSlot, aspect)
			if err != nil {
				entry.baton.unlock()
				return nil, xerrors.Errorf("buffer: get: %w", err)
			}
			copy(entry.data[:], payload)
		}
		entry.valid = true
		entry.dirty = false
		return &Accessor{buf: b, entry: entry, key: key, op: op}, nil
	}
}

// checkOperation enforces spec §5's rule that every access within an
// operation targets that operation's declared aspect, and (when
// enforceOperations is set) that no access happens outside of one.
func (b *Buffer) checkOperation(op *operationState, aspect dardefs.Aspect) error {
	if op == nil {
		if b.enforceOperations {
			return fatalf("buffer", "block access outside of an operation")
		}
		return nil
	}
	if op.aspect != aspect {
		return fatalf("buffer: operation", "aspect mismatch: operation is %s, access is %s", op.aspect, aspect)
	}
	return nil
}

// unlink removes entry from the LRU/free queue, if present. Caller holds
// b.mu.
func (b *Buffer) unlink(entry *cacheEntry) {
	if entry.lruElem != nil {
		b.lru.Remove(entry.lruElem)
		entry.lruElem = nil
	}
}

// evictLocked returns the index and pointer of a cache entry available
// for reuse, evicting the LRU head if necessary. Caller holds b.mu.
//
// If the evicted entry still holds valid data for a mapped block, that
// block's mappingInfo.cacheIndex is reset to -1 first: otherwise a
// later get() of the evicted key would find a stale cacheIndex pointing
// at this same slot (now reused for a different key) and spin forever
// retrying a residency check that can never succeed.
func (b *Buffer) evictLocked() (int, *cacheEntry, error) {
	elem := b.lru.Front()
	if elem == nil {
		return 0, nil, fatalf("buffer", "cache exhausted with no active operation to bound it")
	}
	entry := elem.Value.(*cacheEntry)
	b.lru.Remove(elem)
	entry.lruElem = nil

	idx := -1
	for i, e := range b.cache {
		if e == entry {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, nil, fatalf("buffer", "internal: evicted entry not found in cache array")
	}

	if entry.valid {
		if info, ok := b.mapping[entry.key]; ok && info.cacheIndex == idx {
			info.cacheIndex = -1
		}
	}

	return idx, entry, nil
}
