package buffer

import "github.com/mjoyce/dardefs"

// allocate implements Buffer.allocate/Operation.Allocate (spec §4.1): mint
// a fresh logical id for aspect, hand back a zeroed, dirty accessor for
// it, and defer physical-slot assignment to the next flush.
func (b *Buffer) allocate(op *operationState, aspect dardefs.Aspect) (*Accessor, error) {
	if err := b.checkOperation(op, aspect); err != nil {
		return nil, err
	}
	if aspect == dardefs.Hidden && b.noHidden {
		return nil, ErrNoHidden
	}

	b.mu.Lock()
	if aspect == dardefs.Hidden && b.hiddenAllocated+1 > b.coverAllocated {
		b.mu.Unlock()
		return nil, ErrHiddenParity
	}
	if len(b.unallocated) == 0 && len(b.virtual) == 0 {
		b.mu.Unlock()
		return nil, ErrFull
	}

	var id uint32
	if aspect == dardefs.Hidden {
		id = b.maxHiddenID
	} else {
		id = b.maxCoverID
	}
	key := dardefs.BlockKey{Aspect: aspect, ID: id}
	info := &mappingInfo{physicalSlot: dardefs.NoBlockAssigned, cacheIndex: -1}

	idx, entry, err := b.evictLocked()
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if op != nil {
		if err := op.requested(id); err != nil {
			entry.lruElem = b.lru.PushBack(entry)
			b.mu.Unlock()
			return nil, err
		}
	}

	b.mapping[key] = info
	if aspect == dardefs.Hidden {
		b.hiddenAllocated++
		b.maxHiddenID++
	} else {
		b.coverAllocated++
		b.maxCoverID++
	}
	entry.key = key
	entry.valid = false
	info.cacheIndex = idx
	b.mu.Unlock()

	entry.baton.lock() // just evicted: guaranteed free
	for i := range entry.data {
		entry.data[i] = 0
	}
	entry.valid = true
	entry.dirty = true

	return &Accessor{buf: b, entry: entry, key: key, op: op}, nil
}

// deallocate implements Buffer.deallocate/Operation.Deallocate: drop the
// mapping for (aspect, id) and, if it had a backing physical slot, return
// that slot to the free list.
func (b *Buffer) deallocate(op *operationState, aspect dardefs.Aspect, id uint32) error {
	if err := b.checkOperation(op, aspect); err != nil {
		return err
	}
	key := dardefs.BlockKey{Aspect: aspect, ID: id}

	b.mu.Lock()
	defer b.mu.Unlock()

	info, ok := b.mapping[key]
	if !ok {
		return fatalf("buffer: deallocate", "logical id %s is not allocated", key)
	}
	if info.cacheIndex >= 0 {
		entry := b.cache[info.cacheIndex]
		if entry.lruElem != nil {
			b.lru.Remove(entry.lruElem)
		} else {
			// Off the LRU queue: either dirty and released (baton free)
			// or held by a live accessor (baton taken).
			select {
			case <-entry.baton:
			default:
				return fatalf("buffer: deallocate", "block %s is held by a live accessor", key)
			}
			entry.dirty = false
			entry.valid = false
			entry.baton.unlock()
		}
		entry.lruElem = b.lru.PushBack(entry)
	}
	if op != nil {
		delete(op.blocks, id)
	}
	delete(b.mapping, key)
	if info.physicalSlot != dardefs.NoBlockAssigned {
		delete(b.reverseMapping, info.physicalSlot)
		b.unallocated = append(b.unallocated, info.physicalSlot)
	}
	if aspect == dardefs.Hidden {
		b.hiddenAllocated--
	} else {
		b.coverAllocated--
	}
	b.cond.Broadcast()
	return nil
}
