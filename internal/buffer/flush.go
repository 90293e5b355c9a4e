package buffer

import (
	"encoding/binary"
	"io"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/mjoyce/dardefs"
)

// flushWriteConcurrency bounds how many dirty blocks are encrypted and
// written to their new physical slots concurrently during a flush. Slot
// assignment itself stays serialized under b.mu; only the per-block
// AES encryption and the disk write that follows it run in parallel.
const flushWriteConcurrency = 8

// Flush commits all dirty blocks to randomly chosen free physical slots and rewrites
// both mapping tables in full (spec §4.1/§6). It is the only place an
// outside observer's view of the disk changes, and the only place the
// cover/hidden write-count parity invariant is restored.
//
// Steps, matching the six-step protocol in spec §6:
//  1. Wait for live operations to drain, then block new ones.
//  2. Enumerate dirty blocks of both aspects.
//  3. Compute the write-count deficit and inject balancing writes.
//  4. Write every dirty (and balancing) block to a randomly chosen
//     free physical slot.
//  5. Rewrite both mapping tables in full from the new state.
//  6. Let new operations in.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	for b.liveOperations > 0 || b.flushPending {
		b.cond.Wait()
	}
	b.flushPending = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.flushPending = false
		b.cond.Broadcast()
		b.mu.Unlock()
	}()

	m := b.numMappingBlocks()

	b.mu.Lock()
	dirty := b.collectDirtyLocked()
	delta := dirtyDelta(dirty)
	b.mu.Unlock()

	if err := b.balance(delta, &dirty); err != nil {
		return xerrors.Errorf("buffer: flush: %w", err)
	}

	if err := b.writeDirty(dirty); err != nil {
		return xerrors.Errorf("buffer: flush: %w", err)
	}

	if err := b.writeMappingTables(m); err != nil {
		return xerrors.Errorf("buffer: flush: %w", err)
	}

	return nil
}

// collectDirtyLocked gathers every cache entry currently marked dirty.
// Caller holds b.mu.
func (b *Buffer) collectDirtyLocked() []*cacheEntry {
	var dirty []*cacheEntry
	for _, e := range b.cache {
		if e.valid && e.dirty {
			dirty = append(dirty, e)
		}
	}
	return dirty
}

// dirtyDelta returns |hidden| - |cover| over dirty's own aspects (spec
// §6 step 2): the actual physical-write imbalance this flush is about
// to produce, counting every dirty block headed for writeDirty,
// allocations and plain overwrites alike. Counting allocations/
// deallocations alone misses overwrites made through Accessor.Writable,
// which also land in the dirty set and write a physical slot but never
// touch an alloc/dealloc counter.
func dirtyDelta(dirty []*cacheEntry) int64 {
	var cover, hidden int64
	for _, e := range dirty {
		if e.key.Aspect == dardefs.Hidden {
			hidden++
		} else {
			cover++
		}
	}
	return hidden - cover
}

// balance injects extra writes so the number of cover-keyed and
// hidden-keyed physical writes this flush come out equal, per invariant
// 3 (spec §3/§6). delta = hidden dirty count - cover dirty count.
//
//   - delta > 0: the hidden aspect wrote more blocks than cover did this
//     session. Pad the cover side by rewriting `delta` already-allocated
//     cover blocks unchanged (re-encrypted under a fresh IV, so the
//     ciphertext still changes even though the plaintext doesn't).
//   - delta < 0: symmetric, padding the hidden side. If there is no
//     hidden aspect (or too few hidden blocks exist to pad with), pad
//     with VIRTUAL writes instead — slots tagged virtual in the cover
//     mapping table and written with random hidden-keyed ciphertext, so
//     they are indistinguishable from genuine hidden blocks to anyone
//     without the hidden key.
func (b *Buffer) balance(delta int64, dirty *[]*cacheEntry) error {
	switch {
	case delta > 0:
		_, err := b.padAspect(dardefs.Cover, delta, dirty)
		return err
	case delta < 0:
		need := -delta
		padded, err := b.padAspect(dardefs.Hidden, need, dirty)
		if err != nil {
			return err
		}
		if padded < need {
			return b.padVirtual(need-padded, dirty)
		}
		return nil
	default:
		return nil
	}
}

// padAspect appends up to n additional already-allocated, currently-clean
// blocks of aspect to dirty, so they get rewritten to new slots this
// flush purely to balance write counts. Returns how many it found.
func (b *Buffer) padAspect(aspect dardefs.Aspect, n int64, dirty *[]*cacheEntry) (int64, error) {
	var padded int64
	b.mu.Lock()
	candidates := make([]dardefs.BlockKey, 0, len(b.mapping))
	for key := range b.mapping {
		if key.Aspect == aspect {
			candidates = append(candidates, key)
		}
	}
	b.mu.Unlock()

	for _, key := range candidates {
		if padded >= n {
			break
		}
		if b.alreadyDirty(key, *dirty) {
			continue
		}
		acc, err := b.getForFlush(key.Aspect, key.ID)
		if err != nil {
			return padded, err
		}
		acc.Writable() // force re-encryption under a fresh IV with unchanged plaintext
		acc.Release()
		b.mu.Lock()
		if info, ok := b.mapping[key]; ok && info.cacheIndex >= 0 {
			*dirty = append(*dirty, b.cache[info.cacheIndex])
		}
		b.mu.Unlock()
		padded++
	}
	return padded, nil
}

func (b *Buffer) alreadyDirty(key dardefs.BlockKey, dirty []*cacheEntry) bool {
	for _, e := range dirty {
		if e.key == key {
			return true
		}
	}
	return false
}

// padVirtual converts up to n slots taken from the unallocated pool into
// fresh VIRTUAL writes: plausible-looking random ciphertext under the hidden
// key, with no corresponding logical id. Used when there aren't enough
// genuine hidden blocks to pad delta<0 with.
func (b *Buffer) padVirtual(n int64, dirty *[]*cacheEntry) error {
	b.mu.Lock()
	var slots []uint32
	for i := int64(0); i < n && len(b.unallocated) > 0; i++ {
		last := len(b.unallocated) - 1
		slots = append(slots, b.unallocated[last])
		b.unallocated = b.unallocated[:last]
	}
	b.mu.Unlock()

	for _, slot := range slots {
		payload := make([]byte, dardefs.LogicalBlockSize)
		if _, err := io.ReadFull(b.rng, payload); err != nil {
			return xerrors.Errorf("padVirtual: %w", err)
		}
		if err := b.disk.WriteSlot(slot, dardefs.Hidden, payload); err != nil {
			return xerrors.Errorf("padVirtual: %w", err)
		}
		b.mu.Lock()
		b.virtual = append(b.virtual, slot)
		b.mu.Unlock()
	}
	_ = dirty // virtual slots are written directly; nothing to add to the dirty cache list
	return nil
}

// writeDirty writes every entry in dirty to a slot drawn at random from
// the free pool, releasing each entry's old slot back to that pool first
// (flush steps 3-4). Entries are handed to the workers in shuffled order
// so an observer can't correlate write order across flushes with logical
// id order; the encrypt-and-write of each entry is fanned out across
// flushWriteConcurrency workers, since once a slot is assigned the
// entries no longer interact.
func (b *Buffer) writeDirty(dirty []*cacheEntry) error {
	b.mu.Lock()
	order := b.shuffledIndices(len(dirty))
	b.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(flushWriteConcurrency)
	for _, i := range order {
		entry := dirty[i]
		g.Go(func() error {
			return b.writeDirtyEntry(entry)
		})
	}
	return g.Wait()
}

// writeDirtyEntry assigns entry a fresh physical slot and writes it
// there, releasing its previous slot back to the free list.
func (b *Buffer) writeDirtyEntry(entry *cacheEntry) error {
	entry.baton.lock()
	key := entry.key
	payload := append([]byte(nil), entry.data[:]...)
	entry.baton.unlock()

	b.mu.Lock()
	info, ok := b.mapping[key]
	if !ok {
		b.mu.Unlock()
		return fatalf("buffer: flush", "dirty entry for %s has no mapping", key)
	}
	if info.physicalSlot != dardefs.NoBlockAssigned {
		delete(b.reverseMapping, info.physicalSlot)
		b.unallocated = append(b.unallocated, info.physicalSlot)
	}
	newSlot, err := b.takeFreeSlotLocked()
	if err != nil {
		b.mu.Unlock()
		return err
	}
	info.physicalSlot = newSlot
	b.reverseMapping[newSlot] = key
	b.mu.Unlock()

	if err := b.disk.WriteSlot(newSlot, key.Aspect, payload); err != nil {
		return xerrors.Errorf("buffer: flush: writing %s: %w", key, err)
	}

	entry.baton.lock()
	entry.dirty = false
	entry.baton.unlock()

	b.mu.Lock()
	entry.lruElem = b.lru.PushBack(entry)
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

// takeFreeSlotLocked takes a uniformly random slot from the unallocated
// pool, or, once that is empty, the last slot of the virtual pool.
// Caller holds b.mu.
func (b *Buffer) takeFreeSlotLocked() (uint32, error) {
	if len(b.unallocated) > 0 {
		last := len(b.unallocated) - 1
		var buf [4]byte
		if _, err := io.ReadFull(b.rng, buf[:]); err == nil {
			j := int(binary.LittleEndian.Uint32(buf[:]) % uint32(last+1))
			b.unallocated[j], b.unallocated[last] = b.unallocated[last], b.unallocated[j]
		}
		s := b.unallocated[last]
		b.unallocated = b.unallocated[:last]
		return s, nil
	}
	if len(b.virtual) > 0 {
		last := len(b.virtual) - 1
		s := b.virtual[last]
		b.virtual = b.virtual[:last]
		return s, nil
	}
	return 0, fatalf("buffer: flush", "no free physical slot available at flush time")
}

// shuffledIndices returns a Fisher-Yates permutation of [0,n) drawn from
// b.rng, so write order doesn't leak allocation order. Caller holds b.mu.
func (b *Buffer) shuffledIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	for i := n - 1; i > 0; i-- {
		var buf [4]byte
		if _, err := io.ReadFull(b.rng, buf[:]); err != nil {
			continue
		}
		j := int(binary.LittleEndian.Uint32(buf[:]) % uint32(i+1))
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx
}
