package buffer

import (
	"golang.org/x/xerrors"

	"github.com/mjoyce/dardefs"
)

// operationState is the bookkeeping a live Operation carries: which
// aspect it is pinned to, how many distinct blocks it may touch, and
// which ones it currently holds. It plays the role of the original's
// per-thread BufferOperationData, but is threaded explicitly through
// Operation's methods instead of being keyed by goroutine identity —
// Go has no stable, introspectable goroutine id, so the idiomatic
// translation of "per-thread reservation" is an explicit handle the
// caller passes around (see DESIGN.md).
type operationState struct {
	aspect      dardefs.Aspect
	maxBlocks   int
	blocks      map[uint32]struct{}
	blockWrites int
	ended       bool
}

func (op *operationState) requested(id uint32) error {
	if _, ok := op.blocks[id]; ok {
		return nil
	}
	if len(op.blocks) >= op.maxBlocks {
		return fatalf("buffer: operation", "block budget of %d exceeded", op.maxBlocks)
	}
	op.blocks[id] = struct{}{}
	return nil
}

// released accounts for one Accessor.Release within this operation
// (spec §4.1): a clean release frees the id's reservation slot for
// reuse, while a dirty release keeps it pinned — the block is still
// live, just no longer held, and counts toward block_writes instead.
func (op *operationState) released(key dardefs.BlockKey, dirty bool) {
	if dirty {
		op.blockWrites++
		return
	}
	delete(op.blocks, key.ID)
}

// Operation is a bounded-lifetime reservation of cache space for one
// caller's composite mutation, pinned to a single aspect (spec §4.1/§5).
// All Get/Allocate/Deallocate calls made through it must target that
// aspect. End (idempotent, should be deferred) releases the reservation.
type Operation struct {
	buf   *Buffer
	state *operationState
}

// BeginOperation reserves maxBlocks cache slots for aspect. It blocks
// while a flush is pending or while the reservation would not fit in the
// cache, and returns once admitted.
func (b *Buffer) BeginOperation(aspect dardefs.Aspect, maxBlocks int) (*Operation, error) {
	if maxBlocks <= 0 {
		return nil, xerrors.Errorf("buffer: BeginOperation: maxBlocks must be positive")
	}
	if maxBlocks > len(b.cache) {
		return nil, xerrors.Errorf("buffer: BeginOperation: maxBlocks %d exceeds cache size %d", maxBlocks, len(b.cache))
	}
	b.mu.Lock()
	for b.flushPending || b.reservedCacheSpace+maxBlocks > len(b.cache) {
		b.cond.Wait()
	}
	b.reservedCacheSpace += maxBlocks
	b.liveOperations++
	b.mu.Unlock()

	return &Operation{
		buf: b,
		state: &operationState{
			aspect:    aspect,
			maxBlocks: maxBlocks,
			blocks:    make(map[uint32]struct{}, maxBlocks),
		},
	}, nil
}

// End releases the operation's cache-space reservation. Idempotent.
func (op *Operation) End() {
	if op.state.ended {
		return
	}
	op.state.ended = true
	b := op.buf
	b.mu.Lock()
	b.reservedCacheSpace -= op.state.maxBlocks
	b.liveOperations--
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Aspect returns the aspect this operation is pinned to.
func (op *Operation) Aspect() dardefs.Aspect { return op.state.aspect }

// Get fetches logical block id within this operation's aspect.
func (op *Operation) Get(id uint32) (*Accessor, error) {
	return op.buf.get(op.state, op.state.aspect, id)
}

// Allocate assigns a fresh logical id within this operation's aspect.
func (op *Operation) Allocate() (*Accessor, error) {
	return op.buf.allocate(op.state, op.state.aspect)
}

// Deallocate removes the mapping for id within this operation's aspect.
func (op *Operation) Deallocate(id uint32) error {
	return op.buf.deallocate(op.state, op.state.aspect, id)
}
