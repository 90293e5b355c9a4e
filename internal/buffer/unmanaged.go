package buffer

import "github.com/mjoyce/dardefs"

// Get, Allocate, and Deallocate give mkfs/fsck-style callers direct block
// access without going through an Operation. They fail if this Buffer was
// opened with EnforceOperations, in which case every access must be
// scoped by a BeginOperation/End pair.

// Get fetches logical block id for aspect with no enclosing operation.
func (b *Buffer) Get(aspect dardefs.Aspect, id uint32) (*Accessor, error) {
	return b.get(nil, aspect, id)
}

// Allocate mints a fresh logical id for aspect with no enclosing operation.
func (b *Buffer) Allocate(aspect dardefs.Aspect) (*Accessor, error) {
	return b.allocate(nil, aspect)
}

// Deallocate drops the mapping for (aspect, id) with no enclosing
// operation.
func (b *Buffer) Deallocate(aspect dardefs.Aspect, id uint32) error {
	return b.deallocate(nil, aspect, id)
}
