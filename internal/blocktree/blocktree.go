// Package blocktree implements the mixed-radix block address tree that
// BlockFile uses to map a page index to a logical block id (spec §4.2).
// A small number of pointers (K) live inline in the owning block's
// header; once that header's capacity is exhausted, pointers spill into
// a tree of interior blocks with branching factor B, each holding only
// pointers (to further interior blocks, or, at the bottom level, to data
// block ids).
//
// Grounded on original_source/blocktree.hpp/blocktree.cpp, translated
// from its mutable std::vector<BlockAccessor> recursion into a stateless
// index-to-path descent per lookup (Tree.At), and from
// exceptions-as-control-flow into error returns.
package blocktree

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/mjoyce/dardefs"
	"github.com/mjoyce/dardefs/internal/buffer"
)

// K is the number of inline entries in the owning block's header, and B
// is the branching factor of each interior tree block.
const (
	K = dardefs.NumHeaderBlockTreeEntries
	B = dardefs.NumTreeBlockTreeEntries
)

// Tree is a BlockTree mounted at a byte offset within header's payload.
// All block accesses it performs go through op, and are pinned to
// header's aspect.
type Tree struct {
	op     *buffer.Operation
	header *buffer.Accessor
	offset int
}

// New mounts a Tree over the NumberOfBlocks counter and K pointer slots
// living at offset within header's payload.
func New(op *buffer.Operation, header *buffer.Accessor, offset int) *Tree {
	return &Tree{op: op, header: header, offset: offset}
}

// NumberOfBlocks returns how many leaf (data) pointers the tree holds.
func (t *Tree) NumberOfBlocks() uint32 {
	return binary.LittleEndian.Uint32(t.header.Read()[t.offset:])
}

func (t *Tree) setNumberOfBlocks(n uint32) {
	binary.LittleEndian.PutUint32(t.header.Writable()[t.offset:], n)
}

func getU32(b []byte, i int) uint32 { return binary.LittleEndian.Uint32(b[4*i:]) }
func putU32(b []byte, i int, v uint32) {
	binary.LittleEndian.PutUint32(b[4*i:], v)
}

// levels decomposes a leaf index into its mixed-radix path: levels[0] is
// the offset within the bottom-most block (radix B, except the top digit
// which is radix K), levels[len-1] is the offset within the header's own
// K inline slots.
func levels(numBlocks uint32) []uint32 {
	var res []uint32
	offset := numBlocks
	for offset >= K {
		res = append(res, offset%B)
		offset /= B
	}
	res = append(res, offset)
	return res
}

// Add appends value as the new last leaf pointer, growing the tree
// (allocating a new header-pointer slot, a new interior level, or a new
// interior block) as needed.
func (t *Tree) Add(value uint32) error {
	n := t.NumberOfBlocks()
	path := levels(n)
	before := levels(subOne(n))
	t.setNumberOfBlocks(n + 1)

	if len(path) == 1 {
		putU32(t.header.Writable()[t.offset+4:], int(last(path)), value)
		return nil
	}

	header := t.header.Writable()[t.offset+4:]
	if len(path) != len(before) {
		// The K inline header slots are full: spill them into a freshly
		// allocated interior block, and start a new top level pointing
		// at just that one block.
		nodeAcc, err := t.op.Allocate()
		if err != nil {
			return xerrors.Errorf("blocktree: add: %w", err)
		}
		copy(nodeAcc.Writable(), header[:4*K])
		for i := 0; i < K; i++ {
			putU32(header, i, dardefs.NoBlockAssigned)
		}
		putU32(header, 0, nodeAcc.Key().ID)
		nodeAcc.Release()
		before = append(before, 0)
	}

	var blockID uint32
	needAlloc := false
	if last(path) != last(before) {
		needAlloc = true
		acc, err := t.op.Allocate()
		if err != nil {
			return xerrors.Errorf("blocktree: add: %w", err)
		}
		blockID = acc.Key().ID
		acc.Release()
		putU32(header, int(last(path)), blockID)
	} else {
		blockID = getU32(header, int(last(path)))
	}

	for level := 1; level < len(path)-1; level++ {
		acc, err := t.op.Get(blockID)
		if err != nil {
			return xerrors.Errorf("blocktree: add: %w", err)
		}
		pos := len(path) - level - 1
		if pos != 0 && (needAlloc || path[pos] != before[pos]) {
			needAlloc = true
			newAcc, err := t.op.Allocate()
			if err != nil {
				acc.Release()
				return xerrors.Errorf("blocktree: add: %w", err)
			}
			blockID = newAcc.Key().ID
			newAcc.Release()
			putU32(acc.Writable(), int(path[pos]), blockID)
		} else {
			blockID = getU32(acc.Read(), int(path[pos]))
		}
		acc.Release()
	}

	leaf, err := t.op.Get(blockID)
	if err != nil {
		return xerrors.Errorf("blocktree: add: %w", err)
	}
	putU32(leaf.Writable(), int(path[0]), value)
	leaf.Release()
	return nil
}

// Pop removes and returns the last leaf pointer, shrinking the tree
// (deallocating now-empty interior blocks, and collapsing a spilled
// level back into the header's inline slots) as needed.
func (t *Tree) Pop() (uint32, error) {
	n := t.NumberOfBlocks()
	if n == 0 {
		return 0, xerrors.Errorf("blocktree: pop: tree is empty")
	}
	path := levels(n - 1)
	after := levels(subOne(n - 1))
	t.setNumberOfBlocks(n - 1)

	header := t.header.Writable()[t.offset+4:]
	if len(path) == 1 {
		value := getU32(header, int(last(path)))
		putU32(header, int(last(path)), dardefs.NoBlockAssigned)
		return value, nil
	}

	blockID := getU32(header, int(last(path)))
	var toDeallocate []uint32

	for level := 1; level < len(path)-1; level++ {
		acc, err := t.op.Get(blockID)
		if err != nil {
			return 0, xerrors.Errorf("blocktree: pop: %w", err)
		}
		pos := len(path) - level - 1
		if path[pos] == 0 {
			toDeallocate = append(toDeallocate, blockID)
		} else {
			toDeallocate = nil
		}
		blockID = getU32(acc.Read(), int(path[pos]))
		acc.Release()
	}

	var value uint32
	{
		acc, err := t.op.Get(blockID)
		if err != nil {
			return 0, xerrors.Errorf("blocktree: pop: %w", err)
		}
		value = getU32(acc.Read(), int(path[0]))
		if path[0] == 0 {
			toDeallocate = append(toDeallocate, blockID)
		} else {
			toDeallocate = nil
		}
		acc.Release()
	}

	for _, id := range toDeallocate {
		if err := t.op.Deallocate(id); err != nil {
			return 0, xerrors.Errorf("blocktree: pop: %w", err)
		}
	}

	if len(path) != len(after) {
		deallID := getU32(header, 0)
		acc, err := t.op.Get(deallID)
		if err != nil {
			return 0, xerrors.Errorf("blocktree: pop: %w", err)
		}
		copy(header[:4*K], acc.Read()[:4*K])
		acc.Release()
		if err := t.op.Deallocate(deallID); err != nil {
			return 0, xerrors.Errorf("blocktree: pop: %w", err)
		}
	}

	return value, nil
}

// At returns the leaf pointer at position i, descending the tree by
// index rather than walking a stateful iterator (spec §9: Go callers
// index pages directly; see DESIGN.md for why this replaces the
// original's bidirectional BlockTreeIterator).
func (t *Tree) At(i uint32) (uint32, error) {
	if i >= t.NumberOfBlocks() {
		return 0, xerrors.Errorf("blocktree: at: index %d out of range (%d blocks)", i, t.NumberOfBlocks())
	}
	path := levels(i)
	full := levels(t.NumberOfBlocks() - 1)
	for len(path) < len(full) {
		path = append(path, 0)
	}

	header := t.header.Read()[t.offset+4:]
	if len(path) == 1 {
		return getU32(header, int(last(path))), nil
	}

	blockID := getU32(header, int(last(path)))
	for level := 1; level < len(path)-1; level++ {
		acc, err := t.op.Get(blockID)
		if err != nil {
			return 0, xerrors.Errorf("blocktree: at: %w", err)
		}
		pos := len(path) - level - 1
		blockID = getU32(acc.Read(), int(path[pos]))
		acc.Release()
	}

	acc, err := t.op.Get(blockID)
	if err != nil {
		return 0, xerrors.Errorf("blocktree: at: %w", err)
	}
	defer acc.Release()
	return getU32(acc.Read(), int(path[0])), nil
}

func last(s []uint32) uint32 {
	return s[len(s)-1]
}

// subOne returns n-1 saturating at 0, matching the original's reliance
// on numberOfBlocks()-1 being well-defined even at n==0 (levels(0) is
// still a valid, if meaningless, single-element path in that case).
func subOne(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return n - 1
}
