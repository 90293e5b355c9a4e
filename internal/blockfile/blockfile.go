// Package blockfile implements BlockFile: a header block plus a
// BlockTree-addressed run of data blocks, the common storage substrate
// under both File (spec §4.4) and Directory (spec §4.5). Grounded on
// original_source/blockfile.hpp/blockfile.cpp.
//
// The original exposes content as a forward/backward C++ iterator over
// FileBlock{accessor, offset, size} triples. Go has no iterator
// protocol to mirror that with, and the natural idiom for "a byte range
// backed by paged storage" is io.ReaderAt/io.WriterAt, so BlockFile
// implements those directly instead of a stateful cursor type (see
// DESIGN.md).
package blockfile

import (
	"io"

	"golang.org/x/xerrors"

	"github.com/mjoyce/dardefs"
	"github.com/mjoyce/dardefs/internal/blocktree"
	"github.com/mjoyce/dardefs/internal/buffer"
)

// File is a BlockFile: one header block (holding a type tag and a
// BlockTree) plus zero or more data blocks addressed through that tree.
type File struct {
	op     *buffer.Operation
	header *buffer.Accessor
	tree   *blocktree.Tree
}

// New allocates a fresh header block tagged typ (dardefs.FileType or
// dardefs.DirType) within op's aspect, with an empty block tree.
func New(op *buffer.Operation, typ byte) (*File, error) {
	acc, err := op.Allocate()
	if err != nil {
		return nil, xerrors.Errorf("blockfile: new: %w", err)
	}
	data := acc.Writable()
	data[0] = typ
	for i := 0; i < 4; i++ {
		data[dardefs.BlockTreeOffset+i] = 0
	}
	return &File{op: op, header: acc, tree: blocktree.New(op, acc, dardefs.BlockTreeOffset)}, nil
}

// Open fetches an existing header block by id and verifies its type tag
// matches typ.
func Open(op *buffer.Operation, id uint32, typ byte) (*File, error) {
	acc, err := op.Get(id)
	if err != nil {
		return nil, xerrors.Errorf("blockfile: open: %w", err)
	}
	if acc.Read()[0] != typ {
		acc.Release()
		return nil, dardefs.Fatalf("blockfile: open", "block %d is not tagged as type %q", id, typ)
	}
	return &File{op: op, header: acc, tree: blocktree.New(op, acc, dardefs.BlockTreeOffset)}, nil
}

// Close releases the header block. It does not flush; call
// buffer.Buffer.Flush independently once a batch of operations is done.
func (f *File) Close() {
	f.header.Release()
}

// ID returns the header block's logical id.
func (f *File) ID() uint32 { return f.header.Key().ID }

// NumberOfBlocks returns the total block count, header included.
func (f *File) NumberOfBlocks() uint32 { return f.tree.NumberOfBlocks() + 1 }

// NumberOfBytes returns the file's total storage capacity in bytes
// (header payload plus one full logical block per tree entry).
func (f *File) NumberOfBytes() uint32 {
	return f.tree.NumberOfBlocks()*dardefs.LogicalBlockSize + dardefs.DataSize
}

// PositionForByte maps an absolute byte offset to a (page, offset-within-
// page) pair. Page 0 is the header's own payload (DataSize bytes); pages
// 1.. are full logical blocks addressed through the tree.
func (f *File) PositionForByte(pos uint32) (page, offset uint32) {
	return positionForByte(pos)
}

func positionForByte(pos uint32) (page, offset uint32) {
	if pos < dardefs.DataSize {
		return 0, pos
	}
	pos -= dardefs.DataSize
	return pos/dardefs.LogicalBlockSize + 1, pos % dardefs.LogicalBlockSize
}

// AddBlock appends one freshly allocated data block to the tree.
func (f *File) AddBlock() error {
	acc, err := f.op.Allocate()
	if err != nil {
		return xerrors.Errorf("blockfile: addblock: %w", err)
	}
	id := acc.Key().ID
	acc.Release()
	return f.tree.Add(id)
}

// RemoveBlock pops and deallocates the tree's last data block.
func (f *File) RemoveBlock() error {
	id, err := f.tree.Pop()
	if err != nil {
		return xerrors.Errorf("blockfile: removeblock: %w", err)
	}
	return f.op.Deallocate(id)
}

// Truncate deallocates every data block, leaving only the header.
func (f *File) Truncate() error {
	for f.tree.NumberOfBlocks() > 0 {
		if err := f.RemoveBlock(); err != nil {
			return err
		}
	}
	return nil
}

// pageBytes returns the payload slice for page (0 is the header's own
// payload), and a release func to call once the caller is done with it.
// write selects Writable() (marks dirty) over Read().
func (f *File) pageBytes(page uint32, write bool) (data []byte, release func(), err error) {
	if page == 0 {
		if write {
			return f.header.Writable()[dardefs.DataOffset : dardefs.DataOffset+dardefs.DataSize], func() {}, nil
		}
		return f.header.Read()[dardefs.DataOffset : dardefs.DataOffset+dardefs.DataSize], func() {}, nil
	}
	id, err := f.tree.At(page - 1)
	if err != nil {
		return nil, nil, xerrors.Errorf("blockfile: pageBytes: %w", err)
	}
	acc, err := f.op.Get(id)
	if err != nil {
		return nil, nil, xerrors.Errorf("blockfile: pageBytes: %w", err)
	}
	if write {
		return acc.Writable(), acc.Release, nil
	}
	return acc.Read(), acc.Release, nil
}

// ReadAt implements io.ReaderAt over the file's full byte range
// (NumberOfBytes). Short reads past the end return io.EOF, matching the
// stdlib contract.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, xerrors.Errorf("blockfile: ReadAt: negative offset")
	}
	total := f.NumberOfBytes()
	pos := uint32(off)
	n := 0
	for n < len(p) {
		if pos >= total {
			return n, io.EOF
		}
		page, within := positionForByte(pos)
		data, release, err := f.pageBytes(page, false)
		if err != nil {
			return n, err
		}
		avail := uint32(len(data)) - within
		want := uint32(len(p) - n)
		if want < avail {
			avail = want
		}
		copy(p[n:], data[within:within+avail])
		release()
		n += int(avail)
		pos += avail
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writing past the current end grows the
// file one block at a time via AddBlock.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, xerrors.Errorf("blockfile: WriteAt: negative offset")
	}
	pos := uint32(off)
	n := 0
	for n < len(p) {
		for pos >= f.NumberOfBytes() {
			if err := f.AddBlock(); err != nil {
				return n, err
			}
		}
		page, within := positionForByte(pos)
		data, release, err := f.pageBytes(page, true)
		if err != nil {
			return n, err
		}
		avail := uint32(len(data)) - within
		want := uint32(len(p) - n)
		if want < avail {
			avail = want
		}
		copy(data[within:within+avail], p[n:n+int(avail)])
		release()
		n += int(avail)
		pos += avail
	}
	return n, nil
}
