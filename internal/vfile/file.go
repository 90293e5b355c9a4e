// Package vfile implements File: a BlockFile whose content is prefixed
// with a 4-byte logical size (spec §4.4), so truncate/append can be
// supported without trusting the block-granular BlockFile's own
// capacity as the true length. Grounded on
// original_source/file.hpp/file.cpp.
package vfile

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"

	"github.com/mjoyce/dardefs"
	"github.com/mjoyce/dardefs/internal/blockfile"
	"github.com/mjoyce/dardefs/internal/buffer"
)

// File is a byte-addressable, growable file backed by a BlockFile.
type File struct {
	bf *blockfile.File
}

// New creates an empty file.
func New(op *buffer.Operation) (*File, error) {
	bf, err := blockfile.New(op, dardefs.FileType)
	if err != nil {
		return nil, xerrors.Errorf("vfile: new: %w", err)
	}
	f := &File{bf: bf}
	if err := f.setSize(0); err != nil {
		bf.Close()
		return nil, err
	}
	return f, nil
}

// Open opens an existing file by its header block id.
func Open(op *buffer.Operation, id uint32) (*File, error) {
	bf, err := blockfile.Open(op, id, dardefs.FileType)
	if err != nil {
		return nil, xerrors.Errorf("vfile: open: %w", err)
	}
	return &File{bf: bf}, nil
}

// Close releases the underlying header block.
func (f *File) Close() { f.bf.Close() }

// ID returns the header block's logical id.
func (f *File) ID() uint32 { return f.bf.ID() }

// Size returns the file's logical length in bytes.
func (f *File) Size() (uint32, error) {
	var buf [dardefs.FileHeaderSize]byte
	if _, err := f.bf.ReadAt(buf[:], 0); err != nil {
		return 0, xerrors.Errorf("vfile: size: %w", err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (f *File) setSize(n uint32) error {
	var buf [dardefs.FileHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[:], n)
	if _, err := f.bf.WriteAt(buf[:], 0); err != nil {
		return xerrors.Errorf("vfile: setSize: %w", err)
	}
	return nil
}

// blocksForSize returns the BlockFile block count (header included)
// needed to hold a logical file of sizeBytes.
func (f *File) blocksForSize(sizeBytes uint32) uint32 {
	stopBytes := sizeBytes + dardefs.FileHeaderSize
	page, offset := f.bf.PositionForByte(stopBytes)
	var stopBlock uint32
	if offset != 0 {
		stopBlock = page + 1
	} else {
		stopBlock = page
	}
	if stopBlock < 1 {
		stopBlock = 1
	}
	return stopBlock
}

// ReadAt implements io.ReaderAt over the file's logical content, never
// reading past Size.
func (f *File) ReadAt(p []byte, pos int64) (int, error) {
	if pos < 0 {
		return 0, xerrors.Errorf("vfile: ReadAt: negative offset")
	}
	size, err := f.Size()
	if err != nil {
		return 0, err
	}
	if uint32(pos) >= size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	avail := size - uint32(pos)
	n := uint32(len(p))
	short := n > avail
	if short {
		n = avail
	}
	read, err := f.bf.ReadAt(p[:n], pos+int64(dardefs.FileHeaderSize))
	if err != nil && err != io.EOF {
		return read, xerrors.Errorf("vfile: ReadAt: %w", err)
	}
	if short {
		return read, io.EOF
	}
	return read, nil
}

// WriteAt implements io.WriterAt, growing the file (and its backing
// BlockFile) as needed.
func (f *File) WriteAt(p []byte, pos int64) (int, error) {
	if pos < 0 {
		return 0, xerrors.Errorf("vfile: WriteAt: negative offset")
	}
	n, err := f.bf.WriteAt(p, pos+int64(dardefs.FileHeaderSize))
	if err != nil {
		return n, xerrors.Errorf("vfile: WriteAt: %w", err)
	}
	size, err := f.Size()
	if err != nil {
		return n, err
	}
	newEnd := uint32(pos) + uint32(n)
	if newEnd > size {
		if err := f.setSize(newEnd); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Truncate shrinks the file's logical length to pos, releasing any
// now-unreachable trailing data blocks. A pos at or beyond the current
// length leaves the file unchanged; Truncate never extends a file.
func (f *File) Truncate(pos uint32) error {
	size, err := f.Size()
	if err != nil {
		return err
	}
	stopBytes := pos
	if stopBytes > size {
		stopBytes = size
	}
	numBlocks := f.blocksForSize(pos)
	for f.bf.NumberOfBlocks() > numBlocks {
		if err := f.bf.RemoveBlock(); err != nil {
			return xerrors.Errorf("vfile: truncate: %w", err)
		}
	}
	return f.setSize(stopBytes)
}
