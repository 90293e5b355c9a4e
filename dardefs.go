// Package dardefs holds the constants and small shared types used across
// the encrypted deniable filesystem: physical/logical block sizes, the
// block-pointer tree's fan-out, and the cover/hidden aspect identifiers.
//
// See https://github.com/matsjoyce/dardefs for the design this module
// is based on.
package dardefs

import "fmt"

const (
	// PhysicalBlockSize is the size in bytes of one slot on the backing
	// file: a random IV followed by ciphertext of one logical block.
	PhysicalBlockSize = 4096

	// CipherBlockSize is the AES block size.
	CipherBlockSize = 16

	// IVSize is the size of the per-slot initialization vector.
	IVSize = CipherBlockSize

	// KeySize is the size of the cover and hidden AES-128 keys.
	KeySize = 16

	// LogicalBlockSize is the plaintext payload size of one slot.
	LogicalBlockSize = PhysicalBlockSize - IVSize

	// FileType and DirType tag the first byte of a typed logical block.
	FileType = 'F'
	DirType  = 'D'

	// NumHeaderBlockTreeEntries (K) is the number of inline block-tree
	// pointers that fit in a header block.
	NumHeaderBlockTreeEntries = 8

	// NumTreeBlockTreeEntries (B) is the branching factor of an interior
	// block-tree node: one 32-bit child id per 4 bytes of a logical block.
	NumTreeBlockTreeEntries = LogicalBlockSize / 4

	// BlockTreeOffset is the byte offset of the block-tree's size field
	// within a header block (immediately after the type tag).
	BlockTreeOffset = 1

	// DataOffset is the byte offset of the first data byte in a
	// BlockFile's header block: type tag, 4-byte tree size, K inline
	// pointers.
	DataOffset = BlockTreeOffset + 4 + 4*NumHeaderBlockTreeEntries

	// DataSize is the number of header-block bytes available to callers
	// (BlockFile page 0).
	DataSize = LogicalBlockSize - DataOffset

	// FileHeaderSize is the byte length of File's length prefix.
	FileHeaderSize = 4

	// FileNameSize is the fixed, null-padded width of a directory entry name.
	FileNameSize = 255

	// FilePtrSize is the width of a 32-bit block id/child pointer.
	FilePtrSize = 4

	// BTreeRecordSize is the width of a null-padded name + value record.
	// internal/vdir does not use it: its records carry a 1-byte length
	// prefix and are 1 + FileNameSize + FilePtrSize bytes wide.
	BTreeRecordSize = FileNameSize + FilePtrSize

	// DirHeaderFixedSize is the size of a type tag, a 4-byte block count
	// and a 4-byte tree height. internal/vdir does not use it: a directory
	// header block holds only the type tag, with the root node's contents
	// starting at byte 1, and no block count or tree height is stored.
	DirHeaderFixedSize = 1 + 4 + 4
)

// Sentinel mapping-table entry values (§6).
const (
	// NoBlockAssigned marks an unmapped mapping-table entry, and also
	// marks an unset directory-record value slot.
	NoBlockAssigned uint32 = 0xFFFFFFFF

	// Virtual marks a cover-table entry whose slot actually holds hidden
	// or virtual data.
	Virtual uint32 = 0xFFFFFFFE

	// NoBlock is the sentinel stored in an empty directory record's value
	// field. Numerically identical to NoBlockAssigned; kept as a distinct
	// name because it belongs to a different table.
	NoBlock = NoBlockAssigned
)

// Aspect identifies one of the filesystem's two independent namespaces.
type Aspect bool

const (
	Cover  Aspect = false
	Hidden Aspect = true
)

func (a Aspect) String() string {
	if a == Hidden {
		return "hidden"
	}
	return "cover"
}

// BlockKey identifies a logical block uniquely within the filesystem.
type BlockKey struct {
	Aspect Aspect
	ID     uint32
}

func (k BlockKey) String() string {
	return fmt.Sprintf("%s:%d", k.Aspect, k.ID)
}

// FatalError marks a violated internal invariant, a resource-exhaustion
// condition, or an I/O failure that this module's design treats as
// unrecoverable (spec §7): the core is a tightly-coupled component stack,
// not a library with a retry path. It is returned as an ordinary error
// value, never panicked: the FUSE mount returns it from the request
// handler unchanged and the CLI turns it into a non-zero exit status. Nothing
// stops the process, or the mount, from handling further requests
// after one has been returned.
type FatalError struct {
	Where string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("dardefs: fatal: %s: %v", e.Where, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatalf builds a *FatalError located at where.
func Fatalf(where, format string, args ...interface{}) error {
	return &FatalError{Where: where, Err: fmt.Errorf(format, args...)}
}

// EntriesPerMappingBlock is the number of 4-byte mapping entries packed
// into one logical block of a mapping table.
const EntriesPerMappingBlock = LogicalBlockSize / 4

// ComputeM returns the number of mapping blocks per aspect (M, §6) such
// that M mapping blocks per aspect (2M total) hold one entry for every
// data slot, i.e. the totalSlots-2M physical slots that follow the
// mapping blocks; the mapping blocks themselves have no entries.
func ComputeM(totalSlots uint32) uint32 {
	if totalSlots == 0 {
		return 0
	}
	for m := uint32(1); ; m++ {
		if uint64(m)*uint64(EntriesPerMappingBlock)+uint64(2*m) >= uint64(totalSlots) {
			return m
		}
	}
}
