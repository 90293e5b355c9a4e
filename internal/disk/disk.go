// Package disk implements the fixed-size array of physical slots backing
// the filesystem container: synchronous reads/writes through a single
// file mutex, with per-slot encryption delegated to internal/dcrypto.
//
// Grounded on disk.hpp/disk.cpp from original_source (the same
// responsibility split: Disk owns raw I/O plus the key-to-cipher
// mapping, nothing else).
package disk

import (
	"io"
	"os"
	"sync"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/mjoyce/dardefs"
	"github.com/mjoyce/dardefs/internal/dcrypto"
)

// Disk is a fixed-length array of PhysicalBlockSize slots on a backing
// file, guarded by a single mutex. It has no notion of mapping tables,
// aspects beyond "which key to use", or logical ids: those are the
// Buffer's responsibility.
type Disk struct {
	mu         sync.Mutex
	f          *os.File
	slots      uint32
	coverKey   [dardefs.KeySize]byte
	hiddenKey  [dardefs.KeySize]byte
	rng        io.Reader
	lockedFile bool
}

// Open opens an existing backing file at path. Its size must be a
// non-zero multiple of dardefs.PhysicalBlockSize. An advisory exclusive
// flock is taken on the file descriptor for the process lifetime, so a
// second independent mount of the same file fails fast instead of
// silently corrupting the deniability invariants (spec §1 non-goal:
// "concurrent access to the same aspect from multiple independent
// mounts" is out of scope for *correctness*, but refusing it outright is
// cheap and keeps an operator from shooting themselves).
func Open(path string, coverKey, hiddenKey [dardefs.KeySize]byte, rng io.Reader) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, xerrors.Errorf("disk: Open: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, xerrors.Errorf("disk: Open: %s is already mounted: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("disk: Open: %w", err)
	}
	size := fi.Size()
	if size == 0 || size%dardefs.PhysicalBlockSize != 0 {
		f.Close()
		return nil, xerrors.Errorf("disk: Open: %s size %d is not a positive multiple of %d", path, size, dardefs.PhysicalBlockSize)
	}
	return &Disk{
		f:          f,
		slots:      uint32(size / dardefs.PhysicalBlockSize),
		coverKey:   coverKey,
		hiddenKey:  hiddenKey,
		rng:        rng,
		lockedFile: true,
	}, nil
}

// Create lays down a fresh backing file of totalSlots physical slots,
// filled with bytes read from rng (spec §6 initialization prefers
// random-filling over zero-filling, so that an unallocated slot is
// already indistinguishable from ciphertext). The file is written to a
// temporary path alongside dest and atomically renamed into place via
// renameio, so a crash mid-creation never leaves a half-written
// container visible at dest.
func Create(dest string, totalSlots uint32, rng io.Reader) error {
	if totalSlots == 0 {
		return xerrors.Errorf("disk: Create: totalSlots must be positive")
	}
	f, err := renameio.TempFile("", dest)
	if err != nil {
		return xerrors.Errorf("disk: Create: %w", err)
	}
	defer f.Cleanup()

	buf := make([]byte, dardefs.PhysicalBlockSize)
	for slot := uint32(0); slot < totalSlots; slot++ {
		if _, err := io.ReadFull(rng, buf); err != nil {
			return xerrors.Errorf("disk: Create: filling slot %d: %w", slot, err)
		}
		if _, err := f.Write(buf); err != nil {
			return xerrors.Errorf("disk: Create: writing slot %d: %w", slot, err)
		}
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("disk: Create: %w", err)
	}
	return nil
}

// TotalSlots returns the number of physical slots in the backing file.
func (d *Disk) TotalSlots() uint32 { return d.slots }

func (d *Disk) keyFor(aspect dardefs.Aspect) [dardefs.KeySize]byte {
	if aspect == dardefs.Hidden {
		return d.hiddenKey
	}
	return d.coverKey
}

// ReadRaw reads the raw PhysicalBlockSize bytes (IV + ciphertext) of slot
// without decrypting them. ReadSlot uses it and then decrypts the
// result under the requested aspect's key.
func (d *Disk) ReadRaw(slot uint32) ([]byte, error) {
	if slot >= d.slots {
		return nil, xerrors.Errorf("disk: ReadRaw: slot %d out of range [0,%d)", slot, d.slots)
	}
	buf := make([]byte, dardefs.PhysicalBlockSize)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.ReadAt(buf, int64(slot)*dardefs.PhysicalBlockSize); err != nil {
		return nil, xerrors.Errorf("disk: ReadRaw: slot %d: %w", slot, err)
	}
	return buf, nil
}

// WriteRaw writes pre-formed PhysicalBlockSize bytes to slot verbatim.
func (d *Disk) WriteRaw(slot uint32, data []byte) error {
	if slot >= d.slots {
		return xerrors.Errorf("disk: WriteRaw: slot %d out of range [0,%d)", slot, d.slots)
	}
	if len(data) != dardefs.PhysicalBlockSize {
		return xerrors.Errorf("disk: WriteRaw: data is %d bytes, want %d", len(data), dardefs.PhysicalBlockSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.WriteAt(data, int64(slot)*dardefs.PhysicalBlockSize); err != nil {
		return xerrors.Errorf("disk: WriteRaw: slot %d: %w", slot, err)
	}
	return nil
}

// ReadSlot reads and decrypts slot under the key for aspect, returning a
// LogicalBlockSize plaintext. There is no way to detect whether slot was
// actually written under that key and aspect; see package dcrypto.
func (d *Disk) ReadSlot(slot uint32, aspect dardefs.Aspect) ([]byte, error) {
	raw, err := d.ReadRaw(slot)
	if err != nil {
		return nil, err
	}
	plain, err := dcrypto.DecryptBlock(d.keyFor(aspect), raw)
	if err != nil {
		return nil, xerrors.Errorf("disk: ReadSlot: %w", err)
	}
	return plain, nil
}

// WriteSlot encrypts plaintext with a fresh random IV under the key for
// aspect and writes the result to slot.
func (d *Disk) WriteSlot(slot uint32, aspect dardefs.Aspect, plaintext []byte) error {
	raw, err := dcrypto.EncryptBlock(d.keyFor(aspect), plaintext, d.rng)
	if err != nil {
		return xerrors.Errorf("disk: WriteSlot: %w", err)
	}
	return d.WriteRaw(slot, raw)
}

// Close releases the advisory lock and closes the backing file.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lockedFile {
		unix.Flock(int(d.f.Fd()), unix.LOCK_UN)
		d.lockedFile = false
	}
	return d.f.Close()
}
