package disk

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/mjoyce/dardefs"
)

// detRNG is a deterministic stand-in for crypto/rand in tests, matching
// spec §9's allowance for a seeded test build.
type detRNG struct{ r *rand.Rand }

func (d detRNG) Read(p []byte) (int, error) { return d.r.Read(p) }

func newDetRNG(seed int64) detRNG { return detRNG{rand.New(rand.NewSource(seed))} }

func TestCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "container")

	const totalSlots = 32
	if err := Create(path, totalSlots, newDetRNG(1)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var coverKey, hiddenKey [dardefs.KeySize]byte
	copy(coverKey[:], []byte("0123456789abcdef"))
	copy(hiddenKey[:], []byte("fedcba9876543210"))

	d, err := Open(path, coverKey, hiddenKey, newDetRNG(2))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if got, want := d.TotalSlots(), uint32(totalSlots); got != want {
		t.Fatalf("TotalSlots() = %d, want %d", got, want)
	}

	plain := bytes.Repeat([]byte{0x42}, dardefs.LogicalBlockSize)
	if err := d.WriteSlot(3, dardefs.Cover, plain); err != nil {
		t.Fatalf("WriteSlot: %v", err)
	}
	got, err := d.ReadSlot(3, dardefs.Cover)
	if err != nil {
		t.Fatalf("ReadSlot: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("ReadSlot returned %x, want %x", got, plain)
	}

	// Reading the same ciphertext under the hidden key must not error and
	// must not reproduce the cover plaintext (no in-band authentication,
	// spec §3).
	wrongKey, err := d.ReadSlot(3, dardefs.Hidden)
	if err != nil {
		t.Fatalf("ReadSlot under wrong key: %v", err)
	}
	if bytes.Equal(wrongKey, plain) {
		t.Fatalf("decrypting under the wrong key reproduced the plaintext")
	}
}

func TestOpenRejectsBadSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "container")
	if err := Create(path, 1, newDetRNG(1)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Truncate to a non-multiple of the slot size.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(dardefs.PhysicalBlockSize - 1); err != nil {
		t.Fatal(err)
	}
	f.Close()

	var k [dardefs.KeySize]byte
	if _, err := Open(path, k, k, newDetRNG(1)); err == nil {
		t.Fatalf("Open succeeded on a malformed file size")
	}
}

func TestDoubleOpenIsRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "container")
	if err := Create(path, 4, newDetRNG(1)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	var k [dardefs.KeySize]byte
	d1, err := Open(path, k, k, newDetRNG(1))
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer d1.Close()

	if _, err := Open(path, k, k, newDetRNG(1)); err == nil {
		t.Fatalf("second concurrent Open unexpectedly succeeded")
	}
}
