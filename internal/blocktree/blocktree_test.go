package blocktree

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/mjoyce/dardefs"
	"github.com/mjoyce/dardefs/internal/buffer"
	"github.com/mjoyce/dardefs/internal/disk"
)

type detRNG struct{ r *rand.Rand }

func (d detRNG) Read(p []byte) (int, error) { return d.r.Read(p) }

func newDetRNG(seed int64) detRNG { return detRNG{rand.New(rand.NewSource(seed))} }

func openTestBuffer(t *testing.T, totalSlots uint32) *buffer.Buffer {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "container")
	if err := disk.Create(path, totalSlots, newDetRNG(1)); err != nil {
		t.Fatalf("disk.Create: %v", err)
	}
	var coverKey, hiddenKey [dardefs.KeySize]byte
	copy(coverKey[:], []byte("0123456789abcdef"))
	copy(hiddenKey[:], []byte("fedcba9876543210"))
	d, err := disk.Open(path, coverKey, hiddenKey, newDetRNG(2))
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	b, err := buffer.Open(d, buffer.Options{CacheSize: 256, WipeMappingTables: true, Rand: newDetRNG(3)})
	if err != nil {
		t.Fatalf("buffer.Open: %v", err)
	}
	return b
}

// TestAddPopAcrossSpillBoundary exercises the K -> K+1 transition where
// the header's inline pointers overflow into a freshly allocated
// interior block, and its reverse on the way back down.
func TestAddPopAcrossSpillBoundary(t *testing.T) {
	b := openTestBuffer(t, 4096)
	op, err := b.BeginOperation(dardefs.Cover, K+16)
	if err != nil {
		t.Fatalf("BeginOperation: %v", err)
	}
	defer op.End()

	header, err := op.Allocate()
	if err != nil {
		t.Fatalf("Allocate header: %v", err)
	}
	data := header.Writable()
	for i := range data {
		data[i] = 0
	}
	tree := New(op, header, 0)

	const count = K + 4
	values := make([]uint32, count)
	for i := 0; i < count; i++ {
		v := uint32(1000 + i)
		values[i] = v
		if err := tree.Add(v); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	if got := tree.NumberOfBlocks(); got != count {
		t.Fatalf("NumberOfBlocks = %d, want %d", got, count)
	}

	for i := count - 1; i >= 0; i-- {
		got, err := tree.Pop()
		if err != nil {
			t.Fatalf("Pop at %d: %v", i, err)
		}
		if got != values[i] {
			t.Fatalf("Pop() = %d, want %d", got, values[i])
		}
	}
	if got := tree.NumberOfBlocks(); got != 0 {
		t.Fatalf("NumberOfBlocks after draining = %d, want 0", got)
	}
	header.Release()
}

// TestAddAcrossInteriorBlockBoundary exercises K*B -> K*B+1, where a
// second-level interior block must itself be allocated.
func TestAddAcrossInteriorBlockBoundary(t *testing.T) {
	b := openTestBuffer(t, 4096)
	op, err := b.BeginOperation(dardefs.Cover, 32)
	if err != nil {
		t.Fatalf("BeginOperation: %v", err)
	}
	defer op.End()

	header, err := op.Allocate()
	if err != nil {
		t.Fatalf("Allocate header: %v", err)
	}
	data := header.Writable()
	for i := range data {
		data[i] = 0
	}
	tree := New(op, header, 0)

	const count = K*B + 1
	for i := 0; i < count; i++ {
		if err := tree.Add(uint32(i)); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	if got := tree.NumberOfBlocks(); got != count {
		t.Fatalf("NumberOfBlocks = %d, want %d", got, count)
	}
	header.Release()
}
