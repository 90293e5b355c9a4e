package vfile

import (
	"bytes"
	"io"
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

func openTestOp(t *testing.T, totalSlots uint32, maxBlocks int) *buffer.Operation {
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

	b, err := buffer.Open(d, buffer.Options{CacheSize: 64, WipeMappingTables: true, Rand: newDetRNG(3)})
	if err != nil {
		t.Fatalf("buffer.Open: %v", err)
	}
	op, err := b.BeginOperation(dardefs.Cover, maxBlocks)
	if err != nil {
		t.Fatalf("BeginOperation: %v", err)
	}
	t.Cleanup(op.End)
	return op
}

func TestSizeGrowsWithWriteAndTruncateShrinks(t *testing.T) {
	op := openTestOp(t, 4096, 16)

	f, err := New(op)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Close()

	if size, err := f.Size(); err != nil || size != 0 {
		t.Fatalf("initial Size = %d, %v, want 0, nil", size, err)
	}

	data := bytes.Repeat([]byte("z"), int(dardefs.LogicalBlockSize)+128)
	if _, err := f.WriteAt(data, 100); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	wantSize := uint32(100 + len(data))
	if size, err := f.Size(); err != nil || size != wantSize {
		t.Fatalf("Size after write = %d, %v, want %d", size, err, wantSize)
	}

	got := make([]byte, len(data))
	if _, err := f.ReadAt(got, 100); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read data does not match written data")
	}

	if err := f.Truncate(50); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if size, err := f.Size(); err != nil || size != 50 {
		t.Fatalf("Size after truncate = %d, %v, want 50", size, err)
	}

	small := make([]byte, 10)
	if _, err := f.ReadAt(small, 45); err != io.EOF {
		t.Fatalf("ReadAt past truncated end error = %v, want io.EOF", err)
	}
}

func TestReopenPreservesContent(t *testing.T) {
	op := openTestOp(t, 4096, 16)

	f, err := New(op)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := f.ID()
	if _, err := f.WriteAt([]byte("hello"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	f.Close()

	reopened, err := Open(op, id)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()
	got := make([]byte, 5)
	if _, err := reopened.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("reopened content = %q, want %q", got, "hello")
	}
}
