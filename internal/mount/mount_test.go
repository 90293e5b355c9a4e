package mount

import (
	"context"
	"math/rand"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/mjoyce/dardefs"
	"github.com/mjoyce/dardefs/internal/buffer"
	"github.com/mjoyce/dardefs/internal/disk"
	"github.com/mjoyce/dardefs/internal/vdir"
)

type detRNG struct{ r *rand.Rand }

func (d detRNG) Read(p []byte) (int, error) { return d.r.Read(p) }

func newDetRNG(seed int64) detRNG { return detRNG{rand.New(rand.NewSource(seed))} }

// openTestFS builds a Buffer with both aspect roots already formatted as
// empty Directories at block id 0, the way mkfs leaves a fresh container,
// and wraps it in an FS ready to exercise directly without going through
// fuse.Mount (which needs a real kernel FUSE connection).
func openTestFS(t *testing.T, showHidden bool) *FS {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "container")
	if err := disk.Create(path, 8192, newDetRNG(1)); err != nil {
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

	buf, err := buffer.Open(d, buffer.Options{CacheSize: 64, WipeMappingTables: true, Rand: newDetRNG(3)})
	if err != nil {
		t.Fatalf("buffer.Open: %v", err)
	}

	op, err := buf.BeginOperation(dardefs.Cover, 32)
	if err != nil {
		t.Fatalf("BeginOperation(cover): %v", err)
	}
	coverRoot, err := vdir.New(op)
	if err != nil {
		t.Fatalf("vdir.New(cover root): %v", err)
	}
	if coverRoot.ID() != 0 {
		t.Fatalf("cover root id = %d, want 0", coverRoot.ID())
	}
	coverRoot.Close()
	op.End()
	if err := buf.Flush(); err != nil {
		t.Fatalf("Flush after cover root: %v", err)
	}

	if showHidden {
		hop, err := buf.BeginOperation(dardefs.Hidden, 32)
		if err != nil {
			t.Fatalf("BeginOperation(hidden): %v", err)
		}
		hiddenRoot, err := vdir.New(hop)
		if err != nil {
			t.Fatalf("vdir.New(hidden root): %v", err)
		}
		if hiddenRoot.ID() != 0 {
			t.Fatalf("hidden root id = %d, want 0", hiddenRoot.ID())
		}
		hiddenRoot.Close()
		hop.End()
		if err := buf.Flush(); err != nil {
			t.Fatalf("Flush after hidden root: %v", err)
		}
	}

	return New(buf, showHidden, 32)
}

func TestInodeEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		aspect dardefs.Aspect
		id     uint32
	}{
		{dardefs.Cover, 0},
		{dardefs.Cover, 1},
		{dardefs.Cover, 12345},
		{dardefs.Hidden, 0},
		{dardefs.Hidden, 9999},
	}
	for _, c := range cases {
		inode := encodeInode(c.aspect, c.id)
		if inode == fuseops.RootInodeID {
			t.Fatalf("encodeInode(%v, %d) collided with RootInodeID", c.aspect, c.id)
		}
		gotAspect, gotID := decodeInode(inode)
		if gotAspect != c.aspect || gotID != c.id {
			t.Fatalf("decodeInode(encodeInode(%v, %d)) = %v, %d", c.aspect, c.id, gotAspect, gotID)
		}
	}
}

func TestLookUpInodeRootListsCoverAndHidden(t *testing.T) {
	ctx := context.Background()

	fs := openTestFS(t, true)
	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "cover"}
	if err := fs.LookUpInode(ctx, op); err != nil {
		t.Fatalf("LookUpInode(cover): %v", err)
	}
	if op.Entry.Child != encodeInode(dardefs.Cover, 0) {
		t.Fatalf("cover child inode = %v, want %v", op.Entry.Child, encodeInode(dardefs.Cover, 0))
	}

	op = &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "hidden"}
	if err := fs.LookUpInode(ctx, op); err != nil {
		t.Fatalf("LookUpInode(hidden): %v", err)
	}
	if op.Entry.Child != encodeInode(dardefs.Hidden, 0) {
		t.Fatalf("hidden child inode = %v, want %v", op.Entry.Child, encodeInode(dardefs.Hidden, 0))
	}
}

func TestLookUpInodeHiddenOmittedWithoutKey(t *testing.T) {
	ctx := context.Background()
	fs := openTestFS(t, false)

	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "hidden"}
	err := fs.LookUpInode(ctx, op)
	if err != syscall.ENOENT {
		t.Fatalf("LookUpInode(hidden) without hidden key = %v, want ENOENT", err)
	}
}

func TestMkDirCreateFileWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := openTestFS(t, true)
	coverRootInode := encodeInode(dardefs.Cover, 0)

	mk := &fuseops.MkDirOp{Parent: coverRootInode, Name: "docs"}
	if err := fs.MkDir(ctx, mk); err != nil {
		t.Fatalf("MkDir: %v", err)
	}

	cf := &fuseops.CreateFileOp{Parent: mk.Entry.Child, Name: "note.txt"}
	if err := fs.CreateFile(ctx, cf); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	payload := []byte("hello from a plausible-deniability file system")
	wr := &fuseops.WriteFileOp{Inode: cf.Entry.Child, Data: payload, Offset: 0}
	if err := fs.WriteFile(ctx, wr); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := fs.FlushFile(ctx, &fuseops.FlushFileOp{Inode: cf.Entry.Child}); err != nil {
		t.Fatalf("FlushFile: %v", err)
	}

	dst := make([]byte, len(payload)+16)
	rd := &fuseops.ReadFileOp{Inode: cf.Entry.Child, Dst: dst, Offset: 0}
	if err := fs.ReadFile(ctx, rd); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if rd.BytesRead != len(payload) {
		t.Fatalf("BytesRead = %d, want %d", rd.BytesRead, len(payload))
	}
	if string(dst[:rd.BytesRead]) != string(payload) {
		t.Fatalf("read back %q, want %q", dst[:rd.BytesRead], payload)
	}

	attrs := &fuseops.GetInodeAttributesOp{Inode: cf.Entry.Child}
	if err := fs.GetInodeAttributes(ctx, attrs); err != nil {
		t.Fatalf("GetInodeAttributes: %v", err)
	}
	if attrs.Attributes.Size != uint64(len(payload)) {
		t.Fatalf("reported size = %d, want %d", attrs.Attributes.Size, len(payload))
	}
}

func TestReadDirListsChildren(t *testing.T) {
	ctx := context.Background()
	fs := openTestFS(t, true)
	coverRootInode := encodeInode(dardefs.Cover, 0)

	for _, name := range []string{"alpha", "beta"} {
		mk := &fuseops.MkDirOp{Parent: coverRootInode, Name: name}
		if err := fs.MkDir(ctx, mk); err != nil {
			t.Fatalf("MkDir(%s): %v", name, err)
		}
	}
	cf := &fuseops.CreateFileOp{Parent: coverRootInode, Name: "gamma.txt"}
	if err := fs.CreateFile(ctx, cf); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	dst := make([]byte, 4096)
	rd := &fuseops.ReadDirOp{Inode: coverRootInode, Dst: dst, Offset: 0}
	if err := fs.ReadDir(ctx, rd); err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if rd.BytesRead == 0 {
		t.Fatalf("ReadDir wrote no entries")
	}
}

func TestUnlinkAndRmDir(t *testing.T) {
	ctx := context.Background()
	fs := openTestFS(t, true)
	coverRootInode := encodeInode(dardefs.Cover, 0)

	mk := &fuseops.MkDirOp{Parent: coverRootInode, Name: "empty-dir"}
	if err := fs.MkDir(ctx, mk); err != nil {
		t.Fatalf("MkDir: %v", err)
	}
	if err := fs.RmDir(ctx, &fuseops.RmDirOp{Parent: coverRootInode, Name: "empty-dir"}); err != nil {
		t.Fatalf("RmDir: %v", err)
	}
	look := &fuseops.LookUpInodeOp{Parent: coverRootInode, Name: "empty-dir"}
	if err := fs.LookUpInode(ctx, look); err != syscall.ENOENT {
		t.Fatalf("LookUpInode after RmDir = %v, want ENOENT", err)
	}

	cf := &fuseops.CreateFileOp{Parent: coverRootInode, Name: "doomed.txt"}
	if err := fs.CreateFile(ctx, cf); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := fs.Unlink(ctx, &fuseops.UnlinkOp{Parent: coverRootInode, Name: "doomed.txt"}); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	look = &fuseops.LookUpInodeOp{Parent: coverRootInode, Name: "doomed.txt"}
	if err := fs.LookUpInode(ctx, look); err != syscall.ENOENT {
		t.Fatalf("LookUpInode after Unlink = %v, want ENOENT", err)
	}
}

func TestRmDirRejectsNonEmpty(t *testing.T) {
	ctx := context.Background()
	fs := openTestFS(t, true)
	coverRootInode := encodeInode(dardefs.Cover, 0)

	mk := &fuseops.MkDirOp{Parent: coverRootInode, Name: "full-dir"}
	if err := fs.MkDir(ctx, mk); err != nil {
		t.Fatalf("MkDir: %v", err)
	}
	cf := &fuseops.CreateFileOp{Parent: mk.Entry.Child, Name: "inside.txt"}
	if err := fs.CreateFile(ctx, cf); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	err := fs.RmDir(ctx, &fuseops.RmDirOp{Parent: coverRootInode, Name: "full-dir"})
	if err != syscall.ENOTEMPTY {
		t.Fatalf("RmDir on non-empty dir = %v, want ENOTEMPTY", err)
	}
}

func TestUnlinkRejectsDirectory(t *testing.T) {
	ctx := context.Background()
	fs := openTestFS(t, true)
	coverRootInode := encodeInode(dardefs.Cover, 0)

	mk := &fuseops.MkDirOp{Parent: coverRootInode, Name: "a-dir"}
	if err := fs.MkDir(ctx, mk); err != nil {
		t.Fatalf("MkDir: %v", err)
	}
	err := fs.Unlink(ctx, &fuseops.UnlinkOp{Parent: coverRootInode, Name: "a-dir"})
	if err != syscall.EISDIR {
		t.Fatalf("Unlink on a directory = %v, want EISDIR", err)
	}
}

func TestRenameMovesEntryAndOverwritesTarget(t *testing.T) {
	ctx := context.Background()
	fs := openTestFS(t, true)
	coverRootInode := encodeInode(dardefs.Cover, 0)

	mkA := &fuseops.MkDirOp{Parent: coverRootInode, Name: "dir-a"}
	if err := fs.MkDir(ctx, mkA); err != nil {
		t.Fatalf("MkDir(dir-a): %v", err)
	}
	mkB := &fuseops.MkDirOp{Parent: coverRootInode, Name: "dir-b"}
	if err := fs.MkDir(ctx, mkB); err != nil {
		t.Fatalf("MkDir(dir-b): %v", err)
	}

	cf := &fuseops.CreateFileOp{Parent: mkA.Entry.Child, Name: "moved.txt"}
	if err := fs.CreateFile(ctx, cf); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	rn := &fuseops.RenameOp{
		OldParent: mkA.Entry.Child,
		OldName:   "moved.txt",
		NewParent: mkB.Entry.Child,
		NewName:   "arrived.txt",
	}
	if err := fs.Rename(ctx, rn); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	look := &fuseops.LookUpInodeOp{Parent: mkA.Entry.Child, Name: "moved.txt"}
	if err := fs.LookUpInode(ctx, look); err != syscall.ENOENT {
		t.Fatalf("source still present after Rename: %v", err)
	}
	look = &fuseops.LookUpInodeOp{Parent: mkB.Entry.Child, Name: "arrived.txt"}
	if err := fs.LookUpInode(ctx, look); err != nil {
		t.Fatalf("LookUpInode(arrived.txt): %v", err)
	}
}

func TestRenameAcrossAspectsRejected(t *testing.T) {
	ctx := context.Background()
	fs := openTestFS(t, true)

	rn := &fuseops.RenameOp{
		OldParent: encodeInode(dardefs.Cover, 0),
		OldName:   "whatever",
		NewParent: encodeInode(dardefs.Hidden, 0),
		NewName:   "whatever",
	}
	if err := fs.Rename(ctx, rn); err != syscall.EXDEV {
		t.Fatalf("cross-aspect Rename = %v, want EXDEV", err)
	}
}

func TestExchangeSwapsEntriesContentUnchanged(t *testing.T) {
	ctx := context.Background()
	fs := openTestFS(t, true)
	coverRootInode := encodeInode(dardefs.Cover, 0)

	cfA := &fuseops.CreateFileOp{Parent: coverRootInode, Name: "alpha.txt"}
	if err := fs.CreateFile(ctx, cfA); err != nil {
		t.Fatalf("CreateFile(alpha.txt): %v", err)
	}
	cfB := &fuseops.CreateFileOp{Parent: coverRootInode, Name: "beta.txt"}
	if err := fs.CreateFile(ctx, cfB); err != nil {
		t.Fatalf("CreateFile(beta.txt): %v", err)
	}

	writeAndFlush := func(inode fuseops.InodeID, payload []byte) {
		t.Helper()
		if err := fs.WriteFile(ctx, &fuseops.WriteFileOp{Inode: inode, Data: payload, Offset: 0}); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if err := fs.FlushFile(ctx, &fuseops.FlushFileOp{Inode: inode}); err != nil {
			t.Fatalf("FlushFile: %v", err)
		}
	}
	writeAndFlush(cfA.Entry.Child, []byte("alpha content"))
	writeAndFlush(cfB.Entry.Child, []byte("beta content"))

	if err := fs.Exchange(ctx, coverRootInode, "alpha.txt", coverRootInode, "beta.txt"); err != nil {
		t.Fatalf("Exchange: %v", err)
	}

	lookA := &fuseops.LookUpInodeOp{Parent: coverRootInode, Name: "alpha.txt"}
	if err := fs.LookUpInode(ctx, lookA); err != nil {
		t.Fatalf("LookUpInode(alpha.txt) after Exchange: %v", err)
	}
	lookB := &fuseops.LookUpInodeOp{Parent: coverRootInode, Name: "beta.txt"}
	if err := fs.LookUpInode(ctx, lookB); err != nil {
		t.Fatalf("LookUpInode(beta.txt) after Exchange: %v", err)
	}
	if lookA.Entry.Child != cfB.Entry.Child {
		t.Fatalf("alpha.txt now points at %v, want beta's original child %v", lookA.Entry.Child, cfB.Entry.Child)
	}
	if lookB.Entry.Child != cfA.Entry.Child {
		t.Fatalf("beta.txt now points at %v, want alpha's original child %v", lookB.Entry.Child, cfA.Entry.Child)
	}

	readAll := func(inode fuseops.InodeID) string {
		t.Helper()
		dst := make([]byte, 64)
		rd := &fuseops.ReadFileOp{Inode: inode, Dst: dst, Offset: 0}
		if err := fs.ReadFile(ctx, rd); err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		return string(dst[:rd.BytesRead])
	}
	if got := readAll(lookA.Entry.Child); got != "beta content" {
		t.Fatalf("alpha.txt content = %q, want %q", got, "beta content")
	}
	if got := readAll(lookB.Entry.Child); got != "alpha content" {
		t.Fatalf("beta.txt content = %q, want %q", got, "alpha content")
	}
}

func TestStatFS(t *testing.T) {
	ctx := context.Background()
	fs := openTestFS(t, true)
	op := &fuseops.StatFSOp{}
	if err := fs.StatFS(ctx, op); err != nil {
		t.Fatalf("StatFS: %v", err)
	}
	if op.BlockSize != dardefs.LogicalBlockSize {
		t.Fatalf("BlockSize = %d, want %d", op.BlockSize, dardefs.LogicalBlockSize)
	}
	if op.Blocks == 0 {
		t.Fatalf("Blocks reported as 0")
	}
}
