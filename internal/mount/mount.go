// Package mount adapts Buffer/Directory/File onto a FUSE file system
// tree (spec §6/§9's "Mount interface", which spec.md treats as an
// external collaborator but which a runnable repo still has to
// implement). Grounded on the teacher's internal/fuse, which builds a
// fuseutil.FileSystem over jacobsa/fuse the same way: a struct embedding
// fuseutil.NotImplementedFileSystem, inode numbers derived
// deterministically rather than kept in a table, and fuse.Mount/mfs.Join
// for the actual mount/unmount lifecycle.
package mount

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/mjoyce/dardefs"
	"github.com/mjoyce/dardefs/internal/buffer"
	"github.com/mjoyce/dardefs/internal/vdir"
	"github.com/mjoyce/dardefs/internal/vfile"
)

// epoch stands in for every Atime/Mtime/Ctime this file system reports:
// permissions, ownership, and timestamps are explicitly out of scope
// (spec.md §1's Non-goals), so every inode reports the same fixed value
// rather than fabricating one that looks meaningful but isn't tracked
// anywhere.
var epoch = time.Unix(0, 0)

const (
	dirMode  = os.ModeDir | 0755
	fileMode = os.FileMode(0644)
)

// FS is a jacobsa/fuse-compatible file system rooted over a Buffer.
// Path component 0 ("cover" or "hidden") selects the aspect; everything
// below that maps to Directory/File calls scoped to a single Buffer
// Operation per FUSE request.
type FS struct {
	fuseutil.NotImplementedFileSystem

	buf         *buffer.Buffer
	showHidden  bool
	maxOpBlocks int
}

// New builds a file system over buf. showHidden controls whether the
// root directory lists a "hidden" entry at all — a mount opened without
// the hidden key has no hidden aspect to show (buffer.ErrNoHidden),
// and omitting the entry rather than exposing it empty or erroring is
// what keeps the hidden aspect's presence undetectable from the outside.
func New(buf *buffer.Buffer, showHidden bool, maxOpBlocks int) *FS {
	return &FS{buf: buf, showHidden: showHidden, maxOpBlocks: maxOpBlocks}
}

// Mount mounts fs at mountpoint and returns once the kernel has
// accepted the mount; call the returned join function to block until
// unmount and perform final cleanup.
func Mount(ctx context.Context, fs *FS, mountpoint string, debug bool) (join func(context.Context) error, err error) {
	server := fuseutil.NewFileSystemServer(fs)
	cfg := &fuse.MountConfig{
		FSName:   "dardefs",
		ReadOnly: false,
	}
	if debug {
		cfg.DebugLogger = nil // left nil: wiring a real logger is cmd/dardefs's concern, not this package's
	}
	mfs, err := fuse.Mount(mountpoint, server, cfg)
	if err != nil {
		return nil, xerrors.Errorf("mount: fuse.Mount: %w", err)
	}
	join = func(ctx context.Context) error {
		defer fuse.Unmount(mountpoint)
		return mfs.Join(ctx)
	}
	return join, nil
}

// --- inode numbering -------------------------------------------------

// encodeInode packs (aspect, block id) into a stable FUSE inode number
// without a lookup table: the low bit selects the aspect, the rest is
// the block id offset past fuseops.RootInodeID's reserved low values.
func encodeInode(aspect dardefs.Aspect, id uint32) fuseops.InodeID {
	v := (uint64(id) + 2) << 1
	if aspect == dardefs.Hidden {
		v |= 1
	}
	return fuseops.InodeID(v)
}

func decodeInode(inode fuseops.InodeID) (dardefs.Aspect, uint32) {
	v := uint64(inode)
	aspect := dardefs.Cover
	if v&1 == 1 {
		aspect = dardefs.Hidden
	}
	return aspect, uint32((v >> 1) - 2)
}

func isRoot(inode fuseops.InodeID) bool { return inode == fuseops.RootInodeID }

// --- shared helpers -------------------------------------------------

func (fs *FS) op(aspect dardefs.Aspect) (*buffer.Operation, error) {
	return fs.buf.BeginOperation(aspect, fs.maxOpBlocks)
}

func peekType(op *buffer.Operation, id uint32) (byte, error) {
	acc, err := op.Get(id)
	if err != nil {
		return 0, err
	}
	t := acc.Read()[0]
	acc.Release()
	return t, nil
}

func sizeOf(op *buffer.Operation, typ byte, id uint32) (uint64, error) {
	if typ != dardefs.FileType {
		return 0, nil
	}
	f, err := vfile.Open(op, id)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := f.Size()
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func attrsFor(typ byte, size uint64) fuseops.InodeAttributes {
	mode := fileMode
	if typ == dardefs.DirType {
		mode = dirMode
	}
	return fuseops.InodeAttributes{
		Size:  size,
		Nlink: 1,
		Mode:  mode,
		Atime: epoch,
		Mtime: epoch,
		Ctime: epoch,
	}
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	switch err {
	case vdir.ErrNotFound:
		return syscall.ENOENT
	case vdir.ErrExists:
		return syscall.EEXIST
	}
	return err
}

// --- fuseutil.FileSystem methods -------------------------------------------------

func (fs *FS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = dardefs.LogicalBlockSize
	op.IoSize = dardefs.LogicalBlockSize
	total := fs.buf.TotalBlocks()
	used := fs.buf.BlocksAllocated(dardefs.Cover)
	op.Blocks = uint64(total)
	free := uint64(0)
	if total > used {
		free = uint64(total - used)
	}
	op.BlocksFree = free
	op.BlocksAvailable = free
	return nil
}

func (fs *FS) LookUpInode(ctx context.Context, opReq *fuseops.LookUpInodeOp) error {
	if isRoot(opReq.Parent) {
		var aspect dardefs.Aspect
		switch opReq.Name {
		case "cover":
			aspect = dardefs.Cover
		case "hidden":
			if !fs.showHidden {
				return syscall.ENOENT
			}
			aspect = dardefs.Hidden
		default:
			return syscall.ENOENT
		}
		opReq.Entry.Child = encodeInode(aspect, 0)
		opReq.Entry.Attributes = attrsFor(dardefs.DirType, 0)
		return nil
	}

	parentAspect, parentID := decodeInode(opReq.Parent)
	op, err := fs.op(parentAspect)
	if err != nil {
		return err
	}
	defer op.End()

	d, err := vdir.Open(op, parentID)
	if err != nil {
		return err
	}
	defer d.Close()

	childID, err := d.Get([]byte(opReq.Name))
	if err != nil {
		return translate(err)
	}
	typ, err := peekType(op, childID)
	if err != nil {
		return err
	}
	size, err := sizeOf(op, typ, childID)
	if err != nil {
		return err
	}
	opReq.Entry.Child = encodeInode(parentAspect, childID)
	opReq.Entry.Attributes = attrsFor(typ, size)
	return nil
}

func (fs *FS) GetInodeAttributes(ctx context.Context, opReq *fuseops.GetInodeAttributesOp) error {
	if isRoot(opReq.Inode) {
		opReq.Attributes = attrsFor(dardefs.DirType, 0)
		return nil
	}
	aspect, id := decodeInode(opReq.Inode)
	op, err := fs.op(aspect)
	if err != nil {
		return err
	}
	defer op.End()

	typ, err := peekType(op, id)
	if err != nil {
		return err
	}
	size, err := sizeOf(op, typ, id)
	if err != nil {
		return err
	}
	opReq.Attributes = attrsFor(typ, size)
	return nil
}

func (fs *FS) OpenDir(ctx context.Context, opReq *fuseops.OpenDirOp) error { return nil }

func (fs *FS) ReadDir(ctx context.Context, opReq *fuseops.ReadDirOp) error {
	var entries []fuseutil.Dirent

	if isRoot(opReq.Inode) {
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(1),
			Inode:  encodeInode(dardefs.Cover, 0),
			Name:   "cover",
			Type:   fuseutil.DT_Directory,
		})
		if fs.showHidden {
			entries = append(entries, fuseutil.Dirent{
				Offset: fuseops.DirOffset(2),
				Inode:  encodeInode(dardefs.Hidden, 0),
				Name:   "hidden",
				Type:   fuseutil.DT_Directory,
			})
		}
	} else {
		aspect, id := decodeInode(opReq.Inode)
		op, err := fs.op(aspect)
		if err != nil {
			return err
		}
		defer op.End()

		d, err := vdir.Open(op, id)
		if err != nil {
			return err
		}
		defer d.Close()

		list, err := d.List()
		if err != nil {
			return err
		}
		for i, e := range list {
			typ, err := peekType(op, e.Value)
			if err != nil {
				return err
			}
			direntType := fuseutil.DT_File
			if typ == dardefs.DirType {
				direntType = fuseutil.DT_Directory
			}
			entries = append(entries, fuseutil.Dirent{
				Offset: fuseops.DirOffset(i + 1),
				Inode:  encodeInode(aspect, e.Value),
				Name:   string(e.Name),
				Type:   direntType,
			})
		}
	}

	if opReq.Offset > fuseops.DirOffset(len(entries)) {
		return syscall.EIO
	}
	for _, e := range entries[opReq.Offset:] {
		n := fuseutil.WriteDirent(opReq.Dst[opReq.BytesRead:], e)
		if n == 0 {
			break
		}
		opReq.BytesRead += n
	}
	return nil
}

func (fs *FS) MkDir(ctx context.Context, opReq *fuseops.MkDirOp) error {
	if isRoot(opReq.Parent) {
		return syscall.EEXIST
	}
	if len(opReq.Name) > dardefs.FileNameSize {
		return syscall.ENAMETOOLONG
	}
	aspect, parentID := decodeInode(opReq.Parent)
	op, err := fs.op(aspect)
	if err != nil {
		return err
	}
	defer op.End()

	d, err := vdir.Open(op, parentID)
	if err != nil {
		return err
	}
	defer d.Close()

	child, err := vdir.New(op)
	if err != nil {
		return err
	}
	defer child.Close()

	if err := d.Add([]byte(opReq.Name), child.ID()); err != nil {
		return translate(err)
	}
	opReq.Entry.Child = encodeInode(aspect, child.ID())
	opReq.Entry.Attributes = attrsFor(dardefs.DirType, 0)
	return fs.buf.Flush()
}

func (fs *FS) CreateFile(ctx context.Context, opReq *fuseops.CreateFileOp) error {
	if isRoot(opReq.Parent) {
		return syscall.EEXIST
	}
	if len(opReq.Name) > dardefs.FileNameSize {
		return syscall.ENAMETOOLONG
	}
	aspect, parentID := decodeInode(opReq.Parent)
	op, err := fs.op(aspect)
	if err != nil {
		return err
	}
	defer op.End()

	d, err := vdir.Open(op, parentID)
	if err != nil {
		return err
	}
	defer d.Close()

	f, err := vfile.New(op)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := d.Add([]byte(opReq.Name), f.ID()); err != nil {
		return translate(err)
	}
	opReq.Entry.Child = encodeInode(aspect, f.ID())
	opReq.Entry.Attributes = attrsFor(dardefs.FileType, 0)
	opReq.Handle = fuseops.HandleID(f.ID())
	return fs.buf.Flush()
}

func (fs *FS) OpenFile(ctx context.Context, opReq *fuseops.OpenFileOp) error {
	opReq.Handle = fuseops.HandleID(0)
	opReq.KeepPageCache = false
	return nil
}

func (fs *FS) ReadFile(ctx context.Context, opReq *fuseops.ReadFileOp) error {
	aspect, id := decodeInode(opReq.Inode)
	op, err := fs.op(aspect)
	if err != nil {
		return err
	}
	defer op.End()

	f, err := vfile.Open(op, id)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := f.ReadAt(opReq.Dst, opReq.Offset)
	opReq.BytesRead = n
	if err != nil && !isEOF(err) {
		return err
	}
	return nil
}

func (fs *FS) WriteFile(ctx context.Context, opReq *fuseops.WriteFileOp) error {
	aspect, id := decodeInode(opReq.Inode)
	op, err := fs.op(aspect)
	if err != nil {
		return err
	}
	defer op.End()

	f, err := vfile.Open(op, id)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteAt(opReq.Data, opReq.Offset)
	return err
}

func (fs *FS) FlushFile(ctx context.Context, opReq *fuseops.FlushFileOp) error {
	return fs.buf.Flush()
}

func (fs *FS) SyncFile(ctx context.Context, opReq *fuseops.SyncFileOp) error {
	return fs.buf.Flush()
}

func (fs *FS) SetInodeAttributes(ctx context.Context, opReq *fuseops.SetInodeAttributesOp) error {
	// Permissions, ownership and timestamps are not tracked (spec's
	// Non-goals); acknowledge the request with the same fixed attributes
	// GetInodeAttributes would report, rather than erroring on every
	// truncate(2)/chmod(2)/utimes(2) call a shell naturally makes.
	getOp := &fuseops.GetInodeAttributesOp{Inode: opReq.Inode}
	if err := fs.GetInodeAttributes(ctx, getOp); err != nil {
		return err
	}
	opReq.Attributes = getOp.Attributes
	return nil
}

func (fs *FS) Unlink(ctx context.Context, opReq *fuseops.UnlinkOp) error {
	aspect, parentID := decodeInode(opReq.Parent)
	op, err := fs.op(aspect)
	if err != nil {
		return err
	}
	defer op.End()

	d, err := vdir.Open(op, parentID)
	if err != nil {
		return err
	}
	defer d.Close()

	id, err := d.Get([]byte(opReq.Name))
	if err != nil {
		return translate(err)
	}
	typ, err := peekType(op, id)
	if err != nil {
		return err
	}
	if typ == dardefs.DirType {
		return syscall.EISDIR
	}
	f, err := vfile.Open(op, id)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return err
	}
	f.Close()
	if err := op.Deallocate(id); err != nil {
		return err
	}
	if err := d.Remove([]byte(opReq.Name)); err != nil {
		return translate(err)
	}
	return fs.buf.Flush()
}

func (fs *FS) RmDir(ctx context.Context, opReq *fuseops.RmDirOp) error {
	aspect, parentID := decodeInode(opReq.Parent)
	op, err := fs.op(aspect)
	if err != nil {
		return err
	}
	defer op.End()

	d, err := vdir.Open(op, parentID)
	if err != nil {
		return err
	}
	defer d.Close()

	id, err := d.Get([]byte(opReq.Name))
	if err != nil {
		return translate(err)
	}
	typ, err := peekType(op, id)
	if err != nil {
		return err
	}
	if typ != dardefs.DirType {
		return syscall.ENOTDIR
	}
	target, err := vdir.Open(op, id)
	if err != nil {
		return err
	}
	entries, err := target.List()
	target.Close()
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return syscall.ENOTEMPTY
	}
	if err := op.Deallocate(id); err != nil {
		return err
	}
	if err := d.Remove([]byte(opReq.Name)); err != nil {
		return translate(err)
	}
	return fs.buf.Flush()
}

// Rename moves an entry between directories within the same aspect.
// jacobsa/fuse's pinned RenameOp here carries no RENAME_EXCHANGE flag,
// so only plain rename-with-overwrite semantics are wired at the
// syscall boundary; swapping two existing entries atomically would be a
// small addition to this function if that flag were ever exposed (see
// DESIGN.md).
func (fs *FS) Rename(ctx context.Context, opReq *fuseops.RenameOp) error {
	oldAspect, oldParentID := decodeInode(opReq.OldParent)
	newAspect, newParentID := decodeInode(opReq.NewParent)
	if oldAspect != newAspect {
		return syscall.EXDEV
	}
	if len(opReq.NewName) > dardefs.FileNameSize {
		return syscall.ENAMETOOLONG
	}

	op, err := fs.op(oldAspect)
	if err != nil {
		return err
	}
	defer op.End()

	oldDir, err := vdir.Open(op, oldParentID)
	if err != nil {
		return err
	}
	defer oldDir.Close()

	id, err := oldDir.Get([]byte(opReq.OldName))
	if err != nil {
		return translate(err)
	}

	var newDir *vdir.Directory
	if newParentID == oldParentID {
		newDir = oldDir
	} else {
		newDir, err = vdir.Open(op, newParentID)
		if err != nil {
			return err
		}
		defer newDir.Close()
	}

	if existingID, err := newDir.Get([]byte(opReq.NewName)); err == nil {
		if err := removeEntirely(op, newDir, opReq.NewName, existingID); err != nil {
			return err
		}
	} else if err != vdir.ErrNotFound {
		return err
	}

	if err := oldDir.Remove([]byte(opReq.OldName)); err != nil {
		return translate(err)
	}
	if err := newDir.Add([]byte(opReq.NewName), id); err != nil {
		return translate(err)
	}
	return fs.buf.Flush()
}

// Exchange atomically swaps the directory entries oldParent/oldName and
// newParent/newName, leaving both names in place but pointing at each
// other's block id — content unchanged, only the two entries' values
// trade places (spec.md scenario 5). There is no fuseutil.FileSystem
// counterpart for this: the pinned jacobsa/fuse binding's RenameOp
// carries no flags field, so a live mount has no way to ask for
// RENAME_EXCHANGE instead of plain overwrite (see DESIGN.md). This
// method is the real, independently-callable implementation of the
// swap semantics scenario 5 describes, for callers (and tests) that
// can reach it directly rather than through a kernel rename(2) call.
func (fs *FS) Exchange(ctx context.Context, oldParent fuseops.InodeID, oldName string, newParent fuseops.InodeID, newName string) error {
	oldAspect, oldParentID := decodeInode(oldParent)
	newAspect, newParentID := decodeInode(newParent)
	if oldAspect != newAspect {
		return syscall.EXDEV
	}

	op, err := fs.op(oldAspect)
	if err != nil {
		return err
	}
	defer op.End()

	oldDir, err := vdir.Open(op, oldParentID)
	if err != nil {
		return err
	}
	defer oldDir.Close()

	var newDir *vdir.Directory
	if newParentID == oldParentID {
		newDir = oldDir
	} else {
		newDir, err = vdir.Open(op, newParentID)
		if err != nil {
			return err
		}
		defer newDir.Close()
	}

	oldID, err := oldDir.Get([]byte(oldName))
	if err != nil {
		return translate(err)
	}
	newID, err := newDir.Get([]byte(newName))
	if err != nil {
		return translate(err)
	}

	if err := oldDir.Remove([]byte(oldName)); err != nil {
		return translate(err)
	}
	if err := newDir.Remove([]byte(newName)); err != nil {
		return translate(err)
	}
	if err := oldDir.Add([]byte(oldName), newID); err != nil {
		return translate(err)
	}
	if err := newDir.Add([]byte(newName), oldID); err != nil {
		return translate(err)
	}
	return fs.buf.Flush()
}

func removeEntirely(op *buffer.Operation, d *vdir.Directory, name string, id uint32) error {
	typ, err := peekType(op, id)
	if err != nil {
		return err
	}
	if typ == dardefs.DirType {
		target, err := vdir.Open(op, id)
		if err != nil {
			return err
		}
		entries, err := target.List()
		target.Close()
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return syscall.ENOTEMPTY
		}
	} else {
		f, err := vfile.Open(op, id)
		if err != nil {
			return err
		}
		if err := f.Truncate(0); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	if err := op.Deallocate(id); err != nil {
		return err
	}
	return translate(d.Remove([]byte(name)))
}

func isEOF(err error) bool { return errors.Is(err, io.EOF) }
