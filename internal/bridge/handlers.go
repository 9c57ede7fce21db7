package bridge

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/tuusuario/ftpdrive/internal/metrics"
	"github.com/tuusuario/ftpdrive/internal/remote"
)

// CreateMode is the disposition requested when a file is opened or created.
type CreateMode int

const (
	ModeCreateNew CreateMode = iota
	ModeCreate
	ModeOpen
	ModeOpenOrCreate
	ModeTruncate
	ModeAppend
)

var createModeNames = map[CreateMode]string{
	ModeCreateNew:    "CreateNew",
	ModeCreate:       "Create",
	ModeOpen:         "Open",
	ModeOpenOrCreate: "OpenOrCreate",
	ModeTruncate:     "Truncate",
	ModeAppend:       "Append",
}

func (m CreateMode) String() string {
	if name, ok := createModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("CreateMode(%d)", int(m))
}

// DiskSpace is the answer to a free-space query.
type DiskSpace struct {
	FreeBytesAvailable uint64
	TotalBytes         uint64
	TotalFreeBytes     uint64
}

func (b *Bridge) info(p string) (FileInfo, bool) {
	e, ok := b.cache.Get(p)
	if !ok {
		return FileInfo{}, false
	}
	return FileInfo{Name: Base(p), Path: p, Entry: e}, true
}

// CreateFile opens or creates p. Opening consults the cache only; creation
// is a placeholder since bytes reach the server through WriteFile.
func (b *Bridge) CreateFile(p string, mode CreateMode) (FileInfo, Status) {
	const verb = "CreateFile"
	p = CleanPath(p)
	b.methodCall("CreateFile %s FileMode: %s", p, mode)

	switch mode {
	case ModeOpen:
		fi, ok := b.info(p)
		if !ok {
			b.debug("CreateFile not cached: %s", p)
			return FileInfo{}, b.finish(verb, StatusNotFound)
		}
		return fi, b.finish(verb, StatusOK)
	case ModeCreateNew:
		return FileInfo{Name: Base(p), Path: p}, b.finish(verb, StatusOK)
	case ModeCreate, ModeOpenOrCreate, ModeTruncate:
		if fi, ok := b.info(p); ok {
			return fi, b.finish(verb, StatusOK)
		}
		return FileInfo{Name: Base(p), Path: p}, b.finish(verb, StatusOK)
	case ModeAppend:
		return FileInfo{}, b.finish(verb, StatusNotSupported)
	default:
		return FileInfo{}, b.finish(verb, StatusFailure)
	}
}

// OpenDirectory checks that p is a cached directory.
func (b *Bridge) OpenDirectory(p string) Status {
	const verb = "OpenDirectory"
	p = CleanPath(p)
	b.methodCall("OpenDirectory %s", p)

	e, ok := b.cache.Get(p)
	switch {
	case !ok:
		return b.finish(verb, StatusNotFound)
	case !e.IsDir:
		return b.finish(verb, StatusNotADirectory)
	}
	return b.finish(verb, StatusOK)
}

// Cleanup is called when the last handle of p is closed.
func (b *Bridge) Cleanup(p string) Status {
	b.methodCall("Cleanup %s", CleanPath(p))
	return b.finish("Cleanup", StatusOK)
}

// CloseFile is called when a handle of p is released.
func (b *Bridge) CloseFile(p string) Status {
	b.methodCall("CloseFile %s", CleanPath(p))
	return b.finish("CloseFile", StatusOK)
}

// CreateDirectory creates p remotely unless it is already cached. The check
// and the cache insert run inside the unit, so two racing calls create the
// directory once.
func (b *Bridge) CreateDirectory(p string) Status {
	const verb = "CreateDirectory"
	p = CleanPath(p)
	b.methodCall("CreateDirectory %s", p)

	err := b.exec.Submit("MakeDir", func(c remote.Client) error {
		if b.cache.Contains(p) {
			return nil
		}
		if err := c.MakeDir(p); err != nil {
			return err
		}
		b.cache.Put(p, NewDirEntry(b.now()))
		return nil
	}).Wait()
	if err != nil {
		return b.fail(verb, p, err)
	}
	return b.finish(verb, StatusOK)
}

// DeleteFile deletes a cached file.
func (b *Bridge) DeleteFile(p string) Status {
	const verb = "DeleteFile"
	p = CleanPath(p)
	b.methodCall("DeleteFile %s", p)

	e, ok := b.cache.Get(p)
	if !ok {
		return b.finish(verb, StatusNotFound)
	}
	if e.IsDir {
		return b.finish(verb, StatusIsADirectory)
	}

	err := b.exec.Submit("Delete", func(c remote.Client) error {
		return c.Delete(p)
	}).Wait()
	if err != nil {
		st := b.fail(verb, p, err)
		if st == StatusNotFound {
			// Gone remotely already; stop believing otherwise.
			b.cache.Remove(p)
		}
		return st
	}

	b.cache.Remove(p)
	return b.finish(verb, StatusOK)
}

// DeleteDirectory deletes a cached directory after deleting every cached
// descendant: files first, then subdirectories deepest first.
func (b *Bridge) DeleteDirectory(p string) Status {
	const verb = "DeleteDirectory"
	p = CleanPath(p)
	b.methodCall("DeleteDirectory %s", p)

	if p == Root {
		return b.finish(verb, StatusAccessDenied)
	}
	e, ok := b.cache.Get(p)
	if !ok {
		return b.finish(verb, StatusNotFound)
	}
	if !e.IsDir {
		return b.finish(verb, StatusNotADirectory)
	}

	if err := b.deleteChildren(p); err != nil {
		b.log.Warn("DeleteDirectory children failed", zap.String("path", p), zap.Error(err))
		return b.finish(verb, StatusFailure)
	}

	err := b.exec.Submit("RemoveDir", func(c remote.Client) error {
		return c.RemoveDir(p)
	}).Wait()
	if err != nil {
		st := b.fail(verb, p, err)
		if st == StatusNotFound {
			b.cache.RemoveTree(p)
		}
		return st
	}

	b.cache.RemoveTree(p)
	return b.finish(verb, StatusOK)
}

// deleteChildren runs the delete plan of dir. Children that are already gone
// are skipped. Directories are not attempted if any file failed.
func (b *Bridge) deleteChildren(dir string) error {
	plan := PlanDelete(b.cache, dir)

	var result *multierror.Error
	for _, f := range plan.Files {
		if st := b.DeleteFile(f); !st.OK() && st != StatusNotFound {
			result = multierror.Append(result, fmt.Errorf("delete file %s: %s", f, st))
		}
	}
	if result != nil {
		return result.ErrorOrNil()
	}

	for _, d := range plan.Dirs {
		if st := b.DeleteDirectory(d); !st.OK() && st != StatusNotFound {
			result = multierror.Append(result, fmt.Errorf("delete directory %s: %s", d, st))
		}
	}
	return result.ErrorOrNil()
}

// MoveFile renames oldPath to newPath. With replace unset an already cached
// target is refused. The cached subtree follows the rename.
func (b *Bridge) MoveFile(oldPath, newPath string, replace bool) Status {
	const verb = "MoveFile"
	oldPath, newPath = CleanPath(oldPath), CleanPath(newPath)
	b.methodCall("MoveFile %s to %s", oldPath, newPath)

	if oldPath == Root || newPath == Root {
		return b.finish(verb, StatusAccessDenied)
	}
	if oldPath == newPath {
		return b.finish(verb, StatusOK)
	}
	if !replace && b.cache.Contains(newPath) {
		return b.finish(verb, StatusAlreadyExists)
	}

	err := b.exec.Submit("Rename", func(c remote.Client) error {
		return c.Rename(oldPath, newPath)
	}).Wait()
	if err != nil {
		return b.fail(verb, oldPath, err)
	}

	b.cache.Move(oldPath, newPath)
	return b.finish(verb, StatusOK)
}

// FindFiles lists p remotely and reconciles the listing into the cache.
func (b *Bridge) FindFiles(p string) ([]FileInfo, Status) {
	const verb = "FindFiles"
	p = CleanPath(p)
	b.methodCall("FindFiles %s", p)

	// LIST of a file path lists the file itself on most servers.
	if e, ok := b.cache.Get(p); ok && !e.IsDir {
		return nil, b.finish(verb, StatusNotADirectory)
	}

	raw, err := Do(b.exec, "List", func(c remote.Client) ([]remote.Entry, error) {
		return c.List(p)
	})
	if err != nil {
		return nil, b.fail(verb, p, err)
	}
	b.methodCall("FindFileResult %d", len(raw))

	b.cache.Update(p, func(cur Entry, ok bool) (Entry, bool) {
		if ok && cur.IsDir {
			return cur, false
		}
		return NewDirEntry(b.now()), true
	})

	return b.reconcile(p, raw), b.finish(verb, StatusOK)
}

// GetFileInformation reports the cached metadata of p.
func (b *Bridge) GetFileInformation(p string) (FileInfo, Status) {
	const verb = "GetFileInformation"
	p = CleanPath(p)
	b.methodCall("GetFileInformation %s", p)

	fi, ok := b.info(p)
	if !ok {
		b.debug("GetFileInformation not cached: %s", p)
		return FileInfo{}, b.finish(verb, StatusNotFound)
	}
	return fi, b.finish(verb, StatusOK)
}

// ReadFile downloads the whole file. The number of bytes read is len(data).
func (b *Bridge) ReadFile(p string) ([]byte, Status) {
	const verb = "ReadFile"
	p = CleanPath(p)
	b.methodCall("ReadFile %s", p)

	data, err := Do(b.exec, "Retrieve", func(c remote.Client) ([]byte, error) {
		return c.Retrieve(p)
	})
	if err != nil {
		return nil, b.fail(verb, p, err)
	}
	metrics.AddBytesDownloaded(len(data))
	return data, b.finish(verb, StatusOK)
}

// WriteFile uploads data as the whole content of p and records its length.
// The returned count is len(data).
func (b *Bridge) WriteFile(p string, data []byte) (int, Status) {
	const verb = "WriteFile"
	p = CleanPath(p)
	b.methodCall("WriteFile %s", p)

	err := b.exec.Submit("Store", func(c remote.Client) error {
		return c.Store(p, data)
	}).Wait()
	if err != nil {
		return 0, b.fail(verb, p, err)
	}
	metrics.AddBytesUploaded(len(data))

	now := b.now()
	b.cache.Update(p, func(cur Entry, ok bool) (Entry, bool) {
		next := NewFileEntry(uint64(len(data)), now)
		if ok && !cur.IsDir && !cur.Created.IsZero() {
			next.Created = cur.Created
		}
		return next, true
	})
	return len(data), b.finish(verb, StatusOK)
}

// SetEndOfFile replaces the cached entry of p with a file of the given length.
func (b *Bridge) SetEndOfFile(p string, length int64) Status {
	const verb = "SetEndOfFile"
	p = CleanPath(p)
	b.methodCall("SetEndOfFile %s", p)

	if length < 0 {
		return b.finish(verb, StatusFailure)
	}
	if e, ok := b.cache.Get(p); ok && e.IsDir {
		return b.finish(verb, StatusIsADirectory)
	}
	b.cache.Put(p, NewFileEntry(uint64(length), b.now()))
	return b.finish(verb, StatusOK)
}

// GetDiskFreeSpace reports the configured capacity as free and the capacity
// plus every cached file length as total.
func (b *Bridge) GetDiskFreeSpace() (DiskSpace, Status) {
	b.methodCall("GetDiskFreeSpace")
	free := b.capacity
	return DiskSpace{
		FreeBytesAvailable: free,
		TotalFreeBytes:     free,
		TotalBytes:         free + b.cache.FileBytes(),
	}, b.finish("GetDiskFreeSpace", StatusOK)
}

func (b *Bridge) unsupported(verb, p string) Status {
	if p == "" {
		b.methodCall("%s", verb)
	} else {
		b.methodCall("%s %s", verb, CleanPath(p))
	}
	return b.finish(verb, StatusNotSupported)
}

// SetAllocationSize is not supported.
func (b *Bridge) SetAllocationSize(p string, length int64) Status {
	return b.unsupported("SetAllocationSize", p)
}

// LockFile is not supported.
func (b *Bridge) LockFile(p string, offset, length int64) Status {
	return b.unsupported("LockFile", p)
}

// UnlockFile is not supported.
func (b *Bridge) UnlockFile(p string, offset, length int64) Status {
	return b.unsupported("UnlockFile", p)
}

// FlushFileBuffers is not supported: writes are uploaded whole.
func (b *Bridge) FlushFileBuffers(p string) Status {
	return b.unsupported("FlushFileBuffers", p)
}

// SetFileAttributes is not supported.
func (b *Bridge) SetFileAttributes(p string, attrs Attributes) Status {
	return b.unsupported("SetFileAttributes", p)
}

// SetFileTime is not supported.
func (b *Bridge) SetFileTime(p string, created, accessed, modified time.Time) Status {
	return b.unsupported("SetFileTime", p)
}

// Unmount is not supported; the driver adapter tears the mount down.
func (b *Bridge) Unmount() Status {
	return b.unsupported("Unmount", "")
}
