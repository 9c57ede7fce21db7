//go:build cgofuse

package cgofs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"

	"github.com/tuusuario/ftpdrive/internal/bridge"
	"github.com/tuusuario/ftpdrive/internal/logging"
)

const blockSize = 4096

const invalidFh = ^uint64(0)

type openHandle struct {
	mu       sync.Mutex
	writable bool
	loaded   bool
	dirty    bool
	data     []byte
}

// FS implements fuse.FileSystemInterface over a bridge.
type FS struct {
	fuse.FileSystemBase

	bridge *bridge.Bridge
	opts   Options
	log    *zap.Logger

	mu      sync.Mutex
	handles map[uint64]*openHandle
	nextFh  atomic.Uint64
}

// New creates the filesystem.
func New(b *bridge.Bridge, opts Options) *FS {
	return &FS{
		bridge:  b,
		opts:    opts,
		log:     logging.Named("cgofs"),
		handles: make(map[uint64]*openHandle),
	}
}

// Serve mounts b at mountpoint and blocks until ctx is cancelled or the
// filesystem is unmounted from outside.
func Serve(ctx context.Context, mountpoint string, b *bridge.Bridge, opts Options) error {
	fsys := New(b, opts)
	host := fuse.NewFileSystemHost(fsys)
	host.SetCapReaddirPlus(false)

	errCh := make(chan error, 1)
	go func() {
		if !host.Mount(mountpoint, opts.mountArgs()) {
			errCh <- fmt.Errorf("cgofuse: mount of %s failed", mountpoint)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		host.Unmount()
		return <-errCh
	}
}

func (f *FS) allocFh(h *openHandle) uint64 {
	fh := f.nextFh.Add(1)
	f.mu.Lock()
	f.handles[fh] = h
	f.mu.Unlock()
	return fh
}

func (f *FS) getFh(fh uint64) *openHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[fh]
}

func (f *FS) freeFh(fh uint64) *openHandle {
	f.mu.Lock()
	h := f.handles[fh]
	delete(f.handles, fh)
	f.mu.Unlock()
	return h
}

func (f *FS) fillStat(fi bridge.FileInfo, stat *fuse.Stat_t) {
	stat.Atim = fuse.NewTimespec(fi.Accessed)
	stat.Mtim = fuse.NewTimespec(fi.Modified)
	stat.Ctim = fuse.NewTimespec(fi.Modified)
	stat.Birthtim = fuse.NewTimespec(fi.Created)
	stat.Uid = f.opts.UID
	stat.Gid = f.opts.GID
	stat.Blksize = blockSize
	if fi.IsDir {
		stat.Mode = fuse.S_IFDIR | 0755
		stat.Nlink = 2
		return
	}
	stat.Mode = fuse.S_IFREG | 0644
	stat.Nlink = 1
	stat.Size = int64(fi.Length)
	stat.Blocks = (stat.Size + 511) / 512
}

// info returns the cached metadata of p, listing its parent once on a miss.
func (f *FS) info(p string) (bridge.FileInfo, bridge.Status) {
	fi, st := f.bridge.GetFileInformation(p)
	if st != bridge.StatusNotFound || p == bridge.Root {
		return fi, st
	}
	if _, st := f.bridge.FindFiles(bridge.Parent(p)); !st.OK() {
		return bridge.FileInfo{}, st
	}
	return f.bridge.GetFileInformation(p)
}

// load fills h with the content of p. Callers hold h.mu.
func (f *FS) load(h *openHandle, p string) bridge.Status {
	if h.loaded {
		return bridge.StatusOK
	}
	data, st := f.bridge.ReadFile(p)
	if !st.OK() {
		return st
	}
	h.data, h.loaded = data, true
	return bridge.StatusOK
}

func (f *FS) sync(h *openHandle, p string) bridge.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return bridge.StatusOK
	}
	if _, st := f.bridge.WriteFile(p, h.data); !st.OK() {
		f.log.Warn("upload failed", zap.String("path", p), zap.Stringer("status", st))
		return st
	}
	h.dirty = false
	return bridge.StatusOK
}

func resize(b []byte, size int64) []byte {
	if int64(len(b)) >= size {
		return b[:size]
	}
	grown := make([]byte, size)
	copy(grown, b)
	return grown
}

// --- fuse.FileSystemInterface implementation ---

func (f *FS) Init() {
	f.log.Info("cgofuse: Init")
}

func (f *FS) Destroy() {
	f.bridge.Unmount()
	f.log.Info("cgofuse: Destroy")
}

func (f *FS) Statfs(path string, stat *fuse.Statfs_t) int {
	space, st := f.bridge.GetDiskFreeSpace()
	if !st.OK() {
		return int(st)
	}
	stat.Bsize = blockSize
	stat.Frsize = blockSize
	stat.Blocks = space.TotalBytes / blockSize
	stat.Bfree = space.TotalFreeBytes / blockSize
	stat.Bavail = space.FreeBytesAvailable / blockSize
	stat.Namemax = 255
	return 0
}

func (f *FS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	fi, st := f.info(bridge.CleanPath(path))
	if !st.OK() {
		return int(st)
	}
	f.fillStat(fi, stat)
	return 0
}

func (f *FS) Opendir(path string) (int, uint64) {
	p := bridge.CleanPath(path)
	if _, st := f.info(p); !st.OK() {
		return int(st), invalidFh
	}
	return int(f.bridge.OpenDirectory(p)), 0
}

func (f *FS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	infos, st := f.bridge.FindFiles(bridge.CleanPath(path))
	if !st.OK() {
		return int(st)
	}
	fill(".", nil, 0)
	fill("..", nil, 0)
	for _, fi := range infos {
		var stat fuse.Stat_t
		f.fillStat(fi, &stat)
		if !fill(fi.Name, &stat, 0) {
			break
		}
	}
	return 0
}

func (f *FS) Releasedir(path string, fh uint64) int {
	return int(f.bridge.CloseFile(bridge.CleanPath(path)))
}

func (f *FS) Mkdir(path string, mode uint32) int {
	return int(f.bridge.CreateDirectory(bridge.CleanPath(path)))
}

func (f *FS) Rmdir(path string) int {
	p := bridge.CleanPath(path)
	if _, st := f.info(p); !st.OK() {
		return int(st)
	}
	return int(f.bridge.DeleteDirectory(p))
}

func (f *FS) Unlink(path string) int {
	p := bridge.CleanPath(path)
	if _, st := f.info(p); !st.OK() {
		return int(st)
	}
	return int(f.bridge.DeleteFile(p))
}

func (f *FS) Rename(oldpath string, newpath string) int {
	oldP := bridge.CleanPath(oldpath)
	if _, st := f.info(oldP); !st.OK() {
		return int(st)
	}
	return int(f.bridge.MoveFile(oldP, bridge.CleanPath(newpath), true))
}

func (f *FS) Create(path string, flags int, mode uint32) (int, uint64) {
	p := bridge.CleanPath(path)
	createMode := bridge.ModeCreate
	if flags&fuse.O_EXCL != 0 {
		createMode = bridge.ModeCreateNew
	}
	if _, st := f.bridge.CreateFile(p, createMode); !st.OK() {
		return int(st), invalidFh
	}
	if st := f.bridge.SetEndOfFile(p, 0); !st.OK() {
		return int(st), invalidFh
	}
	fh := f.allocFh(&openHandle{writable: true, loaded: true, dirty: true})
	return 0, fh
}

func (f *FS) Open(path string, flags int) (int, uint64) {
	p := bridge.CleanPath(path)
	if _, st := f.info(p); !st.OK() {
		return int(st), invalidFh
	}
	fi, st := f.bridge.CreateFile(p, bridge.ModeOpen)
	if !st.OK() {
		return int(st), invalidFh
	}
	if fi.IsDir {
		return int(bridge.StatusIsADirectory), invalidFh
	}

	h := &openHandle{writable: flags&fuse.O_ACCMODE != fuse.O_RDONLY}
	if h.writable && flags&fuse.O_TRUNC != 0 {
		h.loaded, h.dirty = true, true
		if st := f.bridge.SetEndOfFile(p, 0); !st.OK() {
			return int(st), invalidFh
		}
	}
	return 0, f.allocFh(h)
}

func (f *FS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	h := f.getFh(fh)
	if h == nil {
		return -fuse.EBADF
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if st := f.load(h, bridge.CleanPath(path)); !st.OK() {
		return int(st)
	}
	if ofst >= int64(len(h.data)) {
		return 0
	}
	return copy(buff, h.data[ofst:])
}

func (f *FS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	h := f.getFh(fh)
	if h == nil || !h.writable {
		return -fuse.EBADF
	}
	p := bridge.CleanPath(path)

	h.mu.Lock()
	defer h.mu.Unlock()
	if st := f.load(h, p); !st.OK() {
		return int(st)
	}
	end := ofst + int64(len(buff))
	if end > int64(len(h.data)) {
		h.data = resize(h.data, end)
		f.bridge.SetEndOfFile(p, end)
	}
	copy(h.data[ofst:end], buff)
	h.dirty = true
	return len(buff)
}

func (f *FS) Truncate(path string, size int64, fh uint64) int {
	p := bridge.CleanPath(path)
	if h := f.getFh(fh); h != nil && h.writable {
		h.mu.Lock()
		defer h.mu.Unlock()
		if st := f.load(h, p); !st.OK() {
			return int(st)
		}
		h.data = resize(h.data, size)
		h.dirty = true
		return int(f.bridge.SetEndOfFile(p, size))
	}

	var data []byte
	if size > 0 {
		cur, st := f.bridge.ReadFile(p)
		if !st.OK() {
			return int(st)
		}
		data = resize(cur, size)
	}
	_, st := f.bridge.WriteFile(p, data)
	return int(st)
}

func (f *FS) Flush(path string, fh uint64) int {
	h := f.getFh(fh)
	if h == nil {
		return 0
	}
	return int(f.sync(h, bridge.CleanPath(path)))
}

func (f *FS) Fsync(path string, datasync bool, fh uint64) int {
	return f.Flush(path, fh)
}

func (f *FS) Release(path string, fh uint64) int {
	h := f.freeFh(fh)
	if h == nil {
		return 0
	}
	p := bridge.CleanPath(path)
	st := f.sync(h, p)
	f.bridge.CloseFile(p)
	return int(st)
}

// Utimens, Chmod and Chown cannot be expressed over FTP; they are accepted
// so that tools like cp -p and touch do not fail.
func (f *FS) Utimens(path string, tmsp []fuse.Timespec) int {
	var atime, mtime time.Time
	if len(tmsp) == 2 {
		atime, mtime = tmsp[0].Time(), tmsp[1].Time()
	}
	f.bridge.SetFileTime(bridge.CleanPath(path), time.Time{}, atime, mtime)
	return 0
}

func (f *FS) Chmod(path string, mode uint32) int {
	return 0
}

func (f *FS) Chown(path string, uid uint32, gid uint32) int {
	return 0
}

var _ fuse.FileSystemInterface = (*FS)(nil)
