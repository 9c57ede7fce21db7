package ftpfs

import (
	"context"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tuusuario/ftpdrive/internal/bridge"
	"github.com/tuusuario/ftpdrive/internal/logging"
)

const (
	// Root inode number
	rootInode uint64 = 1

	// TTL for FUSE attributes
	attrTTL = 10 * time.Second

	blockSize = 4096
)

// Temporary file patterns to ignore (VS Code optimization)
var tempFilePatterns = []string{
	".attach_pid",          // Java debugger
	".swp", ".swo", ".swn", // vim swap files
	".tmp", ".temp", // Temporary files
	".git", ".svn", ".hg", // Version control
	".vscode", ".idea", // IDE configs
	"__pycache__", ".pyc", ".pyo", // Python cache
	".DS_Store", ".directory", // System files
	".nfs", ".lock", ".pid", // Lock files
}

// isTempFile checks if a filename is a temporary file
func isTempFile(name string) bool {
	if strings.HasSuffix(name, "~") {
		return true
	}
	if !strings.HasPrefix(name, ".") {
		return false
	}
	for _, pattern := range tempFilePatterns {
		if strings.Contains(name, pattern) {
			return true
		}
	}
	return false
}

// Options tunes the FUSE view of the bridge.
type Options struct {
	UID             uint32
	GID             uint32
	IgnoreTempFiles bool
}

// DefaultOptions uses the current process owner.
func DefaultOptions() Options {
	return Options{
		UID:             uint32(os.Getuid()),
		GID:             uint32(os.Getgid()),
		IgnoreTempFiles: true,
	}
}

// Inode ties a FUSE inode number to the bridge path it currently names.
type Inode struct {
	Ino  uint64
	Path string
}

// WriteBuffer holds the whole content of an open file. Writes land here and
// reach the server on flush.
type WriteBuffer struct {
	Data         []byte
	Dirty        bool
	LastModified time.Time
}

// FileHandle represents an open file handle
type FileHandle struct {
	mu       sync.Mutex
	Ino      uint64
	Writable bool
	// Buffer is nil until the content is first needed.
	Buffer *WriteBuffer
}

// FtpFs exposes a bridge.Bridge through bazil.org/fuse.
type FtpFs struct {
	bridge *bridge.Bridge
	opts   Options
	log    *zap.Logger

	// Inode management
	inodes      map[uint64]*Inode
	pathToInode map[string]uint64
	nextInode   uint64
	inodeMu     sync.RWMutex

	// Concurrent listings of one directory share a single FindFiles.
	listings singleflight.Group

	// Open file handles
	openFiles map[uint64]*FileHandle
	nextFH    uint64
	handleMu  sync.Mutex
}

// NewFtpFs creates the filesystem over b.
func NewFtpFs(b *bridge.Bridge, opts Options) *FtpFs {
	f := &FtpFs{
		bridge:      b,
		opts:        opts,
		log:         logging.Named("ftpfs"),
		inodes:      make(map[uint64]*Inode),
		pathToInode: make(map[string]uint64),
		nextInode:   rootInode + 1,
		openFiles:   make(map[uint64]*FileHandle),
		nextFH:      1,
	}
	f.inodes[rootInode] = &Inode{Ino: rootInode, Path: bridge.Root}
	f.pathToInode[bridge.Root] = rootInode
	return f
}

// Root returns the root node
func (f *FtpFs) Root() (fs.Node, error) {
	return &FtpNode{fs: f, inode: rootInode}, nil
}

// Preload lists dir before the mount starts serving, so the first kernel
// requests are answered from the cache.
func (f *FtpFs) Preload(dir string) (int, error) {
	infos, err := f.listDir(bridge.CleanPath(dir))
	if err != nil {
		return 0, err
	}
	for _, fi := range infos {
		f.inodeFor(fi.Path)
	}
	return len(infos), nil
}

// Statfs reports the bridge's free-space answer.
func (f *FtpFs) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	space, st := f.bridge.GetDiskFreeSpace()
	if !st.OK() {
		return st.Errno()
	}
	resp.Bsize = blockSize
	resp.Frsize = blockSize
	resp.Namelen = 255
	resp.Blocks = space.TotalBytes / blockSize
	resp.Bfree = space.TotalFreeBytes / blockSize
	resp.Bavail = space.FreeBytesAvailable / blockSize
	return nil
}

// Destroy is called by the kernel when the filesystem is unmounted.
func (f *FtpFs) Destroy() {
	f.bridge.Unmount()
	f.log.Info("filesystem destroyed")
}

func toErr(st bridge.Status) error {
	if st.OK() {
		return nil
	}
	return st.Errno()
}

// inodeFor returns the inode number of p, allocating one on first sight.
func (f *FtpFs) inodeFor(p string) uint64 {
	f.inodeMu.RLock()
	ino, ok := f.pathToInode[p]
	f.inodeMu.RUnlock()
	if ok {
		return ino
	}

	f.inodeMu.Lock()
	defer f.inodeMu.Unlock()
	if ino, ok := f.pathToInode[p]; ok {
		return ino
	}
	ino = f.nextInode
	f.nextInode++
	f.inodes[ino] = &Inode{Ino: ino, Path: p}
	f.pathToInode[p] = ino
	return ino
}

// pathOf returns the path currently named by ino.
func (f *FtpFs) pathOf(ino uint64) (string, bool) {
	f.inodeMu.RLock()
	defer f.inodeMu.RUnlock()
	inode, ok := f.inodes[ino]
	if !ok {
		return "", false
	}
	return inode.Path, true
}

// forget drops p and everything below it from the inode table.
func (f *FtpFs) forget(p string) {
	f.inodeMu.Lock()
	defer f.inodeMu.Unlock()
	f.forgetLocked(p)
}

func (f *FtpFs) forgetLocked(p string) {
	prefix := p + "/"
	for path, ino := range f.pathToInode {
		if path == p || strings.HasPrefix(path, prefix) {
			delete(f.pathToInode, path)
			delete(f.inodes, ino)
		}
	}
}

// renamePaths moves the inodes of oldPath and its subtree under newPath.
// Inode numbers survive, so open handles keep working.
func (f *FtpFs) renamePaths(oldPath, newPath string) {
	f.inodeMu.Lock()
	defer f.inodeMu.Unlock()

	moved := make(map[string]uint64)
	prefix := oldPath + "/"
	for p, ino := range f.pathToInode {
		if p == oldPath || strings.HasPrefix(p, prefix) {
			moved[newPath+strings.TrimPrefix(p, oldPath)] = ino
			delete(f.pathToInode, p)
		}
	}

	f.forgetLocked(newPath)
	for p, ino := range moved {
		f.pathToInode[p] = ino
		f.inodes[ino] = &Inode{Ino: ino, Path: p}
	}
}

// listDir lists dir through the bridge. Concurrent callers for the same
// directory share one listing.
func (f *FtpFs) listDir(dir string) ([]bridge.FileInfo, error) {
	v, err, shared := f.listings.Do(dir, func() (any, error) {
		infos, st := f.bridge.FindFiles(dir)
		if !st.OK() {
			return nil, st.Errno()
		}
		return infos, nil
	})
	if err != nil {
		f.log.Debug("listing failed", zap.String("dir", dir), zap.Error(err))
		return nil, err
	}
	if shared {
		f.log.Debug("listing shared", zap.String("dir", dir))
	}
	return v.([]bridge.FileInfo), nil
}

func (f *FtpFs) fillAttr(ino uint64, fi bridge.FileInfo, attr *fuse.Attr) {
	attr.Valid = attrTTL
	attr.Inode = ino
	attr.Uid = f.opts.UID
	attr.Gid = f.opts.GID
	attr.Atime = fi.Accessed
	attr.Mtime = fi.Modified
	attr.Ctime = fi.Modified
	attr.BlockSize = blockSize
	if fi.IsDir {
		attr.Mode = os.ModeDir | 0755
		attr.Nlink = 2
		attr.Size = 0
		return
	}
	attr.Mode = 0644
	attr.Nlink = 1
	attr.Size = fi.Length
	attr.Blocks = (fi.Length + 511) / 512
}

func (f *FtpFs) allocateFH(h *FileHandle) fuse.HandleID {
	f.handleMu.Lock()
	defer f.handleMu.Unlock()
	fh := f.nextFH
	f.nextFH++
	f.openFiles[fh] = h
	return fuse.HandleID(fh)
}

func (f *FtpFs) releaseFH(fh uint64) {
	f.handleMu.Lock()
	delete(f.openFiles, fh)
	f.handleMu.Unlock()
}

// handlesOf returns the open handles of ino.
func (f *FtpFs) handlesOf(ino uint64) []*FileHandle {
	f.handleMu.Lock()
	defer f.handleMu.Unlock()
	var out []*FileHandle
	for _, h := range f.openFiles {
		if h.Ino == ino {
			out = append(out, h)
		}
	}
	return out
}

// load fills the handle buffer with the file content on first use.
// Callers hold h.mu.
func (f *FtpFs) load(h *FileHandle, p string) error {
	if h.Buffer != nil {
		return nil
	}
	data, st := f.bridge.ReadFile(p)
	if !st.OK() {
		return st.Errno()
	}
	h.Buffer = &WriteBuffer{Data: data}
	return nil
}

// syncHandle uploads the buffer of h if it holds unsent writes.
func (f *FtpFs) syncHandle(h *FileHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Buffer == nil || !h.Buffer.Dirty {
		return nil
	}
	p, ok := f.pathOf(h.Ino)
	if !ok {
		return syscall.ENOENT
	}

	start := time.Now()
	if _, st := f.bridge.WriteFile(p, h.Buffer.Data); !st.OK() {
		f.log.Warn("upload failed", zap.String("path", p), zap.Stringer("status", st))
		return st.Errno()
	}
	h.Buffer.Dirty = false
	f.log.Debug("buffer uploaded",
		zap.String("path", p),
		zap.Int("bytes", len(h.Buffer.Data)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// truncate resizes p to size. Open handles of ino are truncated in place and
// upload on flush; with none open the file is rewritten right away.
func (f *FtpFs) truncate(ino uint64, p string, size uint64) error {
	handles := f.handlesOf(ino)
	buffered := false
	for _, h := range handles {
		if !h.Writable {
			continue
		}
		h.mu.Lock()
		if err := f.load(h, p); err != nil {
			h.mu.Unlock()
			return err
		}
		h.Buffer.Data = resize(h.Buffer.Data, size)
		h.Buffer.Dirty = true
		h.Buffer.LastModified = time.Now()
		h.mu.Unlock()
		buffered = true
	}
	for _, h := range handles {
		if h.Writable {
			continue
		}
		h.mu.Lock()
		h.Buffer = nil
		h.mu.Unlock()
	}
	if buffered {
		return toErr(f.bridge.SetEndOfFile(p, int64(size)))
	}

	var data []byte
	if size > 0 {
		cur, st := f.bridge.ReadFile(p)
		if !st.OK() {
			return st.Errno()
		}
		data = resize(cur, size)
	}
	_, st := f.bridge.WriteFile(p, data)
	return toErr(st)
}

func resize(b []byte, size uint64) []byte {
	if uint64(len(b)) >= size {
		return b[:size]
	}
	grown := make([]byte, size)
	copy(grown, b)
	return grown
}

// FtpNode represents a node in the filesystem
type FtpNode struct {
	fs    *FtpFs
	inode uint64
}

func (n *FtpNode) path() (string, error) {
	p, ok := n.fs.pathOf(n.inode)
	if !ok {
		return "", syscall.ENOENT
	}
	return p, nil
}

func (n *FtpNode) child(name string) (string, error) {
	p, err := n.path()
	if err != nil {
		return "", err
	}
	return bridge.Join(p, name), nil
}

// Attr fills the attribute structure
func (n *FtpNode) Attr(ctx context.Context, attr *fuse.Attr) error {
	p, err := n.path()
	if err != nil {
		return err
	}
	fi, st := n.fs.bridge.GetFileInformation(p)
	if !st.OK() {
		return st.Errno()
	}
	n.fs.fillAttr(n.inode, fi, attr)
	return nil
}

// Getattr answers stat calls from the bridge cache.
func (n *FtpNode) Getattr(ctx context.Context, req *fuse.GetattrRequest, resp *fuse.GetattrResponse) error {
	return n.Attr(ctx, &resp.Attr)
}

// Lookup looks up a file by name. A cache miss lists the directory once.
func (n *FtpNode) Lookup(ctx context.Context, name string) (fs.Node, error) {
	if n.fs.opts.IgnoreTempFiles && isTempFile(name) {
		return nil, syscall.ENOENT
	}
	dir, err := n.path()
	if err != nil {
		return nil, err
	}
	p := bridge.Join(dir, name)

	if !n.fs.bridge.Cache().Contains(p) {
		if _, err := n.fs.listDir(dir); err != nil {
			return nil, err
		}
		if !n.fs.bridge.Cache().Contains(p) {
			return nil, syscall.ENOENT
		}
	}
	return &FtpNode{fs: n.fs, inode: n.fs.inodeFor(p)}, nil
}

// ReadDirAll lists the directory remotely.
func (n *FtpNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	dir, err := n.path()
	if err != nil {
		return nil, err
	}
	infos, err := n.fs.listDir(dir)
	if err != nil {
		return nil, err
	}

	entries := make([]fuse.Dirent, 0, len(infos))
	for _, fi := range infos {
		if n.fs.opts.IgnoreTempFiles && isTempFile(fi.Name) {
			continue
		}
		entryType := fuse.DT_File
		if fi.IsDir {
			entryType = fuse.DT_Dir
		}
		entries = append(entries, fuse.Dirent{
			Inode: n.fs.inodeFor(fi.Path),
			Name:  fi.Name,
			Type:  entryType,
		})
	}
	return entries, nil
}

// Mkdir creates a directory
func (n *FtpNode) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	p, err := n.child(req.Name)
	if err != nil {
		return nil, err
	}
	if err := toErr(n.fs.bridge.CreateDirectory(p)); err != nil {
		return nil, err
	}
	return &FtpNode{fs: n.fs, inode: n.fs.inodeFor(p)}, nil
}

// Create creates an empty file and opens it. The empty content is uploaded
// when the handle is flushed, even if nothing is written.
func (n *FtpNode) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	p, err := n.child(req.Name)
	if err != nil {
		return nil, nil, err
	}

	mode := bridge.ModeCreate
	if req.Flags&fuse.OpenExclusive != 0 {
		if n.fs.bridge.Cache().Contains(p) {
			return nil, nil, syscall.EEXIST
		}
		mode = bridge.ModeCreateNew
	}
	if _, st := n.fs.bridge.CreateFile(p, mode); !st.OK() {
		return nil, nil, st.Errno()
	}
	if err := toErr(n.fs.bridge.SetEndOfFile(p, 0)); err != nil {
		return nil, nil, err
	}

	ino := n.fs.inodeFor(p)
	h := &FileHandle{
		Ino:      ino,
		Writable: true,
		Buffer:   &WriteBuffer{Dirty: true, LastModified: time.Now()},
	}
	fh := n.fs.allocateFH(h)
	resp.Handle = fh

	node := &FtpNode{fs: n.fs, inode: ino}
	return node, &FtpHandle{fs: n.fs, fh: uint64(fh), inode: ino}, nil
}

// Remove removes a file or a directory with its cached contents.
func (n *FtpNode) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	p, err := n.child(req.Name)
	if err != nil {
		return err
	}

	var st bridge.Status
	if req.Dir {
		st = n.fs.bridge.DeleteDirectory(p)
	} else {
		st = n.fs.bridge.DeleteFile(p)
	}
	if st.OK() || st == bridge.StatusNotFound {
		n.fs.forget(p)
	}
	return toErr(st)
}

// Rename renames a file or directory, replacing the target.
func (n *FtpNode) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	target, ok := newDir.(*FtpNode)
	if !ok {
		return syscall.EXDEV
	}
	oldPath, err := n.child(req.OldName)
	if err != nil {
		return err
	}
	newPath, err := target.child(req.NewName)
	if err != nil {
		return err
	}

	if err := toErr(n.fs.bridge.MoveFile(oldPath, newPath, true)); err != nil {
		return err
	}
	n.fs.renamePaths(oldPath, newPath)
	return nil
}

// Setattr handles truncation. Mode, owner and time changes cannot be
// expressed over FTP and are accepted without effect.
func (n *FtpNode) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	p, err := n.path()
	if err != nil {
		return err
	}
	if req.Valid.Size() {
		if err := n.fs.truncate(n.inode, p, req.Size); err != nil {
			return err
		}
	}
	if req.Valid.Atime() || req.Valid.Mtime() {
		n.fs.bridge.SetFileTime(p, time.Time{}, req.Atime, req.Mtime)
	}
	return n.Attr(ctx, &resp.Attr)
}

// Fsync uploads every dirty handle of the node.
func (n *FtpNode) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	for _, h := range n.fs.handlesOf(n.inode) {
		if err := n.fs.syncHandle(h); err != nil {
			return err
		}
	}
	return nil
}

// Open opens a file or directory
func (n *FtpNode) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	p, err := n.path()
	if err != nil {
		return nil, err
	}

	if req.Dir {
		if err := toErr(n.fs.bridge.OpenDirectory(p)); err != nil {
			return nil, err
		}
		return &FtpHandle{fs: n.fs, inode: n.inode, isDir: true}, nil
	}

	fi, st := n.fs.bridge.CreateFile(p, bridge.ModeOpen)
	if !st.OK() {
		return nil, st.Errno()
	}
	if fi.IsDir {
		return &FtpHandle{fs: n.fs, inode: n.inode, isDir: true}, nil
	}

	h := &FileHandle{
		Ino:      n.inode,
		Writable: !req.Flags.IsReadOnly(),
	}
	if h.Writable && req.Flags&fuse.OpenTruncate != 0 {
		h.Buffer = &WriteBuffer{Dirty: true, LastModified: time.Now()}
		if err := toErr(n.fs.bridge.SetEndOfFile(p, 0)); err != nil {
			return nil, err
		}
	}

	fh := n.fs.allocateFH(h)
	resp.Handle = fh
	return &FtpHandle{fs: n.fs, fh: uint64(fh), inode: n.inode}, nil
}

// FtpHandle represents an open file handle
type FtpHandle struct {
	fs    *FtpFs
	fh    uint64
	inode uint64
	isDir bool
}

func (h *FtpHandle) handle() (*FileHandle, error) {
	h.fs.handleMu.Lock()
	defer h.fs.handleMu.Unlock()
	fh, ok := h.fs.openFiles[h.fh]
	if !ok {
		return nil, syscall.EBADF
	}
	return fh, nil
}

// Read serves a slice of the content downloaded on first read.
func (h *FtpHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	if h.isDir {
		return syscall.EISDIR
	}
	fh, err := h.handle()
	if err != nil {
		return err
	}
	p, ok := h.fs.pathOf(h.inode)
	if !ok {
		return syscall.ENOENT
	}

	fh.mu.Lock()
	defer fh.mu.Unlock()
	if err := h.fs.load(fh, p); err != nil {
		return err
	}

	data := fh.Buffer.Data
	offset := req.Offset
	if offset >= int64(len(data)) {
		resp.Data = []byte{}
		return nil
	}
	end := offset + int64(req.Size)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	resp.Data = append([]byte(nil), data[offset:end]...)
	return nil
}

// Write writes into the handle buffer.
func (h *FtpHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	if h.isDir {
		return syscall.EISDIR
	}
	fh, err := h.handle()
	if err != nil {
		return err
	}
	if !fh.Writable {
		return syscall.EBADF
	}
	p, ok := h.fs.pathOf(h.inode)
	if !ok {
		return syscall.ENOENT
	}

	fh.mu.Lock()
	defer fh.mu.Unlock()
	if err := h.fs.load(fh, p); err != nil {
		return err
	}

	buf := fh.Buffer
	end := uint64(req.Offset) + uint64(len(req.Data))
	grew := end > uint64(len(buf.Data))
	if grew {
		buf.Data = resize(buf.Data, end)
	}
	copy(buf.Data[req.Offset:end], req.Data)
	buf.Dirty = true
	buf.LastModified = time.Now()

	if grew {
		// Keep stat honest while the upload is pending.
		h.fs.bridge.SetEndOfFile(p, int64(len(buf.Data)))
	}
	resp.Size = len(req.Data)
	return nil
}

// Flush uploads pending writes
func (h *FtpHandle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	if h.isDir {
		return nil
	}
	fh, err := h.handle()
	if err != nil {
		return err
	}
	return h.fs.syncHandle(fh)
}

// Release uploads pending writes and drops the handle.
func (h *FtpHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	if h.isDir {
		if p, ok := h.fs.pathOf(h.inode); ok {
			h.fs.bridge.CloseFile(p)
		}
		return nil
	}
	fh, err := h.handle()
	if err != nil {
		return nil
	}
	if err := h.fs.syncHandle(fh); err != nil {
		h.fs.log.Warn("failed to sync write buffer", zap.Uint64("fh", h.fh), zap.Error(err))
	}
	h.fs.releaseFH(h.fh)
	if p, ok := h.fs.pathOf(h.inode); ok {
		h.fs.bridge.CloseFile(p)
	}
	return nil
}

// ReadDirAll reads all directory entries (for directories)
func (h *FtpHandle) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	if !h.isDir {
		return nil, syscall.ENOTDIR
	}
	node := &FtpNode{fs: h.fs, inode: h.inode}
	return node.ReadDirAll(ctx)
}

// Ensure interfaces are implemented
var _ = fs.FS(&FtpFs{})
var _ = fs.FSStatfser(&FtpFs{})
var _ = fs.FSDestroyer(&FtpFs{})
var _ = fs.Node(&FtpNode{})
var _ = fs.NodeStringLookuper(&FtpNode{})
var _ = fs.NodeMkdirer(&FtpNode{})
var _ = fs.NodeCreater(&FtpNode{})
var _ = fs.NodeRemover(&FtpNode{})
var _ = fs.NodeRenamer(&FtpNode{})
var _ = fs.NodeSetattrer(&FtpNode{})
var _ = fs.NodeGetattrer(&FtpNode{})
var _ = fs.NodeOpener(&FtpNode{})
var _ = fs.NodeFsyncer(&FtpNode{})
var _ = fs.Handle(&FtpHandle{})
var _ = fs.HandleReader(&FtpHandle{})
var _ = fs.HandleWriter(&FtpHandle{})
var _ = fs.HandleFlusher(&FtpHandle{})
var _ = fs.HandleReleaser(&FtpHandle{})
var _ = fs.HandleReadDirAller(&FtpHandle{})
