//go:build cgofuse

package cgofs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/winfsp/cgofuse/fuse"

	"github.com/tuusuario/ftpdrive/internal/bridge"
	"github.com/tuusuario/ftpdrive/internal/remote"
)

func newTestFS(t *testing.T) (*FS, *remote.Memory) {
	t.Helper()
	m := remote.NewMemory()
	b := bridge.New(m, bridge.Options{Capacity: 8192})
	t.Cleanup(b.Close)
	return New(b, Options{UID: 1000, GID: 1000}), m
}

func TestGetattrListsParentOnMiss(t *testing.T) {
	f, m := newTestFS(t)
	m.AddFile("/dir/a.txt", []byte("hello"), time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))

	var stat fuse.Stat_t
	require.Equal(t, 0, f.Getattr("/dir/a.txt", &stat, invalidFh))
	require.Equal(t, int64(5), stat.Size)
	require.Equal(t, uint32(fuse.S_IFREG|0644), stat.Mode)

	require.Equal(t, -fuse.ENOENT, f.Getattr("/dir/missing", &stat, invalidFh))
}

func TestCreateWriteReadBack(t *testing.T) {
	f, m := newTestFS(t)

	rc, fh := f.Create("/new.txt", fuse.O_WRONLY|fuse.O_CREAT, 0644)
	require.Equal(t, 0, rc)
	require.Equal(t, 5, f.Write("/new.txt", []byte("hello"), 0, fh))
	require.Equal(t, 0, f.Release("/new.txt", fh))

	data, err := m.Retrieve("/new.txt")
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	rc, fh = f.Open("/new.txt", fuse.O_RDONLY)
	require.Equal(t, 0, rc)
	buf := make([]byte, 3)
	require.Equal(t, 3, f.Read("/new.txt", buf, 1, fh))
	require.Equal(t, "ell", string(buf))
	require.Equal(t, -fuse.EBADF, f.Write("/new.txt", []byte("x"), 0, fh))
	require.Equal(t, 0, f.Release("/new.txt", fh))
}

func TestDirectories(t *testing.T) {
	f, m := newTestFS(t)

	require.Equal(t, 0, f.Mkdir("/d", 0755))
	require.True(t, m.Exists("/d"))

	rc, fh := f.Create("/d/f", 0, 0644)
	require.Equal(t, 0, rc)
	require.Equal(t, 0, f.Release("/d/f", fh))

	var names []string
	rc = f.Readdir("/d", func(name string, stat *fuse.Stat_t, ofst int64) bool {
		names = append(names, name)
		return true
	}, 0, 0)
	require.Equal(t, 0, rc)
	require.Equal(t, []string{".", "..", "f"}, names)

	require.Equal(t, 0, f.Rename("/d", "/e"))
	require.True(t, m.Exists("/e/f"))
	require.Equal(t, 0, f.Rmdir("/e"))
	require.False(t, m.Exists("/e"))
	require.Equal(t, -fuse.ENOENT, f.Unlink("/e/f"))
}

func TestStatfs(t *testing.T) {
	f, _ := newTestFS(t)

	var stat fuse.Statfs_t
	require.Equal(t, 0, f.Statfs("/", &stat))
	require.Equal(t, uint64(2), stat.Bfree)
	require.Equal(t, uint64(2), stat.Blocks)
}
