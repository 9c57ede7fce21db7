package bridge

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tuusuario/ftpdrive/internal/remote"
)

func requireTime(t *testing.T, want, got time.Time) {
	t.Helper()
	require.Truef(t, want.Equal(got), "want %s, got %s", want, got)
}

func newTestBridge(t *testing.T, client remote.Client) *Bridge {
	t.Helper()
	b := New(client, Options{
		Capacity: 1000,
		Now:      func() time.Time { return testNow },
	})
	t.Cleanup(b.Close)
	return b
}

// undatedListing drops the dates from listings, like LIST formats that
// carry none.
type undatedListing struct {
	*remote.Memory
}

func (u undatedListing) List(dir string) ([]remote.Entry, error) {
	entries, err := u.Memory.List(dir)
	for i := range entries {
		entries[i].Created = time.Time{}
		entries[i].Modified = time.Time{}
	}
	return entries, err
}

func TestReconcile_CachedFileKeepsWriteTimeAndLength(t *testing.T) {
	t0 := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	t1 := time.Date(2021, 6, 7, 8, 9, 10, 0, time.UTC)

	m := remote.NewMemory()
	m.AddFile("/x", []byte("abc"), t0)
	b := newTestBridge(t, m)

	_, st := b.FindFiles("/")
	require.Equal(t, StatusOK, st)
	e, ok := b.Cache().Get("/x")
	require.True(t, ok)
	requireTime(t, t0, e.Modified)
	require.Equal(t, uint64(3), e.Length)

	m.AddFile("/x", []byte("abcdef"), t1)
	m.ResetCalls()

	infos, st := b.FindFiles("/")
	require.Equal(t, StatusOK, st)
	require.Len(t, infos, 1)
	require.Equal(t, []string{"List /"}, m.Calls())

	e, _ = b.Cache().Get("/x")
	requireTime(t, t0, e.Modified)
	requireTime(t, t0, e.Accessed)
	requireTime(t, t1, e.Created)
	require.Equal(t, uint64(3), e.Length)
}

func TestReconcile_DirectoryTakesListedTime(t *testing.T) {
	t0 := time.Date(2019, 11, 12, 13, 14, 15, 0, time.UTC)

	m := remote.NewMemory()
	m.SetClock(func() time.Time { return t0 })
	m.AddDir("/d")
	b := newTestBridge(t, m)
	b.Cache().Put("/d", NewDirEntry(testNow))

	_, st := b.FindFiles("/")
	require.Equal(t, StatusOK, st)

	e, _ := b.Cache().Get("/d")
	require.True(t, e.IsDir)
	require.Equal(t, AttrDirectory, e.Attributes)
	require.Zero(t, e.Length)
	requireTime(t, t0, e.Modified)
	requireTime(t, t0, e.Accessed)
}

func TestReconcile_NewFileAsksForSize(t *testing.T) {
	old := time.Date(1601, 3, 4, 10, 11, 12, 0, time.UTC)

	m := remote.NewMemory()
	m.AddFile("/old.bin", []byte("12345"), old)
	b := newTestBridge(t, m)

	infos, st := b.FindFiles("/")
	require.Equal(t, StatusOK, st)
	require.Len(t, infos, 1)
	require.Equal(t, "old.bin", infos[0].Name)
	require.Equal(t, "/old.bin", infos[0].Path)
	require.Equal(t, uint64(5), infos[0].Length)
	require.Contains(t, m.Calls(), "FileSize /old.bin")

	want := time.Date(1900, 3, 4, 10, 11, 12, 0, time.UTC)
	requireTime(t, want, infos[0].Created)
	requireTime(t, want, infos[0].Modified)
}

func TestReconcile_SizeFailureFallsBack(t *testing.T) {
	m := remote.NewMemory()
	m.AddFile("/y", []byte("data"), time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC))
	m.Fail("FileSize", "/y", errors.New("boom"))
	b := newTestBridge(t, m)

	_, st := b.FindFiles("/")
	require.Equal(t, StatusOK, st)

	e, ok := b.Cache().Get("/y")
	require.True(t, ok)
	require.False(t, e.IsDir)
	require.Zero(t, e.Length)
	requireTime(t, testNow, e.Modified)
	requireTime(t, testNow, e.Accessed)
}

func TestReconcile_UndatedListingUsesModTime(t *testing.T) {
	t0 := time.Date(2023, 8, 9, 10, 0, 0, 0, time.UTC)

	m := remote.NewMemory()
	m.AddFile("/u", []byte("xy"), t0)
	b := newTestBridge(t, undatedListing{m})

	_, st := b.FindFiles("/")
	require.Equal(t, StatusOK, st)
	require.Contains(t, m.Calls(), "ModTime /u")

	e, _ := b.Cache().Get("/u")
	requireTime(t, t0, e.Modified)
	requireTime(t, time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC), e.Created)
	require.Equal(t, uint64(2), e.Length)
}

func TestReconcile_SkipsDotEntriesAndKeepsUnlisted(t *testing.T) {
	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	m := remote.NewMemory()
	m.AddFile("/f", []byte("1"), t0)
	b := newTestBridge(t, m)
	b.Cache().Put("/ghost", NewFileEntry(7, testNow))

	infos := b.reconcile(Root, []remote.Entry{
		{Name: ".", IsDir: true, Created: t0},
		{Name: "..", IsDir: true, Created: t0},
		{Name: "f", Created: t0, Modified: t0, Size: 1},
	})
	require.Len(t, infos, 1)
	require.Equal(t, "/f", infos[0].Path)
	require.True(t, b.Cache().Contains("/ghost"))
}
