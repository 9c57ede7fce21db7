package bridge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlanDelete(t *testing.T) {
	c := NewCache(NewDirEntry(testNow))
	c.PutAll([]Item{
		{Path: "/d", Entry: NewDirEntry(testNow)},
		{Path: "/d/a.txt", Entry: NewFileEntry(1, testNow)},
		{Path: "/d/zz", Entry: NewDirEntry(testNow)},
		{Path: "/d/sub", Entry: NewDirEntry(testNow)},
		{Path: "/d/sub/b.txt", Entry: NewFileEntry(1, testNow)},
		{Path: "/d/sub/deeper", Entry: NewDirEntry(testNow)},
		{Path: "/dx", Entry: NewDirEntry(testNow)},
		{Path: "/dx/keep.txt", Entry: NewFileEntry(1, testNow)},
	})

	plan := PlanDelete(c, "/d")
	require.Equal(t, []string{"/d/a.txt", "/d/sub/b.txt"}, plan.Files)
	require.Equal(t, []string{"/d/sub/deeper", "/d/sub", "/d/zz"}, plan.Dirs)
}

func TestPlanDelete_EmptyDirectory(t *testing.T) {
	c := NewCache(NewDirEntry(testNow))
	c.Put("/empty", NewDirEntry(testNow))

	plan := PlanDelete(c, "/empty")
	require.Empty(t, plan.Files)
	require.Empty(t, plan.Dirs)
}
