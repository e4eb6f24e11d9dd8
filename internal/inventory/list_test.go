package inventory

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func mkList(paths ...string) List {
	l := make(List, 0, len(paths))
	for _, p := range paths {
		l = append(l, &Entry{RelPath: p, Size: int64(len(p))})
	}
	return l
}

func TestSortByPathThenFind(t *testing.T) {
	l := mkList("base/1/2619", "base/1/1259", "global/pg_control", "PG_VERSION")
	l.SortByPath()
	for i := 1; i < len(l); i++ {
		require.LessOrEqual(t, l[i-1].RelPath, l[i].RelPath)
	}
	e, ok := l.FindByPath("base/1/1259")
	require.True(t, ok)
	require.Equal(t, "base/1/1259", e.RelPath)

	_, ok = l.FindByPath("base/1/9999")
	require.False(t, ok)
}

func TestSortBySizeDesc(t *testing.T) {
	l := List{
		{RelPath: "a", Size: 10},
		{RelPath: "b", Size: 100},
		{RelPath: "c", Size: 1},
	}
	l.SortBySizeDesc()
	require.Equal(t, int64(100), l[0].Size)
	require.Equal(t, int64(1), l[2].Size)
}

func TestTryClaimSingleWriter(t *testing.T) {
	e := &Entry{RelPath: "x"}
	require.True(t, e.TryClaim())
	require.False(t, e.TryClaim())
	require.True(t, e.Claimed())
}

func TestExcludeControlFile(t *testing.T) {
	l := mkList("global/pg_control", "base/1/1259", "PG_VERSION")
	rest, ctrl, err := ExcludeControlFile(l)
	require.NoError(t, err)
	require.NotNil(t, ctrl)
	require.Equal(t, ControlFileRelPath, ctrl.RelPath)
	require.Len(t, rest, 2)
	for _, e := range rest {
		require.NotEqual(t, ControlFileRelPath, e.RelPath)
	}
}

func TestExcludeControlFileMissing(t *testing.T) {
	l := mkList("base/1/1259")
	_, _, err := ExcludeControlFile(l)
	require.Error(t, err)
}

func TestTotalBytesSkipsDirsAndSymlinks(t *testing.T) {
	l := List{
		{RelPath: "a", Size: 10},
		{RelPath: "dir", Size: 4096, Mode: fs.ModeDir},
		{RelPath: "link", Size: 3, Mode: fs.ModeSymlink},
	}
	require.Equal(t, int64(10), l.TotalBytes())
}
