package inventory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWalkExcludesWALIncludesTablespaceSymlink(t *testing.T) {
	dataDir := t.TempDir()
	tsTarget := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "base", "1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "base", "1", "1259"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, WALSubdir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, WALSubdir, "000000010000000000000001"), []byte("wal"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, TablespacesSubdir), 0o755))
	require.NoError(t, os.Symlink(tsTarget, filepath.Join(dataDir, TablespacesSubdir, "16400")))
	require.NoError(t, os.WriteFile(filepath.Join(tsTarget, "1259"), []byte("y"), 0o644))

	l, err := Walk(LocalFS, dataDir, nil)
	require.NoError(t, err)

	var sawWAL, sawSymlink, sawTSChild bool
	for _, e := range l {
		if e.RelPath == WALSubdir {
			sawWAL = true
		}
		if e.RelPath == TablespacesSubdir+"/16400" {
			sawSymlink = true
			require.True(t, e.IsSymlink())
			require.True(t, e.IsDir())
		}
		if e.RelPath == TablespacesSubdir+"/16400/1259" {
			sawTSChild = true
		}
	}
	require.False(t, sawWAL, "pg_wal directory itself should not be walked into data transfer tree root listing as a symlink target, only skipped as a top-level dir")
	require.True(t, sawSymlink)
	require.True(t, sawTSChild)
}
