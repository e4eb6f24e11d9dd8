package transfer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vbp1/pgcatchup/internal/inventory"
)

// TestMain checks the worker pool's errgroup leaves no goroutine behind,
// across every mode this file's tests run the scheduler in.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func writeFile(t *testing.T, dir, rel string, content []byte) {
	t.Helper()
	full := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o700))
	require.NoError(t, os.WriteFile(full, content, 0o600))
}

func TestRunCopiesEveryFileExactlyOnce(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()

	writeFile(t, srcDir, "base/1/16384", []byte("aaaaaaaaaa"))
	writeFile(t, srcDir, "base/1/16385", []byte("bbbbb"))
	writeFile(t, srcDir, "global/pg_filenode.map", []byte("cc"))

	list := inventory.List{
		{RelPath: "base/1/16384", Mode: 0, Size: 10},
		{RelPath: "base/1/16385", Mode: 0, Size: 5},
		{RelPath: "global/pg_filenode.map", Mode: 0, Size: 2},
	}
	list.SortBySizeDesc()

	copier := &LocalCopier{SourceDir: srcDir}
	stats, err := Run(context.Background(), list, copier, Options{NumWorkers: 4, DestDir: destDir})
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.FilesCopied)
	require.Equal(t, int64(17), stats.BytesWritten)

	for _, e := range list {
		require.True(t, e.Claimed())
	}

	got, err := os.ReadFile(filepath.Join(destDir, "base/1/16384"))
	require.NoError(t, err)
	require.Equal(t, "aaaaaaaaaa", string(got))
}

func TestRunMissingSourceFileRecordsNotFound(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()

	list := inventory.List{
		{RelPath: "base/1/99999", Mode: 0, Size: 100},
	}
	copier := &LocalCopier{SourceDir: srcDir}
	stats, err := Run(context.Background(), list, copier, Options{NumWorkers: 2, DestDir: destDir})
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.FilesMissing)
}

func TestRunPtrackModeOnlyCopiesChangedPages(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()

	content := make([]byte, pageSize*2)
	for i := range content {
		content[i] = byte(i % 251)
	}
	writeFile(t, srcDir, "base/1/16384", content)

	require.NoError(t, os.MkdirAll(destDir, 0o700))
	writeFile(t, destDir, "base/1/16384", make([]byte, pageSize*2))

	e := &inventory.Entry{RelPath: "base/1/16384", Size: int64(len(content)), IsDataFile: true, PageBitmap: []uint32{1}}
	list := inventory.List{e}

	copier := &LocalCopier{SourceDir: srcDir}
	_, err := Run(context.Background(), list, copier, Options{NumWorkers: 1, DestDir: destDir})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(destDir, "base/1/16384"))
	require.NoError(t, err)
	require.Equal(t, content[pageSize:], got[pageSize:])
	require.Equal(t, make([]byte, pageSize), got[:pageSize])
}

func TestPrecreateDirectories(t *testing.T) {
	destDir := t.TempDir()
	list := inventory.List{
		{RelPath: "base", Mode: fs.ModeDir},
		{RelPath: "base/1", Mode: fs.ModeDir},
		{RelPath: "pg_tblspc/16400", Mode: fs.ModeDir | fs.ModeSymlink, ExternalDirID: 1},
	}
	tsDest := map[string]string{"16400": filepath.Join(destDir, "external", "ts1")}

	require.NoError(t, PrecreateDirectories(list, destDir, tsDest))

	_, err := os.Stat(filepath.Join(destDir, "base", "1"))
	require.NoError(t, err)
	_, err = os.Stat(tsDest["16400"])
	require.NoError(t, err)
}
