package finalize

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vbp1/pgcatchup/internal/errkind"
	"github.com/vbp1/pgcatchup/internal/inventory"
	"github.com/vbp1/pgcatchup/internal/lsn"
)

func TestCopyControlFile(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	src := filepath.Join(srcDir, "pg_control")
	require.NoError(t, os.WriteFile(src, []byte("control-bytes"), 0o600))

	require.NoError(t, CopyControlFile(src, destDir))

	got, err := os.ReadFile(filepath.Join(destDir, inventory.ControlFileRelPath))
	require.NoError(t, err)
	require.Equal(t, "control-bytes", string(got))
}

func TestWriteBackupLabel(t *testing.T) {
	destDir := t.TempDir()
	require.NoError(t, WriteBackupLabel(destDir, "START WAL LOCATION: 0/4000000\n"))
	got, err := os.ReadFile(filepath.Join(destDir, "backup_label"))
	require.NoError(t, err)
	require.Contains(t, string(got), "START WAL LOCATION")
}

func TestMoveWAL(t *testing.T) {
	walSrc := t.TempDir()
	destDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(walSrc, "000000010000000000000001"), []byte("seg1"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(walSrc, "000000010000000000000002.partial"), []byte("seg2"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(walSrc, "pg_receivewal.log"), []byte("log"), 0o600))

	require.NoError(t, MoveWAL(walSrc, destDir))

	destWAL := filepath.Join(destDir, inventory.WALSubdir)
	_, err := os.Stat(filepath.Join(destWAL, "000000010000000000000001"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(destWAL, "000000010000000000000002"))
	require.NoError(t, err, "trailing .partial segment should be renamed")
	_, err = os.Stat(filepath.Join(destWAL, "pg_receivewal.log"))
	require.True(t, os.IsNotExist(err))
}

func TestDeleteRedundantSkipsRelationMap(t *testing.T) {
	destDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(destDir, "global"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "global", "pg_filenode.map"), []byte("x"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(destDir, "base", "1"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "base", "1", "stale"), []byte("y"), 0o600))

	sourceList := inventory.List{}
	sourceList.SortByPath()
	destList := inventory.List{
		{RelPath: inventory.RelationMapRelPath, Size: 1},
		{RelPath: "base/1/stale", Size: 1},
	}
	destList.SortByPath()

	deleted, err := DeleteRedundant(sourceList, destList, destDir)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	_, err = os.Stat(filepath.Join(destDir, "global", "pg_filenode.map"))
	require.NoError(t, err, "relation map must never be deleted by the redundant pass")

	_, err = os.Stat(filepath.Join(destDir, "base", "1", "stale"))
	require.True(t, os.IsNotExist(err))
}

func TestDeleteRedundantKeepsFilesStillInSource(t *testing.T) {
	destDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(destDir, "base", "1"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "base", "1", "16384"), []byte("x"), 0o600))

	sourceList := inventory.List{{RelPath: "base/1/16384", Size: 1}}
	sourceList.SortByPath()
	destList := inventory.List{{RelPath: "base/1/16384", Size: 1}}
	destList.SortByPath()

	deleted, err := DeleteRedundant(sourceList, destList, destDir)
	require.NoError(t, err)
	require.Equal(t, 0, deleted)

	_, err = os.Stat(filepath.Join(destDir, "base", "1", "16384"))
	require.NoError(t, err)
}

func TestOverwriteMinRecoveryPointRequiresBackupLabel(t *testing.T) {
	destDir := t.TempDir()
	err := OverwriteMinRecoveryPoint(context.Background(), destDir, lsn.MustParse("0/6000148"), 1)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.PreconditionViolation))
}

func TestSyncAllSyncsListedFilesAndControlFile(t *testing.T) {
	destDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(destDir, "global"), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(destDir, "base", "1"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "base", "1", "16384"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, inventory.ControlFileRelPath), []byte("control-bytes"), 0o600))

	files := inventory.List{
		{RelPath: "base/1", Mode: os.ModeDir},
		{RelPath: "base/1/16384", Size: 1},
	}
	require.NoError(t, SyncAll(destDir, files))
}

func TestSyncAllToleratesMissingListedFile(t *testing.T) {
	destDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(destDir, "global"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, inventory.ControlFileRelPath), []byte("control-bytes"), 0o600))

	files := inventory.List{{RelPath: "base/1/16384", Size: 1}}
	require.NoError(t, SyncAll(destDir, files))
}
