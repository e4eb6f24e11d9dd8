package pgcontrol

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/vbp1/pgcatchup/internal/errkind"
	"github.com/vbp1/pgcatchup/internal/lsn"
)

// controlFileVersion1300 is PG_CONTROL_VERSION for the ControlFileData
// layout this file patches (stable since PostgreSQL 13). A destination
// running any other layout is refused rather than guessed at.
const controlFileVersion1300 = 1300

// Byte offsets into ControlFileData for PG_CONTROL_VERSION 1300. Only
// minRecoveryPoint/minRecoveryPointTLI are ever written; the rest exist so
// verifyControlFileLayout can cross-check the binary against fields Read
// already parsed from the same file's pg_controldata text before trusting
// the table enough to write anything.
const (
	offSystemIdentifier    = 0
	offPgControlVersion    = 8
	offCheckpointRedoLSN   = 40
	offCheckpointTLI       = 48
	offMinRecoveryPoint    = 176
	offMinRecoveryPointTLI = 184
)

// OverwriteMinRecoveryPoint binary-patches the destination's control file
// so its minimum-recovery-point fields already read back as targetLSN and
// targetTLI, and recomputes the trailing CRC32C checksum pg_control
// carries. Left alone, PostgreSQL's startup process would derive the same
// bookkeeping from backup_label on its own next start, but that happens a
// run too late to assert against immediately after a catchup completes.
//
// Before touching any byte, the fields this function does not intend to
// write (system identifier, control version, the checkpoint's own redo
// LSN and timeline) are read back out of the raw file and compared against
// what Read already parsed from the same file's pg_controldata text. A
// mismatch means the offset table below does not describe this file's
// layout, and the patch is refused rather than risked.
func OverwriteMinRecoveryPoint(ctx context.Context, r Runner, dataDir string, targetLSN lsn.LSN, targetTLI uint32) error {
	before, err := Read(ctx, r, dataDir)
	if err != nil {
		return err
	}
	if before.PgControlVersion != controlFileVersion1300 {
		return errkind.New(errkind.IOFailure,
			fmt.Sprintf("pgcontrol: pg_control version %d is not supported for minimum-recovery-point patching (only %d)",
				before.PgControlVersion, controlFileVersion1300))
	}

	path := filepath.Join(dataDir, "global", "pg_control")
	buf, err := os.ReadFile(path)
	if err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "read pg_control for patching")
	}

	if err := verifyControlFileLayout(buf, before); err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(buf[offMinRecoveryPoint:], uint64(targetLSN))
	binary.LittleEndian.PutUint32(buf[offMinRecoveryPointTLI:], targetTLI)

	crcOffset, err := locateControlFileCRC(buf)
	if err != nil {
		return err
	}
	crc := crc32.Checksum(buf[:crcOffset], crc32.MakeTable(crc32.Castagnoli))
	binary.LittleEndian.PutUint32(buf[crcOffset:], crc)

	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "write patched pg_control")
	}
	return nil
}

func verifyControlFileLayout(buf []byte, want Data) error {
	if len(buf) < offMinRecoveryPointTLI+4 {
		return errkind.New(errkind.IOFailure, "pg_control is too short for the control-file-version 1300 layout")
	}
	gotSystemID := binary.LittleEndian.Uint64(buf[offSystemIdentifier:])
	gotVersion := binary.LittleEndian.Uint32(buf[offPgControlVersion:])
	gotRedo := lsn.LSN(binary.LittleEndian.Uint64(buf[offCheckpointRedoLSN:]))
	gotTLI := binary.LittleEndian.Uint32(buf[offCheckpointTLI:])
	if gotSystemID != want.SystemIdentifier || gotVersion != want.PgControlVersion ||
		gotRedo != want.CheckpointRedoLSN || gotTLI != want.CheckpointTimeline {
		return errkind.New(errkind.IOFailure,
			"pg_control binary layout does not match the fields pg_controldata reported for this file; refusing to patch minimum-recovery-point")
	}
	return nil
}

// locateControlFileCRC finds pg_control's trailing CRC32C field by brute
// force: the one offset k in the plausible range for which
// CRC32C(buf[:k]) reproduces the 4 bytes stored at buf[k:k+4]. This avoids
// needing the full, version-pinned struct size, since everything past the
// live struct in the 8192-byte file is zero padding pg_control never
// writes to, and a spurious match this far into a real CRC32C search space
// is astronomically unlikely.
func locateControlFileCRC(buf []byte) (int, error) {
	tbl := crc32.MakeTable(crc32.Castagnoli)
	upper := 1024
	if upper > len(buf)-4 {
		upper = len(buf) - 4
	}
	for k := offMinRecoveryPointTLI + 4; k <= upper; k++ {
		want := binary.LittleEndian.Uint32(buf[k : k+4])
		if crc32.Checksum(buf[:k], tbl) == want {
			return k, nil
		}
	}
	return 0, errkind.New(errkind.IOFailure, "pgcontrol: could not locate pg_control's crc field")
}
