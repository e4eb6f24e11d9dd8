// Package finalize implements the Finalizer (spec.md §4.9) and the
// redundant-file deletion pass (spec.md §4.10): it copies the control file
// last, moves streamed WAL into place, writes backup_label, overwrites the
// replica's minimum-recovery-point bookkeeping, deletes destination entries
// the source no longer has, and runs the closing fsync pass.
package finalize

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vbp1/pgcatchup/internal/errkind"
	"github.com/vbp1/pgcatchup/internal/inventory"
	"github.com/vbp1/pgcatchup/internal/lsn"
	"github.com/vbp1/pgcatchup/internal/pgcontrol"
)

// CopyFile copies src to dst, preserving the teacher's rename-then-
// fallback-copy discipline for the common case (same filesystem) while
// still working across filesystem boundaries.
func CopyFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	return copyContents(src, dst)
}

// copyContents copies src's bytes into dst and fsyncs dst; src is left in
// place.
func copyContents(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "open "+src)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "create "+dst)
	}
	defer out.Close()
	if _, err := out.ReadFrom(in); err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "copy "+src+" -> "+dst)
	}
	if err := out.Sync(); err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "fsync "+dst)
	}
	return nil
}

// CopyControlFile is the Finalizer's last transfer step: the control file
// is never dispatched to the Transfer Scheduler (inventory.ExcludeControlFile
// sees to that); it is copied here, after every other file has landed, so a
// destination whose control file already reflects "backup complete" can
// only exist once everything else genuinely is (spec.md §4.9).
func CopyControlFile(sourcePath, destDataDir string) error {
	dest := filepath.Join(destDataDir, inventory.ControlFileRelPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "mkdir for control file")
	}
	return copyContents(sourcePath, dest)
}

// WriteBackupLabel writes the non-exclusive backup protocol's label text
// verbatim as backup_label in the destination data directory. Per spec.md
// §9's preserved open-question decision, the tablespace-map text returned
// by pg_backup_stop is discarded rather than written as tablespace_map —
// the destination's own tablespace symlinks (already laid down by
// transfer.PrecreateDirectories) are authoritative.
func WriteBackupLabel(destDataDir, labelText string) error {
	path := filepath.Join(destDataDir, "backup_label")
	if err := os.WriteFile(path, []byte(labelText), 0o600); err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "write backup_label")
	}
	return nil
}

// MoveWAL relocates every file pg_receivewal wrote into walSrcDir into the
// destination's pg_wal directory, renaming the trailing ".partial" segment
// once streaming has stopped (mirrors the teacher's stepWalFinalize).
func MoveWAL(walSrcDir, destDataDir string) error {
	destWAL := filepath.Join(destDataDir, inventory.WALSubdir)
	if err := os.MkdirAll(destWAL, 0o700); err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "mkdir destination wal dir")
	}

	entries, err := os.ReadDir(walSrcDir)
	if err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "read wal streaming dir")
	}
	for _, e := range entries {
		if e.Name() == "pg_receivewal.log" {
			continue
		}
		src := filepath.Join(walSrcDir, e.Name())
		dst := filepath.Join(destWAL, e.Name())
		if err := CopyFile(src, dst); err != nil {
			return err
		}
	}

	partials, _ := filepath.Glob(filepath.Join(destWAL, "*.partial"))
	if len(partials) > 0 {
		sort.Strings(partials)
		last := partials[len(partials)-1]
		if err := os.Rename(last, strings.TrimSuffix(last, ".partial")); err != nil {
			return errkind.Wrap(err, errkind.IOFailure, "rename trailing partial wal segment")
		}
	}
	return nil
}

// DeleteRedundant implements spec.md §4.10: every destination entry with no
// counterpart in the source list is removed, except the relation map,
// which is always refreshed by the transfer pass and therefore never
// counted as redundant even when it happens to be (spec.md §9's preserved
// "possibly-buggy source behavior").
//
// sourceList and destList must both already be SortByPath'd.
func DeleteRedundant(sourceList, destList inventory.List, destDataDir string) (deleted int, err error) {
	for i := len(destList) - 1; i >= 0; i-- {
		e := destList[i]
		if e.RelPath == inventory.RelationMapRelPath {
			continue
		}
		if _, ok := sourceList.FindByPath(e.RelPath); ok {
			continue
		}
		path := filepath.Join(destDataDir, e.RelPath)
		if e.IsDir() {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return deleted, errkind.Wrap(err, errkind.IOFailure, "remove redundant directory "+path)
			}
		} else {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return deleted, errkind.Wrap(err, errkind.IOFailure, "remove redundant file "+path)
			}
		}
		deleted++
	}
	return deleted, nil
}

// OverwriteMinRecoveryPoint is the supplemented replica bookkeeping step:
// when the source is a replica (the engine calls it in every mode in that
// case), the destination's own control file must already read back minimum-recovery-point == stopLSN/timeline before
// the run reports success, rather than waiting for PostgreSQL's own
// startup process to derive the same bookkeeping from backup_label one run
// too late.
func OverwriteMinRecoveryPoint(ctx context.Context, destDataDir string, stopLSN lsn.LSN, timeline uint32) error {
	if _, err := os.Stat(filepath.Join(destDataDir, "backup_label")); err != nil {
		return errkind.Wrap(err, errkind.PreconditionViolation, "backup_label missing ahead of minimum-recovery-point handoff")
	}
	return pgcontrol.OverwriteMinRecoveryPoint(ctx, pgcontrol.LocalRunner{}, destDataDir, stopLSN, timeline)
}

// SyncAll fsyncs every regular file in files (already-path-sorted and
// relative to destDataDir, the shape inventory.List leaves the source list
// in) plus the control file itself, then the destination data directory's
// own fd (spec.md §9's "fsync everything touched" default, now an explicit
// final pass rather than per-copy). Subdirectories, pg_wal included, are
// not fsynced, so entries MoveWAL creates in pg_wal and removals
// DeleteRedundant makes below the top level are not covered by it.
func SyncAll(destDataDir string, files inventory.List) error {
	for _, e := range files {
		if e.IsDir() || e.IsSymlink() {
			continue
		}
		if err := syncFile(filepath.Join(destDataDir, e.RelPath)); err != nil {
			return err
		}
	}
	if err := syncFile(filepath.Join(destDataDir, inventory.ControlFileRelPath)); err != nil {
		return err
	}

	f, err := os.Open(destDataDir)
	if err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "open destination data directory for fsync")
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "fsync destination data directory")
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errkind.Wrap(err, errkind.IOFailure, "open "+path+" for fsync")
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "fsync "+path)
	}
	return nil
}
