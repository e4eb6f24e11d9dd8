// Package backupwindow implements the Backup-Window Controller (spec.md
// §4.5): it opens the non-exclusive backup protocol on the source, returns
// the start LSN, and — after the File Inventory and WAL Streamer phases
// have run — closes it, returning the label text, tablespace-map text, the
// stop LSN, and the recovery snapshot coordinates.
package backupwindow

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vbp1/pgcatchup/internal/errkind"
	"github.com/vbp1/pgcatchup/internal/lsn"
)

// Queryer is the subset of pgxpool.Pool / pgx.Conn this package needs.
type Queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Window is the state an open backup window carries between Start and Stop.
type Window struct {
	Label    string
	StartLSN lsn.LSN
}

// Stopped is everything Stop reads back from pg_backup_stop.
type Stopped struct {
	StopLSN       lsn.LSN
	LabelText     string
	TablespaceMap string
	RecoveryTime  time.Time
	RecoveryTxID  uint64
}

// Start opens the non-exclusive backup protocol with the given label
// (spec.md §4.5's "timestamped label"). fast=true skips the checkpoint
// spread (matches the teacher's stepBackupStart, which always passes
// fast=true).
func Start(ctx context.Context, q Queryer, label string) (Window, error) {
	var startLSNText string
	err := q.QueryRow(ctx, `SELECT pg_backup_start($1, true)`, label).Scan(&startLSNText)
	if err != nil {
		return Window{}, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "pg_backup_start")
	}
	startLSN, err := lsn.Parse(startLSNText)
	if err != nil {
		return Window{}, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "pg_backup_start: parse start lsn")
	}
	return Window{Label: label, StartLSN: startLSN}, nil
}

// RestorePoint creates a named restore point once the File Inventory and
// WAL Streamer phases are under way, giving the operator a recovery target
// inside the backup window. Skipped entirely when the source is a replica
// (pg_create_restore_point requires primary) or lacks elevated rights
// (spec.md §11 — supplemented feature, optional by design).
func RestorePoint(ctx context.Context, q Queryer, name string) (lsn.LSN, error) {
	var lsnText string
	if err := q.QueryRow(ctx, `SELECT pg_create_restore_point($1)`, name).Scan(&lsnText); err != nil {
		return lsn.Invalid, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "pg_create_restore_point")
	}
	return lsn.Parse(lsnText)
}

// Stop closes the non-exclusive backup protocol, returning the stop LSN,
// the backup_label text the Finalizer writes, and the tablespace-map text,
// which the Finalizer does not write.
func Stop(ctx context.Context, q Queryer) (Stopped, error) {
	var stopLSNText, labelText, mapText string
	var snapshotTime time.Time
	var snapshotTxID uint64
	err := q.QueryRow(ctx, `SELECT lsn, labelfile, spcmapfile,
		pg_postmaster_start_time(), txid_current()
		FROM pg_backup_stop(true)`).
		Scan(&stopLSNText, &labelText, &mapText, &snapshotTime, &snapshotTxID)
	if err != nil {
		return Stopped{}, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "pg_backup_stop")
	}
	stopLSN, err := lsn.Parse(stopLSNText)
	if err != nil {
		return Stopped{}, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "pg_backup_stop: parse stop lsn")
	}
	return Stopped{
		StopLSN:       stopLSN,
		LabelText:     labelText,
		TablespaceMap: mapText,
		RecoveryTime:  snapshotTime,
		RecoveryTxID:  snapshotTxID,
	}, nil
}

// WaitArchived blocks until the WAL segment containing until has been
// archived (or, lacking archiving, until the bounded wait elapses), using
// archive_timeout as the bound — spec.md §4.5's "bounded wait". A
// zero-valued timeout falls back to catchup.DefaultArchiveTimeout by
// caller convention; this package only enforces whatever bound it is
// given.
func WaitArchived(ctx context.Context, poll func(context.Context) (bool, error), timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		done, err := poll(ctx)
		if err != nil {
			return errkind.Wrap(err, errkind.StreamingFailure, "wal archive wait")
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return errkind.New(errkind.StreamingFailure, "timed out waiting for wal segment to be archived")
		}
		select {
		case <-ctx.Done():
			return errkind.Wrap(ctx.Err(), errkind.Interrupted, "wal archive wait cancelled")
		case <-ticker.C:
		}
	}
}
