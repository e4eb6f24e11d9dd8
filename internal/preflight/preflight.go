// Package preflight implements the Preflight Validator (spec.md §4.1): the
// last gate before the Backup-Window Controller is allowed to touch the
// source, checking every precondition the rest of the pipeline assumes
// already holds.
package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"

	"github.com/vbp1/pgcatchup/internal/catchup"
	"github.com/vbp1/pgcatchup/internal/errkind"
	"github.com/vbp1/pgcatchup/internal/pgcontrol"
	"github.com/vbp1/pgcatchup/internal/probe"
	"github.com/vbp1/pgcatchup/internal/tablespace"
	"github.com/vbp1/pgcatchup/internal/timeline"
)

// nonExclusiveBackupMinVersion is the server_version_num below which
// pg_backup_start/pg_backup_stop (non-exclusive mode) are unavailable.
const nonExclusiveBackupMinVersion = 90600

// minPtrackVersion is the lowest ptrack extension version the Change-Map
// Builder knows how to read (spec.md §4.7, §9).
const minPtrackVersion = "2.0"

// Inputs bundles everything the validator needs. Fields that do not apply
// to the configured mode may be left zero; only the checks that mode
// requires will read them.
type Inputs struct {
	Config catchup.Config

	Source probe.NodeDescriptor

	// DestControl is nil for FULL mode runs against an empty destination
	// (there is nothing to read yet).
	DestControl *pgcontrol.Data

	// SourceHistory is the source's timeline history as returned by the
	// Timeline Reconciler's Fetch, covering every timeline older than
	// Source.CurrentTimeline.
	SourceHistory timeline.History

	// DestTimeline is the destination's last checkpoint timeline, read
	// from DestControl by the caller (duplicated here so tests can supply
	// it separately). The checkpoint LSN is read from DestControl itself.
	DestTimeline uint32

	TablespaceLocations []tablespace.Location
}

// Result carries the validator's non-fatal observations alongside a nil
// error on success.
type Result struct {
	Warnings        []string
	TablespaceDests map[string]string
}

// Run executes every check spec.md §4.1 lists, in the order the spec gives
// them, and returns on the first failure.
func Run(ctx context.Context, in Inputs, tsMapping *tablespace.Mapping) (Result, error) {
	var res Result

	if err := checkDestinationEmptiness(in.Config.Mode, in.Config.DestDataDir); err != nil {
		return res, err
	}

	if in.Config.Mode != catchup.FULL {
		if err := checkNoLivePostmaster(in.Config.DestDataDir); err != nil {
			return res, err
		}
		if err := checkNoResidualBackupLabel(in.Config.DestDataDir); err != nil {
			return res, err
		}
		if in.DestControl == nil {
			return res, errkind.New(errkind.PreconditionViolation,
				"non-FULL mode requires a readable destination control file")
		}
		if !in.DestControl.CleanlyShutDown() {
			return res, errkind.New(errkind.PreconditionViolation,
				fmt.Sprintf("destination control state is %q, expected a clean shutdown", in.DestControl.ClusterState))
		}
		if err := checkSystemIdentity(in.Source.SystemIdentifier, in.DestControl.SystemIdentifier); err != nil {
			return res, err
		}
	}

	if in.Config.Mode == catchup.PTRACK {
		if err := checkPtrackCapability(in.Source); err != nil {
			return res, err
		}
	}

	if in.Source.IsReplica {
		if err := checkReplicaBackupMode(in.Source.ServerVersionNum); err != nil {
			return res, err
		}
	}

	destByOID, warnings, err := tablespace.ValidateAndResolve(tsMapping, in.TablespaceLocations, in.Config.Mode, in.Config.SSHHost != "")
	if err != nil {
		return res, err
	}
	res.Warnings = append(res.Warnings, warnings...)
	res.TablespaceDests = destByOID

	if in.Config.Mode != catchup.FULL {
		if err := timeline.Reachable(in.SourceHistory, in.Source.CurrentTimeline, in.DestTimeline, in.DestControl.CheckpointRedoLSN); err != nil {
			return res, err
		}
	}

	return res, nil
}

// checkDestinationEmptiness enforces spec.md §4.1's first check: FULL mode
// requires an empty (or absent) destination data directory; non-FULL modes
// require an existing, non-empty one.
func checkDestinationEmptiness(mode catchup.Mode, destDir string) error {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mode == catchup.FULL {
				return nil
			}
			return errkind.New(errkind.PreconditionViolation,
				fmt.Sprintf("%s mode requires an existing destination data directory, but %s does not exist", mode, destDir))
		}
		return errkind.Wrap(err, errkind.IOFailure, "stat destination data directory "+destDir)
	}
	empty := len(entries) == 0
	switch {
	case mode == catchup.FULL && !empty:
		return errkind.New(errkind.PreconditionViolation, "FULL mode requires an empty destination data directory, found contents in "+destDir)
	case mode != catchup.FULL && empty:
		return errkind.New(errkind.PreconditionViolation, fmt.Sprintf("%s mode requires an existing destination, but %s is empty", mode, destDir))
	}
	return nil
}

// checkNoLivePostmaster enforces the postmaster.pid liveness check,
// independent of the run-lock the engine itself holds on destDataDir (that
// lock lives under /tmp and has nothing to do with PostgreSQL's own
// pidfile). It opens its own flock.Flock scoped to postmaster.pid: a live
// postmaster holds an OS-level lock on this exact file for the life of the
// server, so a failed TryLock here means a server is running. When the
// file exists but is unlocked (the ordinary case: a clean shutdown leaves
// it present) the recorded pid is double-checked via unix.Kill(pid, 0),
// since a crash can leave an unlocked but still-accurate pidfile behind.
func checkNoLivePostmaster(destDataDir string) error {
	pidPath := filepath.Join(destDataDir, "postmaster.pid")

	if _, err := os.Stat(pidPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errkind.Wrap(err, errkind.IOFailure, "stat postmaster.pid")
	}

	pidLock := flock.New(pidPath)
	locked, err := pidLock.TryLock()
	if err != nil {
		return errkind.Wrap(err, errkind.PreconditionViolation, "postmaster.pid is malformed or inaccessible")
	}
	if !locked {
		return errkind.New(errkind.PreconditionViolation, "destination data directory appears to have a live postmaster (postmaster.pid is locked)")
	}
	defer pidLock.Unlock()

	pid, err := readPostmasterPID(pidPath)
	if err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "read postmaster.pid")
	}
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(pid, 0); err == nil || err == unix.EPERM {
		return errkind.New(errkind.PreconditionViolation,
			fmt.Sprintf("destination data directory appears to have a live postmaster (pid %d)", pid))
	}
	return nil
}

// readPostmasterPID parses the pid recorded on postmaster.pid's first line
// (PostgreSQL's own lock-file format, PGSHMEMDATA et al. fill in the rest).
func readPostmasterPID(pidPath string) (int, error) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("parse postmaster.pid: %w", err)
	}
	return pid, nil
}

func checkNoResidualBackupLabel(destDir string) error {
	_, err := os.Stat(filepath.Join(destDir, "backup_label"))
	if err == nil {
		return errkind.New(errkind.PreconditionViolation, "destination has a residual backup_label from a previous, incomplete run")
	}
	if !os.IsNotExist(err) {
		return errkind.Wrap(err, errkind.IOFailure, "stat destination backup_label")
	}
	return nil
}

func checkSystemIdentity(sourceID, destID uint64) error {
	if sourceID != destID {
		return errkind.New(errkind.PreconditionViolation,
			fmt.Sprintf("system identifier mismatch: source %d, destination %d", sourceID, destID))
	}
	return nil
}

func checkPtrackCapability(nd probe.NodeDescriptor) error {
	if nd.PtrackVersion == "" {
		return errkind.New(errkind.PreconditionViolation, "PTRACK mode requires the ptrack extension, which is not installed on the source")
	}
	if nd.PtrackVersion < minPtrackVersion {
		return errkind.New(errkind.PreconditionViolation,
			fmt.Sprintf("PTRACK mode requires ptrack >= %s, source has %s", minPtrackVersion, nd.PtrackVersion))
	}
	if !nd.PtrackEnabled {
		return errkind.New(errkind.PreconditionViolation, "ptrack extension is installed but not enabled (ptrack.map_size is unset)")
	}
	return nil
}

// freeSpaceMargin is added on top of the inventory's announced byte count:
// the destination also has to hold directory entries, the control file, and
// whatever WAL accumulates during the backup window, none of which the
// inventory total accounts for.
const freeSpaceMargin = 1.1

// CheckFreeSpace enforces spec.md §4.1's destination-capacity precondition.
// It is called once the File Inventory phase has announced the byte count
// it intends to transfer, which is why it is a standalone export rather
// than a step inside Run: Run happens before that total is known.
func CheckFreeSpace(destDir string, requiredBytes int64) error {
	usage, err := disk.Usage(destDir)
	if err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "stat destination filesystem free space")
	}
	needed := uint64(float64(requiredBytes) * freeSpaceMargin)
	if usage.Free < needed {
		return errkind.New(errkind.PreconditionViolation,
			fmt.Sprintf("destination filesystem has %d bytes free, need at least %d (inventory %d bytes + %.0f%% margin)",
				usage.Free, needed, requiredBytes, (freeSpaceMargin-1)*100))
	}
	return nil
}

func checkReplicaBackupMode(serverVersionNum int64) error {
	if serverVersionNum < nonExclusiveBackupMinVersion {
		return errkind.New(errkind.PreconditionViolation,
			fmt.Sprintf("source is a replica on server_version_num %d; non-exclusive backup mode requires >= %d", serverVersionNum, nonExclusiveBackupMinVersion))
	}
	return nil
}
