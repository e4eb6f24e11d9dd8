package catchup

import (
	"time"

	"github.com/vbp1/pgcatchup/internal/lsn"
)

// RunState is the process-wide record of one catchup invocation (spec.md
// §3 "Run state"). It is created by the Source Probe, mutated by the
// Backup-Window Controller and the Finalizer, and never persisted —
// nothing about a run survives process exit, which is why resuming a
// partial run is a non-goal.
type RunState struct {
	Mode      Mode
	StartTime time.Time

	ProgramVersion string

	SourceTimeline uint32

	StartLSN lsn.LSN
	StopLSN  lsn.LSN

	RecoveryTime time.Time
	RecoveryTxID uint64

	// InventoryBytes is the total byte count the File Inventory phase
	// announced it would transfer, before the Transfer Scheduler runs. It
	// is informational (progress-bar total, end-of-run summary) and is
	// never used to gate correctness.
	InventoryBytes int64

	RunID string
}

// RedoParams is the destination's last durable checkpoint, read from its
// control file (spec.md §3).
type RedoParams struct {
	Timeline        uint32
	LSN             lsn.LSN
	PriorCheckpoint lsn.LSN
}
