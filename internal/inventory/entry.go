// Package inventory builds and orders the source/destination file lists the
// rest of the catchup engine works from (spec.md §3 "File entry"/"File
// list", §4.4 "File Inventory").
package inventory

import (
	"io/fs"
	"sync/atomic"
)

// WriteResult sentinels recorded in Entry.WriteSize by the copier
// (spec.md §3, §4.8).
const (
	WriteNotFound int64 = -1
	WriteUnchanged int64 = -2
)

// Entry is the per-path record spec.md §3 calls "File entry". The claim
// flag and the two counters are the only fields any worker mutates after
// the list is built; everything else is immutable once Inventory has
// returned (spec.md §5 "Shared-resource policy").
type Entry struct {
	// RelPath is POSIX, anchored at the data directory, e.g.
	// "base/1/2619" or "pg_tblspc/16400".
	RelPath string

	Mode fs.FileMode
	Size int64

	IsDataFile        bool
	IsCompressedFSMember bool
	ExternalDirID     int // 0 when not under an external/tablespace directory

	// PageBitmap is populated only in PTRACK mode, only for data files: the
	// set of block numbers the Change-Map Builder reports changed.
	PageBitmap []uint32

	// ExistsInPrev is set by the engine after a binary search against the
	// destination list, before the Transfer Scheduler runs, in incremental
	// modes only.
	ExistsInPrev bool
	PrevSize     int64

	claimed atomic.Bool

	ReadSize  int64
	WriteSize int64
}

// TryClaim atomically transitions the entry from unclaimed to claimed. It
// returns true exactly once per entry, enforcing spec.md invariant 7
// ("Exactly one worker transitions each file's claim flag from unset to
// set").
func (e *Entry) TryClaim() bool {
	return e.claimed.CompareAndSwap(false, true)
}

// Claimed reports the current claim state without mutating it.
func (e *Entry) Claimed() bool { return e.claimed.Load() }

// IsDir reports whether the entry denotes a directory.
func (e *Entry) IsDir() bool { return e.Mode.IsDir() }

// IsSymlink reports whether the entry denotes a symlink (tablespace
// symlinks are recorded this way by the walk).
func (e *Entry) IsSymlink() bool { return e.Mode&fs.ModeSymlink != 0 }
