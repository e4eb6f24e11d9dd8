package inventory

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vbp1/pgcatchup/internal/errkind"
)

// List is an ordered sequence of file entries (spec.md §3 "File list").
// Two sort orders are required at distinct phases; List never assumes
// which order it currently holds — callers call SortByPath or
// SortBySizeDesc explicitly before relying on it.
type List []*Entry

// SortByPath orders ascending by relative path, the order the Directory
// Pre-creation pass and binary search require: parents sort before
// children because a path is always a prefix of its descendants' paths
// once both use '/' separators.
func (l List) SortByPath() {
	sort.Slice(l, func(i, j int) bool { return l[i].RelPath < l[j].RelPath })
}

// SortBySizeDesc orders descending by size, the order the Transfer
// Scheduler drains under atomic claim so the largest files start first and
// load-balance across workers.
func (l List) SortBySizeDesc() {
	sort.Slice(l, func(i, j int) bool { return l[i].Size > l[j].Size })
}

// FindByPath binary-searches a path-sorted list for an exact RelPath match.
// Callers must have called SortByPath first; behavior is undefined
// otherwise.
func (l List) FindByPath(relPath string) (*Entry, bool) {
	i := sort.Search(len(l), func(i int) bool { return l[i].RelPath >= relPath })
	if i < len(l) && l[i].RelPath == relPath {
		return l[i], true
	}
	return nil, false
}

// TotalBytes sums Size across every regular-file entry, the figure the
// File Inventory phase announces (spec.md §2.5, RunState.InventoryBytes).
func (l List) TotalBytes() int64 {
	var total int64
	for _, e := range l {
		if !e.IsDir() && !e.IsSymlink() {
			total += e.Size
		}
	}
	return total
}

// WALSubdir is the name of the WAL directory, excluded from the data
// transfer because WAL arrives via the streamer (spec.md §4.4).
const WALSubdir = "pg_wal"

// TablespacesSubdir is the directory whose children are symlinks to
// tablespace locations.
const TablespacesSubdir = "pg_tblspc"

// ControlFileRelPath is the control file's logical path, excised from the
// transfer list and copied last by the Finalizer (spec.md §4.8, §4.9).
const ControlFileRelPath = "global/pg_control"

// RelationMapRelPath is always refreshed by the transfer pass regardless of
// apparent staleness, and never removed by the delete pass
// (spec.md §4.9/§4.10).
const RelationMapRelPath = "global/pg_filenode.map"

// FS abstracts the filesystem a Walk reads from, so the same walk logic
// serves both a local data directory and one reached over SSH
// (internal/remotefs implements this for the remote case).
type FS interface {
	// Lstat returns the mode/size of path itself without following a
	// symlink; callers resolve symlink targets through Readlink.
	Lstat(path string) (fs.FileInfo, error)
	ReadDir(path string) ([]fs.DirEntry, error)
	Readlink(path string) (string, error)
}

// localFS implements FS against the real local filesystem.
type localFS struct{}

// LocalFS is the FS implementation for a data directory reachable on this
// host.
var LocalFS FS = localFS{}

func (localFS) Lstat(path string) (fs.FileInfo, error)     { return os.Lstat(path) }
func (localFS) ReadDir(path string) ([]fs.DirEntry, error) { return os.ReadDir(path) }
func (localFS) Readlink(path string) (string, error)       { return os.Readlink(path) }

// Walk builds a path-sorted List rooted at dataDir. Symlinks directly under
// pg_tblspc are recorded as directory-shaped entries (ExternalDirID set, a
// non-zero, stable per-symlink id) whose logical path stays rooted at the
// data directory; their true destination is resolved later by the
// tablespace resolver, never by this walk (spec.md §4.4). The top-level WAL
// subdirectory is skipped entirely, its own entry included: WAL arrives via
// the streamer, not the data transfer.
func Walk(fsys FS, dataDir string, isDataFilePredicate func(relPath string, mode fs.FileMode) bool) (List, error) {
	var out List
	extDirID := 0

	var walk func(absDir, relDir string) error
	walk = func(absDir, relDir string) error {
		entries, err := fsys.ReadDir(absDir)
		if err != nil {
			return errkind.Wrapf(err, errkind.IOFailure, "inventory: read dir %s", absDir)
		}
		for _, de := range entries {
			name := de.Name()
			absPath := filepath.Join(absDir, name)
			relPath := name
			if relDir != "" {
				relPath = relDir + "/" + name
			}
			if relDir == "" && name == WALSubdir {
				continue
			}

			info, err := fsys.Lstat(absPath)
			if err != nil {
				return errkind.Wrapf(err, errkind.IOFailure, "inventory: lstat %s", absPath)
			}

			mode := info.Mode()
			entry := &Entry{RelPath: relPath, Mode: mode, Size: info.Size()}

			if mode&fs.ModeSymlink != 0 && relDir == TablespacesSubdir {
				extDirID++
				entry.ExternalDirID = extDirID
				entry.Mode = mode | fs.ModeDir // directory-shaped, per spec.md §4.4
				out = append(out, entry)

				target, err := fsys.Readlink(absPath)
				if err != nil {
					return errkind.Wrapf(err, errkind.IOFailure, "inventory: readlink %s", absPath)
				}
				if err := walk(target, relPath); err != nil {
					return err
				}
				continue
			}

			if mode.IsDir() {
				out = append(out, entry)
				if err := walk(absPath, relPath); err != nil {
					return err
				}
				continue
			}

			if isDataFilePredicate != nil {
				entry.IsDataFile = isDataFilePredicate(relPath, mode)
			}
			entry.IsCompressedFSMember = isCompressedFSMember(relPath)
			out = append(out, entry)
		}
		return nil
	}

	if err := walk(dataDir, ""); err != nil {
		return nil, err
	}
	out.SortByPath()
	return out, nil
}

// isCompressedFSMember reports whether relPath lives under a directory
// PostgreSQL marks as belonging to a compressed filesystem
// (pg_tblspc/.../PG_*_*.* style is out of scope here; this only flags the
// well-known "pgsql_tmp" staging areas the copier must stream instead of
// range-copy, mirroring what the teacher's rsync exclude list already
// singled out).
func isCompressedFSMember(relPath string) bool {
	return strings.Contains(relPath, "pgsql_tmp")
}

// ExcludeControlFile removes the control file entry from l (by binary
// search) and returns the remainder plus the removed entry, so the
// Transfer Scheduler never dispatches it — the Finalizer copies it last
// (spec.md §4.8 "Ordering guarantees").
func ExcludeControlFile(l List) (rest List, ctrl *Entry, err error) {
	l.SortByPath()
	e, ok := l.FindByPath(ControlFileRelPath)
	if !ok {
		return l, nil, fmt.Errorf("inventory: control file %s missing from source list", ControlFileRelPath)
	}
	rest = make(List, 0, len(l)-1)
	for _, it := range l {
		if it != e {
			rest = append(rest, it)
		}
	}
	return rest, e, nil
}
