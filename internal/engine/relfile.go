package engine

import (
	"io/fs"
	"regexp"
	"strings"
)

// relFileName matches PostgreSQL's own relation-file naming convention: a
// numeric relfilenode, optionally suffixed with one of the fork names
// ("_fsm", "_vm", "_init"), optionally followed by a ".N" segment number
// for files over 1GiB. Anything else under base/, global/ or a tablespace
// directory (pg_internal.init, pg_filenode.map, PG_VERSION, ...) fails the
// match and is treated as a non-data file.
var relFileName = regexp.MustCompile(`^[0-9]+(_(fsm|vm|init))?(\.[0-9]+)?$`)

// isDataFile classifies relPath for inventory.Walk's predicate (spec.md
// §4.8 "Data files (non-compressed-file-system)"): a page-structured
// relation file the block-aware copier may range-copy, as opposed to a
// whole-file copy target.
func isDataFile(relPath string, mode fs.FileMode) bool {
	if mode.IsDir() || mode&fs.ModeSymlink != 0 {
		return false
	}
	if !strings.HasPrefix(relPath, "base/") && !strings.HasPrefix(relPath, "global/") &&
		!strings.Contains(relPath, "pg_tblspc/") {
		return false
	}
	name := relPath[strings.LastIndexByte(relPath, '/')+1:]
	return relFileName.MatchString(name)
}
