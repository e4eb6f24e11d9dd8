// Package tablespace implements the Tablespace Resolver (spec.md §4.2): it
// maps each source tablespace symlink to an operator-supplied destination
// path and enforces the absolute-path and emptiness rules.
package tablespace

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/vbp1/pgcatchup/internal/catchup"
	"github.com/vbp1/pgcatchup/internal/errkind"
)

// Queryer is the subset of pgxpool.Pool / pgx.Conn this package needs.
type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ListLocations queries every non-builtin tablespace's oid and on-disk
// location.
func ListLocations(ctx context.Context, q Queryer) ([]Location, error) {
	rows, err := q.Query(ctx, `SELECT oid, pg_tablespace_location(oid)
		FROM pg_tablespace
		WHERE spcname NOT IN ('pg_default', 'pg_global')`)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "list tablespaces")
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		var oid uint32
		var target string
		if err := rows.Scan(&oid, &target); err != nil {
			return nil, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "scan tablespace row")
		}
		out = append(out, Location{OID: strconv.FormatUint(uint64(oid), 10), Target: target})
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "iterate tablespace rows")
	}
	return out, nil
}

// Mapping is a resolved (source -> destination) tablespace path table.
// Lookup of an unmapped source path returns that same path unchanged
// (spec.md §3 "Tablespace mapping"), which is what lets remote mode treat
// an absent mapping as "use the source path verbatim, it happens to not
// collide cross-host" instead of a hard error.
type Mapping struct {
	byLocal map[string]string
}

// NewMapping builds a Mapping from operator-supplied pairs, validating that
// both sides are absolute (spec.md §3, §4.2).
func NewMapping(pairs []catchup.TablespaceMapping) (*Mapping, error) {
	m := &Mapping{byLocal: make(map[string]string, len(pairs))}
	for _, p := range pairs {
		if !filepath.IsAbs(p.Source) || !filepath.IsAbs(p.Destination) {
			return nil, errkind.New(errkind.MappingError, "tablespace mapping requires absolute paths: "+p.Source+" -> "+p.Destination)
		}
		m.byLocal[filepath.Clean(p.Source)] = filepath.Clean(p.Destination)
	}
	return m, nil
}

// Resolve returns the destination path for a source tablespace path,
// falling back to the identical path when no mapping exists.
func (m *Mapping) Resolve(sourcePath string) (dest string, mapped bool) {
	clean := filepath.Clean(sourcePath)
	if d, ok := m.byLocal[clean]; ok {
		return d, true
	}
	return clean, false
}

// Location is one non-empty tablespace the source reports, keyed by its
// oid (the pg_tblspc symlink name) and the symlink's target.
type Location struct {
	OID    string
	Target string
}

// ValidateAndResolve enforces spec.md §4.2 for every source tablespace
// location: a mapping must exist unless remote (warning only), and FULL
// mode requires every mapped destination to be empty. It returns the
// resolved destination per OID and any non-fatal warnings for remote
// unmapped tablespaces.
func ValidateAndResolve(mapping *Mapping, locations []Location, mode catchup.Mode, remote bool) (destByOID map[string]string, warnings []string, err error) {
	destByOID = make(map[string]string, len(locations))
	for _, loc := range locations {
		dest, mapped := mapping.Resolve(loc.Target)
		if !mapped {
			if !remote {
				return nil, warnings, errkind.New(errkind.MappingError,
					"tablespace "+loc.OID+" ("+loc.Target+") has no destination mapping")
			}
			warnings = append(warnings, "tablespace "+loc.OID+" ("+loc.Target+") has no destination mapping; "+
				"remote source, continuing with the source path as authority for the symlink target")
		}

		if mode == catchup.FULL {
			empty, statErr := dirEmpty(dest)
			if statErr != nil && !os.IsNotExist(statErr) {
				return nil, warnings, errkind.Wrap(statErr, errkind.IOFailure, "stat mapped tablespace destination "+dest)
			}
			if !empty {
				return nil, warnings, errkind.New(errkind.MappingError, "mapped tablespace destination "+dest+" is not empty (FULL mode requires an empty destination)")
			}
		}

		destByOID[loc.OID] = dest
	}
	return destByOID, warnings, nil
}

func dirEmpty(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return len(entries) == 0, nil
}
