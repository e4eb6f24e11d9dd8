// Package probe implements the Source Probe: the first phase of the
// catchup pipeline, opening a database session against the source and
// reading the node descriptor the rest of the pipeline reasons about
// (spec.md §2.1, §3 "Node descriptor").
package probe

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/vbp1/pgcatchup/internal/errkind"
)

// Queryer is the subset of pgxpool.Pool / pgx.Conn / pgxmock this package
// needs, kept minimal so unit tests can mock it with pgxmock.
type Queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NodeDescriptor is the per-endpoint record spec.md §3 calls for. The same
// type describes both the source and (where applicable) the destination.
type NodeDescriptor struct {
	ServerVersionNum int64
	ServerVersion    string
	IsReplica        bool
	Superuser        bool // elevated rights: superuser or pg_write_server_files-equivalent

	PtrackVersion string // empty if extension not installed
	PtrackEnabled bool

	ChecksumVersion int32
	PtrackSchema    string

	WALSegmentSize   int64
	SystemIdentifier uint64
	CurrentTimeline  uint32
}

// Probe opens the node descriptor for the source database session. It runs
// only read-only catalog queries; it makes no on-disk or server-state
// mutation.
func Probe(ctx context.Context, q Queryer) (NodeDescriptor, error) {
	var nd NodeDescriptor

	if err := q.QueryRow(ctx, `SHOW server_version`).Scan(&nd.ServerVersion); err != nil {
		return nd, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "probe: server_version")
	}
	if err := q.QueryRow(ctx, `SELECT current_setting('server_version_num')::bigint`).Scan(&nd.ServerVersionNum); err != nil {
		return nd, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "probe: server_version_num")
	}

	if err := q.QueryRow(ctx, `SELECT pg_is_in_recovery()`).Scan(&nd.IsReplica); err != nil {
		return nd, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "probe: pg_is_in_recovery")
	}

	if err := q.QueryRow(ctx, `SELECT pg_has_role(current_user, 'pg_write_server_files', 'MEMBER') OR (SELECT usesuper FROM pg_user WHERE usename = current_user)`).Scan(&nd.Superuser); err != nil {
		return nd, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "probe: role check")
	}

	if err := q.QueryRow(ctx, `SELECT current_setting('wal_segment_size')::bigint`).Scan(&nd.WALSegmentSize); err != nil {
		return nd, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "probe: wal_segment_size")
	}

	if err := q.QueryRow(ctx, `SELECT system_identifier FROM pg_control_system()`).Scan(&nd.SystemIdentifier); err != nil {
		return nd, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "probe: system_identifier")
	}
	if err := q.QueryRow(ctx, `SELECT timeline_id FROM pg_control_checkpoint()`).Scan(&nd.CurrentTimeline); err != nil {
		return nd, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "probe: timeline_id")
	}

	// ptrack capability: extension may simply not be installed, which is
	// not an error at probe time — only PTRACK mode's preflight check
	// treats that as fatal.
	err := q.QueryRow(ctx, `SELECT extversion FROM pg_extension WHERE extname = 'ptrack'`).Scan(&nd.PtrackVersion)
	if err != nil && err != pgx.ErrNoRows {
		return nd, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "probe: ptrack extversion")
	}
	if nd.PtrackVersion != "" {
		if err := q.QueryRow(ctx, `SHOW ptrack.map_size`).Scan(&nd.PtrackSchema); err == nil {
			nd.PtrackEnabled = true
		}
	}

	if err := q.QueryRow(ctx, `SELECT data_checksum_version FROM pg_control_init()`).Scan(&nd.ChecksumVersion); err != nil {
		return nd, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "probe: data_checksum_version")
	}

	return nd, nil
}
