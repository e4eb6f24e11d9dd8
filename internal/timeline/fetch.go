package timeline

import (
	"context"
	"fmt"

	"github.com/vbp1/pgcatchup/internal/errkind"
)

// Rower is the subset of pgsession.ReplicationConn this package needs,
// kept minimal so it can be faked in tests without a live connection.
type Rower interface {
	SimpleQuery(ctx context.Context, sql string) ([][][]byte, error)
}

// Fetch issues TIMELINE_HISTORY over a replication-mode session and parses
// the returned history file content (spec.md §4.3).
func Fetch(ctx context.Context, conn Rower, tli uint32) (History, error) {
	rows, err := conn.SimpleQuery(ctx, fmt.Sprintf("TIMELINE_HISTORY %d", tli))
	if err != nil {
		return nil, errkind.Wrapf(err, errkind.DatabaseProtocolFailure, "TIMELINE_HISTORY %d", tli)
	}
	if len(rows) != 1 || len(rows[0]) < 2 {
		return nil, errkind.New(errkind.DatabaseProtocolFailure, "TIMELINE_HISTORY: unexpected result shape")
	}
	return ParseHistory(rows[0][1], tli)
}
