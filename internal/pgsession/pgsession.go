// Package pgsession owns the two kinds of PostgreSQL session the catchup
// engine needs: an ordinary session (pooled, for catalog queries and the
// backup-start/stop protocol) and a replication-mode session (for
// TIMELINE_HISTORY; pg_receivewal opens its own). Everything below the
// connection string is delegated to pgx/pgconn; this package only shapes
// the two session kinds the rest of the engine depends on.
package pgsession

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConnOptions are the connection parameters common to both session kinds.
type ConnOptions struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

func (o ConnOptions) dsn(extra string) string {
	db := o.Database
	if db == "" {
		db = "postgres"
	}
	s := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=prefer", o.Host, o.Port, o.User, db)
	if o.Password != "" {
		s += " password=" + o.Password
	}
	if extra != "" {
		s += " " + extra
	}
	return s
}

// Open establishes an ordinary pooled session used for catalog queries and
// the backup-start/stop protocol.
func Open(ctx context.Context, opts ConnOptions) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, opts.dsn(""))
	if err != nil {
		return nil, fmt.Errorf("pgsession: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgsession: ping: %w", err)
	}
	return pool, nil
}

// ReplicationConn wraps a physical-replication-mode pgconn.PgConn, the
// session kind TIMELINE_HISTORY and pg_receivewal both speak.
type ReplicationConn struct {
	raw *pgconn.PgConn
}

// OpenReplication dials a session with replication=database set, required
// for TIMELINE_HISTORY and START_REPLICATION.
func OpenReplication(ctx context.Context, opts ConnOptions) (*ReplicationConn, error) {
	raw, err := pgconn.Connect(ctx, opts.dsn("replication=database"))
	if err != nil {
		return nil, fmt.Errorf("pgsession: open replication conn: %w", err)
	}
	return &ReplicationConn{raw: raw}, nil
}

// Close releases the underlying connection.
func (r *ReplicationConn) Close(ctx context.Context) error {
	return r.raw.Close(ctx)
}

// SimpleQuery runs a replication-protocol command (IDENTIFY_SYSTEM,
// TIMELINE_HISTORY N, ...) and returns its rows as raw bytes, the shape the
// replication protocol actually speaks (no type OIDs).
func (r *ReplicationConn) SimpleQuery(ctx context.Context, sql string) ([][][]byte, error) {
	results, err := r.raw.Exec(ctx, sql).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("pgsession: replication command %q: %w", sql, err)
	}
	var rows [][][]byte
	for _, res := range results {
		if res.Err != nil {
			return nil, fmt.Errorf("pgsession: replication command %q: %w", sql, res.Err)
		}
		rows = append(rows, res.Rows...)
	}
	return rows, nil
}
