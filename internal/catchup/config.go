package catchup

import "time"

// TablespaceMapping is one operator-supplied (source-absolute-path ->
// destination-absolute-path) pair, as repeated --tablespace-mapping flags.
type TablespaceMapping struct {
	Source      string
	Destination string
}

// Config collects every parameter the catchup engine needs. It is built
// exclusively by internal/cli from flags; internal/catchup never imports
// cobra so the engine stays usable from tests and from the --dry-run path
// without a command-line front end.
type Config struct {
	Mode Mode

	SourceDataDir string
	DestDataDir   string

	// Connection options for the ordinary and replication pgx sessions.
	PGHost     string
	PGPort     int
	PGUser     string
	PGPassword string
	PGDatabase string

	// Remote-over-SSH access to the source host's filesystem, used by
	// internal/remotefs and the control-file fetch. Empty SSHHost means
	// the source data directory is read locally (source and destination
	// co-located, e.g. integration tests against a bind-mounted volume).
	SSHHost     string
	SSHUser     string
	SSHKey      string
	InsecureSSH bool

	NumThreads     int
	SyncDest       bool // fsync every touched file at the end; default true
	ArchiveTimeout time.Duration

	TablespaceMappings []TablespaceMapping

	Progress    string // auto|bar|plain|none
	ProgressInt int

	DryRun bool

	Debug   bool
	Verbose bool
}

// DefaultArchiveTimeout is used whenever ArchiveTimeout <= 0, matching the
// backup-window controller's "built-in default" bound (spec.md §4.5). The
// source's own archive_timeout setting is not consulted.
const DefaultArchiveTimeout = 60 * time.Second
