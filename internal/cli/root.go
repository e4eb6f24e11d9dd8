package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/cobra"

	"github.com/vbp1/pgcatchup/internal/catchup"
	"github.com/vbp1/pgcatchup/internal/debug"
	"github.com/vbp1/pgcatchup/internal/engine"
	"github.com/vbp1/pgcatchup/internal/log"
	"github.com/vbp1/pgcatchup/internal/util/signalctx"
)

// flags holds the raw values cobra binds to; translated into catchup.Config
// in RunE so internal/catchup never imports cobra and stays usable from
// tests and from the --dry-run path without a command-line front end.
type flags struct {
	Mode string

	SourceDataDir string
	DestDataDir   string

	PGHost     string
	PGPort     int
	PGUser     string
	PGPassword string
	PGDatabase string

	SSHHost     string
	SSHUser     string
	SSHKey      string
	InsecureSSH bool

	NumThreads     int
	NoSync         bool
	ArchiveTimeout int

	TablespaceMap []string

	Progress    string
	ProgressInt int

	DryRun bool

	Debug   bool
	Verbose bool
}

var f = &flags{}

// RootCmd is the main entry point invoked from cmd/pgcatchup.
var RootCmd = &cobra.Command{
	Use:           "pgcatchup",
	Short:         "Incrementally catch a PostgreSQL data directory up to a running source",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Setup(f.Debug, f.Verbose)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		slog.Info("pgcatchup starting")
		debug.StopIf("before-main")

		cfg, err := buildConfig(f)
		if err != nil {
			return err
		}

		if cfg.DryRun {
			slog.Info("dry run: configuration validated, no changes made", "mode", cfg.Mode)
			return nil
		}

		ctx, cancel, _ := signalctx.WithSignals(context.Background())
		defer cancel()

		if err := engine.Run(ctx, cfg); err != nil {
			return err
		}

		slog.Info("pgcatchup finished successfully")
		return nil
	},
}

// buildConfig translates parsed flags into catchup.Config, resolving
// NumThreads to the host's logical CPU count when left at its zero value
// (spec.md §6's "worker count" operator surface).
func buildConfig(f *flags) (catchup.Config, error) {
	mode, err := catchup.ParseMode(f.Mode)
	if err != nil {
		return catchup.Config{}, err
	}

	numThreads := f.NumThreads
	if numThreads <= 0 {
		n, cerr := cpu.Counts(true)
		if cerr != nil || n <= 0 {
			n = 1
		}
		numThreads = n
	}

	mappings, err := parseTablespaceMappings(f.TablespaceMap)
	if err != nil {
		return catchup.Config{}, err
	}

	return catchup.Config{
		Mode:               mode,
		SourceDataDir:      f.SourceDataDir,
		DestDataDir:        f.DestDataDir,
		PGHost:             f.PGHost,
		PGPort:             f.PGPort,
		PGUser:             f.PGUser,
		PGPassword:         f.PGPassword,
		PGDatabase:         f.PGDatabase,
		SSHHost:            f.SSHHost,
		SSHUser:            f.SSHUser,
		SSHKey:             f.SSHKey,
		InsecureSSH:        f.InsecureSSH,
		NumThreads:         numThreads,
		SyncDest:           !f.NoSync,
		ArchiveTimeout:     time.Duration(f.ArchiveTimeout) * time.Second,
		TablespaceMappings: mappings,
		Progress:           f.Progress,
		ProgressInt:        f.ProgressInt,
		DryRun:             f.DryRun,
		Debug:              f.Debug,
		Verbose:            f.Verbose,
	}, nil
}

// Execute parses flags and runs the root command.
func Execute() error { return RootCmd.Execute() }

func init() {
	fl := RootCmd.Flags()
	fl.StringVar(&f.Mode, "mode", "full", "Catchup mode: full|delta|ptrack")
	fl.StringVar(&f.SourceDataDir, "source-pgdata", "", "Source PGDATA path (required)")
	fl.StringVar(&f.DestDataDir, "dest-pgdata", "", "Destination PGDATA path (required)")
	fl.StringVar(&f.PGHost, "pghost", "", "Source host (required)")
	fl.IntVar(&f.PGPort, "pgport", 5432, "Source port")
	fl.StringVar(&f.PGUser, "pguser", "", "Source user (required)")
	fl.StringVar(&f.PGPassword, "pgpassword", "", "Source password (or set PGPASSWORD)")
	fl.StringVar(&f.PGDatabase, "pgdatabase", "postgres", "Source database")
	fl.StringVar(&f.SSHHost, "ssh-host", "", "Source host reached over SSH (empty: source and destination share a host)")
	fl.StringVar(&f.SSHUser, "ssh-user", "", "SSH user")
	fl.StringVar(&f.SSHKey, "ssh-key", "", "SSH private key file")
	fl.BoolVar(&f.InsecureSSH, "insecure-ssh", false, "Disable strict host-key checking (NOT recommended)")
	fl.IntVar(&f.NumThreads, "num-threads", 0, "Transfer worker count (default: logical CPU count)")
	fl.BoolVar(&f.NoSync, "no-sync", false, "Skip the closing fsync pass")
	fl.IntVar(&f.ArchiveTimeout, "archive-timeout", 60, "Seconds to wait for the stop-lsn segment to archive")
	fl.StringArrayVar(&f.TablespaceMap, "tablespace-mapping", nil, "source=destination tablespace path pair, repeatable")
	fl.StringVar(&f.Progress, "progress", "auto", "Progress display mode: auto|bar|plain|none")
	fl.IntVar(&f.ProgressInt, "progress-interval", 30, "Seconds between updates in plain mode")
	fl.BoolVar(&f.DryRun, "dry-run", false, "Validate configuration only, then exit without connecting, running preflight checks or copying anything")
	fl.BoolVar(&f.Debug, "debug", false, "Enable debug trace output")
	fl.BoolVar(&f.Verbose, "verbose", false, "Verbose output")

	_ = RootCmd.MarkFlagRequired("source-pgdata")
	_ = RootCmd.MarkFlagRequired("dest-pgdata")
	_ = RootCmd.MarkFlagRequired("pghost")
	_ = RootCmd.MarkFlagRequired("pguser")
}

func parseTablespaceMappings(pairs []string) ([]catchup.TablespaceMapping, error) {
	out := make([]catchup.TablespaceMapping, 0, len(pairs))
	for _, p := range pairs {
		idx := indexByte(p, '=')
		if idx < 0 {
			return nil, fmt.Errorf("--tablespace-mapping %q: expected source=destination", p)
		}
		out = append(out, catchup.TablespaceMapping{Source: p[:idx], Destination: p[idx+1:]})
	}
	return out, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
