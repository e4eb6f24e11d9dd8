// Package pgcontrol reads the destination's (and, when needed, the
// source's) on-disk control-file state the same way an operator would:
// by running the `pg_controldata` binary that ships alongside every
// PostgreSQL server and parsing its stable "Label:    value" text output.
// This mirrors the teacher's own idiom of shelling out to a PostgreSQL
// client-tools binary and regex-parsing its text (see
// internal/rsync/stats.go's `rsync --stats` parsing) rather than
// hand-rolling a binary reader for a struct layout that changes across
// major versions.
package pgcontrol

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/vbp1/pgcatchup/internal/catchup"
	"github.com/vbp1/pgcatchup/internal/errkind"
	"github.com/vbp1/pgcatchup/internal/lsn"
	"github.com/vbp1/pgcatchup/internal/process"
)

// ClusterState is the "Database cluster state" line's value.
type ClusterState string

const (
	StateInProduction       ClusterState = "in production"
	StateShutDown           ClusterState = "shut down"
	StateShutDownInRecovery ClusterState = "shut down in recovery"
	StateInCrashRecovery    ClusterState = "in crash recovery"
	StateInArchiveRecovery  ClusterState = "in archive recovery"
)

// Data is the subset of pg_controldata's output the catchup engine cares
// about.
type Data struct {
	SystemIdentifier     uint64
	ClusterState         ClusterState
	PgControlVersion     uint32
	CheckpointTimeline   uint32
	CheckpointRedoLSN    lsn.LSN
	PriorCheckpointLSN   lsn.LSN
	MinRecoveryEndingLSN lsn.LSN
}

// Runner executes `pg_controldata <dataDir>` and returns its stdout. The
// local implementation shells out directly; internal/remotefs provides the
// ssh-backed one so the same parser serves both.
type Runner interface {
	Run(ctx context.Context, dataDir string) ([]byte, error)
}

// LocalRunner runs pg_controldata on this host.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, dataDir string) ([]byte, error) {
	res := process.RunLogged(ctx, "pg_controldata", dataDir)
	if res.Err != nil {
		return nil, fmt.Errorf("pg_controldata %s: %w: %s", dataDir, res.Err, string(res.Stderr))
	}
	return res.Stdout, nil
}

// Read runs pg_controldata via r and parses its output.
func Read(ctx context.Context, r Runner, dataDir string) (Data, error) {
	out, err := r.Run(ctx, dataDir)
	if err != nil {
		return Data{}, errkind.Wrapf(err, errkind.IOFailure, "pg_controldata %s", dataDir)
	}
	return Parse(out)
}

// Parse reads pg_controldata's "Label:    value" text output.
func Parse(out []byte) (Data, error) {
	var d Data
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		i := strings.Index(line, ":")
		if i < 0 {
			continue
		}
		label := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		switch label {
		case "Database system identifier":
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return d, fmt.Errorf("pgcontrol: bad system identifier %q: %w", value, err)
			}
			d.SystemIdentifier = v
		case "Database cluster state":
			d.ClusterState = ClusterState(value)
		case "pg_control version number":
			v, err := strconv.ParseUint(value, 10, 32)
			if err == nil {
				d.PgControlVersion = uint32(v)
			}
		case "Latest checkpoint's TimeLineID":
			v, err := strconv.ParseUint(value, 10, 32)
			if err == nil {
				d.CheckpointTimeline = uint32(v)
			}
		case "Latest checkpoint's REDO location":
			v, err := lsn.Parse(value)
			if err == nil {
				d.CheckpointRedoLSN = v
			}
		case "Prior checkpoint's location":
			v, err := lsn.Parse(value)
			if err == nil {
				d.PriorCheckpointLSN = v
			}
		case "Minimum recovery ending location":
			v, err := lsn.Parse(value)
			if err == nil {
				d.MinRecoveryEndingLSN = v
			}
		}
	}
	if err := sc.Err(); err != nil {
		return d, err
	}
	if d.SystemIdentifier == 0 {
		return d, fmt.Errorf("pgcontrol: could not find system identifier in pg_controldata output")
	}
	return d, nil
}

// CleanlyShutDown reports whether state satisfies the Preflight
// Validator's "destination control state is cleanly shut down or cleanly
// shut down in recovery" check (spec.md §4.1).
func (d Data) CleanlyShutDown() bool {
	return d.ClusterState == StateShutDown || d.ClusterState == StateShutDownInRecovery
}

// RedoParams projects the fields catchup.RedoParams needs.
func (d Data) RedoParams() catchup.RedoParams {
	return catchup.RedoParams{
		Timeline:        d.CheckpointTimeline,
		LSN:             d.CheckpointRedoLSN,
		PriorCheckpoint: d.PriorCheckpointLSN,
	}
}
