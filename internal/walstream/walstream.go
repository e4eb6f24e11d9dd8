// Package walstream implements the WAL Streamer Supervisor (spec.md §4.6):
// it launches pg_receivewal against the source right after the backup
// window opens, from the window's start LSN, and blocks the Finalizer until
// every WAL segment covering the backup window has landed on disk.
package walstream

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/vbp1/pgcatchup/internal/errkind"
	"github.com/vbp1/pgcatchup/internal/lsn"
	"github.com/vbp1/pgcatchup/internal/process"
)

// Supervisor wraps a single pg_receivewal child process, generalized from
// the teacher's wal.Receiver to start from an explicit LSN/timeline and to
// wait for segment coverage instead of one fixed filename.
type Supervisor struct {
	Host    string
	Port    int
	User    string
	Dir     string
	Slot    string
	Verbose bool
	AppName string

	cmd    *exec.Cmd
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// Start launches pg_receivewal streaming from startLSN on the source's
// current timeline (spec.md §4.6). The engine calls it right after the
// backup window opens, passing the window's start LSN.
func (s *Supervisor) Start(ctx context.Context, startLSN lsn.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return errkind.New(errkind.StreamingFailure, "wal streamer already started")
	}
	if s.Dir == "" {
		return errkind.New(errkind.StreamingFailure, "wal streamer: destination directory not set")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "create wal streaming directory")
	}

	args := []string{
		"--host", s.Host,
		"--port", fmt.Sprintf("%d", s.Port),
		"--username", s.User,
		"--no-password",
		"--directory", s.Dir,
		"--startpos", startLSN.String(),
	}
	if s.Slot != "" {
		args = append(args, "--slot", s.Slot)
	}
	if s.Verbose {
		args = append(args, "--verbose")
	}

	bin, err := exec.LookPath("pg_receivewal")
	if err != nil {
		return errkind.Wrap(err, errkind.StreamingFailure, "pg_receivewal not found on PATH")
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	if s.AppName != "" {
		cmd.Env = append(os.Environ(), "PGAPPNAME="+s.AppName)
	}
	logFile := filepath.Join(s.Dir, "pg_receivewal.log")
	lf, err := os.Create(logFile)
	if err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "create wal streamer log file")
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		_ = lf.Close()
		return errkind.Wrap(err, errkind.StreamingFailure, "start pg_receivewal")
	}

	s.cmd = cmd
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := cmd.Wait()
		_ = lf.Close()
		if err != nil && !s.closed {
			slog.Warn("pg_receivewal exited unexpectedly", "err", err)
		}
	}()

	return nil
}

// WaitForCoverage polls the streaming directory until every segment named
// by lsn.SegmentRange(timeline, startLSN, stopLSN, segSize) is present and
// no longer carries the in-progress ".partial" suffix, or ctx is done.
func (s *Supervisor) WaitForCoverage(ctx context.Context, timeline uint32, startLSN, stopLSN lsn.LSN, segSize uint64, poll time.Duration) error {
	segments := lsn.SegmentRange(timeline, startLSN, stopLSN, segSize)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if s.allPresent(segments) {
			return nil
		}
		select {
		case <-ctx.Done():
			return errkind.Wrap(ctx.Err(), errkind.StreamingFailure, "wal coverage wait cancelled")
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) allPresent(segments []string) bool {
	for _, name := range segments {
		if _, err := os.Stat(filepath.Join(s.Dir, name)); err != nil {
			return false
		}
	}
	return true
}

// Stop terminates pg_receivewal gracefully and, if a slot was used, drops
// it (mirroring the teacher's wal.Receiver.Stop idiom).
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		return errkind.Wrap(err, errkind.StreamingFailure, "signal pg_receivewal")
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if s.Slot != "" {
			res := process.RunLogged(ctx, "pg_receivewal",
				"--host", s.Host,
				"--port", fmt.Sprintf("%d", s.Port),
				"--username", s.User,
				"--no-password", "--drop-slot", "--slot", s.Slot)
			if res.Err != nil {
				slog.Warn("drop replication slot failed", "slot", s.Slot, "err", res.Err)
			}
		}
		return nil
	case <-ctx.Done():
		return errkind.Wrap(ctx.Err(), errkind.Interrupted, "wal streamer stop cancelled")
	}
}
