package walstream

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vbp1/pgcatchup/internal/lsn"
)

// TestMain checks Supervisor.Start/Stop's background goroutines are always
// cleaned up by the end of a test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func TestWaitForCoverageSucceedsOnceSegmentsLand(t *testing.T) {
	dir := t.TempDir()
	s := &Supervisor{Dir: dir}

	segSize := uint64(16 * 1024 * 1024)
	start := lsn.MustParse("0/3000000")
	stop := lsn.MustParse("0/3000000")
	segments := lsn.SegmentRange(1, start, stop, segSize)
	require.Len(t, segments, 1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(dir, segments[0]), []byte("x"), 0o600)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.WaitForCoverage(ctx, 1, start, stop, segSize, 5*time.Millisecond)
	require.NoError(t, err)
}

func TestWaitForCoverageCancelled(t *testing.T) {
	dir := t.TempDir()
	s := &Supervisor{Dir: dir}
	segSize := uint64(16 * 1024 * 1024)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.WaitForCoverage(ctx, 1, lsn.MustParse("0/3000000"), lsn.MustParse("0/3000000"), segSize, time.Millisecond)
	require.Error(t, err)
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	s := &Supervisor{Dir: t.TempDir()}
	err := s.Stop(context.Background())
	require.NoError(t, err)
}

func TestStartRequiresDirectory(t *testing.T) {
	s := &Supervisor{}
	err := s.Start(context.Background(), lsn.MustParse("0/3000000"))
	require.Error(t, err)
}
